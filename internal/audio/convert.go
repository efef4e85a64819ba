package audio

import (
	"fmt"
	"math"
	"time"

	resampling "github.com/tphakala/go-audio-resampling"
)

// ToCommon converts a clip to 48kHz stereo interleaved samples. Each source
// channel is resampled on its own before mono is duplicated to both sides.
func ToCommon(c Clip) ([]int16, error) {
	if c.Rate <= 0 || (c.Channels != 1 && c.Channels != 2) {
		return nil, fmt.Errorf("%w: %d Hz, %d channels", ErrFormatMismatch, c.Rate, c.Channels)
	}
	if len(c.Samples)%c.Channels != 0 {
		return nil, fmt.Errorf("%w: %d samples not aligned to %d channels",
			ErrFormatMismatch, len(c.Samples), c.Channels)
	}

	if c.Rate == SampleRate {
		out := make([]int16, len(c.Samples)/c.Channels*Channels)
		for i := range len(out) / Channels {
			out[i*2] = c.Samples[i*c.Channels]
			out[i*2+1] = c.Samples[i*c.Channels+c.Channels-1]
		}
		return out, nil
	}

	planes := deinterleave(c.Samples, c.Channels)
	frames := len(c.Samples) / c.Channels
	want := int(math.Round(float64(frames) * SampleRate / float64(c.Rate)))
	for i, p := range planes {
		out, err := resample(p, c.Rate, want)
		if err != nil {
			return nil, err
		}
		planes[i] = out
	}
	if len(planes) == 1 {
		planes = append(planes, planes[0])
	}
	return interleave(planes[0], planes[1]), nil
}

func deinterleave(samples []int16, channels int) [][]float64 {
	frames := len(samples) / channels
	planes := make([][]float64, channels)
	for ch := range planes {
		planes[ch] = make([]float64, frames)
	}
	for i, s := range samples {
		planes[i%channels][i/channels] = float64(s) / 32768.0
	}
	return planes
}

func interleave(left, right []float64) []int16 {
	out := make([]int16, len(left)*Channels)
	for i := range left {
		out[i*2] = clip(left[i] * 32768)
		out[i*2+1] = clip(right[i] * 32768)
	}
	return out
}

// resample converts one channel and fits the result to exactly want frames,
// flushing the filter tail and padding or trimming the last few samples of
// rounding.
func resample(plane []float64, rate, want int) ([]float64, error) {
	out, err := resampling.ResampleMono(plane, float64(rate), SampleRate, resampling.QualityHigh)
	if err != nil {
		return nil, fmt.Errorf("resample %d Hz: %w", rate, err)
	}
	if len(out) >= want {
		return out[:want], nil
	}
	return append(out, make([]float64, want-len(out))...), nil
}

// Mix adds src into dst scaled by gain, clipping to the int16 range.
func Mix(dst []int16, src []int16, gain float64) {
	n := min(len(dst), len(src))
	for i := range n {
		dst[i] = clip(float64(dst[i]) + float64(src[i])*gain)
	}
}

func clip(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(math.Round(v))
}

// Concat converts clips to the common format and joins them with gap
// silence between consecutive clips.
func Concat(gap time.Duration, clips ...Clip) (Clip, error) {
	out := Clip{Rate: SampleRate, Channels: Channels}
	for i, c := range clips {
		samples, err := ToCommon(c)
		if err != nil {
			return Clip{}, err
		}
		if i > 0 {
			out.Samples = append(out.Samples, Silence(gap)...)
		}
		out.Samples = append(out.Samples, samples...)
	}
	return out, nil
}
