package audio

// Smoothstep returns the smoothstep interpolation for t in [0,1].
// Formula: 3t^2 - 2t^3.
func Smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// CrossfadeFrames blends an outgoing frame with an incoming frame at the given
// progress (0.0 = all outgoing, 1.0 = all incoming). Uses smoothstep curve.
// Both frames must have the same length. Returns the blended frame.
func CrossfadeFrames(outgoing, incoming []int16, progress float64) []int16 {
	gain := Smoothstep(progress)
	result := make([]int16, len(outgoing))
	for i := range outgoing {
		result[i] = clip(float64(outgoing[i])*(1-gain) + float64(incoming[i])*gain)
	}
	return result
}

// Envelope describes a gain curve over a buffer: a smoothstep ramp up over
// the first FadeIn samples per channel, a ramp down over the last FadeOut,
// and Gain in between.
type Envelope struct {
	Gain    float64
	FadeIn  int // samples per channel
	FadeOut int // samples per channel
}

// At returns the gain for sample-per-channel position i of total.
func (e Envelope) At(i, total int) float64 {
	g := e.Gain
	if e.FadeIn > 0 && i < e.FadeIn {
		g *= Smoothstep(float64(i) / float64(e.FadeIn))
	}
	if e.FadeOut > 0 {
		if left := total - i; left <= e.FadeOut {
			g *= Smoothstep(float64(left-1) / float64(e.FadeOut))
		}
	}
	return g
}

// Apply scales interleaved samples in place.
func (e Envelope) Apply(samples []int16, channels int) {
	total := len(samples) / channels
	for i := range total {
		g := e.At(i, total)
		for c := range channels {
			idx := i*channels + c
			samples[idx] = clip(float64(samples[idx]) * g)
		}
	}
}
