package musicgen

import (
	"math/rand/v2"
	"sort"
)

// bed describes one genre of news bed: the static caption used when no LLM
// caption is available, name adjectives and the genres it may drift to.
type bed struct {
	caption    string
	adjectives []string
	next       []string
}

// beds is an undirected graph; every edge is listed on both ends.
var beds = map[string]bed{
	"ambient": {
		caption:    "Understated ambient bed with soft synthesizer pads, slow evolving textures, no percussion, calm and neutral under a speaking voice",
		adjectives: []string{"still", "quiet", "glacial", "weightless"},
		next:       []string{"chillwave", "cinematic"},
	},
	"chillwave": {
		caption:    "Warm chillwave bed with hazy synthesizers, soft drum machine at 90 BPM, gentle tape warble, relaxed and steady, no lead melody",
		adjectives: []string{"hazy", "faded", "pastel", "sunlit"},
		next:       []string{"ambient", "lofi hip hop", "synthwave"},
	},
	"lofi hip hop": {
		caption:    "Lofi hip hop bed with vinyl crackle, muted electric piano chords, soft boom bap drums at 80 BPM, warm bass, unobtrusive",
		adjectives: []string{"dusty", "rainy", "mellow", "warm"},
		next:       []string{"chillwave", "jazz"},
	},
	"jazz": {
		caption:    "Light jazz trio bed with walking upright bass, brushed snare, sparse piano comping, medium swing, late night newsroom mood",
		adjectives: []string{"smoky", "velvet", "midnight", "golden"},
		next:       []string{"lofi hip hop"},
	},
	"cinematic": {
		caption:    "Restrained cinematic news bed with low sustained strings, soft pulsing synth, light timpani swells, serious and focused, moderate tempo",
		adjectives: []string{"vast", "rising", "steady", "solemn"},
		next:       []string{"ambient", "synthwave"},
	},
	"synthwave": {
		caption:    "Retro synthwave bed with pulsing analog bass arpeggio, gated drums at 100 BPM, neon pads, driving but understated",
		adjectives: []string{"neon", "chrome", "pulsing", "electric"},
		next:       []string{"chillwave", "cinematic"},
	},
}

// Genres returns the known bed genres, sorted.
func Genres() []string {
	names := make([]string, 0, len(beds))
	for name := range beds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Caption returns the static caption for genre, or a generic one.
func Caption(genre string) string {
	if b, ok := beds[genre]; ok {
		return b.caption
	}
	return "Instrumental news bed, " + genre + " style, steady and understated, professional studio production"
}

// Next picks a neighbour of genre. Unknown genres restart from a random
// known one.
func Next(genre string, r *rand.Rand) string {
	b, ok := beds[genre]
	if !ok || len(b.next) == 0 {
		all := Genres()
		return all[r.IntN(len(all))]
	}
	return b.next[r.IntN(len(b.next))]
}

// TrackName derives a deterministic name from genre and task ID.
func TrackName(genre, taskID string) string {
	if genre == "" || taskID == "" {
		return ""
	}
	adjs := beds[genre].adjectives
	if len(adjs) == 0 {
		return genre + " bed"
	}
	var h uint32
	for i := 0; i < len(taskID) && i < 8; i++ {
		h = h*31 + uint32(taskID[i])
	}
	return adjs[h%uint32(len(adjs))] + " " + genre
}
