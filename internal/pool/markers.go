package pool

import "strings"

// defaultStopMarkers covers the end-of-generation tokens emitted by the
// llama-family chat templates we run against. Different model families
// terminate differently, so the set is extensible via Config.StopMarkers.
var defaultStopMarkers = []string{
	"</s>",
	"<|im_end|>",
	"<|eot_id|>",
	"<|end|>",
	"<|endoftext|>",
	"[end of text]",
}

// markerSet is the resolved end-of-generation match set for one generation.
type markerSet struct {
	markers []string
	maxLen  int
}

func newMarkerSet(extra []string) markerSet {
	ms := markerSet{markers: make([]string, 0, len(defaultStopMarkers)+len(extra))}
	ms.markers = append(ms.markers, defaultStopMarkers...)
	for _, m := range extra {
		if m == "" {
			continue
		}
		ms.markers = append(ms.markers, m)
	}
	for _, m := range ms.markers {
		if len(m) > ms.maxLen {
			ms.maxLen = len(m)
		}
	}
	return ms
}

// findFrom reports the byte index of the earliest marker occurrence at or
// after from, together with the marker that matched. idx is -1 when none
// match. Earliest match wins so overlapping markers resolve deterministically.
func (ms markerSet) findFrom(s string, from int) (int, string) {
	if from < 0 {
		from = 0
	}
	if from >= len(s) {
		return -1, ""
	}
	best := -1
	var hit string
	for _, m := range ms.markers {
		i := strings.Index(s[from:], m)
		if i < 0 {
			continue
		}
		if abs := from + i; best == -1 || abs < best {
			best, hit = abs, m
		}
	}
	return best, hit
}

// rescanFrom returns the offset a scan must restart at after new bytes were
// appended to a string previously scanned up to scanned, so that markers
// split across two reads are still found.
func (ms markerSet) rescanFrom(scanned int) int {
	from := scanned - ms.maxLen + 1
	if from < 0 {
		return 0
	}
	return from
}

// clean cuts the accumulated output at the marker (when found) and trims
// surrounding whitespace. Trailing bytes after the marker are engine noise
// and are dropped.
func (ms markerSet) clean(s string) (text string, found bool) {
	if idx, _ := ms.findFrom(s, 0); idx >= 0 {
		return strings.TrimSpace(s[:idx]), true
	}
	return strings.TrimSpace(s), false
}
