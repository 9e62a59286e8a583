package pool

import "testing"

func TestMarkerSet_FindFromEarliestWins(t *testing.T) {
	ms := newMarkerSet(nil)
	s := "first<|eot_id|>second</s>"
	idx, marker := ms.findFrom(s, 0)
	if idx != 5 || marker != "<|eot_id|>" {
		t.Fatalf("findFrom = (%d, %q), want (5, <|eot_id|>)", idx, marker)
	}
}

func TestMarkerSet_FindFromRespectsOffset(t *testing.T) {
	ms := newMarkerSet(nil)
	s := "a</s>b</s>"
	idx, _ := ms.findFrom(s, 2)
	if idx != 6 {
		t.Fatalf("findFrom offset 2 = %d, want 6", idx)
	}
	if idx, _ := ms.findFrom(s, len(s)); idx != -1 {
		t.Fatalf("findFrom past end = %d, want -1", idx)
	}
	if idx, _ := ms.findFrom(s, -3); idx != 1 {
		t.Fatalf("findFrom negative offset = %d, want 1", idx)
	}
}

func TestMarkerSet_ExtraMarkers(t *testing.T) {
	ms := newMarkerSet([]string{"STOP!", ""})
	if idx, marker := ms.findFrom("text STOP!", 0); idx != 5 || marker != "STOP!" {
		t.Fatalf("extra marker = (%d, %q)", idx, marker)
	}
	// Built-ins survive extension.
	if idx, _ := ms.findFrom("text</s>", 0); idx != 4 {
		t.Fatalf("builtin after extension = %d, want 4", idx)
	}
}

func TestMarkerSet_RescanWindowCoversSplitMarkers(t *testing.T) {
	ms := newMarkerSet(nil)
	// Feed "<|endoftext|>" one byte at a time the way the query loop would.
	full := "abc<|endoftext|>"
	scanned := 0
	for i := 1; i <= len(full); i++ {
		s := full[:i]
		if idx, _ := ms.findFrom(s, ms.rescanFrom(scanned)); idx >= 0 {
			if i != len(full) {
				t.Fatalf("marker matched early at prefix %d", i)
			}
			if idx != 3 {
				t.Fatalf("marker index = %d, want 3", idx)
			}
			return
		}
		scanned = len(s)
	}
	t.Fatalf("marker never matched byte-at-a-time")
}

func TestMarkerSet_RescanFromFloorsAtZero(t *testing.T) {
	ms := newMarkerSet(nil)
	if got := ms.rescanFrom(0); got != 0 {
		t.Fatalf("rescanFrom(0) = %d", got)
	}
	if got := ms.rescanFrom(2); got != 0 {
		t.Fatalf("rescanFrom(2) = %d, want 0", got)
	}
	if got := ms.rescanFrom(100); got != 100-ms.maxLen+1 {
		t.Fatalf("rescanFrom(100) = %d, want %d", got, 100-ms.maxLen+1)
	}
}

func TestMarkerSet_Clean(t *testing.T) {
	ms := newMarkerSet(nil)
	for _, tc := range []struct {
		in    string
		want  string
		found bool
	}{
		{"hello</s>", "hello", true},
		{"  padded  <|im_end|>junk after", "padded", true},
		{"no marker at all", "no marker at all", false},
		{"</s>", "", true},
		{"", "", false},
	} {
		got, found := ms.clean(tc.in)
		if got != tc.want || found != tc.found {
			t.Errorf("clean(%q) = (%q, %v), want (%q, %v)", tc.in, got, found, tc.want, tc.found)
		}
	}
}
