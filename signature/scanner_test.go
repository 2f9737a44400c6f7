package signature

import (
	"bytes"
	"testing"
)

func TestScanner_RoundTrip(t *testing.T) {
	patterns := []struct {
		bytes        []byte
		label        string
		headerOffset uint
	}{
		{[]byte{0xFF, 0xD8, 0xFF}, "jpeg", 0},
		{[]byte{0x66, 0x74, 0x79, 0x70}, "mp4", 4},
		{[]byte{0x25, 0x50, 0x44, 0x46}, "pdf", 0},
	}

	for _, p := range patterns {
		s := NewScanner()
		if err := s.Add(p.bytes, p.label, p.headerOffset); err != nil {
			t.Fatalf("add failed: %v", err)
		}

		if err := s.Build(); err != nil {
			t.Fatalf("build failed: %v", err)
		}

		for _, baseOffset := range []uint64{0, 1, 4096, 1 << 20} {
			matches, err := s.Scan(p.bytes, baseOffset, 0)
			if err != nil {
				t.Fatalf("scan failed: %v", err)
			}

			expectedOffset := baseOffset - uint64(p.headerOffset)

			if baseOffset < uint64(p.headerOffset) {
				if len(matches) != 0 {
					t.Fatalf("label=%s baseOffset=%d: expected no match (negative offset), got %v", p.label, baseOffset, matches)
				}
				continue
			}

			if len(matches) != 1 {
				t.Fatalf("label=%s baseOffset=%d: expected exactly one match, got %d", p.label, baseOffset, len(matches))
			}

			if matches[0].AbsoluteOffset != expectedOffset {
				t.Fatalf("label=%s baseOffset=%d: expected absolute offset %d, got %d", p.label, baseOffset, expectedOffset, matches[0].AbsoluteOffset)
			}
		}
	}
}

func TestScanner_MultiplePatternsSortedAscending(t *testing.T) {
	s := NewScanner()

	if err := s.Add([]byte{0xFF, 0xD8, 0xFF}, "jpeg", 0); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if err := s.Add([]byte{0x89, 0x50, 0x4E, 0x47}, "png", 0); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if err := s.Build(); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	buffer := make([]byte, 0)
	buffer = append(buffer, []byte{0x00, 0x00, 0x00, 0x00, 0x00}...)       // 5 bytes of filler
	buffer = append(buffer, []byte{0x89, 0x50, 0x4E, 0x47}...)             // png at offset 5
	buffer = append(buffer, []byte{0x00, 0x00}...)                        // filler
	buffer = append(buffer, []byte{0xFF, 0xD8, 0xFF}...)                  // jpeg at offset 11

	matches, err := s.Scan(buffer, 0, 0)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d: %v", len(matches), matches)
	}

	if matches[0].Label != "png" || matches[0].AbsoluteOffset != 5 {
		t.Fatalf("expected first match png@5, got %v", matches[0])
	}

	if matches[1].Label != "jpeg" || matches[1].AbsoluteOffset != 11 {
		t.Fatalf("expected second match jpeg@11, got %v", matches[1])
	}
}

func TestScanner_OverlappingSuffixPatterns(t *testing.T) {
	// "he", "she", "his", "hers" is the canonical Aho-Corasick textbook
	// example: "she" ending should also report "he" via the dictionary
	// link, since "he" is a suffix of "she".
	s := NewScanner()

	for _, p := range []string{"he", "she", "his", "hers"} {
		if err := s.Add([]byte(p), p, 0); err != nil {
			t.Fatalf("add(%s) failed: %v", p, err)
		}
	}

	if err := s.Build(); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	matches, err := s.Scan([]byte("ushers"), 0, 0)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	found := make(map[string]uint64)
	for _, m := range matches {
		found[m.Label] = m.AbsoluteOffset
	}

	if off, ok := found["she"]; !ok || off != 1 {
		t.Fatalf("expected she@1, got %v (found=%v)", off, found)
	}

	if off, ok := found["he"]; !ok || off != 2 {
		t.Fatalf("expected he@2 via dictionary link, got %v (found=%v)", off, found)
	}

	if off, ok := found["hers"]; !ok || off != 2 {
		t.Fatalf("expected hers@2, got %v (found=%v)", off, found)
	}
}

func TestScanner_MaxMatchesStopsEarly(t *testing.T) {
	s := NewScanner()

	if err := s.Add([]byte{0xAA}, "marker", 0); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if err := s.Build(); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	buffer := bytes.Repeat([]byte{0xAA}, 10)

	matches, err := s.Scan(buffer, 0, 3)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	if len(matches) != 3 {
		t.Fatalf("expected exactly 3 matches with maxMatches=3, got %d", len(matches))
	}
}

func TestScanner_AddAfterBuildFails(t *testing.T) {
	s := NewScanner()

	if err := s.Add([]byte{0x01}, "one", 0); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if err := s.Build(); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if err := s.Add([]byte{0x02}, "two", 0); err == nil {
		t.Fatalf("expected error adding pattern after build")
	}
}

func TestScanner_ScanBeforeBuildFails(t *testing.T) {
	s := NewScanner()

	if err := s.Add([]byte{0x01}, "one", 0); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if _, err := s.Scan([]byte{0x01}, 0, 0); err == nil {
		t.Fatalf("expected error scanning before build")
	}
}

func TestScanner_NoMatchesOnAdversarialInput(t *testing.T) {
	s := NewScanner()

	if err := s.Add([]byte{0xDE, 0xAD, 0xBE, 0xEF}, "marker", 0); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if err := s.Build(); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	// Every rotation of the pattern's own bytes except the exact pattern
	// itself should yield zero matches.
	rotations := [][]byte{
		{0xAD, 0xBE, 0xEF, 0xDE},
		{0xBE, 0xEF, 0xDE, 0xAD},
		{0xEF, 0xDE, 0xAD, 0xBE},
	}

	for _, buf := range rotations {
		matches, err := s.Scan(buf, 0, 0)
		if err != nil {
			t.Fatalf("scan failed: %v", err)
		}

		if len(matches) != 0 {
			t.Fatalf("expected no matches on rotation %v, got %v", buf, matches)
		}
	}
}

func TestBuiltinScanner(t *testing.T) {
	s, err := NewBuiltinScanner()
	if err != nil {
		t.Fatalf("NewBuiltinScanner failed: %v", err)
	}

	jpegHeader := []byte{0xFF, 0xD8, 0xFF}

	matches, err := s.Scan(jpegHeader, 1000, 0)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	foundJPEG := false
	for _, m := range matches {
		if m.Label == "jpeg" && m.AbsoluteOffset == 1000 {
			foundJPEG = true
		}
	}

	if !foundJPEG {
		t.Fatalf("expected a jpeg match at offset 1000, got %v", matches)
	}
}
