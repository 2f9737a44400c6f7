// This package implements a multi-pattern streaming scanner (Aho-Corasick)
// used to find file-signature magic sequences across arbitrary byte
// buffers without re-scanning overlapping regions from the start for each
// pattern.

package signature

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/dsoprea/go-logging"
)

// Pattern is one registered magic sequence.
type Pattern struct {
	Bytes        []byte
	Label        string
	HeaderOffset uint
}

// Match is one hit reported by Scan.
type Match struct {
	Label          string
	AbsoluteOffset uint64
	HeaderOffset   uint
}

// String returns a descriptive string.
func (m Match) String() string {
	return fmt.Sprintf("Match<LABEL=[%s] ABSOLUTE-OFFSET=(%d)>", m.Label, m.AbsoluteOffset)
}

type node struct {
	children map[byte]int
	fail     int
	// outputs lists the pattern indices that terminate at this node, via
	// either a direct match or a dictionary (suffix) link.
	outputs []int
}

// Scanner is an Aho-Corasick automaton over a fixed pattern set. Patterns
// must all be registered with Add before calling Build; after Build the
// automaton is immutable and safe for concurrent Scan calls.
type Scanner struct {
	patterns []Pattern
	nodes    []node
	built    bool
}

// NewScanner returns an empty, unbuilt Scanner.
func NewScanner() *Scanner {
	return &Scanner{
		patterns: make([]Pattern, 0),
		nodes:    []node{newNode()},
	}
}

func newNode() node {
	return node{
		children: make(map[byte]int),
		fail:     0,
		outputs:  nil,
	}
}

// Add registers one pattern. Add must not be called after Build.
func (s *Scanner) Add(patternBytes []byte, label string, headerOffset uint) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("error not an error: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw)
			}
		}
	}()

	if s.built {
		log.Panicf("can not add a pattern after build() has been called")
	}

	if len(patternBytes) == 0 {
		log.Panicf("pattern must not be empty")
	}

	patternIndex := len(s.patterns)
	s.patterns = append(s.patterns, Pattern{
		Bytes:        append([]byte(nil), patternBytes...),
		Label:        label,
		HeaderOffset: headerOffset,
	})

	current := 0
	for _, b := range patternBytes {
		next, found := s.nodes[current].children[b]
		if !found {
			s.nodes = append(s.nodes, newNode())
			next = len(s.nodes) - 1
			s.nodes[current].children[b] = next
		}

		current = next
	}

	s.nodes[current].outputs = append(s.nodes[current].outputs, patternIndex)

	return nil
}

// Build constructs the failure (suffix) links by breadth-first traversal
// and merges dictionary-link outputs, after which the automaton is
// immutable.
func (s *Scanner) Build() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("error not an error: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw)
			}
		}
	}()

	if s.built {
		log.Panicf("build() has already been called")
	}

	queue := make([]int, 0, len(s.nodes))

	// Depth-1 nodes fail to the root by definition.
	for _, child := range s.nodes[0].children {
		s.nodes[child].fail = 0
		queue = append(queue, child)
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for b, child := range s.nodes[current].children {
			queue = append(queue, child)

			failState := s.nodes[current].fail
			for {
				if next, found := s.nodes[failState].children[b]; found && next != child {
					s.nodes[child].fail = next
					break
				}

				if failState == 0 {
					if next, found := s.nodes[0].children[b]; found && next != child {
						s.nodes[child].fail = next
					} else {
						s.nodes[child].fail = 0
					}
					break
				}

				failState = s.nodes[failState].fail
			}

			// Merge dictionary-link outputs so a match ending here also
			// reports any shorter pattern that is a suffix of this one.
			s.nodes[child].outputs = append(s.nodes[child].outputs, s.nodes[s.nodes[child].fail].outputs...)
		}
	}

	s.built = true

	return nil
}

// Scan streams the automaton across buffer, reporting each output hit
// with its absolute offset computed as base_offset + (i - len(pattern) +
// 1) - header_offset. Matches with a negative computed offset are
// skipped. Results are sorted by absolute offset ascending; when
// maxMatches > 0, scanning stops once that many matches have accumulated
// (counted in emission order, before the final sort).
func (s *Scanner) Scan(buffer []byte, baseOffset uint64, maxMatches int) (matches []Match, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("error not an error: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw)
			}
		}
	}()

	if !s.built {
		log.Panicf("build() has not been called")
	}

	matches = make([]Match, 0)

	current := 0
	for i, b := range buffer {
		for {
			if next, found := s.nodes[current].children[b]; found {
				current = next
				break
			}

			if current == 0 {
				break
			}

			current = s.nodes[current].fail
		}

		for _, patternIndex := range s.nodes[current].outputs {
			p := s.patterns[patternIndex]
			patternLen := uint64(len(p.Bytes))

			matchEnd := uint64(i)
			matchStart := baseOffset + matchEnd - patternLen + 1

			// Guard against underflow: a negative computed start is
			// reported as "skip", detected via the header-offset
			// subtraction below, but the match-start subtraction itself
			// can also underflow for small base offsets; treat any
			// wraparound as "before the start of the device" and skip.
			if matchEnd+1 < patternLen {
				continue
			}

			if matchStart < uint64(p.HeaderOffset) {
				continue
			}

			absoluteOffset := matchStart - uint64(p.HeaderOffset)

			matches = append(matches, Match{
				Label:          p.Label,
				AbsoluteOffset: absoluteOffset,
				HeaderOffset:   p.HeaderOffset,
			})

			if maxMatches > 0 && len(matches) >= maxMatches {
				sort.Slice(matches, func(a, bIdx int) bool {
					return matches[a].AbsoluteOffset < matches[bIdx].AbsoluteOffset
				})

				return matches, nil
			}
		}
	}

	sort.Slice(matches, func(a, b int) bool {
		return matches[a].AbsoluteOffset < matches[b].AbsoluteOffset
	})

	return matches, nil
}
