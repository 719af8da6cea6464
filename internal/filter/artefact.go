// Package filter strips volatile fragments from fetched pages so that cosmetic noise does not count as a change.
package filter

import (
	"fmt"
	"regexp"
)

type ArtefactFilter struct {
	patterns []*regexp.Regexp
}

func NewArtefactFilter(patterns []string) (*ArtefactFilter, error) {
	f := &ArtefactFilter{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile artefact %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Apply removes every artefact in pattern order. Removing a match can splice
// two halves into a new match, so the pass repeats until nothing changes.
func (f *ArtefactFilter) Apply(text string) string {
	for {
		out := text
		for _, re := range f.patterns {
			out = re.ReplaceAllLiteralString(out, "")
		}
		if out == text {
			return out
		}
		text = out
	}
}
