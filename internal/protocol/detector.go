package protocol

import (
	"regexp"
	"sort"
)

// DetectedMode is a mode boundary found in interpreter output. Offsets are
// character positions into the raw text.
type DetectedMode struct {
	Mode        string `json:"mode"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	HeadingText string `json:"heading_text"`
}

// Heading patterns tolerate markdown heading-level variance and casing.
// Interpreters separate modes with headings; anything beyond locating
// those headings is out of this package's charter.
var headingPatterns = []struct {
	mode    Mode
	re      *regexp.Regexp
	heading string
}{
	{ModeRc, regexp.MustCompile(`(?i)(?:^|\n)\s*#+\s*Rc\s+Mode(?:[:\s]|$)`), "Rc Mode"},
	{ModeRi, regexp.MustCompile(`(?i)(?:^|\n)\s*#+\s*Ri\s+Mode(?:[:\s]|$)`), "Ri Mode"},
	{ModeDeclarativeTypology, regexp.MustCompile(`(?i)(?:^|\n)\s*#+\s*Declarative\s+Epistemic\s+Typology(?:[:\s]|$)`), "Declarative Epistemic Typology"},
	{ModeRa, regexp.MustCompile(`(?i)(?:^|\n)\s*#+\s*Ra\s+Mode(?:[:\s]|$)`), "Ra Mode"},
	{ModeFailure, regexp.MustCompile(`(?i)(?:^|\n)\s*#+\s*Failure\s+Mode(?:[:\s]|$)`), "Failure Mode"},
	{ModeNovelty, regexp.MustCompile(`(?i)(?:^|\n)\s*#+\s*Novelty\s+(?:and|&)\s+Positioning(?:[:\s]|$)`), "Novelty and Positioning"},
	{ModeVerdict, regexp.MustCompile(`(?i)(?:^|\n)\s*#+\s*Verdict(?:[:\s]|$)`), "Verdict Mode"},
	{ModeMaturity, regexp.MustCompile(`(?i)(?:^|\n)\s*#+\s*Project\s+Maturity\s+Summary(?:[:\s]|$)`), "Project Maturity Summary"},
}

// Detect locates prescribed mode headings in raw interpreter output and
// returns them sorted by offset. Only the first occurrence of each mode
// counts.
func Detect(text string) []DetectedMode {
	var detected []DetectedMode
	for _, p := range headingPatterns {
		loc := p.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		detected = append(detected, DetectedMode{
			Mode:        string(p.mode),
			StartOffset: loc[0],
			EndOffset:   loc[1],
			HeadingText: p.heading,
		})
	}
	sort.Slice(detected, func(i, j int) bool {
		return detected[i].StartOffset < detected[j].StartOffset
	})
	return detected
}

// MissingModes returns the prescribed modes absent from the detection set,
// in prescribed order.
func MissingModes(detected []DetectedMode) []string {
	found := make(map[string]bool, len(detected))
	for _, d := range detected {
		found[d.Mode] = true
	}

	var missing []string
	for _, m := range PrescribedOrder() {
		if !found[string(m)] {
			missing = append(missing, string(m))
		}
	}
	return missing
}

// ModesInOrder reports whether the detected modes, in offset order, match
// the prescribed order restricted to the detected subset. An empty
// detection set is out of order by definition.
func ModesInOrder(detected []DetectedMode) bool {
	if len(detected) == 0 {
		return false
	}

	found := make(map[string]bool, len(detected))
	for _, d := range detected {
		found[d.Mode] = true
	}

	var expected []string
	for _, m := range PrescribedOrder() {
		if found[string(m)] {
			expected = append(expected, string(m))
		}
	}

	if len(expected) != len(detected) {
		return false
	}
	for i, d := range detected {
		if d.Mode != expected[i] {
			return false
		}
	}
	return true
}
