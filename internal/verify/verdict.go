package verify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedVerdict is returned by ParseVerdict when the judge output is
// not a usable verdict.
var ErrMalformedVerdict = errors.New("malformed verdict")

// Judge labels for the better answer.
const (
	BetterA   = "A"
	BetterB   = "B"
	BetterTie = "tie"
)

// Verdict is the judge's structured comparison of two candidates.
type Verdict struct {
	Agreement           float64  `json:"agreement"`
	CriticalDifferences []string `json:"critical_differences,omitempty"`
	Better              string   `json:"better_answer"`
}

// NeutralVerdict is what an unreadable judge response counts as.
func NeutralVerdict() Verdict {
	return Verdict{Agreement: 1, Better: BetterTie}
}

type rawVerdict struct {
	Agreement           *float64 `json:"agreement"`
	CriticalDifferences []string `json:"critical_differences"`
	Better              string   `json:"better_answer"`
}

// ParseVerdict extracts the first JSON object from the judge output, which
// may be wrapped in code fences or prose. Agreement must be within [0, 1]
// and better_answer one of A, B or tie.
func ParseVerdict(text string) (Verdict, error) {
	content := strings.TrimSpace(text)

	// Strip markdown code fences if present.
	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) >= 3 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
			content = strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
		}
	}

	start, end := findObjectBounds(content)
	if start < 0 {
		return Verdict{}, fmt.Errorf("%w: no JSON object", ErrMalformedVerdict)
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(content[start:end]), &raw); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}
	if raw.Agreement == nil {
		return Verdict{}, fmt.Errorf("%w: missing agreement", ErrMalformedVerdict)
	}
	if *raw.Agreement < 0 || *raw.Agreement > 1 {
		return Verdict{}, fmt.Errorf("%w: agreement %g out of range", ErrMalformedVerdict, *raw.Agreement)
	}

	var better string
	switch strings.ToLower(strings.TrimSpace(raw.Better)) {
	case "a":
		better = BetterA
	case "b":
		better = BetterB
	case "tie":
		better = BetterTie
	default:
		return Verdict{}, fmt.Errorf("%w: better_answer %q", ErrMalformedVerdict, raw.Better)
	}

	return Verdict{
		Agreement:           *raw.Agreement,
		CriticalDifferences: raw.CriticalDifferences,
		Better:              better,
	}, nil
}

// findObjectBounds locates the first top-level JSON object in s.
// Returns the start index and end+1 index, or (-1, -1) if not found.
func findObjectBounds(s string) (int, int) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return -1, -1
	}

	depth := 0
	inStr := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			if ch == '\\' {
				i++ // skip escaped character
				continue
			}
			if ch == '"' {
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}
