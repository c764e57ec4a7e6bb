// Package disclaimer appends the medical disclaimer and advice lines to model
// output.
package disclaimer

import (
	"hash/fnv"
	"strings"

	"github.com/chriskillpack/tabib/locale"
)

// Separator sits between the composed body and the disclaimer.
const Separator = "\n\n---\n"

// Compose returns output followed by Separator and text. The result always
// ends with exactly text, whatever output contains.
func Compose(output, text string) string {
	return output + Separator + text
}

// Advice picks an advice line for output from e. Outputs that mention one of
// the entry's emergency terms get an emergency line, unremarkable ones a
// preventive line, everything else a general one. The choice within a list
// depends only on output.
func Advice(output string, e *locale.Entry) string {
	var lines []string
	switch {
	case IsEmergency(output, e):
		lines = e.Advice.Emergency
	case IsRoutine(output, e):
		lines = e.Advice.Preventive
	default:
		lines = e.Advice.General
	}
	if len(lines) == 0 {
		return ""
	}

	h := fnv.New32a()
	h.Write([]byte(output))
	return lines[h.Sum32()%uint32(len(lines))]
}

// IsEmergency reports whether output mentions one of e's emergency terms.
func IsEmergency(output string, e *locale.Entry) bool {
	return mentions(output, e.EmergencyTerms)
}

// IsRoutine reports whether output describes an unremarkable study.
func IsRoutine(output string, e *locale.Entry) bool {
	return mentions(output, e.RoutineTerms)
}

func mentions(output string, terms []string) bool {
	lower := strings.ToLower(output)
	for _, term := range terms {
		if strings.Contains(lower, strings.ToLower(term)) {
			return true
		}
	}
	return false
}
