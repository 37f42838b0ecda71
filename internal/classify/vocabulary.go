package classify

import "strings"

// Vocabulary is the closed set of topic labels a line may carry.
type Vocabulary []string

// DefaultVocabulary covers the travel-guide conversations the assistant is
// instructed to hold.
var DefaultVocabulary = Vocabulary{
	"destinations",
	"itinerary",
	"transport",
	"accommodation",
	"food",
	"culture",
	"festivals",
	"weather",
	"budget",
	"safety",
	"visa",
	"off-topic",
}

func (v Vocabulary) Contains(label string) bool {
	label = normalizeLabel(label)
	for _, known := range v {
		if known == label {
			return true
		}
	}
	return false
}

// Filter normalises labels and drops anything outside the vocabulary,
// preserving the order of first appearance.
func (v Vocabulary) Filter(labels []string) []string {
	if len(labels) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, label := range labels {
		label = normalizeLabel(label)
		if !v.Contains(label) {
			continue
		}
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		out = append(out, label)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
