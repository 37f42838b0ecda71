package classify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/sjawhar/ghost-voice/internal/llm"
)

// keywords drives the heuristic tagger used when no LLM is configured or the
// LLM call fails. Matching is by word prefix.
var keywords = map[string][]string{
	"destinations":  {"goa", "kerala", "delhi", "jaipur", "agra", "taj", "varanasi", "ladakh", "mumbai", "rajasthan", "himalaya", "beach", "temple", "fort", "palace"},
	"itinerary":     {"itinerar", "plan", "route", "days", "week", "schedule", "trip"},
	"transport":     {"train", "rail", "flight", "fly", "airport", "bus", "taxi", "rickshaw", "metro", "drive"},
	"accommodation": {"hotel", "hostel", "stay", "homestay", "resort", "guesthouse", "booking", "room"},
	"food":          {"food", "eat", "dish", "curry", "restaurant", "street food", "vegetarian", "thali", "dosa", "biryani", "chai"},
	"culture":       {"culture", "tradition", "custom", "dress", "etiquette", "language", "dance", "music", "religio"},
	"festivals":     {"festival", "diwali", "holi", "pushkar", "durga", "onam", "celebrat"},
	"weather":       {"weather", "monsoon", "rain", "season", "winter", "summer", "temperature", "humid"},
	"budget":        {"budget", "cost", "price", "cheap", "expensive", "money", "rupee", "afford"},
	"safety":        {"safe", "scam", "danger", "health", "vaccin", "insurance", "police"},
	"visa":          {"visa", "passport", "e-visa", "immigration", "permit"},
}

// Service answers classification requests. It prefers the LLM and falls back
// to keyword matching, so it never reports an error to its caller.
type Service struct {
	llm    llm.Client
	vocab  Vocabulary
	logger *slog.Logger
}

func NewService(client llm.Client, vocab Vocabulary) *Service {
	if len(vocab) == 0 {
		vocab = DefaultVocabulary
	}
	return &Service{llm: client, vocab: vocab, logger: slog.Default()}
}

func (s *Service) Vocabulary() Vocabulary {
	return s.vocab
}

// Classify returns the vocabulary labels that apply to text. The error is
// always nil; it exists so Service can stand in for a remote Client.
func (s *Service) Classify(ctx context.Context, role, text string) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	if s.llm != nil {
		labels, err := s.classifyLLM(ctx, role, text)
		if err == nil {
			return labels, nil
		}
		s.logger.Warn("classify: falling back to keywords", "role", role, "error", err)
	}

	return s.classifyKeywords(text), nil
}

func (s *Service) classifyLLM(ctx context.Context, role, text string) ([]string, error) {
	system := fmt.Sprintf(`You tag one line of a voice conversation with topics.
Allowed topics: %s.
Return {"categories": [...]} using only allowed topics, most relevant first, at most three.
Return an empty list when nothing applies.`, strings.Join(s.vocab, ", "))

	result, err := s.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: fmt.Sprintf("Speaker: %s\nLine: %s", role, text)},
	}, llm.WithJSON(), llm.WithMaxTokens(200))
	if err != nil {
		return nil, err
	}

	payload := extractJSON(result)
	if !gjson.Valid(payload) {
		return nil, fmt.Errorf("llm returned non-JSON classification %q", result)
	}

	parsed := gjson.Parse(payload)
	labels := parsed.Get("categories")
	if parsed.IsArray() {
		labels = parsed
	}
	return s.vocab.Filter(stringArray(labels)), nil
}

func (s *Service) classifyKeywords(text string) []string {
	words := strings.Fields(strings.ToLower(text))
	for i, w := range words {
		words[i] = strings.Trim(w, ".,!?;:\"'()")
	}
	joined := " " + strings.Join(words, " ")

	var labels []string
	for _, label := range s.vocab {
		for _, kw := range keywords[label] {
			if strings.Contains(joined, " "+kw) {
				labels = append(labels, label)
				break
			}
		}
	}
	return labels
}

// extractJSON strips a markdown code fence some models wrap around JSON.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
