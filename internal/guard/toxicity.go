package guard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"guardrails-chat/internal/domain"
	"guardrails-chat/internal/integrations/openai"
)

// Moderator is the moderation call toxicity-check depends on.
type Moderator interface {
	Moderate(ctx context.Context, apiKey, input string) (openai.Moderation, error)
}

// Toxicity fails a response the moderation endpoint objects to. A category
// with a configured threshold fails when its score reaches the threshold;
// any other category falls back to the provider's own flag.
type Toxicity struct {
	moderator  Moderator
	thresholds map[string]float64
}

func NewToxicity(m Moderator, thresholds map[string]float64) (*Toxicity, error) {
	if m == nil {
		return nil, errors.New("guard: moderator must not be nil")
	}
	th := make(map[string]float64, len(thresholds))
	for k, v := range thresholds {
		if v < 0 || v > 1 {
			return nil, fmt.Errorf("guard: toxicity threshold for %q must be within [0,1]", k)
		}
		th[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return &Toxicity{moderator: m, thresholds: th}, nil
}

func (t *Toxicity) Validate(ctx context.Context, in Input) (domain.Verdict, error) {
	if strings.TrimSpace(in.Text) == "" {
		return pass(domain.ToxicityCheck), nil
	}
	m, err := t.moderator.Moderate(ctx, in.Credential, in.Text)
	if err != nil {
		return domain.Verdict{}, err
	}

	flagged := t.flaggedCategories(m)
	if len(flagged) == 0 {
		// A threshold may clear a category the provider flagged; a flag
		// with no category at all still fails.
		if !m.Flagged || anyCategory(m) {
			return pass(domain.ToxicityCheck), nil
		}
		flagged = []string{"unspecified"}
	}

	list := strings.Join(flagged, ", ")
	v := fail(domain.ToxicityCheck, "flagged for "+list)
	return withCorrection(v, SuppressionNotice(flagged)), nil
}

func (t *Toxicity) flaggedCategories(m openai.Moderation) []string {
	seen := make(map[string]struct{}, len(m.Categories)+len(m.Scores))
	for c := range m.Categories {
		seen[c] = struct{}{}
	}
	for c := range m.Scores {
		seen[c] = struct{}{}
	}

	var out []string
	for c := range seen {
		if th, ok := t.thresholds[strings.ToLower(c)]; ok {
			if m.Scores[c] >= th {
				out = append(out, c)
			}
			continue
		}
		if m.Categories[c] {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

func anyCategory(m openai.Moderation) bool {
	for _, on := range m.Categories {
		if on {
			return true
		}
	}
	return false
}

// SuppressionNotice replaces a response withheld by toxicity-check.
func SuppressionNotice(categories []string) string {
	return fmt.Sprintf("[Response withheld by toxicity-check: flagged for %s.]", strings.Join(categories, ", "))
}
