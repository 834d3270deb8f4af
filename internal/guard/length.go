package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"

	"guardrails-chat/internal/domain"
)

// TruncationMarker ends a response cut by length-check.
const TruncationMarker = " […]"

// Length fails responses longer than MaxChars runes or, when MaxTokens is
// set, longer than MaxTokens tokens. The correction is the text cut at the
// tighter limit.
type Length struct {
	maxChars  int
	maxTokens int
	codec     tokenizer.Codec
}

// NewLength builds the validator. A zero limit disables that check, but at
// least one must be set.
func NewLength(maxChars, maxTokens int) (*Length, error) {
	if maxChars < 0 || maxTokens < 0 {
		return nil, errors.New("guard: length limits must not be negative")
	}
	if maxChars == 0 && maxTokens == 0 {
		return nil, errors.New("guard: length-check needs max_chars or max_tokens")
	}
	l := &Length{maxChars: maxChars, maxTokens: maxTokens}
	if maxTokens > 0 {
		codec, err := tokenizer.Get(tokenizer.O200kBase)
		if err != nil {
			return nil, fmt.Errorf("guard: load tokenizer: %w", err)
		}
		l.codec = codec
	}
	return l, nil
}

func (l *Length) Validate(_ context.Context, in Input) (domain.Verdict, error) {
	text := in.Text
	var (
		reasons []string
		cut     string
		cutSet  bool
	)

	if l.maxChars > 0 {
		if n := utf8.RuneCountInString(text); n > l.maxChars {
			reasons = append(reasons, fmt.Sprintf("%d characters exceeds limit of %d", n, l.maxChars))
			cut, cutSet = truncateRunes(text, l.maxChars), true
		}
	}

	if l.codec != nil {
		ids, _, err := l.codec.Encode(text)
		if err != nil {
			return domain.Verdict{}, fmt.Errorf("count tokens: %w", err)
		}
		if len(ids) > l.maxTokens {
			reasons = append(reasons, fmt.Sprintf("%d tokens exceeds limit of %d", len(ids), l.maxTokens))
			decoded, err := l.codec.Decode(ids[:l.maxTokens])
			if err != nil {
				return domain.Verdict{}, fmt.Errorf("decode tokens: %w", err)
			}
			byTokens := cutAtWord(strings.ToValidUTF8(decoded, ""))
			if !cutSet || len(byTokens) < len(cut) {
				cut, cutSet = byTokens, true
			}
		}
	}

	if len(reasons) == 0 {
		return pass(domain.LengthCheck), nil
	}
	v := fail(domain.LengthCheck, "response "+strings.Join(reasons, "; "))
	return withCorrection(v, strings.TrimRightFunc(cut, unicode.IsSpace)+TruncationMarker), nil
}

func truncateRunes(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return cutAtWord(string(runes[:max]))
}

// cutAtWord drops a trailing partial word when a word boundary exists in the
// second half of s.
func cutAtWord(s string) string {
	idx := strings.LastIndexFunc(s, unicode.IsSpace)
	if idx <= 0 || idx < len(s)/2 {
		return s
	}
	return s[:idx]
}
