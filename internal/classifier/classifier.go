// Package classifier interprets readiness replies from storytellers.
//
// Replies arrive as free-form WhatsApp text in English or Hindi. The keyword
// classifier covers the common cases; the OpenAI classifier handles the long
// tail when an API key is configured.
package classifier

import (
	"context"
	"strings"
)

// Verdict is the interpretation of a readiness reply.
type Verdict string

const (
	// VerdictYes means the storyteller affirmed they are ready.
	VerdictYes Verdict = "yes"
	// VerdictNo means the storyteller declined for now.
	VerdictNo Verdict = "no"
	// VerdictUnclear means the reply could not be interpreted either way.
	VerdictUnclear Verdict = "unclear"
)

// Classifier interprets a readiness reply.
type Classifier interface {
	Classify(ctx context.Context, text string) (Verdict, error)
}

// affirmative and negative hold the exact tokens the keyword classifier
// recognizes, lowercased. Hindi entries cover both Devanagari and the
// romanized spellings people actually type.
var (
	affirmative = map[string]bool{
		"yes": true, "y": true, "yeah": true, "yep": true, "ok": true, "okay": true,
		"sure": true, "ready": true, "haan": true, "han": true, "ha": true, "ji": true,
		"ji haan": true, "theek hai": true, "thik hai": true, "shuru karo": true,
		"हाँ": true, "हां": true, "जी": true, "जी हाँ": true, "ठीक है": true, "तैयार": true,
	}
	negative = map[string]bool{
		"no": true, "n": true, "nope": true, "not now": true, "later": true, "busy": true,
		"nahi": true, "nahin": true, "abhi nahi": true, "baad mein": true,
		"नहीं": true, "नही": true, "अभी नहीं": true, "बाद में": true,
	}
)

// KeywordClassifier matches normalized reply text against known affirmative
// and negative tokens. It needs no network and is the default.
type KeywordClassifier struct{}

var _ Classifier = (*KeywordClassifier)(nil)

// NewKeywordClassifier creates the keyword-based classifier.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

// Classify interprets a readiness reply by exact token match.
func (k *KeywordClassifier) Classify(_ context.Context, text string) (Verdict, error) {
	normalized := normalize(text)
	if normalized == "" {
		return VerdictUnclear, nil
	}
	if affirmative[normalized] {
		return VerdictYes, nil
	}
	if negative[normalized] {
		return VerdictNo, nil
	}
	return VerdictUnclear, nil
}

// normalize lowercases, trims, and strips trailing punctuation and emoji
// noise so "Yes!!" and "yes" classify the same.
func normalize(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.Trim(s, ".,!?। ")
	return strings.Join(strings.Fields(s), " ")
}
