package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const systemPrompt = `You interpret replies to the question "Are you ready to begin sharing your memories?". The reply may be in English or Hindi. Answer with exactly one word: yes, no, or unclear.`

// chatService defines minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIClassifier asks a chat model to interpret replies the keyword
// classifier could not. It falls back to the keyword verdict first, so the
// model only sees genuinely ambiguous text.
type OpenAIClassifier struct {
	chat     chatService
	fallback *KeywordClassifier
}

var _ Classifier = (*OpenAIClassifier)(nil)

// NewOpenAIClassifier initializes a model-backed classifier using the
// OPENAI_API_KEY environment variable.
func NewOpenAIClassifier() (*OpenAIClassifier, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIClassifier{chat: &cli.Chat.Completions, fallback: NewKeywordClassifier()}, nil
}

// Classify interprets a readiness reply, consulting the model only when the
// keyword classifier is unsure.
func (o *OpenAIClassifier) Classify(ctx context.Context, text string) (Verdict, error) {
	verdict, err := o.fallback.Classify(ctx, text)
	if err == nil && verdict != VerdictUnclear {
		return verdict, nil
	}

	resp, err := o.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModelGPT4oMini,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(text),
		},
	})
	if err != nil {
		slog.Warn("OpenAIClassifier model call failed, treating reply as unclear", "error", err)
		return VerdictUnclear, nil
	}
	if resp == nil || len(resp.Choices) == 0 {
		return VerdictUnclear, nil
	}
	switch strings.ToLower(strings.TrimSpace(resp.Choices[0].Message.Content)) {
	case "yes":
		return VerdictYes, nil
	case "no":
		return VerdictNo, nil
	default:
		return VerdictUnclear, nil
	}
}
