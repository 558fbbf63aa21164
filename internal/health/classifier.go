// ABOUTME: Deep health tier: asks a lightweight secondary model whether a session is stuck.
// ABOUTME: Runs on a slow cadence; a positive verdict schedules a session restart.

package health

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// Classifier judges whether a session's recent transcript indicates
// confusion or looping despite being technically alive.
type Classifier interface {
	Assess(ctx context.Context, sessionID string, lines []string) (stuck bool, err error)
}

const classifierPrompt = `You are a health monitor for long-running assistant sessions.
Below is the recent transcript of one session. Decide whether the session is
stuck: looping on the same action, repeatedly confused, or producing output
disconnected from the conversation. A session that is merely idle, slow, or
mid-task is NOT stuck.

Transcript:
%s

Answer with exactly one word: STUCK or HEALTHY.`

// AnthropicClassifier implements Classifier against the Anthropic Messages
// API with a small fast model.
type AnthropicClassifier struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicClassifier creates a classifier using ambient API credentials
// (ANTHROPIC_API_KEY). An empty model selects a haiku-class default.
func NewAnthropicClassifier(model string) *AnthropicClassifier {
	if model == "" {
		model = "claude-haiku-4-5"
	}
	return &AnthropicClassifier{
		client: anthropic.NewClient(),
		model:  anthropic.Model(model),
	}
}

// Assess sends the transcript tail to the classifier model. Errors are
// returned to the caller, which treats them as "no verdict", never as a
// restart trigger.
func (c *AnthropicClassifier) Assess(ctx context.Context, sessionID string, lines []string) (bool, error) {
	if len(lines) == 0 {
		return false, nil
	}

	prompt := fmt.Sprintf(classifierPrompt, strings.Join(lines, "\n"))

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 8,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return false, fmt.Errorf("classifying session %s: %w", sessionID, err)
	}

	for _, block := range resp.Content {
		if block.Type == "text" {
			verdict := strings.TrimSpace(strings.ToUpper(block.Text))
			return strings.HasPrefix(verdict, "STUCK"), nil
		}
	}
	return false, nil
}
