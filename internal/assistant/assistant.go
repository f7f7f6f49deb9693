// Package assistant turns a participant's prompt into text to insert at
// their cursor. The engine treats the result as one more participant's
// operation.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ParticipantID is the originating participant id carried by operations the
// assistant produces.
const ParticipantID = "ai"

// ContextSize is how many characters on each side of the cursor go into the
// prompt.
const ContextSize = 600

const systemPrompt = `You are helping edit a Markdown document.
You will be given:
1. The text before the cursor
2. The user request
3. The text after the cursor
Your job is to output ONLY the text that should be inserted at the cursor.
Do NOT rewrite existing text. Do NOT restate context.
Output plain Markdown without backticks.
You are allowed to use LaTeX for math. For both block and inline math do NOT
put a new line between $$ and the math.
CORRECT: $$x+y$$, INCORRECT: $$\nx+y\n$$
CORRECT: $x+y$, INCORRECT: $\nx\n$`

// ErrEmpty is returned when the composer produced nothing to insert.
var ErrEmpty = errors.New("assistant returned no text")

// Request is what the composer sees.
type Request struct {
	Prompt string
	Before string
	After  string
}

// Composer generates the text to insert.
type Composer interface {
	Compose(ctx context.Context, req Request) (string, error)
}

// NewRequest cuts up to ContextSize characters either side of cursor out of
// content. cursor is clamped into the text.
func NewRequest(content, prompt string, cursor int) Request {
	r := []rune(content)
	cursor = min(max(cursor, 0), len(r))
	start := max(cursor-ContextSize, 0)
	end := min(cursor+ContextSize, len(r))
	return Request{
		Prompt: prompt,
		Before: string(r[start:cursor]),
		After:  string(r[cursor:end]),
	}
}

// UserPrompt renders req the way the model is asked to read it.
func (req Request) UserPrompt() string {
	return fmt.Sprintf("Before cursor:\n%s\n\nUser request:\n%s\n\nAfter cursor:\n%s", req.Before, req.Prompt, req.After)
}

// OpenAI is a Composer backed by the chat completions API.
type OpenAI struct {
	client openai.Client
	model  openai.ChatModel
}

// NewOpenAI returns a composer using apiKey. An empty model selects
// gpt-4o-mini.
func NewOpenAI(apiKey, model string) *OpenAI {
	m := openai.ChatModel(model)
	if model == "" {
		m = openai.ChatModelGPT4oMini
	}
	return &OpenAI{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  m,
	}
}

func (o *OpenAI) Compose(ctx context.Context, req Request) (string, error) {
	completion, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(req.UserPrompt()),
		},
		Model: o.model,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", ErrEmpty
	}
	text := completion.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return "", ErrEmpty
	}
	return text, nil
}
