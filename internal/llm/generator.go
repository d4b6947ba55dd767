package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"rweave/internal/session"
)

// Reply is what the collaborator hands back for one turn: explanatory text
// and, optionally, a block of R code it wants executed.
type Reply struct {
	Text string
	Code string
}

// Generator produces the assistant side of a debug conversation. The loop
// controller depends on this interface so tests can script replies.
type Generator interface {
	Generate(ctx context.Context, history []*session.Message, message string) (*Reply, error)
}

const systemPrompt = `You are a biostatistics programming assistant working inside an
interactive R session for clinical trial table, figure, and listing generation.

The session working directory persists between your turns: variables, data
frames, and files from earlier code are still there. When the user reports an
error or asks for a change, respond with a short explanation and, if code
should run, exactly one fenced R code block:

` + "```r" + `
# your R code
` + "```" + `

Write complete, runnable R. Save tables as CSV or HTML and plots via ggsave.
Do not create output directories; write files into the working directory.
If no execution is needed, answer in plain text without a code block.`

// ChatGenerator implements Generator on top of a chat-completion Client.
type ChatGenerator struct {
	client Client
}

// NewChatGenerator wraps a Client.
func NewChatGenerator(client Client) *ChatGenerator {
	return &ChatGenerator{client: client}
}

// Generate sends the transcript plus the latest message and splits the
// response into text and an R code block.
func (g *ChatGenerator) Generate(ctx context.Context, history []*session.Message, message string) (*Reply, error) {
	user := formatTranscript(history, message)
	raw, err := g.client.Complete(ctx, systemPrompt, user)
	if err != nil {
		return nil, fmt.Errorf("generating reply: %w", err)
	}

	code, text := ExtractRCode(raw)
	return &Reply{Text: strings.TrimSpace(text), Code: code}, nil
}

// formatTranscript flattens conversation history into one prompt. Function
// results are included as execution feedback so the model can debug against
// what actually happened.
func formatTranscript(history []*session.Message, message string) string {
	var b strings.Builder
	for _, m := range history {
		switch m.Role {
		case "user":
			fmt.Fprintf(&b, "User: %s\n\n", m.Content)
		case "assistant":
			fmt.Fprintf(&b, "Assistant: %s\n\n", m.Content)
		case "function":
			fmt.Fprintf(&b, "Execution result: %s\n\n", m.Content)
		}
	}
	fmt.Fprintf(&b, "User: %s", message)
	return b.String()
}

var rFenceRe = regexp.MustCompile("(?s)```[rR]?\\s*\n(.*?)```")

// ExtractRCode pulls the first fenced R block out of a model reply and
// returns it alongside the reply with the block removed.
func ExtractRCode(reply string) (code, text string) {
	m := rFenceRe.FindStringSubmatchIndex(reply)
	if m == nil {
		return "", reply
	}
	code = strings.TrimSpace(reply[m[2]:m[3]])
	text = reply[:m[0]] + reply[m[1]:]
	return code, text
}
