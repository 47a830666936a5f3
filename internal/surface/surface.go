// Package surface abstracts the remote conversational UI behind a small
// capability contract so the rest of the proxy never touches page structure.
package surface

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/webchat-proxy/internal/domain"
)

// Surface drives one remote chat page. Implementations are not safe for
// concurrent use; the queue worker is the only caller.
type Surface interface {
	// Submit places the conversation into the page and triggers generation.
	// Failures wrap domain.ErrDispatch.
	Submit(ctx context.Context, conversation []domain.Message) error

	// IsGenerating reports whether a reply is still being produced.
	IsGenerating(ctx context.Context) (bool, error)

	// LatestReply returns the most recent reply text, or "" if none.
	LatestReply(ctx context.Context) (string, error)

	// LatestMedia returns handles for images attached to the most recent reply.
	LatestMedia(ctx context.Context) ([]MediaHandle, error)

	// Reset makes a best-effort attempt to stop any generation and open an
	// empty conversation.
	Reset(ctx context.Context) error

	// Ping returns an error if the underlying automation context is gone.
	Ping(ctx context.Context) error

	// Close releases the automation context.
	Close() error
}

// MediaHandle references one image in the latest reply.
type MediaHandle interface {
	// Read returns the raw image bytes.
	Read(ctx context.Context) ([]byte, error)
	// ContentType returns the declared MIME type, or "" if unknown.
	ContentType() string
	// Source describes where the bytes come from, for logging.
	Source() string
}

// RenderPrompt flattens a client conversation into the single text block
// typed into the remote input. System messages lead; a lone turn is sent
// verbatim, longer histories are labelled by role.
func RenderPrompt(messages []domain.Message) string {
	var system []string
	var turns []domain.Message
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if m.Role == "system" || m.Role == "developer" {
			system = append(system, content)
			continue
		}
		turns = append(turns, domain.Message{Role: m.Role, Content: content})
	}

	var b strings.Builder
	if len(system) > 0 {
		b.WriteString(strings.Join(system, "\n\n"))
		b.WriteString("\n\n")
	}

	if len(turns) == 1 {
		b.WriteString(turns[0].Content)
		return strings.TrimSpace(b.String())
	}

	for _, m := range turns {
		fmt.Fprintf(&b, "%s: %s\n\n", roleLabel(m.Role), m.Content)
	}
	return strings.TrimSpace(b.String())
}

func roleLabel(role string) string {
	switch role {
	case "assistant":
		return "Assistant"
	case "tool", "function":
		return "Tool"
	default:
		return "User"
	}
}
