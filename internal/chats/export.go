package chats

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
)

// Markdown renders a transcript as a Markdown document: the chat title
// as a heading, then one section per message.
func Markdown(c *Chat, msgs []Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", c.Title)
	for _, m := range msgs {
		fmt.Fprintf(&b, "### %s (%s)\n\n", senderLabel(m.Sender), m.CreatedAt.Format("Jan 2, 2006 3:04 PM"))
		b.WriteString(strings.TrimSpace(m.Text))
		b.WriteString("\n\n")
	}
	return b.String()
}

// HTML renders a transcript as an HTML fragment. Message text is
// treated as Markdown, which is what models usually produce. Raw HTML
// in messages is omitted by goldmark's default renderer.
func HTML(c *Chat, msgs []Message) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(Markdown(c, msgs)), &buf); err != nil {
		return "", fmt.Errorf("render transcript: %w", err)
	}
	return buf.String(), nil
}

func senderLabel(sender string) string {
	switch sender {
	case SenderUser:
		return "User"
	case SenderAssistant:
		return "Assistant"
	case SenderSystem:
		return "System"
	}
	return sender
}
