package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Render produces the wire form of an envelope. Parse(Render(env)) yields
// env back, up to defaulted content types and outer CR/LF stripping.
func Render(env *Envelope) (string, error) {
	var b strings.Builder
	for i := range env.Messages {
		frame, err := renderFrame(&env.Messages[i])
		if err != nil {
			return "", fmt.Errorf("message %d: %w", i, err)
		}
		b.WriteString(frame)
	}
	return b.String(), nil
}

func renderFrame(m *Message) (string, error) {
	var b strings.Builder
	b.WriteString(TokenStart)
	b.WriteString(m.Role)
	if m.Channel != "" {
		b.WriteString(TokenChannel)
		b.WriteString(m.Channel)
		if m.Recipient != "" {
			b.WriteString(" to=")
			b.WriteString(m.Recipient)
		}
	}
	if m.ContentType != "" {
		b.WriteString(TokenConstrain)
		b.WriteString(m.ContentType)
	}
	b.WriteString(TokenMessage)

	switch c := m.Content.(type) {
	case string:
		b.WriteString(c)
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return "", fmt.Errorf("marshal body: %w", err)
		}
		b.Write(data)
	}

	switch {
	case m.IsCommentaryAssistant() && m.Termination == TerminationCall:
		b.WriteString(TokenCall)
	case m.IsCommentaryAssistant() && m.Termination == TerminationReturn:
		b.WriteString(TokenReturn)
	default:
		b.WriteString(TokenEnd)
	}
	return b.String(), nil
}
