package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ormasoftchile/hrun/pkg/hrf"
)

// canonicalMessage is the fixed canonical JSON shape of one message.
// recipient and termination appear iff role=assistant and channel=commentary.
type canonicalMessage struct {
	Role        string `json:"role"`
	Channel     string `json:"channel"`
	ContentType string `json:"contentType"`
	Recipient   string `json:"recipient,omitempty"`
	Termination string `json:"termination,omitempty"`
	Content     any    `json:"content"`
}

// canonicalEnvelope is the canonical JSON instance: a single root property.
type canonicalEnvelope struct {
	Messages []canonicalMessage `json:"messages"`
}

// Canonicalize normalizes an envelope and emits the canonical JSON text.
// Roles are lower-cased and trimmed, channel/content-type defaults filled,
// text bodies stripped of outer CR/LF, and the assistant-commentary rule
// enforced.
func Canonicalize(env *Envelope) (string, error) {
	doc := canonicalEnvelope{Messages: make([]canonicalMessage, 0, len(env.Messages))}
	for i := range env.Messages {
		cm, err := canonicalizeMessage(&env.Messages[i])
		if err != nil {
			return "", fmt.Errorf("message %d: %w", i, err)
		}
		doc.Messages = append(doc.Messages, *cm)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal canonical envelope: %w", err)
	}
	return string(data), nil
}

func canonicalizeMessage(m *Message) (*canonicalMessage, error) {
	role := strings.ToLower(strings.TrimSpace(m.Role))
	if role == "" {
		return nil, hrf.New(hrf.CodeParseEmptyRole, "message has an empty role")
	}

	channel := m.Channel
	termination := m.Termination
	if role == RoleAssistant && channel == "" {
		if termination == TerminationCall {
			channel = ChannelCommentary
		} else {
			channel = ChannelFinal
		}
	}

	contentType := m.ContentType
	if contentType == "" {
		switch m.Content.(type) {
		case string:
			contentType = ContentText
		default:
			contentType = ContentJSON
		}
	}

	content := m.Content
	if contentType == ContentText {
		s, ok := content.(string)
		if !ok {
			return nil, hrf.New(hrf.CodeSchemaEnvelopeFailed, "text message content must be a string")
		}
		content = strings.Trim(s, "\r\n")
	}

	commentary := role == RoleAssistant && channel == ChannelCommentary
	if commentary {
		if m.Recipient == "" {
			return nil, hrf.New(hrf.CodeSchemaEnvelopeFailed,
				"assistant commentary message requires a recipient")
		}
		if termination == "" {
			termination = TerminationEnd
		}
	} else {
		if m.Recipient != "" {
			return nil, hrf.New(hrf.CodeSchemaEnvelopeFailed,
				"recipient is only valid on assistant commentary messages")
		}
		termination = ""
	}

	return &canonicalMessage{
		Role:        role,
		Channel:     channel,
		ContentType: contentType,
		Recipient:   m.Recipient,
		Termination: termination,
		Content:     content,
	}, nil
}

// FromCanonical decodes canonical JSON text back into an envelope.
func FromCanonical(jsonText string) (*Envelope, error) {
	var doc canonicalEnvelope
	if err := json.Unmarshal([]byte(jsonText), &doc); err != nil {
		return nil, hrf.Newf(hrf.CodeParseInvalidJSON, "canonical envelope is not valid JSON: %v", err)
	}
	env := &Envelope{Format: FormatVersion, Messages: make([]Message, 0, len(doc.Messages))}
	for _, cm := range doc.Messages {
		env.Messages = append(env.Messages, Message{
			Role:        cm.Role,
			Channel:     cm.Channel,
			Recipient:   cm.Recipient,
			ContentType: cm.ContentType,
			Termination: cm.Termination,
			Content:     cm.Content,
		})
	}
	return env, nil
}
