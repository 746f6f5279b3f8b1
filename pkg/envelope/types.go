// Package envelope defines the message/envelope/script model and the
// token-delimited wire codec. An envelope is an immutable ordered list of
// messages; a message whose content type is harmony-script embeds a typed
// step program.
package envelope

// Roles. Any other value is treated as an opaque tool name.
const (
	RoleSystem    = "system"
	RoleDeveloper = "developer"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Channels. Empty string means the channel is absent.
const (
	ChannelAnalysis   = "analysis"
	ChannelCommentary = "commentary"
	ChannelFinal      = "final"
)

// Content types.
const (
	ContentText   = "text"
	ContentJSON   = "json"
	ContentScript = "harmony-script"
)

// Terminations. Empty string means the message is not assistant commentary:
// termination carries no meaning there and is cleared whatever token ended
// the frame.
const (
	TerminationCall   = "call"
	TerminationReturn = "return"
	TerminationEnd    = "end"
)

// FormatVersion identifies the envelope wire/canonical format.
const FormatVersion = "harmony/v1"

// Message is one entry of an envelope. Content holds a JSON value: a
// string for text, a decoded object for json and harmony-script bodies.
type Message struct {
	Role        string `json:"role"`
	Channel     string `json:"channel"`
	Recipient   string `json:"recipient,omitempty"`
	ContentType string `json:"contentType"`
	Termination string `json:"termination,omitempty"`
	Content     any    `json:"content"`
}

// Envelope is an ordered, immutable sequence of messages.
type Envelope struct {
	Format   string    `json:"format"`
	Messages []Message `json:"messages"`
}

// IsCommentaryAssistant reports whether the message is assistant traffic on
// the commentary channel, the only shape that carries recipient and
// termination.
func (m *Message) IsCommentaryAssistant() bool {
	return m.Role == RoleAssistant && m.Channel == ChannelCommentary
}

// IsScript reports whether the message embeds a harmony-script body.
func (m *Message) IsScript() bool {
	_, ok := m.Content.(map[string]any)
	return m.ContentType == ContentScript && ok
}

// IsContextOnly reports whether the message is plain conversational context:
// no termination, text (or absent) content type, string content.
func (m *Message) IsContextOnly() bool {
	if m.Termination != "" {
		return false
	}
	if m.ContentType != "" && m.ContentType != ContentText {
		return false
	}
	_, ok := m.Content.(string)
	return ok
}

// Step types of a harmony-script program.
const (
	StepExtractInput     = "extract-input"
	StepToolCall         = "tool-call"
	StepIf               = "if"
	StepAssistantMessage = "assistant-message"
	StepHalt             = "halt"
)

// Step is one tagged variant of a script program. Exactly the fields for
// the variant named by Type are set; the rest stay zero.
type Step struct {
	Type string `json:"type"`

	// extract-input: variable name → expression.
	Extract map[string]string `json:"extract,omitempty"`

	// tool-call.
	Recipient string         `json:"recipient,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	SaveAs    string         `json:"save_as,omitempty"`

	// if.
	Condition string `json:"condition,omitempty"`
	Then      []Step `json:"then,omitempty"`
	Else      []Step `json:"else,omitempty"`

	// assistant-message. Channel is shared with tool-call above.
	Content         string `json:"content,omitempty"`
	ContentTemplate string `json:"contentTemplate,omitempty"`
}

// Script is a decoded harmony-script body: an ordered step program plus
// optional default vars.
type Script struct {
	Steps []Step         `json:"steps"`
	Vars  map[string]any `json:"vars,omitempty"`
}
