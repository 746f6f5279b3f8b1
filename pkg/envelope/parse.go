package envelope

import (
	"encoding/json"
	"strings"

	"github.com/ormasoftchile/hrun/pkg/hrf"
)

// Parse scans token-delimited wire text and produces a structured envelope.
// Frames are <|start|> HEADER <|message|> BODY TERMINATOR; anything between
// frames is ignored.
func Parse(text string) (*Envelope, error) {
	env := &Envelope{Format: FormatVersion}

	pos := 0
	for {
		rel := strings.Index(text[pos:], TokenStart)
		if rel < 0 {
			break
		}
		frameStart := pos + rel + len(TokenStart)

		msg, next, err := parseFrame(text, frameStart)
		if err != nil {
			return nil, err
		}
		env.Messages = append(env.Messages, *msg)
		pos = next
	}

	if len(env.Messages) == 0 {
		return nil, hrf.New(hrf.CodeParseMissingStart, "no <|start|> frame found in input")
	}
	return env, nil
}

// parseFrame parses one frame beginning just after <|start|>. Returns the
// message and the scan position just after the frame's terminator.
func parseFrame(text string, start int) (*Message, int, error) {
	rel := strings.Index(text[start:], TokenMessage)
	if rel < 0 {
		return nil, 0, hrf.New(hrf.CodeParseMissingMessage, "frame has no <|message|> token")
	}
	// A header never spans into the next frame.
	if next := strings.Index(text[start:], TokenStart); next >= 0 && next < rel {
		return nil, 0, hrf.New(hrf.CodeParseMissingMessage, "frame has no <|message|> token")
	}
	header := text[start : start+rel]
	bodyStart := start + rel + len(TokenMessage)

	// Earliest terminator wins.
	termIdx := -1
	termLen := 0
	termination := ""
	for _, t := range terminators {
		if i := strings.Index(text[bodyStart:], t.token); i >= 0 && (termIdx < 0 || i < termIdx) {
			termIdx = i
			termLen = len(t.token)
			termination = t.value
		}
	}
	if termIdx < 0 {
		return nil, 0, hrf.New(hrf.CodeParseMissingTerminator, "frame body has no terminator token")
	}
	if next := strings.Index(text[bodyStart:], TokenStart); next >= 0 && next < termIdx {
		return nil, 0, hrf.New(hrf.CodeParseMissingTerminator, "frame body has no terminator token")
	}
	body := strings.Trim(text[bodyStart:bodyStart+termIdx], "\r\n")
	next := bodyStart + termIdx + termLen

	role, channel, recipient, contentType, err := parseHeader(header)
	if err != nil {
		return nil, 0, err
	}

	msg, err := buildMessage(role, channel, recipient, contentType, termination, body)
	if err != nil {
		return nil, 0, err
	}
	return msg, next, nil
}

// parseHeader splits HEADER into role [<|channel|> name [to=recipient]]
// [<|constrain|> contentType].
func parseHeader(header string) (role, channel, recipient, contentType string, err error) {
	rest := header

	if i := strings.Index(rest, TokenConstrain); i >= 0 {
		contentType = strings.TrimSpace(rest[i+len(TokenConstrain):])
		rest = rest[:i]
	}
	if i := strings.Index(rest, TokenChannel); i >= 0 {
		channelSeg := rest[i+len(TokenChannel):]
		rest = rest[:i]
		for j, field := range strings.Fields(channelSeg) {
			if j == 0 {
				channel = field
				continue
			}
			if strings.HasPrefix(field, "to=") {
				recipient = strings.TrimPrefix(field, "to=")
			}
		}
	}

	role = strings.ToLower(strings.TrimSpace(rest))
	if role == "" {
		return "", "", "", "", hrf.New(hrf.CodeParseEmptyRole, "frame header has an empty role")
	}
	return role, channel, recipient, contentType, nil
}

// buildMessage applies channel defaulting, content-type inference, body
// decoding, and termination propagation rules.
func buildMessage(role, channel, recipient, contentType, termination, body string) (*Message, error) {
	if role == RoleAssistant && channel == "" {
		if termination == TerminationCall {
			channel = ChannelCommentary
		} else {
			channel = ChannelFinal
		}
	}

	if contentType == "" {
		contentType = inferContentType(role, channel, termination, body)
	}

	var content any
	switch contentType {
	case ContentJSON, ContentScript:
		var decoded any
		if err := json.Unmarshal([]byte(body), &decoded); err != nil {
			return nil, hrf.Newf(hrf.CodeParseInvalidJSON, "body is not valid JSON: %v", err)
		}
		content = decoded
	default:
		content = body
	}

	// Termination is meaningful only for assistant commentary.
	if !(role == RoleAssistant && channel == ChannelCommentary) {
		termination = ""
	}

	return &Message{
		Role:        role,
		Channel:     channel,
		Recipient:   recipient,
		ContentType: contentType,
		Termination: termination,
		Content:     content,
	}, nil
}

// inferContentType picks a content type when <|constrain|> is absent.
func inferContentType(role, channel, termination, body string) string {
	if role == RoleAssistant && channel == ChannelCommentary {
		switch termination {
		case TerminationCall, TerminationReturn:
			return ContentJSON
		case TerminationEnd:
			trimmed := strings.TrimSpace(body)
			if strings.HasPrefix(trimmed, "{") {
				if strings.Contains(trimmed, `"steps"`) {
					return ContentScript
				}
				return ContentJSON
			}
		}
	}
	return ContentText
}
