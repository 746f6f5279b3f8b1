package envelope

import (
	"encoding/json"

	"github.com/ormasoftchile/hrun/pkg/hrf"
)

// DecodeScript extracts the step program embedded in a harmony-script
// message. The content must be an object with a non-empty "steps" array.
func DecodeScript(m *Message) (*Script, error) {
	if m == nil || m.ContentType != ContentScript {
		return nil, hrf.New(hrf.CodeMissingScript, "message does not carry a harmony-script body")
	}
	obj, ok := m.Content.(map[string]any)
	if !ok {
		return nil, hrf.New(hrf.CodeMissingScript, "harmony-script content is not an object")
	}

	// Round-trip through JSON so step variants decode into typed fields.
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, hrf.Newf(hrf.CodeParseInvalidJSON, "re-encode script: %v", err)
	}
	var script Script
	if err := json.Unmarshal(data, &script); err != nil {
		return nil, hrf.Newf(hrf.CodeParseInvalidJSON, "decode script: %v", err)
	}
	if len(script.Steps) == 0 {
		return nil, hrf.New(hrf.CodeNoSteps, "script has zero steps")
	}
	return &script, nil
}

// FindScript returns the first harmony-script message of an envelope, or
// nil when the envelope carries none.
func FindScript(env *Envelope) *Message {
	for i := range env.Messages {
		if env.Messages[i].IsScript() {
			return &env.Messages[i]
		}
	}
	return nil
}
