// Package preflight gathers the tool recipients an envelope requires and
// checks them against an availability collaborator before execution.
package preflight

import (
	"sort"
	"strings"

	"github.com/ormasoftchile/hrun/pkg/envelope"
	"github.com/ormasoftchile/hrun/pkg/tools"
)

// Report is the result of a dependency analysis.
type Report struct {
	RequiredRecipients []string `json:"requiredRecipients"`
	MissingRecipients  []string `json:"missingRecipients"`
	IsReady            bool     `json:"isReady"`
}

// Analyze walks an envelope, collecting required recipients from assistant
// tool-call messages and embedded script steps, and asks availability for
// each. Recipients deduplicate case-insensitively.
func Analyze(env *envelope.Envelope, availability tools.Availability) *Report {
	seen := make(map[string]string) // lower → first-seen casing

	add := func(recipient string) {
		if recipient == "" {
			return
		}
		lower := strings.ToLower(recipient)
		if _, ok := seen[lower]; !ok {
			seen[lower] = recipient
		}
	}

	for i := range env.Messages {
		m := &env.Messages[i]
		if m.Role == envelope.RoleAssistant && m.Termination == envelope.TerminationCall {
			add(m.Recipient)
		}
		if m.IsScript() {
			if script, err := envelope.DecodeScript(m); err == nil {
				collectSteps(script.Steps, add)
			}
		}
	}

	required := make([]string, 0, len(seen))
	for _, name := range seen {
		required = append(required, name)
	}
	sort.Strings(required)

	var missing []string
	for _, recipient := range required {
		if availability == nil || !availability.IsAvailable(recipient) {
			missing = append(missing, recipient)
		}
	}

	return &Report{
		RequiredRecipients: required,
		MissingRecipients:  missing,
		IsReady:            len(missing) == 0,
	}
}

// collectSteps walks tool-call steps, recursing into both if branches.
func collectSteps(steps []envelope.Step, add func(string)) {
	for i := range steps {
		step := &steps[i]
		switch step.Type {
		case envelope.StepToolCall:
			add(step.Recipient)
		case envelope.StepIf:
			collectSteps(step.Then, add)
			collectSteps(step.Else, add)
		}
	}
}
