package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/skydir/trustpipe/internal/domain"
)

// RuleCount is the number of validation rule groups. The reputation scorer
// derives manifest completeness from how many groups a document violates.
const RuleCount = 5

// SupportedVersions is the schema version range this registry understands.
var SupportedVersions = map[string]bool{"1.0": true, "1.1": true}

var recognizedModes = map[string]bool{"mention": true, "reply": true, "quote": true, "dm": true}

var recognizedRetention = map[string]bool{"none": true, "session": true, "7d": true, "30d": true}

// Result is the structured outcome of validating one manifest document.
// Errors accumulates one message per violated rule rather than failing
// fast, so an operator sees the full diagnostic list in one pass.
type Result struct {
	Raw              []byte
	SchemaVersion    string
	InteractionModes []string
	DMEnabled        bool
	DMRetention      string
	Commands         []domain.Command
	Errors           []string
	RuleViolations   int
	// Transient marks a fetch failure worth retrying (timeout, 5xx,
	// connection refused) as opposed to one that needs operator action.
	Transient bool
}

// Valid reports whether the document is usable as a capability declaration.
func (r Result) Valid() bool { return len(r.Errors) == 0 }

// FetchFailed builds the synthetic result recorded when the document could
// not be retrieved at all. Completeness bottoms out at zero.
func FetchFailed(reason string, transient bool) Result {
	return Result{
		Errors:         []string{"fetch failed: " + reason},
		RuleViolations: RuleCount,
		Transient:      transient,
	}
}

type document struct {
	SchemaVersion    string       `json:"schemaVersion"`
	InteractionModes []string     `json:"interactionModes"`
	DMEnabled        bool         `json:"dmEnabled"`
	DMRetention      string       `json:"dmRetention"`
	Commands         []docCommand `json:"commands"`
}

type docCommand struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	ArgsSchema       json.RawMessage `json:"argsSchema"`
	ExampleMention   string          `json:"exampleMention"`
	ResponseContract string          `json:"responseContract"`
}

// Validate parses and schema-checks raw manifest bytes. It is pure: same
// bytes, same result, no state. Malformed input is data, not a crash.
func Validate(raw []byte) Result {
	res := Result{Raw: raw}
	if raw == nil {
		res.Errors = []string{"invalid JSON"}
		res.RuleViolations = RuleCount
		return res
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		// A document that does not parse violates every rule group.
		res.Errors = []string{"invalid JSON"}
		res.RuleViolations = RuleCount
		return res
	}

	res.SchemaVersion = doc.SchemaVersion
	res.InteractionModes = doc.InteractionModes
	res.DMEnabled = doc.DMEnabled
	res.DMRetention = doc.DMRetention

	violated := func(msgs ...string) {
		res.Errors = append(res.Errors, msgs...)
		res.RuleViolations++
	}

	switch {
	case doc.SchemaVersion == "":
		violated("schemaVersion missing")
	case !SupportedVersions[doc.SchemaVersion]:
		violated(fmt.Sprintf("unsupported schemaVersion %q", doc.SchemaVersion))
	}

	if len(doc.InteractionModes) == 0 {
		violated("interactionModes missing or empty")
	} else {
		var msgs []string
		for _, m := range doc.InteractionModes {
			if !recognizedModes[m] {
				msgs = append(msgs, fmt.Sprintf("unrecognized interactionMode %q", m))
			}
		}
		if len(msgs) > 0 {
			violated(msgs...)
		}
	}

	var dmMsgs []string
	if doc.DMRetention != "" && !doc.DMEnabled {
		dmMsgs = append(dmMsgs, "dmRetention set but dmEnabled is false")
	}
	if doc.DMRetention != "" && !recognizedRetention[doc.DMRetention] {
		dmMsgs = append(dmMsgs, fmt.Sprintf("unrecognized dmRetention %q", doc.DMRetention))
	}
	if len(dmMsgs) > 0 {
		violated(dmMsgs...)
	}

	var cmdMsgs []string
	names := make(map[string]bool)
	for _, c := range doc.Commands {
		if c.Name == "" {
			cmdMsgs = append(cmdMsgs, "command missing name")
			continue
		}
		if names[c.Name] {
			cmdMsgs = append(cmdMsgs, fmt.Sprintf("duplicate command %q", c.Name))
			continue
		}
		names[c.Name] = true
		res.Commands = append(res.Commands, domain.Command{
			Name:             c.Name,
			Description:      c.Description,
			ArgsSchema:       c.ArgsSchema,
			ExampleMention:   c.ExampleMention,
			ResponseContract: c.ResponseContract,
		})
	}
	if len(cmdMsgs) > 0 {
		violated(cmdMsgs...)
	}

	return res
}
