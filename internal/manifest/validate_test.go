package manifest

import (
	"reflect"
	"testing"
)

const sampleManifest = `{
	"schemaVersion": "1.0",
	"interactionModes": ["mention", "reply"],
	"dmEnabled": true,
	"dmRetention": "7d",
	"commands": [
		{"name": "summarize", "description": "summarize a thread", "exampleMention": "@bot summarize"},
		{"name": "translate", "description": "translate a post"}
	]
}`

func TestValidate_WellFormedManifest(t *testing.T) {
	res := Validate([]byte(sampleManifest))

	if !res.Valid() {
		t.Fatalf("expected valid result, got errors: %v", res.Errors)
	}
	if res.RuleViolations != 0 {
		t.Errorf("expected 0 rule violations, got %d", res.RuleViolations)
	}
	if res.SchemaVersion != "1.0" {
		t.Errorf("expected schemaVersion 1.0, got %s", res.SchemaVersion)
	}
	if len(res.InteractionModes) != 2 {
		t.Errorf("expected 2 interaction modes, got %v", res.InteractionModes)
	}
	if !res.DMEnabled || res.DMRetention != "7d" {
		t.Errorf("unexpected dm fields: enabled=%v retention=%s", res.DMEnabled, res.DMRetention)
	}
	if len(res.Commands) != 2 || res.Commands[0].Name != "summarize" {
		t.Errorf("unexpected commands: %v", res.Commands)
	}
}

func TestValidate_InvalidJSON(t *testing.T) {
	for _, raw := range [][]byte{nil, []byte(""), []byte("{not json"), []byte(`"a string"`)} {
		res := Validate(raw)
		if res.Valid() {
			t.Fatalf("expected invalid result for %q", raw)
		}
		if len(res.Errors) != 1 || res.Errors[0] != "invalid JSON" {
			t.Errorf("expected single 'invalid JSON' error for %q, got %v", raw, res.Errors)
		}
		if res.RuleViolations != RuleCount {
			t.Errorf("expected %d violations for unparseable input, got %d", RuleCount, res.RuleViolations)
		}
	}
}

func TestValidate_SchemaVersion(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"missing", `{"interactionModes":["mention"]}`, "schemaVersion missing"},
		{"unsupported", `{"schemaVersion":"9.9","interactionModes":["mention"]}`, `unsupported schemaVersion "9.9"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Validate([]byte(tt.raw))
			if res.Valid() {
				t.Fatal("expected invalid result")
			}
			if res.Errors[0] != tt.wantErr {
				t.Errorf("expected error %q, got %q", tt.wantErr, res.Errors[0])
			}
			if res.RuleViolations != 1 {
				t.Errorf("expected 1 violation, got %d", res.RuleViolations)
			}
		})
	}
}

func TestValidate_InteractionModes(t *testing.T) {
	res := Validate([]byte(`{"schemaVersion":"1.0"}`))
	if len(res.Errors) != 1 || res.Errors[0] != "interactionModes missing or empty" {
		t.Errorf("expected missing-modes error, got %v", res.Errors)
	}

	res = Validate([]byte(`{"schemaVersion":"1.0","interactionModes":["mention","telepathy"]}`))
	if len(res.Errors) != 1 || res.Errors[0] != `unrecognized interactionMode "telepathy"` {
		t.Errorf("expected unrecognized-mode error, got %v", res.Errors)
	}
	if res.RuleViolations != 1 {
		t.Errorf("expected 1 violation, got %d", res.RuleViolations)
	}
}

func TestValidate_DMFields(t *testing.T) {
	res := Validate([]byte(`{"schemaVersion":"1.0","interactionModes":["dm"],"dmRetention":"7d"}`))
	if len(res.Errors) != 1 || res.Errors[0] != "dmRetention set but dmEnabled is false" {
		t.Errorf("expected retention-without-dm error, got %v", res.Errors)
	}

	res = Validate([]byte(`{"schemaVersion":"1.0","interactionModes":["dm"],"dmEnabled":true,"dmRetention":"forever"}`))
	if len(res.Errors) != 1 || res.Errors[0] != `unrecognized dmRetention "forever"` {
		t.Errorf("expected unrecognized-retention error, got %v", res.Errors)
	}
}

func TestValidate_Commands(t *testing.T) {
	raw := `{"schemaVersion":"1.0","interactionModes":["mention"],"commands":[
		{"name":"echo"},{"name":""},{"name":"echo"}
	]}`
	res := Validate([]byte(raw))
	if res.Valid() {
		t.Fatal("expected invalid result")
	}
	if len(res.Errors) != 2 {
		t.Fatalf("expected 2 command errors, got %v", res.Errors)
	}
	if res.Errors[0] != "command missing name" || res.Errors[1] != `duplicate command "echo"` {
		t.Errorf("unexpected command errors: %v", res.Errors)
	}
	// Command rule group counts once regardless of how many commands fail.
	if res.RuleViolations != 1 {
		t.Errorf("expected 1 violation, got %d", res.RuleViolations)
	}
	if len(res.Commands) != 1 || res.Commands[0].Name != "echo" {
		t.Errorf("expected the one well-formed command kept, got %v", res.Commands)
	}
}

func TestValidate_AccumulatesAllErrors(t *testing.T) {
	raw := `{"dmRetention":"7d","commands":[{"name":""}]}`
	res := Validate([]byte(raw))
	if res.RuleViolations != 4 {
		t.Errorf("expected 4 violations (version, modes, dm, commands), got %d: %v", res.RuleViolations, res.Errors)
	}
}

func TestValidate_Pure(t *testing.T) {
	raw := []byte(sampleManifest)
	first := Validate(raw)
	second := Validate(raw)
	if !reflect.DeepEqual(first, second) {
		t.Error("expected identical results for identical input")
	}
}

func TestFetchFailed(t *testing.T) {
	res := FetchFailed("timeout", true)
	if res.Valid() {
		t.Fatal("expected invalid result")
	}
	if res.Errors[0] != "fetch failed: timeout" {
		t.Errorf("unexpected error: %q", res.Errors[0])
	}
	if res.RuleViolations != RuleCount {
		t.Errorf("expected completeness floor, got %d violations", res.RuleViolations)
	}
	if !res.Transient {
		t.Error("expected transient")
	}
	if FetchFailed("status 404", false).Transient {
		t.Error("expected non-transient")
	}
}
