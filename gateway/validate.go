package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hupe1980/agentsim/core"
	"github.com/hupe1980/agentsim/internal/util"
)

// Response is the validated structured reply of the model.
type Response struct {
	Utterance string `json:"utterance" minLength:"1" description:"what the agent says"`
	Recipient string `json:"recipient,omitempty" description:"agent id to address; empty addresses everyone"`
	Opinion   string `json:"opinion,omitempty" description:"a strong opinion worth remembering"`
	Salient   bool   `json:"salient,omitempty" description:"whether the utterance should survive consolidation"`

	// Raw is the unprocessed model text.
	Raw string `json:"-"`
}

const schemaURL = "agentsim://gateway/response.schema.json"

// compileResponseSchema derives the JSON schema from Response and compiles it.
func compileResponseSchema() (*jsonschema.Schema, error) {
	s, err := util.StructSchema(Response{})
	if err != nil {
		return nil, err
	}
	s["$schema"] = "http://json-schema.org/draft-07/schema#"
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString(schemaURL, string(b))
}

// extractJSON returns the outermost {...} span of text. Models frequently wrap
// JSON in prose or code fences.
func extractJSON(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// validate parses and schema-checks raw model text.
func validate(schema *jsonschema.Schema, raw string) (*Response, error) {
	body, ok := extractJSON(raw)
	if !ok {
		return nil, &core.ValidationError{Raw: raw, Message: "no JSON object in response"}
	}

	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, &core.ValidationError{Raw: raw, Message: fmt.Sprintf("malformed JSON: %v", err)}
	}

	if err := schema.Validate(doc); err != nil {
		field, msg := describeSchemaError(err)
		return nil, &core.ValidationError{Field: field, Raw: raw, Message: msg}
	}

	var resp Response
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, &core.ValidationError{Raw: raw, Message: err.Error()}
	}
	resp.Utterance = strings.TrimSpace(resp.Utterance)
	if resp.Utterance == "" {
		return nil, &core.ValidationError{Field: "utterance", Raw: raw, Message: "blank utterance"}
	}
	resp.Recipient = strings.TrimSpace(resp.Recipient)
	resp.Raw = raw
	return &resp, nil
}

// describeSchemaError flattens a jsonschema error to its deepest cause.
func describeSchemaError(err error) (string, string) {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return "", err.Error()
	}
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	return strings.TrimPrefix(verr.InstanceLocation, "/"), verr.Message
}
