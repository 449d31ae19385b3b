package run

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"jobflow/internal/apperrors"
	"jobflow/internal/workflow"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// startSchema describes the body of a start request. Platform-specific
// payload fields are checked by the platform's Prepare.
const startSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["payload"],
  "additionalProperties": false,
  "properties": {
    "run_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "payload": {"type": "object"},
    "callback_url": {"type": "string", "maxLength": 2048},
    "poll_s": {"type": "integer", "minimum": 1, "maximum": 86400},
    "timeout_s": {"type": "integer", "minimum": 1, "maximum": 86400}
  }
}`

var compiledStartSchema = jsonschema.MustCompileString("start.json", startSchema)

// runIDPattern allows alphanumeric, hyphens, and underscores
var runIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// StartBody is a decoded start request.
type StartBody struct {
	RunID   string
	Request workflow.Request
}

// DecodeStartBody validates data against the start schema and decodes it.
// Schema violations are validation errors naming the offending field.
func DecodeStartBody(data []byte) (*StartBody, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, apperrors.Validation("body", "invalid JSON body")
	}
	if err := compiledStartSchema.Validate(doc); err != nil {
		return nil, schemaError(err)
	}

	var ids struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, apperrors.Validation("run_id", "invalid run ID")
	}
	if ids.RunID != "" && !runIDPattern.MatchString(ids.RunID) {
		return nil, apperrors.Validation("run_id", "run ID must be alphanumeric (hyphens and underscores allowed, cannot start with hyphen/underscore)")
	}

	var req workflow.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apperrors.Validation("body", fmt.Sprintf("invalid request: %v", err))
	}
	return &StartBody{RunID: ids.RunID, Request: req}, nil
}

// schemaError reports the most specific violation.
func schemaError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return apperrors.Validation("body", err.Error())
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}

	field := strings.TrimPrefix(ve.InstanceLocation, "/")
	if field == "" {
		field = "body"
	}
	return apperrors.Validation(field, ve.Message)
}
