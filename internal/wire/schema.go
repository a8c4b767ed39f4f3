package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator compiles one JSON Schema per envelope type and validates
// payloads against them before they reach the business router.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the built-in schema set. An error here means a
// schema literal is malformed and indicates a programming error, not bad
// input.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*jsonschema.Schema)}
	for msgType, raw := range schemaLiterals {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(raw)))
		if err != nil {
			return nil, fmt.Errorf("wire: unmarshal schema for %s: %w", msgType, err)
		}
		c := jsonschema.NewCompiler()
		resourceURL := "mem://" + msgType
		if err := c.AddResource(resourceURL, doc); err != nil {
			return nil, fmt.Errorf("wire: add resource for %s: %w", msgType, err)
		}
		schema, err := c.Compile(resourceURL)
		if err != nil {
			return nil, fmt.Errorf("wire: compile schema for %s: %w", msgType, err)
		}
		v.schemas[msgType] = schema
	}
	return v, nil
}

// ValidationError reports that an inbound payload failed schema validation.
// Callers should log it at warn and drop the frame rather than propagate it
// as a fatal error.
type ValidationError struct {
	MsgType string
	Cause   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("wire: payload for %s failed schema validation: %v", e.MsgType, e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// Validate checks payload against the compiled schema for msgType. Unknown
// message types are rejected: the protocol is closed, not extensible at
// runtime.
func (v *Validator) Validate(msgType string, payload json.RawMessage) error {
	schema, ok := v.schemas[msgType]
	if !ok {
		return &ValidationError{MsgType: msgType, Cause: fmt.Errorf("unknown message type")}
	}
	var parsed any
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return &ValidationError{MsgType: msgType, Cause: err}
	}
	if err := schema.Validate(parsed); err != nil {
		return &ValidationError{MsgType: msgType, Cause: err}
	}
	return nil
}

// schemaLiterals holds one JSON Schema document per message type, keyed by
// the wire type string. Kept minimal: required fields and basic types only,
// since deep business validation (e.g. dependency cycles) belongs to
// runstate, not the wire layer.
var schemaLiterals = map[string]string{
	TypeHandshake: `{
		"type": "object",
		"required": ["workerInstanceId", "workerName", "tenant", "authToken"],
		"properties": {
			"workerInstanceId": {"type": "string", "minLength": 1},
			"workerName": {"type": "string", "minLength": 1},
			"tenant": {"type": "string", "minLength": 1},
			"authToken": {"type": "string", "minLength": 1},
			"resumeSessionId": {"type": "string"}
		}
	}`,
	TypeRegister: `{
		"type": "object",
		"required": ["packages"],
		"properties": {
			"packages": {"type": "array"}
		}
	}`,
	TypeResume: `{
		"type": "object",
		"required": ["sessionId", "sessionToken"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"sessionToken": {"type": "string", "minLength": 1},
			"lastAckSeq": {"type": "integer"}
		}
	}`,
	TypeHeartbeat: `{
		"type": "object",
		"properties": {
			"inflightCount": {"type": "integer", "minimum": 0}
		}
	}`,
	TypeAck: `{
		"type": "object"
	}`,
	TypeSessionAccept: `{
		"type": "object",
		"required": ["sessionId", "sessionToken", "windowSize"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"sessionToken": {"type": "string", "minLength": 1},
			"windowSize": {"type": "integer", "minimum": 1}
		}
	}`,
	TypeReset: `{
		"type": "object"
	}`,
	TypeDrain: `{
		"type": "object"
	}`,
	TypeExecDispatch: `{
		"type": "object",
		"required": ["dispatchId", "runId", "nodeId", "package"],
		"properties": {
			"dispatchId": {"type": "string", "minLength": 1},
			"runId": {"type": "string", "minLength": 1},
			"nodeId": {"type": "string", "minLength": 1},
			"attempt": {"type": "integer", "minimum": 0}
		}
	}`,
	TypeExecResult: `{
		"type": "object",
		"required": ["dispatchId", "runId", "nodeId"],
		"properties": {
			"dispatchId": {"type": "string", "minLength": 1},
			"runId": {"type": "string", "minLength": 1},
			"nodeId": {"type": "string", "minLength": 1}
		}
	}`,
	TypeExecFeedback: `{
		"type": "object",
		"required": ["dispatchId", "runId", "nodeId"],
		"properties": {
			"dispatchId": {"type": "string", "minLength": 1},
			"runId": {"type": "string", "minLength": 1},
			"nodeId": {"type": "string", "minLength": 1}
		}
	}`,
	TypeExecError: `{
		"type": "object",
		"required": ["dispatchId", "runId", "nodeId", "code", "message"],
		"properties": {
			"dispatchId": {"type": "string", "minLength": 1},
			"runId": {"type": "string", "minLength": 1},
			"nodeId": {"type": "string", "minLength": 1},
			"code": {"type": "string", "minLength": 1},
			"message": {"type": "string", "minLength": 1},
			"retryable": {"type": "boolean"}
		}
	}`,
	TypeExecNextRequest: `{
		"type": "object",
		"required": ["runId", "nodeId", "chainIndex"],
		"properties": {
			"runId": {"type": "string", "minLength": 1},
			"nodeId": {"type": "string", "minLength": 1},
			"middlewareId": {"type": "string"},
			"chainIndex": {"type": "integer", "minimum": 0}
		}
	}`,
	TypeExecNextResponse: `{
		"type": "object",
		"required": ["requestId"],
		"properties": {
			"requestId": {"type": "string", "minLength": 1},
			"refused": {"type": "boolean"},
			"refuseCode": {"type": "string"}
		}
	}`,
}
