package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Payload schemas for client-originated message types. Server-originated
// types are never validated here; they do not arrive from the wire.
var payloadSchemas = map[string]string{
	TypePresenceUpdate: `{
		"type": "object",
		"required": ["status"],
		"properties": {
			"status": {"enum": ["online", "busy", "away", "dnd", "offline"]},
			"status_message": {"type": "string", "maxLength": 256}
		}
	}`,
	TypePresenceLocation: `{
		"type": "object",
		"required": ["page"],
		"properties": {
			"page": {"type": "string", "minLength": 1},
			"entity_type": {"type": "string"},
			"entity_id": {"type": "string"}
		}
	}`,
	TypeTypingStart: `{
		"type": "object",
		"required": ["session_id", "field"],
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"field": {"type": "string", "minLength": 1}
		}
	}`,
	TypeTypingStop: `{
		"type": "object"
	}`,
	TypeSessionJoin: `{
		"type": "object",
		"required": ["entity_type", "entity_id"],
		"properties": {
			"entity_type": {"type": "string", "minLength": 1},
			"entity_id": {"type": "string", "minLength": 1}
		}
	}`,
	TypeSessionLeave: `{
		"type": "object",
		"required": ["session_id"],
		"properties": {
			"session_id": {"type": "string", "minLength": 1}
		}
	}`,
	TypeCursorMove: `{
		"type": "object",
		"required": ["session_id", "cursor"],
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"cursor": {
				"type": "object",
				"required": ["field_path", "offset"],
				"properties": {
					"field_path": {"type": "string", "minLength": 1},
					"offset": {"type": "integer", "minimum": 0}
				}
			}
		}
	}`,
	TypeSelectionChange: `{
		"type": "object",
		"required": ["session_id"],
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"selection": {
				"type": ["object", "null"],
				"required": ["field_path", "start", "end"],
				"properties": {
					"field_path": {"type": "string", "minLength": 1},
					"start": {"type": "integer", "minimum": 0},
					"end": {"type": "integer", "minimum": 0}
				}
			}
		}
	}`,
	TypeChangeApply: `{
		"type": "object",
		"required": ["session_id", "field_path", "change_type", "new_value", "base_version"],
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"field_path": {"type": "string", "minLength": 1},
			"change_type": {"enum": ["insert", "delete", "replace", "move", "format"]},
			"position": {"type": "integer", "minimum": 0},
			"length": {"type": "integer", "minimum": 0},
			"base_version": {"type": "integer", "minimum": 0}
		}
	}`,
	TypeConflictResolve: `{
		"type": "object",
		"required": ["session_id", "conflict_id", "resolved_value"],
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"conflict_id": {"type": "string", "minLength": 1}
		}
	}`,
	TypeLockAcquire: `{
		"type": "object",
		"required": ["entity_type", "entity_id", "field_path"],
		"properties": {
			"entity_type": {"type": "string", "minLength": 1},
			"entity_id": {"type": "string", "minLength": 1},
			"field_path": {"type": "string", "minLength": 1},
			"lock_type": {"enum": ["exclusive", "shared", "intent"]}
		}
	}`,
	TypeLockRelease: `{
		"type": "object",
		"required": ["lock_id"],
		"properties": {
			"lock_id": {"type": "string", "minLength": 1}
		}
	}`,
	TypeCommentAdd: `{
		"type": "object",
		"required": ["entity_type", "entity_id", "content"],
		"properties": {
			"entity_type": {"type": "string", "minLength": 1},
			"entity_id": {"type": "string", "minLength": 1},
			"content": {"type": "string", "minLength": 1},
			"field_path": {"type": "string"},
			"selection_start": {"type": "integer", "minimum": 0},
			"selection_end": {"type": "integer", "minimum": 0},
			"parent_id": {"type": "string"}
		}
	}`,
	TypeCommentResolve: `{
		"type": "object",
		"required": ["comment_id"],
		"properties": {
			"comment_id": {"type": "string", "minLength": 1}
		}
	}`,
	TypeSubscribe: `{
		"type": "object",
		"required": ["channel"],
		"properties": {
			"channel": {"type": "string", "minLength": 1}
		}
	}`,
	TypeUnsubscribe: `{
		"type": "object",
		"required": ["channel"],
		"properties": {
			"channel": {"type": "string", "minLength": 1}
		}
	}`,
	TypeHeartbeat: `{
		"type": "object"
	}`,
}

var compiledSchemas = compileSchemas()

func compileSchemas() map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(payloadSchemas))
	for msgType, src := range payloadSchemas {
		sch, err := jsonschema.CompileString(strings.ReplaceAll(msgType, ":", "_")+".schema.json", src)
		if err != nil {
			panic(fmt.Sprintf("protocol: compile schema for %s: %v", msgType, err))
		}
		out[msgType] = sch
	}
	return out
}

// ValidationError reports a rejected inbound envelope.
type ValidationError struct {
	Type    string
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: %s: %s", e.Type, e.Message)
}

// ValidateInbound checks a client-originated envelope against the payload
// schema for its type. Unknown types and schema violations are returned as
// *ValidationError so the caller can reply to the sender without broadcasting.
func ValidateInbound(e *Envelope) error {
	sch, ok := compiledSchemas[e.Type]
	if !ok {
		return &ValidationError{Type: e.Type, Code: CodeUnknownType, Message: "unknown message type"}
	}

	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return &ValidationError{Type: e.Type, Code: CodeMalformed, Message: "payload is not valid JSON"}
	}
	if err := sch.Validate(v); err != nil {
		return &ValidationError{Type: e.Type, Code: CodeMalformed, Message: err.Error()}
	}
	return nil
}
