package protocol

import (
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaRegistry struct {
	once    sync.Once
	initErr error
	frame   *jsonschema.Schema
	kinds   map[Kind]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		frame, err := jsonschema.CompileString("frame", frameSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.frame = frame

		byKind := map[Kind]string{
			KindRegister:      registerSchema,
			KindToken:         contentSchema,
			KindUserRequest:   contentSchema,
			KindSystem:        contentSchema,
			KindToolCall:      toolCallSchema,
			KindToolCallChunk: toolCallChunkSchema,
			KindToolResult:    toolResultSchema,
			KindClientList:    clientListSchema,
		}
		schemas.kinds = make(map[Kind]*jsonschema.Schema, len(byKind))
		for kind, src := range byKind {
			compiled, err := jsonschema.CompileString("frame_"+string(kind), src)
			if err != nil {
				schemas.initErr = fmt.Errorf("compile %s schema: %w", kind, err)
				return
			}
			schemas.kinds[kind] = compiled
		}
	})
	return schemas.initErr
}

// validateFrame checks a generically decoded frame against the envelope schema and
// the schema of its kind.
func validateFrame(kind Kind, v interface{}) error {
	if err := initSchemas(); err != nil {
		return err
	}
	if err := schemas.frame.Validate(v); err != nil {
		return err
	}
	if s := schemas.kinds[kind]; s != nil {
		return s.Validate(v)
	}
	return nil
}

const frameSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {
      "enum": ["register", "token", "tool_call", "tool_call_chunk", "tool_result", "user_request", "system", "client_list"]
    },
    "source": { "type": "string" }
  },
  "additionalProperties": true
}`

const registerSchema = `{
  "type": "object",
  "required": ["id", "name"],
  "properties": {
    "id": { "type": "string", "minLength": 1, "pattern": "\\S" },
    "name": { "type": "string" }
  },
  "additionalProperties": true
}`

const contentSchema = `{
  "type": "object",
  "required": ["content"],
  "properties": {
    "content": { "type": "string" }
  },
  "additionalProperties": true
}`

const toolCallSchema = `{
  "type": "object",
  "required": ["id", "name", "args"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1 },
    "args": { "not": { "type": "string" } }
  },
  "additionalProperties": true
}`

const toolCallChunkSchema = `{
  "type": "object",
  "required": ["id", "args"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "args": { "type": "string" }
  },
  "additionalProperties": true
}`

const toolResultSchema = `{
  "type": "object",
  "required": ["id", "result"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "result": {}
  },
  "additionalProperties": true
}`

const clientListSchema = `{
  "type": "object",
  "required": ["clients"],
  "properties": {
    "clients": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": { "type": "string" },
          "name": { "type": "string" }
        },
        "additionalProperties": true
      }
    }
  },
  "additionalProperties": true
}`
