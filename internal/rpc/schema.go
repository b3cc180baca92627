package rpc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaRegistry struct {
	once    sync.Once
	initErr error
	request *jsonschema.Schema
	methods map[string]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		reqSchema, err := jsonschema.CompileString("rpc_request", requestSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.request = reqSchema

		methods := map[string]string{
			"hello":         helloParamsSchema,
			"chat.send":     chatSendParamsSchema,
			"chat.history":  chatHistoryParamsSchema,
			"chat.abort":    chatAbortParamsSchema,
			"chat.inject":   chatInjectParamsSchema,
			"sessions.list": sessionsListParamsSchema,
			"sessions.patch": sessionsPatchParamsSchema,
			"sessions.preview": sessionKeyParamsSchema,
			"sessions.delete":  sessionsDeleteParamsSchema,
			"sessions.reset":   sessionKeyParamsSchema,
			"sessions.compact": sessionKeyParamsSchema,
			"sessions.resolve": sessionsResolveParamsSchema,
			"agent":            agentParamsSchema,
			"agent.wait":       agentWaitParamsSchema,
			"cron.add":         cronAddParamsSchema,
			"cron.update":      cronUpdateParamsSchema,
			"cron.remove":      cronIDParamsSchema,
			"cron.run":         cronIDParamsSchema,
			"channels.logout":  channelIDParamsSchema,
			"logs.tail":        logsTailParamsSchema,
			"approvals.resolve": approvalsResolveParamsSchema,
		}

		schemas.methods = make(map[string]*jsonschema.Schema, len(methods))
		for name, schema := range methods {
			compiled, err := jsonschema.CompileString("rpc_method_"+name, schema)
			if err != nil {
				schemas.initErr = fmt.Errorf("schema %s: %w", name, err)
				return
			}
			schemas.methods[name] = compiled
		}
	})
	return schemas.initErr
}

// validateRequestFrame checks the frame envelope and, when a schema is
// declared for the method, its params.
func validateRequestFrame(raw []byte, frame *Frame) error {
	if err := initSchemas(); err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := schemas.request.Validate(payload); err != nil {
		return err
	}
	if schema := schemas.methods[frame.Method]; schema != nil {
		var params any
		if len(frame.Params) == 0 {
			params = map[string]any{}
		} else if err := json.Unmarshal(frame.Params, &params); err != nil {
			return err
		}
		if err := schema.Validate(params); err != nil {
			return err
		}
	}
	return nil
}

const requestSchema = `{
  "type": "object",
  "required": ["type", "id", "method"],
  "properties": {
    "type": { "enum": ["req", "hello"] },
    "id": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "minLength": 1 },
    "params": {}
  },
  "additionalProperties": true
}`

const helloParamsSchema = `{
  "type": "object",
  "required": ["min_protocol", "max_protocol", "client"],
  "properties": {
    "min_protocol": { "type": "integer", "minimum": 1 },
    "max_protocol": { "type": "integer", "minimum": 1 },
    "client": {
      "type": "object",
      "required": ["id", "version", "platform"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "version": { "type": "string", "minLength": 1 },
        "platform": { "type": "string", "minLength": 1 },
        "mode": { "type": "string" }
      },
      "additionalProperties": true
    },
    "caps": { "type": "array", "items": { "type": "string" } },
    "auth": {
      "type": "object",
      "properties": {
        "token": { "type": "string" },
        "device": {
          "type": "object",
          "required": ["id", "public_key", "signature", "signed_at"],
          "properties": {
            "id": { "type": "string", "minLength": 1 },
            "public_key": { "type": "string", "minLength": 1 },
            "signature": { "type": "string", "minLength": 1 },
            "signed_at": { "type": "integer" }
          },
          "additionalProperties": true
        }
      },
      "additionalProperties": true
    }
  },
  "additionalProperties": true
}`

const chatSendParamsSchema = `{
  "type": "object",
  "required": ["text"],
  "properties": {
    "sessionKey": { "type": "string" },
    "agentId": { "type": "string" },
    "text": { "type": "string", "minLength": 1 },
    "attachments": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["hash"],
        "properties": {
          "hash": { "type": "string", "minLength": 1 },
          "contentType": { "type": "string" },
          "size": { "type": "integer" },
          "name": { "type": "string" }
        },
        "additionalProperties": true
      }
    }
  },
  "additionalProperties": true
}`

const chatHistoryParamsSchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "limit": { "type": "integer", "minimum": 1, "maximum": 500 }
  },
  "additionalProperties": true
}`

const chatAbortParamsSchema = `{
  "type": "object",
  "properties": {
    "sessionKey": { "type": "string" },
    "runId": { "type": "string" },
    "drop_pending": { "type": "boolean" }
  },
  "additionalProperties": true
}`

const chatInjectParamsSchema = `{
  "type": "object",
  "required": ["sessionKey", "text"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "text": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const sessionsListParamsSchema = `{
  "type": "object",
  "properties": {
    "agentId": { "type": "string" },
    "channel": { "type": "string" },
    "limit": { "type": "integer", "minimum": 1, "maximum": 500 }
  },
  "additionalProperties": true
}`

const sessionKeyParamsSchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "limit": { "type": "integer", "minimum": 1, "maximum": 500 }
  },
  "additionalProperties": true
}`

const sessionsDeleteParamsSchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "purge": { "type": "boolean" }
  },
  "additionalProperties": true
}`

const sessionsPatchParamsSchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "model": { "type": "string" },
    "thinkingLevel": { "enum": ["", "off", "minimal", "low", "medium", "high", "xhigh"] },
    "authProfile": { "type": "string" }
  },
  "additionalProperties": true
}`

const sessionsResolveParamsSchema = `{
  "type": "object",
  "required": ["channel", "account", "peer", "chatKind"],
  "properties": {
    "channel": { "type": "string", "minLength": 1 },
    "account": { "type": "string" },
    "peer": { "type": "string" },
    "group": { "type": "string" },
    "thread": { "type": "string" },
    "chatKind": { "enum": ["dm", "group", "channel", "thread"] }
  },
  "additionalProperties": true
}`

const agentParamsSchema = `{
  "type": "object",
  "required": ["agentId", "text"],
  "properties": {
    "agentId": { "type": "string", "minLength": 1 },
    "text": { "type": "string", "minLength": 1 },
    "sessionKey": { "type": "string" }
  },
  "additionalProperties": true
}`

const agentWaitParamsSchema = `{
  "type": "object",
  "required": ["runId"],
  "properties": {
    "runId": { "type": "string", "minLength": 1 },
    "timeoutMs": { "type": "integer", "minimum": 1 }
  },
  "additionalProperties": true
}`

const cronAddParamsSchema = `{
  "type": "object",
  "required": ["schedule", "agentId", "text"],
  "properties": {
    "id": { "type": "string" },
    "schedule": { "type": "string", "minLength": 1 },
    "agentId": { "type": "string", "minLength": 1 },
    "text": { "type": "string", "minLength": 1 },
    "enabled": { "type": "boolean" }
  },
  "additionalProperties": true
}`

const cronUpdateParamsSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "schedule": { "type": "string" },
    "text": { "type": "string" },
    "enabled": { "type": "boolean" }
  },
  "additionalProperties": true
}`

const cronIDParamsSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": { "id": { "type": "string", "minLength": 1 } },
  "additionalProperties": true
}`

const channelIDParamsSchema = `{
  "type": "object",
  "required": ["channel"],
  "properties": { "channel": { "type": "string", "minLength": 1 } },
  "additionalProperties": true
}`

const logsTailParamsSchema = `{
  "type": "object",
  "properties": { "lines": { "type": "integer", "minimum": 1, "maximum": 500 } },
  "additionalProperties": true
}`

const approvalsResolveParamsSchema = `{
  "type": "object",
  "required": ["approvalId", "approved"],
  "properties": {
    "approvalId": { "type": "string", "minLength": 1 },
    "approved": { "type": "boolean" },
    "reason": { "type": "string" }
  },
  "additionalProperties": true
}`
