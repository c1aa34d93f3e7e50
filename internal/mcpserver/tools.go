package mcpserver

import (
	"encoding/json"

	"github.com/p-blackswan/sessionagent/internal/toolmap"
)

// Tool is one MCP tool definition as returned by tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Tools lists the four model commands with their JSON schemas.
func Tools() []Tool {
	return []Tool{
		{
			Name:        toolmap.CmdGetSession,
			Description: "Read the current session's attached resources (issues, PRs, docs) and the optimistic sequence number.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {},
				"additionalProperties": false
			}`),
		},
		{
			Name:        toolmap.CmdUpdateSession,
			Description: "Add, remove, or activate the session's attached resources. Pass expectedSequence from a prior GET_SESSION for optimistic locking; a stale sequence is rejected with SEQUENCE_MISMATCH and nothing is mutated.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"expectedSequence": {"type": "integer"},
					"operations": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "object",
							"properties": {
								"action": {"type": "string", "enum": ["add", "remove", "set_active"]},
								"resourceType": {"type": "string", "enum": ["issue", "pr", "doc"]},
								"link": {
									"type": "object",
									"properties": {
										"url": {"type": "string"},
										"type": {"type": "string"},
										"provider": {"type": "string"},
										"label": {"type": "string"}
									},
									"required": ["url"]
								},
								"url": {"type": "string"}
							},
							"required": ["action", "resourceType"]
						}
					}
				},
				"required": ["operations"]
			}`),
		},
		{
			Name:        toolmap.CmdAskUserQuestion,
			Description: "Present the user a choice card (user_choice) or a multi-question form (user_choices) in the Slack thread.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"type": {"type": "string", "enum": ["user_choice", "user_choices"]},
					"question": {"type": "string"},
					"choices": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"id": {"type": "string"},
								"label": {"type": "string"},
								"description": {"type": "string"}
							},
							"required": ["id", "label"]
						}
					},
					"context": {"type": "string"},
					"title": {"type": "string"},
					"description": {"type": "string"},
					"questions": {"type": "array"}
				},
				"required": ["type"]
			}`),
		},
		{
			Name:        toolmap.CmdSaveContextResult,
			Description: "Report the outcome of saving the session context for a renew. Only accepted while the session's renew is pending save.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"result": {
						"type": "object",
						"properties": {
							"success": {"type": "boolean"},
							"id": {"type": "string"},
							"path": {"type": "string"},
							"dir": {"type": "string"},
							"summary": {"type": "string"},
							"title": {"type": "string"},
							"files": {
								"type": "array",
								"items": {
									"type": "object",
									"properties": {
										"name": {"type": "string"},
										"content": {"type": "string"}
									},
									"required": ["name"]
								}
							},
							"error": {"type": "string"}
						}
					}
				},
				"required": ["result"]
			}`),
		},
	}
}

// knownTool reports whether name is one of the four commands.
func knownTool(name string) bool {
	switch name {
	case toolmap.CmdGetSession, toolmap.CmdUpdateSession, toolmap.CmdAskUserQuestion, toolmap.CmdSaveContextResult:
		return true
	}
	return false
}
