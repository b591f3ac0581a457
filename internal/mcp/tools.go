// ABOUTME: MCP tool definitions and registration for the concierge server
// ABOUTME: Exposes the turn pipeline, follow-ups, policy reload, memory, and document ingest as tools
package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// RegisterTools registers all MCP tools with the server.
// docs may be nil, in which case ingest_document is not offered.
func RegisterTools(server *mcpserver.MCPServer, pipeline Pipeline, docs DocumentIndex) *Handlers {
	handlers := NewHandlers(pipeline, docs)

	// 1. process_turn - run one user message through the pipeline
	server.AddTool(mcp.Tool{
		Name:        "process_turn",
		Description: "Process one user message: guardrails, memory, routing, grounding, model call. Returns the paced reply parts and turn metadata.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"user_id": map[string]interface{}{
					"type":        "string",
					"description": "Stable id of the end user",
				},
				"text": map[string]interface{}{
					"type":        "string",
					"description": "The user's message",
				},
				"conversation_id": map[string]interface{}{
					"type":        "string",
					"description": "Existing conversation id; omit to start a new conversation",
				},
				"tier": map[string]interface{}{
					"type":        "string",
					"description": "Optional model tier override",
					"enum":        []string{"fast", "pro"},
				},
			},
			Required: []string{"user_id", "text"},
		},
	}, handlers.ProcessTurn)

	// 2. trigger_followup - fire a scheduled follow-up timer
	server.AddTool(mcp.Tool{
		Name:        "trigger_followup",
		Description: "Fire a follow-up timer. Skipped silently when the user has not opted in or the conversation is no longer active.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"timer_id": map[string]interface{}{
					"type":        "string",
					"description": "Timer to fire",
				},
			},
			Required: []string{"timer_id"},
		},
	}, handlers.TriggerFollowup)

	// 3. reload_policy - atomically swap the policy bundle
	server.AddTool(mcp.Tool{
		Name:        "reload_policy",
		Description: "Reload the policy bundle (YAML + prompt templates). An invalid bundle is rejected and the previous version stays active.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"dir": map[string]interface{}{
					"type":        "string",
					"description": "Policy directory; defaults to the directory loaded at startup",
				},
			},
		},
	}, handlers.ReloadPolicy)

	// 4. get_profile - resolved memory for a user
	server.AddTool(mcp.Tool{
		Name:        "get_profile",
		Description: "Get the resolved memory facts remembered about a user, including facts awaiting confirmation.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"user_id": map[string]interface{}{
					"type":        "string",
					"description": "User to look up",
				},
			},
			Required: []string{"user_id"},
		},
	}, handlers.GetProfile)

	// 5. confirm_fact - promote a pending fact
	server.AddTool(mcp.Tool{
		Name:        "confirm_fact",
		Description: "Confirm a low-confidence fact so it is used for routing and prompts.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"user_id": map[string]interface{}{
					"type":        "string",
					"description": "Owner of the fact",
				},
				"key": map[string]interface{}{
					"type":        "string",
					"description": "Fact key, e.g. baby_age_months",
				},
			},
			Required: []string{"user_id", "key"},
		},
	}, handlers.ConfirmFact)

	// 6. reopen_conversation - lift a human handoff
	server.AddTool(mcp.Tool{
		Name:        "reopen_conversation",
		Description: "Return a handed-off conversation to the automated agents.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"conversation_id": map[string]interface{}{
					"type":        "string",
					"description": "Conversation to reopen",
				},
			},
			Required: []string{"conversation_id"},
		},
	}, handlers.ReopenConversation)

	if docs != nil {
		// 7. ingest_document - add a document to the retrieval index
		server.AddTool(mcp.Tool{
			Name:        "ingest_document",
			Description: "Split a document into chunks and add it to the retrieval index. Re-ingesting an id replaces it.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]interface{}{
					"document_id": map[string]interface{}{
						"type":        "string",
						"description": "Stable document id",
					},
					"text": map[string]interface{}{
						"type":        "string",
						"description": "Document text",
					},
					"source": map[string]interface{}{
						"type":        "string",
						"description": "Optional source label shown with citations",
					},
				},
				Required: []string{"document_id", "text"},
			},
		}, handlers.IngestDocument)
	}

	return handlers
}
