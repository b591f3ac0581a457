// ABOUTME: MCP tool handler implementations for the concierge server
// ABOUTME: Handlers validate arguments, call the pipeline, and return JSON text results
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/harper/concierge/internal/core"
	"github.com/harper/concierge/internal/models"
	"github.com/harper/concierge/internal/policy"
)

// Pipeline is the part of *core.Orchestrator the tools call
type Pipeline interface {
	ProcessTurn(ctx context.Context, req core.TurnRequest) (*core.TurnResult, error)
	TriggerFollowup(ctx context.Context, payload core.TimerPayload) (*core.TurnResult, error)
	ReloadPolicy(dir string) (*policy.Policy, error)
	Profile(ctx context.Context, userID string) (models.Profile, error)
	ConfirmFact(ctx context.Context, userID, key string) (*models.MemoryFact, error)
	ReopenConversation(ctx context.Context, conversationID string) (*models.Conversation, error)
}

// DocumentIndex is the part of *retrieval.Retriever the ingest tool calls
type DocumentIndex interface {
	Ingest(ctx context.Context, docID, source, text string) (int, error)
}

// Handlers contains the handler functions for all MCP tools
type Handlers struct {
	pipeline Pipeline
	docs     DocumentIndex
	// PolicyDir is used by reload_policy when no dir argument is given
	PolicyDir string
}

// NewHandlers creates handlers over pipeline
func NewHandlers(pipeline Pipeline, docs DocumentIndex) *Handlers {
	return &Handlers{pipeline: pipeline, docs: docs}
}

// ProcessTurn handles the process_turn tool
func (h *Handlers) ProcessTurn(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := request.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id argument is required and must be a string"), nil
	}
	text, err := request.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError("text argument is required and must be a string"), nil
	}

	tier := models.ModelTier(request.GetString("tier", ""))
	if tier != "" && !tier.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("tier must be fast or pro, got %q", tier)), nil
	}

	result, err := h.pipeline.ProcessTurn(ctx, core.TurnRequest{
		ConversationID: request.GetString("conversation_id", ""),
		UserID:         userID,
		Text:           text,
		TierOverride:   tier,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("turn failed: %v", err)), nil
	}

	return jsonResult(result)
}

// TriggerFollowup handles the trigger_followup tool
func (h *Handlers) TriggerFollowup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	timerID, err := request.RequireString("timer_id")
	if err != nil {
		return mcp.NewToolResultError("timer_id argument is required and must be a string"), nil
	}

	result, err := h.pipeline.TriggerFollowup(ctx, core.TimerPayload{TimerID: timerID})
	if err != nil {
		if errors.Is(err, core.ErrTimerNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("timer %s not found", timerID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("follow-up failed: %v", err)), nil
	}

	return jsonResult(result)
}

// ReloadPolicy handles the reload_policy tool
func (h *Handlers) ReloadPolicy(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dir := request.GetString("dir", h.PolicyDir)
	if dir == "" {
		return mcp.NewToolResultError("dir argument is required when no default policy directory is configured"), nil
	}

	p, err := h.pipeline.ReloadPolicy(dir)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("policy rejected: %v", err)), nil
	}

	return jsonResult(map[string]interface{}{
		"version": p.Version,
		"dir":     dir,
	})
}

// profileEntry is one fact as returned by get_profile
type profileEntry struct {
	Key               string      `json:"key"`
	Value             interface{} `json:"value"`
	Confidence        float64     `json:"confidence"`
	Weight            float64     `json:"weight"`
	NeedsConfirmation bool        `json:"needs_confirmation"`
	Corroborations    int         `json:"corroborations,omitempty"`
	Source            string      `json:"source"`
}

// GetProfile handles the get_profile tool
func (h *Handlers) GetProfile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := request.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id argument is required and must be a string"), nil
	}

	profile, err := h.pipeline.Profile(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load profile: %v", err)), nil
	}

	facts := make([]profileEntry, 0, len(profile))
	for _, f := range profile {
		var value interface{}
		if err := json.Unmarshal(f.Value, &value); err != nil {
			value = string(f.Value)
		}
		facts = append(facts, profileEntry{
			Key:               f.Key,
			Value:             value,
			Confidence:        f.Confidence,
			Weight:            f.Weight,
			NeedsConfirmation: f.NeedsConfirmation,
			Corroborations:    f.Corroborations,
			Source:            f.Source,
		})
	}
	sort.Slice(facts, func(i, j int) bool {
		if facts[i].Key != facts[j].Key {
			return facts[i].Key < facts[j].Key
		}
		return !facts[i].NeedsConfirmation && facts[j].NeedsConfirmation
	})

	return jsonResult(map[string]interface{}{
		"user_id":         userID,
		"facts":           facts,
		"confirmed_count": profile.ConfirmedCount(),
	})
}

// ConfirmFact handles the confirm_fact tool
func (h *Handlers) ConfirmFact(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := request.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id argument is required and must be a string"), nil
	}
	key, err := request.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError("key argument is required and must be a string"), nil
	}

	fact, err := h.pipeline.ConfirmFact(ctx, userID, key)
	if err != nil {
		if errors.Is(err, core.ErrFactNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("no pending fact %q for user %s", key, userID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to confirm fact: %v", err)), nil
	}

	return jsonResult(fact)
}

// ReopenConversation handles the reopen_conversation tool
func (h *Handlers) ReopenConversation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	convID, err := request.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError("conversation_id argument is required and must be a string"), nil
	}

	conv, err := h.pipeline.ReopenConversation(ctx, convID)
	if err != nil {
		if errors.Is(err, core.ErrConversationNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("conversation %s not found", convID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to reopen conversation: %v", err)), nil
	}

	return jsonResult(conv)
}

// IngestDocument handles the ingest_document tool
func (h *Handlers) IngestDocument(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if h.docs == nil {
		return mcp.NewToolResultError("document index is not configured"), nil
	}
	docID, err := request.RequireString("document_id")
	if err != nil {
		return mcp.NewToolResultError("document_id argument is required and must be a string"), nil
	}
	text, err := request.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError("text argument is required and must be a string"), nil
	}

	chunks, err := h.docs.Ingest(ctx, docID, request.GetString("source", docID), text)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ingest failed: %v", err)), nil
	}

	return jsonResult(map[string]interface{}{
		"document_id": docID,
		"chunks":      chunks,
	})
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(responseJSON)), nil
}
