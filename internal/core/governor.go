// ABOUTME: Governor implements the agent routing state machine for inbound turns
// ABOUTME: Pure and deterministic: the same conversation, profile, text, and policy always route the same way
package core

import (
	"unicode/utf8"

	"github.com/harper/concierge/internal/models"
	"github.com/harper/concierge/internal/policy"
)

// Routing reasons recorded on decisions
const (
	ReasonInHandoff      = "conversation_in_handoff"
	ReasonHandoffRule    = "handoff_rule"
	ReasonHandoffTrigger = "handoff_trigger"
	ReasonRepeatedAbuse  = "repeated_abuse"
	ReasonDistress       = "distress"
	ReasonFollowup       = "scheduled_followup"
	ReasonNewUser        = "new_user"
	ReasonCSKHIntent     = "cskh_intent"
	ReasonSalesIntent    = "sales_intent"
	ReasonAmbiguous      = "ambiguous_intent"
)

// RouteInput is everything a routing decision may depend on
type RouteInput struct {
	Conversation *models.Conversation
	Profile      models.Profile
	Text         string
	Kind         models.TurnKind
	Input        InputResult
	TierOverride models.ModelTier
	Policy       *policy.Policy
}

// Governor is the router that decides which agent handles a turn
type Governor struct{}

// NewGovernor creates a new Governor instance
func NewGovernor() *Governor {
	return &Governor{}
}

// Route determines the agent, intent, and model tier for a turn
func (g *Governor) Route(in RouteInput) models.RoutingDecision {
	p := in.Policy
	decision := models.RoutingDecision{
		Intent:    models.IntentUnknown,
		UserState: g.userState(in.Profile, p),
	}
	if in.Kind != models.TurnKindFollowup {
		decision.Intent = p.ClassifyIntent(in.Text)
	}

	switch {
	case in.Conversation != nil && in.Conversation.State == models.ConversationHandoff:
		decision.Agent = models.AgentHandoff
		decision.Reason = ReasonInHandoff
	default:
		if trigger, reason, ok := g.handoffTrigger(in); ok {
			decision.Agent = models.AgentHandoff
			decision.HandoffTrigger = trigger
			decision.Reason = reason
			break
		}
		decision.Agent, decision.Reason = g.selectAgent(in.Kind, decision.UserState, decision.Intent, p)
	}

	decision.NeedsGrounding = in.Kind != models.TurnKindFollowup &&
		decision.Agent != models.AgentHandoff &&
		in.Input.Allowed &&
		p.CitationRequired(decision.Intent)

	decision.Tier = g.selectTier(in, decision)
	return decision
}

// handoffTrigger checks the handoff matrix in priority order
func (g *Governor) handoffTrigger(in RouteInput) (string, string, bool) {
	if in.Kind == models.TurnKindFollowup {
		return "", "", false
	}
	p := in.Policy

	if v, ok := in.Input.Has(policy.ActionHandoff); ok {
		return v.RuleID, ReasonHandoffRule, true
	}
	if trig, ok := p.MatchTrigger(in.Text); ok {
		return trig.ID, ReasonHandoffTrigger, true
	}
	if in.Input.Warn && in.Conversation != nil && in.Conversation.WarningCount >= p.Handoff.AbuseWarningLimit {
		return ReasonRepeatedAbuse, ReasonRepeatedAbuse, true
	}
	if p.DetectDistress(in.Text) {
		return ReasonDistress, ReasonDistress, true
	}
	return "", "", false
}

// selectAgent maps user state and intent to a persona. Ambiguity falls to General-Chat.
func (g *Governor) selectAgent(kind models.TurnKind, state models.UserState, intent models.Intent, p *policy.Policy) (models.Agent, string) {
	if kind == models.TurnKindFollowup {
		return models.AgentFollowup, ReasonFollowup
	}
	if state == models.UserStateNew {
		return models.AgentDiscovery, ReasonNewUser
	}
	if p.IsCSKHIntent(intent) {
		return models.AgentCSKH, ReasonCSKHIntent
	}
	if p.IsSalesIntent(intent) {
		return models.AgentSales, ReasonSalesIntent
	}
	return models.AgentGeneralChat, ReasonAmbiguous
}

// userState counts only facts usable for gating: confirmed, or pending but corroborated enough
func (g *Governor) userState(profile models.Profile, p *policy.Policy) models.UserState {
	if profile.GatingCount(p.Routing.CorroborationMinCount) >= p.Routing.KnownUserMinConfirmed {
		return models.UserStateKnown
	}
	return models.UserStateNew
}

// selectTier applies the override, then the long-input, handoff, and grounding heuristics
func (g *Governor) selectTier(in RouteInput, decision models.RoutingDecision) models.ModelTier {
	if in.TierOverride.Valid() {
		return in.TierOverride
	}
	if utf8.RuneCountInString(in.Text) > in.Policy.Routing.LongInputChars {
		return models.TierPro
	}
	if decision.Agent == models.AgentHandoff || decision.NeedsGrounding {
		return models.TierPro
	}
	return models.TierFast
}
