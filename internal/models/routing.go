// ABOUTME: Agent, intent, and model tier enums plus the routing decision
// ABOUTME: Agents are a tagged variant dispatched by the router
package models

// Agent identifies the persona selected for a turn
type Agent string

const (
	AgentDiscovery   Agent = "discovery"
	AgentCSKH        Agent = "cskh"
	AgentSales       Agent = "sales"
	AgentHandoff     Agent = "handoff"
	AgentFollowup    Agent = "followup"
	AgentGeneralChat Agent = "general_chat"
)

// AllAgents lists every agent persona
var AllAgents = []Agent{AgentDiscovery, AgentCSKH, AgentSales, AgentHandoff, AgentFollowup, AgentGeneralChat}

// Valid reports whether a is a known agent
func (a Agent) Valid() bool {
	for _, known := range AllAgents {
		if a == known {
			return true
		}
	}
	return false
}

// ModelTier selects between the cheap and the capable model
type ModelTier string

const (
	TierFast ModelTier = "fast"
	TierPro  ModelTier = "pro"
)

// Valid reports whether t is a known tier
func (t ModelTier) Valid() bool {
	return t == TierFast || t == TierPro
}

// Intent is the per-turn classification used by routing
type Intent string

const (
	IntentGreeting       Intent = "greeting"
	IntentPolicy         Intent = "policy"
	IntentFAQ            Intent = "faq"
	IntentPricing        Intent = "pricing"
	IntentIngredients    Intent = "ingredients"
	IntentPurchase       Intent = "purchase"
	IntentRecommendation Intent = "recommendation"
	IntentComplaint      Intent = "complaint"
	IntentSmalltalk      Intent = "smalltalk"
	IntentUnknown        Intent = "unknown"
)

// UserState is the router's view of how well it knows the user
type UserState string

const (
	UserStateNew   UserState = "new_user"
	UserStateKnown UserState = "known_user"
)

// TurnKind distinguishes user-initiated from scheduled turns
type TurnKind string

const (
	TurnKindUser     TurnKind = "user"
	TurnKindFollowup TurnKind = "followup"
)

// RoutingDecision is the output of the router for one turn
type RoutingDecision struct {
	Agent          Agent     `json:"agent"`
	Intent         Intent    `json:"intent"`
	Tier           ModelTier `json:"tier"`
	UserState      UserState `json:"user_state"`
	HandoffTrigger string    `json:"handoff_trigger,omitempty"`
	NeedsGrounding bool      `json:"needs_grounding"`
	Reason         string    `json:"reason"`
}
