// ABOUTME: Policy is the immutable, versioned snapshot of guardrail, routing, and prompt rules
// ABOUTME: Loaded from a YAML bundle; every in-flight turn holds the snapshot it started with
package policy

import (
	"bytes"
	"fmt"
	"regexp"
	"text/template"
	"time"

	"github.com/harper/concierge/internal/models"
)

// Action is what a guardrail rule does when its pattern matches
type Action string

const (
	ActionBlock    Action = "block"
	ActionRedact   Action = "redact"
	ActionDisclaim Action = "disclaim"
	ActionHandoff  Action = "handoff"
	ActionWarn     Action = "warn"
)

// Stage selects which side of the model call a rule applies to
type Stage string

const (
	StageInput  Stage = "input"
	StageOutput Stage = "output"
	StageBoth   Stage = "both"
)

// Rule is a declarative pattern -> category -> action guardrail
type Rule struct {
	ID       string `yaml:"id"`
	Pattern  string `yaml:"pattern"`
	Category string `yaml:"category"`
	Action   Action `yaml:"action"`
	Stage    Stage  `yaml:"stage"`

	re *regexp.Regexp
}

// AppliesTo reports whether the rule runs at the given stage
func (r *Rule) AppliesTo(stage Stage) bool {
	return r.Stage == StageBoth || r.Stage == stage
}

// Regexp returns the compiled, case-insensitive pattern
func (r *Rule) Regexp() *regexp.Regexp {
	return r.re
}

// Guardrails configures the input and output checks
type Guardrails struct {
	Rules             []Rule            `yaml:"rules"`
	MaxOutputChars    int               `yaml:"max_output_chars"`
	Redaction         string            `yaml:"redaction"`
	Disclaimers       map[string]string `yaml:"disclaimers"`
	Deflections       map[string]string `yaml:"deflections"`
	DefaultDeflection string            `yaml:"default_deflection"`
	WarningNotice     string            `yaml:"warning_notice"`
	AssumptionNotice  string            `yaml:"assumption_notice"`
	HandoffNotice     string            `yaml:"handoff_notice"`
}

// IntentRule maps a set of patterns to an intent; rules are tried in order
type IntentRule struct {
	Intent   models.Intent `yaml:"intent"`
	Patterns []string      `yaml:"patterns"`

	res []*regexp.Regexp
}

// Routing holds the router and context thresholds
type Routing struct {
	KnownUserMinConfirmed   int             `yaml:"known_user_min_confirmed"`
	CorroborationMinCount   int             `yaml:"corroboration_min_count"`
	LongInputChars          int             `yaml:"long_input_chars"`
	HistoryTurns            int             `yaml:"history_turns"`
	HistoryTokenBudget      int             `yaml:"history_token_budget"`
	CitationRequiredIntents []models.Intent `yaml:"citation_required_intents"`
	SimilarityThreshold     float64         `yaml:"similarity_threshold"`
	RetrievalTopK           int             `yaml:"retrieval_top_k"`
	CSKHIntents             []models.Intent `yaml:"cskh_intents"`
	SalesIntents            []models.Intent `yaml:"sales_intents"`
	Intents                 []IntentRule    `yaml:"intents"`
}

// Trigger fires when every pattern group in AllOf matches
type Trigger struct {
	ID     string   `yaml:"id"`
	Reason string   `yaml:"reason"`
	AllOf  []string `yaml:"all_of"`

	res []*regexp.Regexp
}

// Matches reports whether every pattern group matches text
func (t *Trigger) Matches(text string) bool {
	if len(t.res) == 0 {
		return false
	}
	for _, re := range t.res {
		if !re.MatchString(text) {
			return false
		}
	}
	return true
}

// Handoff is the handoff trigger matrix
type Handoff struct {
	Triggers          []Trigger `yaml:"triggers"`
	AbuseWarningLimit int       `yaml:"abuse_warning_limit"`
	DistressPatterns  []string  `yaml:"distress_patterns"`

	distress []*regexp.Regexp
}

// Followup holds the opt-in and scheduling rules for follow-ups
type Followup struct {
	OptInKey     string         `yaml:"opt_in_key"`
	RequireOptIn bool           `yaml:"require_opt_in"`
	Delay        time.Duration  `yaml:"delay"`
	AfterAgents  []models.Agent `yaml:"after_agents"`
	Reason       string         `yaml:"reason"`
}

// Retention closes idle conversations. A zero duration disables that step.
type Retention struct {
	// CompleteAfter moves an idle active conversation to completed
	CompleteAfter time.Duration `yaml:"complete_after"`
	// ArchiveAfter moves an idle active or completed conversation to archived
	ArchiveAfter time.Duration `yaml:"archive_after"`
}

// Pacing configures the typing-speed model
type Pacing struct {
	CharsPerMinute          int     `yaml:"chars_per_minute"`
	SinglePartMaxChars      int     `yaml:"single_part_max_chars"`
	MinDelayMs              int64   `yaml:"min_delay_ms"`
	MaxDelayMs              int64   `yaml:"max_delay_ms"`
	InterruptionCompression float64 `yaml:"interruption_compression"`
}

// Memory configures the resolver merge rules
type Memory struct {
	LowConfidence             float64 `yaml:"low_confidence"`
	LowConfidenceWeightFactor float64 `yaml:"low_confidence_weight_factor"`
	DefaultWeight             float64 `yaml:"default_weight"`
	ConfirmBoost              float64 `yaml:"confirm_boost"`
}

// Prompts names the template files of the bundle
type Prompts struct {
	System         string                  `yaml:"system"`
	ResponseFormat string                  `yaml:"response_format"`
	Agents         map[models.Agent]string `yaml:"agents"`
}

// PersonaData is what agent templates are rendered with
type PersonaData struct {
	Agent       models.Agent
	Intent      models.Intent
	UserState   models.UserState
	UserName    string
	Interrupted bool
	MaxChars    int
}

// Policy is one loaded bundle. It is never mutated after Load returns.
type Policy struct {
	Version    string     `yaml:"version"`
	Guardrails Guardrails `yaml:"guardrails"`
	Routing    Routing    `yaml:"routing"`
	Handoff    Handoff    `yaml:"handoff"`
	Followup   Followup   `yaml:"followup"`
	Retention  Retention  `yaml:"retention"`
	Pacing     Pacing     `yaml:"pacing"`
	Memory     Memory     `yaml:"memory"`
	Prompts    Prompts    `yaml:"prompts"`

	Dir      string    `yaml:"-"`
	LoadedAt time.Time `yaml:"-"`

	system         string
	responseFormat string
	personas       map[models.Agent]*template.Template
}

// SystemPrompt returns the rendered system instructions
func (p *Policy) SystemPrompt() string {
	return p.system
}

// ResponseFormat returns the mandated four-part response format
func (p *Policy) ResponseFormat() string {
	return p.responseFormat
}

// Persona renders the persona template for an agent
func (p *Policy) Persona(data PersonaData) (string, error) {
	tmpl, ok := p.personas[data.Agent]
	if !ok {
		return "", fmt.Errorf("no persona template for agent %q", data.Agent)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render persona %q: %w", data.Agent, err)
	}
	return buf.String(), nil
}

// CitationRequired reports whether intent must be grounded before composing
func (p *Policy) CitationRequired(intent models.Intent) bool {
	return containsIntent(p.Routing.CitationRequiredIntents, intent)
}

// IsCSKHIntent reports whether intent routes known users to customer service
func (p *Policy) IsCSKHIntent(intent models.Intent) bool {
	return containsIntent(p.Routing.CSKHIntents, intent)
}

// IsSalesIntent reports whether intent routes known users to sales
func (p *Policy) IsSalesIntent(intent models.Intent) bool {
	return containsIntent(p.Routing.SalesIntents, intent)
}

// ClassifyIntent returns the first intent whose patterns match text
func (p *Policy) ClassifyIntent(text string) models.Intent {
	for i := range p.Routing.Intents {
		for _, re := range p.Routing.Intents[i].res {
			if re.MatchString(text) {
				return p.Routing.Intents[i].Intent
			}
		}
	}
	return models.IntentUnknown
}

// MatchTrigger returns the first handoff trigger that fires on text
func (p *Policy) MatchTrigger(text string) (*Trigger, bool) {
	for i := range p.Handoff.Triggers {
		if p.Handoff.Triggers[i].Matches(text) {
			return &p.Handoff.Triggers[i], true
		}
	}
	return nil, false
}

// DetectDistress reports whether text matches a distress pattern
func (p *Policy) DetectDistress(text string) bool {
	for _, re := range p.Handoff.distress {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Deflection returns the deflection text for a violation category
func (p *Policy) Deflection(category string) string {
	if d, ok := p.Guardrails.Deflections[category]; ok && d != "" {
		return d
	}
	return p.Guardrails.DefaultDeflection
}

// FollowsUpAfter reports whether a reply by agent schedules a follow-up
func (p *Policy) FollowsUpAfter(agent models.Agent) bool {
	if p.Followup.Delay <= 0 {
		return false
	}
	for _, a := range p.Followup.AfterAgents {
		if a == agent {
			return true
		}
	}
	return false
}

func containsIntent(list []models.Intent, intent models.Intent) bool {
	for _, i := range list {
		if i == intent {
			return true
		}
	}
	return false
}
