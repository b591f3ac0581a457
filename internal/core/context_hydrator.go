// ABOUTME: ContextHydrator assembles the prompt from policy templates, user memory, grounding, and history
// ABOUTME: Section order is fixed and history is bounded by a turn count and a token budget
package core

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harper/concierge/internal/models"
	"github.com/harper/concierge/internal/policy"
)

// Section names, in the order they appear in every prompt
const (
	SectionSystem   = "SYSTEM"
	SectionPersona  = "AGENT PERSONA"
	SectionMemory   = "USER MEMORY"
	SectionGround   = "GROUNDING"
	SectionHistory  = "CONVERSATION HISTORY"
	SectionFormat   = "RESPONSE FORMAT"
	SectionCurrent  = "CURRENT TURN"
	noGroundingText = "NO GROUNDING FOUND. No verified source is available for this question. " +
		"Do not cite or invent sources; state clearly that the answer is an assumption."
)

// SectionOrder is the fixed structural template
var SectionOrder = []string{
	SectionSystem, SectionPersona, SectionMemory, SectionGround, SectionHistory, SectionFormat, SectionCurrent,
}

// ComposeInput is everything a prompt is built from
type ComposeInput struct {
	Agent     models.Agent
	Intent    models.Intent
	UserState models.UserState
	Profile   models.Profile
	// Grounding is nil when the intent did not require it
	Grounding *Grounding
	History   []*models.Turn
	// Summary is compacted older history, used when recent turns exceed the budget
	Summary     string
	Text        string
	Kind        models.TurnKind
	Reason      string
	Interrupted bool
}

// Section is one titled block of the prompt
type Section struct {
	Name string
	Body string
}

// PromptContext is the assembled prompt
type PromptContext struct {
	Sections        []Section
	NoGrounding     bool
	EstimatedTokens int
	HistoryTurns    int
	UsedSummary     bool
}

// String renders the prompt with section headers
func (pc *PromptContext) String() string {
	var sb strings.Builder
	for i, s := range pc.Sections {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(s.Name)
		sb.WriteString(":\n")
		sb.WriteString(strings.TrimSpace(s.Body))
		sb.WriteString("\n")
	}
	return sb.String()
}

// Section returns the body of the named section
func (pc *PromptContext) Section(name string) string {
	for _, s := range pc.Sections {
		if s.Name == name {
			return s.Body
		}
	}
	return ""
}

// ContextHydrator assembles prompts for the model service
type ContextHydrator struct{}

// NewContextHydrator creates a new ContextHydrator
func NewContextHydrator() *ContextHydrator {
	return &ContextHydrator{}
}

// Compose builds the prompt for one turn
func (ch *ContextHydrator) Compose(in ComposeInput, p *policy.Policy) (*PromptContext, error) {
	maxChars := 0
	if in.Interrupted {
		maxChars = int(p.Pacing.InterruptionCompression * float64(p.Pacing.SinglePartMaxChars))
	}

	persona, err := p.Persona(policy.PersonaData{
		Agent:       in.Agent,
		Intent:      in.Intent,
		UserState:   in.UserState,
		UserName:    profileName(in.Profile),
		Interrupted: in.Interrupted,
		MaxChars:    maxChars,
	})
	if err != nil {
		return nil, err
	}

	history, usedSummary, n := ch.formatHistory(in.History, in.Summary, p.Routing.HistoryTurns, p.Routing.HistoryTokenBudget)

	pc := &PromptContext{
		Sections: []Section{
			{Name: SectionSystem, Body: p.SystemPrompt()},
			{Name: SectionPersona, Body: persona},
			{Name: SectionMemory, Body: ch.formatProfile(in.Profile)},
			{Name: SectionGround, Body: ch.formatGrounding(in.Grounding)},
			{Name: SectionHistory, Body: history},
			{Name: SectionFormat, Body: p.ResponseFormat()},
			{Name: SectionCurrent, Body: ch.formatCurrent(in)},
		},
		NoGrounding:  in.Grounding != nil && in.Grounding.NoGrounding,
		HistoryTurns: n,
		UsedSummary:  usedSummary,
	}
	pc.EstimatedTokens = estimateTokens(pc.String())
	return pc, nil
}

// formatProfile lists facts by key, marking unconfirmed ones
func (ch *ContextHydrator) formatProfile(profile models.Profile) string {
	if len(profile) == 0 {
		return "(nothing known about this customer yet)"
	}

	keys := make([]string, 0, len(profile))
	for k := range profile {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		f := profile[k]
		sb.WriteString(fmt.Sprintf("- %s: %s", k, f.DisplayValue()))
		if f.NeedsConfirmation {
			sb.WriteString(" (unconfirmed, ask before relying on it)")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// formatGrounding renders passages or web sources, or the no-grounding marker
func (ch *ContextHydrator) formatGrounding(g *Grounding) string {
	if g == nil {
		return "(not required for this turn)"
	}
	if g.NoGrounding {
		return noGroundingText
	}

	var sb strings.Builder
	for i, passage := range g.Passages {
		sb.WriteString(fmt.Sprintf("[%d] (score %.2f, source %s)\n%s\n\n", i+1, passage.Score, passage.Source, strings.TrimSpace(passage.Text)))
	}
	if g.Web != nil {
		for i, src := range g.Web.Sources {
			sb.WriteString(fmt.Sprintf("[W%d] %s (%s)\n%s\n\n", i+1, src.Title, src.URL, strings.TrimSpace(src.Summary)))
		}
	}
	return sb.String()
}

// formatHistory keeps at most maxTurns recent turns verbatim within tokenBudget.
// When older turns had to be dropped and a summary exists, the summary leads.
func (ch *ContextHydrator) formatHistory(turns []*models.Turn, summary string, maxTurns, tokenBudget int) (string, bool, int) {
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}

	// Walk newest to oldest so the budget keeps the most recent turns
	var lines []string
	used := 0
	dropped := false
	for i := len(turns) - 1; i >= 0; i-- {
		line := formatTurn(turns[i])
		cost := estimateTokens(line)
		if tokenBudget > 0 && used+cost > tokenBudget {
			dropped = true
			break
		}
		used += cost
		lines = append(lines, line)
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}

	var sb strings.Builder
	usedSummary := false
	if dropped && strings.TrimSpace(summary) != "" {
		sb.WriteString("Summary of earlier conversation: ")
		sb.WriteString(strings.TrimSpace(summary))
		sb.WriteString("\n\n")
		usedSummary = true
	}
	if len(lines) == 0 && !usedSummary {
		return "(this is the start of the conversation)", false, 0
	}
	sb.WriteString(strings.Join(lines, "\n"))
	return sb.String(), usedSummary, len(lines)
}

func (ch *ContextHydrator) formatCurrent(in ComposeInput) string {
	if in.Kind == models.TurnKindFollowup {
		reason := in.Reason
		if reason == "" {
			reason = "check in with the customer"
		}
		return fmt.Sprintf("(scheduled follow-up, no new customer message) Reason: %s", reason)
	}
	return "Customer: " + in.Text
}

func formatTurn(t *models.Turn) string {
	speaker := "Customer"
	if t.Role != models.RoleUser {
		speaker = "Assistant"
		if t.Agent != "" {
			speaker = fmt.Sprintf("Assistant (%s)", t.Agent)
		}
	}
	return fmt.Sprintf("%s: %s", speaker, t.Text)
}

func profileName(profile models.Profile) string {
	if f, ok := profile["name"]; ok && f != nil && !f.NeedsConfirmation {
		return f.DisplayValue()
	}
	return ""
}

// estimateTokens approximates tokens as 4 characters each
func estimateTokens(s string) int {
	return (len([]rune(s)) + 3) / 4
}
