// ABOUTME: Guardrail engine that checks user input and model output against the policy rules
// ABOUTME: Violations are returned as values; the checks never fail a turn
package core

import (
	"strings"
	"unicode/utf8"

	"github.com/harper/concierge/internal/models"
	"github.com/harper/concierge/internal/policy"
)

// Violation is one rule that matched
type Violation struct {
	RuleID   string        `json:"rule_id"`
	Category string        `json:"category"`
	Action   policy.Action `json:"action"`
	Stage    policy.Stage  `json:"stage"`
}

// InputResult is the outcome of CheckInput
type InputResult struct {
	Allowed      bool
	RedactedText string
	Violations   []Violation
	// Deflection is the reply to use when Allowed is false
	Deflection string
	// Warn is set when an abuse rule matched
	Warn bool
}

// Flagged returns the categories of disclaim violations
func (r InputResult) Flagged() []string {
	var cats []string
	for _, v := range r.Violations {
		if v.Action == policy.ActionDisclaim {
			cats = append(cats, v.Category)
		}
	}
	return cats
}

// Has reports whether any violation carries action
func (r InputResult) Has(action policy.Action) (Violation, bool) {
	for _, v := range r.Violations {
		if v.Action == action {
			return v, true
		}
	}
	return Violation{}, false
}

// OutputContext is what the output check needs to know about the turn
type OutputContext struct {
	Agent       models.Agent
	NoGrounding bool
	// Flagged are disclaim categories referenced by the user's input
	Flagged []string
}

// OutputResult is the outcome of CheckOutput
type OutputResult struct {
	Allowed    bool
	FinalText  string
	Violations []Violation
	// Escalate asks the orchestrator to hand the conversation to a human
	Escalate       bool
	HandoffTrigger string
	Truncated      bool
}

// CheckInput scans user text with the input-stage rules of p
func CheckInput(text string, p *policy.Policy) InputResult {
	result := InputResult{Allowed: true, RedactedText: text}

	for i := range p.Guardrails.Rules {
		rule := &p.Guardrails.Rules[i]
		if !rule.AppliesTo(policy.StageInput) || !rule.Regexp().MatchString(text) {
			continue
		}
		result.Violations = append(result.Violations, violationOf(rule, policy.StageInput))

		switch rule.Action {
		case policy.ActionBlock:
			if result.Allowed {
				result.Allowed = false
				result.Deflection = p.Deflection(rule.Category)
			}
		case policy.ActionRedact:
			result.RedactedText = rule.Regexp().ReplaceAllString(result.RedactedText, p.Guardrails.Redaction)
		case policy.ActionWarn:
			result.Warn = true
		}
	}

	return result
}

// CheckOutput redacts, escalates, adds notices, and bounds the length of model text
func CheckOutput(text string, oc OutputContext, p *policy.Policy) OutputResult {
	result := OutputResult{Allowed: true}
	body := strings.TrimSpace(text)
	flagged := append([]string(nil), oc.Flagged...)

	for i := range p.Guardrails.Rules {
		rule := &p.Guardrails.Rules[i]
		if !rule.AppliesTo(policy.StageOutput) || !rule.Regexp().MatchString(body) {
			continue
		}
		v := violationOf(rule, policy.StageOutput)
		result.Violations = append(result.Violations, v)

		switch rule.Action {
		case policy.ActionRedact:
			body = rule.Regexp().ReplaceAllString(body, p.Guardrails.Redaction)
		case policy.ActionDisclaim:
			flagged = append(flagged, rule.Category)
		case policy.ActionBlock:
			if result.Allowed {
				result.Allowed = false
				body = p.Deflection(rule.Category)
			}
		case policy.ActionHandoff:
			if oc.Agent != models.AgentHandoff && !result.Escalate {
				result.Escalate = true
				result.HandoffTrigger = rule.ID
			}
		}
	}

	// Handoff matrix cross-check on what the model actually said
	if oc.Agent != models.AgentHandoff && !result.Escalate {
		if trig, ok := p.MatchTrigger(body); ok {
			result.Escalate = true
			result.HandoffTrigger = trig.ID
			result.Violations = append(result.Violations, Violation{
				RuleID:   trig.ID,
				Category: "handoff",
				Action:   policy.ActionHandoff,
				Stage:    policy.StageOutput,
			})
		}
	}
	if result.Escalate {
		result.Allowed = false
	}

	notices := outputNotices(body, flagged, oc, p)

	limit := p.Guardrails.MaxOutputChars
	if limit > 0 {
		budget := limit - noticeLen(notices)
		if budget < limit/2 {
			budget = limit / 2
		}
		if utf8.RuneCountInString(body) > budget {
			body = truncateAtSentence(body, budget)
			result.Truncated = true
		}
	}

	parts := append([]string{body}, notices...)
	result.FinalText = strings.Join(parts, "\n\n")
	return result
}

// outputNotices returns the notice paragraphs the final text must end with
func outputNotices(body string, flagged []string, oc OutputContext, p *policy.Policy) []string {
	var notices []string
	seen := make(map[string]bool)

	add := func(notice string) {
		if notice == "" || seen[notice] || strings.Contains(body, notice) {
			return
		}
		seen[notice] = true
		notices = append(notices, notice)
	}

	for _, cat := range flagged {
		add(p.Guardrails.Disclaimers[cat])
	}
	if oc.NoGrounding {
		add(p.Guardrails.AssumptionNotice)
	}
	if oc.Agent == models.AgentHandoff {
		add(p.Guardrails.HandoffNotice)
	}
	return notices
}

func noticeLen(notices []string) int {
	n := 0
	for _, notice := range notices {
		n += utf8.RuneCountInString(notice) + 2
	}
	return n
}

// truncateAtSentence cuts text to at most limit runes, preferring the last sentence end
func truncateAtSentence(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	cut := string(runes[:limit])

	best := -1
	for _, sep := range []string{". ", "! ", "? ", ".\n", "\n\n"} {
		if i := strings.LastIndex(cut, sep); i > best {
			best = i
		}
	}
	if best > len(cut)/2 {
		return strings.TrimSpace(cut[:best+1])
	}
	if i := strings.LastIndex(cut, " "); i > 0 {
		return strings.TrimSpace(cut[:i])
	}
	return cut
}

func violationOf(rule *policy.Rule, stage policy.Stage) Violation {
	return Violation{
		RuleID:   rule.ID,
		Category: rule.Category,
		Action:   rule.Action,
		Stage:    stage,
	}
}
