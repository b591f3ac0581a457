// ABOUTME: Loads and validates a policy bundle directory (policy.yml plus prompt templates)
// ABOUTME: Any missing or malformed piece fails the whole load with a PolicyLoadError
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/harper/concierge/internal/models"
	"gopkg.in/yaml.v3"
)

// BundleFile is the manifest file name inside a bundle directory
const BundleFile = "policy.yml"

// PolicyLoadError reports why a bundle could not be loaded
type PolicyLoadError struct {
	Dir    string
	Reason string
	Err    error
}

func (e *PolicyLoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("policy load %s: %s: %v", e.Dir, e.Reason, e.Err)
	}
	return fmt.Sprintf("policy load %s: %s", e.Dir, e.Reason)
}

func (e *PolicyLoadError) Unwrap() error {
	return e.Err
}

// Load reads, validates, and compiles the bundle in dir
func Load(dir string) (*Policy, error) {
	fail := func(reason string, err error) (*Policy, error) {
		return nil, &PolicyLoadError{Dir: dir, Reason: reason, Err: err}
	}

	data, err := os.ReadFile(filepath.Join(dir, BundleFile))
	if err != nil {
		return fail("read manifest", err)
	}

	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return fail("parse manifest", err)
	}

	p.Dir = dir
	p.LoadedAt = time.Now().UTC()
	p.applyDefaults()

	if err := p.validate(); err != nil {
		return fail("validate", err)
	}
	if err := p.compile(); err != nil {
		return fail("compile patterns", err)
	}
	if err := p.loadTemplates(dir); err != nil {
		return fail("load templates", err)
	}

	return &p, nil
}

func (p *Policy) applyDefaults() {
	if p.Guardrails.Redaction == "" {
		p.Guardrails.Redaction = "[redacted]"
	}
	if p.Pacing.CharsPerMinute == 0 {
		p.Pacing.CharsPerMinute = 300
	}
	if p.Pacing.SinglePartMaxChars == 0 {
		p.Pacing.SinglePartMaxChars = 600
	}
	if p.Pacing.MaxDelayMs == 0 {
		p.Pacing.MaxDelayMs = 8000
	}
	if p.Pacing.InterruptionCompression == 0 {
		p.Pacing.InterruptionCompression = 0.5
	}
	if p.Memory.LowConfidence == 0 {
		p.Memory.LowConfidence = 0.6
	}
	if p.Memory.LowConfidenceWeightFactor == 0 {
		p.Memory.LowConfidenceWeightFactor = 0.5
	}
	if p.Memory.DefaultWeight == 0 {
		p.Memory.DefaultWeight = 0.5
	}
	if p.Memory.ConfirmBoost == 0 {
		p.Memory.ConfirmBoost = 0.2
	}
	if p.Routing.RetrievalTopK == 0 {
		p.Routing.RetrievalTopK = 5
	}
	if p.Routing.HistoryTurns == 0 {
		p.Routing.HistoryTurns = 6
	}
	if p.Handoff.AbuseWarningLimit == 0 {
		p.Handoff.AbuseWarningLimit = 1
	}
}

func (p *Policy) validate() error {
	if strings.TrimSpace(p.Version) == "" {
		return errors.New("version is required")
	}
	if err := unitRange("routing.similarity_threshold", p.Routing.SimilarityThreshold); err != nil {
		return err
	}
	if err := unitRange("memory.low_confidence", p.Memory.LowConfidence); err != nil {
		return err
	}
	if err := unitRange("memory.low_confidence_weight_factor", p.Memory.LowConfidenceWeightFactor); err != nil {
		return err
	}
	if err := unitRange("memory.default_weight", p.Memory.DefaultWeight); err != nil {
		return err
	}
	if err := unitRange("pacing.interruption_compression", p.Pacing.InterruptionCompression); err != nil {
		return err
	}
	if p.Routing.KnownUserMinConfirmed < 0 || p.Routing.CorroborationMinCount < 0 {
		return errors.New("routing counts must not be negative")
	}
	if p.Pacing.CharsPerMinute <= 0 || p.Pacing.SinglePartMaxChars <= 0 {
		return errors.New("pacing rates must be positive")
	}
	if p.Pacing.MinDelayMs < 0 || p.Pacing.MaxDelayMs < p.Pacing.MinDelayMs {
		return fmt.Errorf("pacing delay bounds invalid: min %d max %d", p.Pacing.MinDelayMs, p.Pacing.MaxDelayMs)
	}
	if p.Guardrails.MaxOutputChars < 0 {
		return errors.New("guardrails.max_output_chars must not be negative")
	}

	seen := make(map[string]bool)
	for i, r := range p.Guardrails.Rules {
		if r.ID == "" {
			return fmt.Errorf("guardrail rule %d has no id", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate guardrail rule id %q", r.ID)
		}
		seen[r.ID] = true
		switch r.Action {
		case ActionBlock, ActionRedact, ActionDisclaim, ActionHandoff, ActionWarn:
		default:
			return fmt.Errorf("rule %q: unknown action %q", r.ID, r.Action)
		}
		switch r.Stage {
		case StageInput, StageOutput, StageBoth:
		case "":
			p.Guardrails.Rules[i].Stage = StageBoth
		default:
			return fmt.Errorf("rule %q: unknown stage %q", r.ID, r.Stage)
		}
		if r.Action == ActionDisclaim {
			if _, ok := p.Guardrails.Disclaimers[r.Category]; !ok {
				return fmt.Errorf("rule %q: no disclaimer for category %q", r.ID, r.Category)
			}
		}
	}

	for _, t := range p.Handoff.Triggers {
		if t.ID == "" || len(t.AllOf) == 0 {
			return errors.New("handoff triggers need an id and at least one pattern group")
		}
	}
	for _, a := range p.Followup.AfterAgents {
		if !a.Valid() {
			return fmt.Errorf("followup.after_agents: unknown agent %q", a)
		}
	}
	if p.Followup.RequireOptIn && p.Followup.OptInKey == "" {
		return errors.New("followup.opt_in_key is required when require_opt_in is set")
	}
	if p.Retention.CompleteAfter < 0 || p.Retention.ArchiveAfter < 0 {
		return errors.New("retention durations must not be negative")
	}
	if p.Retention.CompleteAfter > 0 && p.Retention.ArchiveAfter > 0 && p.Retention.ArchiveAfter < p.Retention.CompleteAfter {
		return fmt.Errorf("retention.archive_after %s is shorter than complete_after %s", p.Retention.ArchiveAfter, p.Retention.CompleteAfter)
	}
	// a follow-up would find its conversation already completed
	if p.Retention.CompleteAfter > 0 && p.Retention.CompleteAfter <= p.Followup.Delay {
		return fmt.Errorf("retention.complete_after %s must exceed followup.delay %s", p.Retention.CompleteAfter, p.Followup.Delay)
	}

	if p.Prompts.System == "" || p.Prompts.ResponseFormat == "" {
		return errors.New("prompts.system and prompts.response_format are required")
	}
	for _, a := range models.AllAgents {
		if p.Prompts.Agents[a] == "" {
			return fmt.Errorf("prompts.agents.%s is required", a)
		}
	}
	return nil
}

func (p *Policy) compile() error {
	for i := range p.Guardrails.Rules {
		re, err := compilePattern(p.Guardrails.Rules[i].Pattern)
		if err != nil {
			return fmt.Errorf("rule %q: %w", p.Guardrails.Rules[i].ID, err)
		}
		p.Guardrails.Rules[i].re = re
	}
	for i := range p.Routing.Intents {
		rule := &p.Routing.Intents[i]
		rule.res = rule.res[:0]
		for _, pat := range rule.Patterns {
			re, err := compilePattern(pat)
			if err != nil {
				return fmt.Errorf("intent %q: %w", rule.Intent, err)
			}
			rule.res = append(rule.res, re)
		}
	}
	for i := range p.Handoff.Triggers {
		t := &p.Handoff.Triggers[i]
		t.res = t.res[:0]
		for _, pat := range t.AllOf {
			re, err := compilePattern(pat)
			if err != nil {
				return fmt.Errorf("trigger %q: %w", t.ID, err)
			}
			t.res = append(t.res, re)
		}
	}
	p.Handoff.distress = p.Handoff.distress[:0]
	for _, pat := range p.Handoff.DistressPatterns {
		re, err := compilePattern(pat)
		if err != nil {
			return fmt.Errorf("distress pattern: %w", err)
		}
		p.Handoff.distress = append(p.Handoff.distress, re)
	}
	return nil
}

func (p *Policy) loadTemplates(dir string) error {
	system, err := readPrompt(dir, p.Prompts.System)
	if err != nil {
		return err
	}
	format, err := readPrompt(dir, p.Prompts.ResponseFormat)
	if err != nil {
		return err
	}
	p.system = strings.TrimSpace(system)
	p.responseFormat = strings.TrimSpace(format)

	p.personas = make(map[models.Agent]*template.Template, len(models.AllAgents))
	for _, agent := range models.AllAgents {
		src, err := readPrompt(dir, p.Prompts.Agents[agent])
		if err != nil {
			return err
		}
		tmpl, err := template.New(string(agent)).Option("missingkey=error").Parse(src)
		if err != nil {
			return fmt.Errorf("parse %s: %w", p.Prompts.Agents[agent], err)
		}
		// Dry run so field typos fail the load instead of a live turn
		sample := PersonaData{Agent: agent, Intent: models.IntentUnknown, UserState: models.UserStateNew, MaxChars: p.Pacing.SinglePartMaxChars}
		if err := tmpl.Execute(io.Discard, sample); err != nil {
			return fmt.Errorf("render %s: %w", p.Prompts.Agents[agent], err)
		}
		p.personas[agent] = tmpl
	}
	return nil
}

func readPrompt(dir, name string) (string, error) {
	if filepath.IsAbs(name) || strings.Contains(filepath.ToSlash(name), "..") {
		return "", fmt.Errorf("prompt path %q must stay inside the bundle", name)
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("prompt %s is empty", name)
	}
	return string(data), nil
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, errors.New("empty pattern")
	}
	return regexp.Compile("(?i)" + pattern)
}

func unitRange(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be 0-1, got %f", name, v)
	}
	return nil
}
