// ABOUTME: Orchestrator runs the turn pipeline: guardrails, routing, grounding, composition, model, memory, pacing
// ABOUTME: Commits are serialized per conversation and every turn commits atomically or not at all
package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harper/concierge/internal/llm"
	"github.com/harper/concierge/internal/metrics"
	"github.com/harper/concierge/internal/models"
	"github.com/harper/concierge/internal/policy"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
)

// Options wires the orchestrator to its adapters
type Options struct {
	Store     Store
	Model     ModelService
	Retriever Retriever
	Web       WebSearcher
	// Sink receives paced parts; nil disables paced delivery
	Sink     DeliverySink
	Policies *policy.Store
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger

	ModelTimeout     time.Duration
	RetrievalTimeout time.Duration
	WebTimeout       time.Duration
	// Workers bounds concurrent follow-up runs
	Workers int
}

// TurnRequest is one inbound user message
type TurnRequest struct {
	ConversationID string           `json:"conversation_id"`
	UserID         string           `json:"user_id"`
	Text           string           `json:"text"`
	TierOverride   models.ModelTier `json:"tier_override,omitempty"`
}

// TurnResult describes what a turn produced
type TurnResult struct {
	ConversationID    string                   `json:"conversation_id"`
	TurnID            string                   `json:"turn_id,omitempty"`
	Reply             string                   `json:"reply"`
	Parts             []models.DeliveryPart    `json:"parts"`
	Agent             models.Agent             `json:"agent"`
	Tier              models.ModelTier         `json:"tier,omitempty"`
	Intent            models.Intent            `json:"intent"`
	UsedRetrieval     bool                     `json:"used_retrieval"`
	UsedWebFallback   bool                     `json:"used_web_fallback"`
	NoGrounding       bool                     `json:"no_grounding"`
	Violations        []Violation              `json:"violations,omitempty"`
	HandoffTrigger    string                   `json:"handoff_trigger,omitempty"`
	State             models.ConversationState `json:"state"`
	PolicyVersion     string                   `json:"policy_version"`
	Interrupted       bool                     `json:"interrupted"`
	TokensUsed        int                      `json:"tokens_used"`
	FollowupScheduled bool                     `json:"followup_scheduled"`
	// Skipped is set for follow-ups that were not sent
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
}

// TimerPayload is what a fired follow-up timer carries
type TimerPayload struct {
	TimerID        string `json:"timer_id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Reason         string `json:"reason"`
}

// FollowupReport summarizes one pass over due timers
type FollowupReport struct {
	Due       int `json:"due"`
	Delivered int `json:"delivered"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Orchestrator owns the per-turn pipeline
type Orchestrator struct {
	store    Store
	model    ModelService
	sink     DeliverySink
	policies *policy.Store
	metrics  *metrics.Metrics
	log      zerolog.Logger

	governor *Governor
	crawler  *LatticeCrawler
	hydrator *ContextHydrator
	scribe   *Scribe
	pacer    *Pacer
	convs    *keyedMutex
	pool     *ants.Pool
	// firing holds the ids of timers being triggered in this process
	firing sync.Map

	modelTimeout time.Duration
	now          func() time.Time
}

// New creates an orchestrator. Store, Model, and Policies are required.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Model == nil {
		return nil, errors.New("model service is required")
	}
	if opts.Policies == nil || opts.Policies.Current() == nil {
		return nil, errors.New("policy store is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}

	scribe, err := NewScribe(ctx, opts.Store, opts.Logger.With().Str("component", "scribe").Logger(), opts.Metrics)
	if err != nil {
		return nil, err
	}

	pool, err := ants.NewPool(opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create follow-up pool: %w", err)
	}

	return &Orchestrator{
		store:    opts.Store,
		model:    opts.Model,
		sink:     opts.Sink,
		policies: opts.Policies,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		governor: NewGovernor(),
		crawler: NewLatticeCrawler(opts.Retriever, opts.Web, opts.RetrievalTimeout, opts.WebTimeout,
			opts.Logger.With().Str("component", "grounding").Logger(), opts.Metrics),
		hydrator:     NewContextHydrator(),
		scribe:       scribe,
		pacer:        NewPacer(opts.Logger.With().Str("component", "pacer").Logger(), opts.Metrics),
		convs:        newKeyedMutex(),
		pool:         pool,
		modelTimeout: opts.ModelTimeout,
		now:          time.Now,
	}, nil
}

// Close cancels pending deliveries and stops the follow-up workers
func (o *Orchestrator) Close() {
	o.pacer.Close()
	o.pool.Release()
}

// Policy returns the active policy snapshot
func (o *Orchestrator) Policy() *policy.Policy {
	return o.policies.Current()
}

// Interrupt cancels the undelivered parts of a conversation's pending reply
func (o *Orchestrator) Interrupt(conversationID string) bool {
	return o.pacer.Cancel(conversationID)
}

// WaitDeliveries blocks until every scheduled delivery has finished or been cancelled
func (o *Orchestrator) WaitDeliveries() {
	o.pacer.Wait()
}

// generation is the outcome of running an agent for one turn
type generation struct {
	agent      models.Agent
	tier       models.ModelTier
	reply      string
	signals    []Signal
	violations []Violation
	escalated  bool
	trigger    string
	tokens     int
}

// maxTurnAttempts bounds how often a turn regenerates after losing the race to commit
const maxTurnAttempts = 5

// errConversationMoved means another writer committed while the lock was released for generation
var errConversationMoved = errors.New("conversation changed during generation")

// ProcessTurn runs one user message through the pipeline.
// The conversation lock is released while adapters and the model run. The turn commits
// only if nothing else committed meanwhile, and regenerates on the fresh state otherwise.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Text) == "" {
		return nil, ErrInvalidTurn
	}
	if req.ConversationID == "" {
		req.ConversationID = "conv_" + uuid.New().String()
	}

	start := time.Now()
	if o.metrics != nil {
		o.metrics.TurnsInFlight.Inc()
		defer o.metrics.TurnsInFlight.Dec()
	}

	// A new message discards whatever of the previous reply is still being typed
	interrupted := o.pacer.Cancel(req.ConversationID)

	// One snapshot and one input check for every attempt of this turn
	p := o.policies.Current()
	input := CheckInput(req.Text, p)
	o.recordViolations(input.Violations)

	for attempt := 1; ; attempt++ {
		result, err := o.attemptTurn(ctx, req, p, input, &interrupted, start)
		if !errors.Is(err, errConversationMoved) {
			return result, err
		}
		if o.metrics != nil {
			o.metrics.TurnRetries.Inc()
		}
		if attempt == maxTurnAttempts {
			o.countFailure("busy")
			return nil, ErrConversationBusy
		}
		o.log.Debug().Str("conversation_id", req.ConversationID).Int("attempt", attempt).Msg("conversation moved during generation, regenerating")
	}
}

// attemptTurn reads and routes under the conversation lock, grounds and generates
// without it, then relocks and commits if the conversation is unchanged
func (o *Orchestrator) attemptTurn(ctx context.Context, req TurnRequest, p *policy.Policy, input InputResult, interrupted *bool, start time.Time) (*TurnResult, error) {
	convID := req.ConversationID

	unlock, err := o.convs.Lock(ctx, convID)
	if err != nil {
		return nil, err
	}
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()

	// The previous turn may have scheduled its delivery while we waited
	if o.pacer.Cancel(convID) {
		*interrupted = true
	}

	log := o.log.With().Str("conversation_id", convID).Str("user_id", req.UserID).Str("policy", p.Version).Logger()

	conv, version, err := o.loadConversation(ctx, convID, req.UserID)
	if err != nil {
		return nil, err
	}
	profile, err := o.scribe.LoadProfile(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	history, err := o.store.RecentTurns(ctx, convID, p.Routing.HistoryTurns)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	decision := o.governor.Route(RouteInput{
		Conversation: conv,
		Profile:      profile,
		Text:         req.Text,
		Kind:         models.TurnKindUser,
		Input:        input,
		TierOverride: req.TierOverride,
		Policy:       p,
	})
	log.Debug().
		Str("agent", string(decision.Agent)).
		Str("intent", string(decision.Intent)).
		Str("tier", string(decision.Tier)).
		Str("reason", decision.Reason).
		Msg("turn routed")

	userTurn, err := models.NewUserTurn(convID, input.RedactedText)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTurn, err)
	}

	commit := &models.TurnCommit{Conversation: conv, Turns: []*models.Turn{userTurn}}
	result := &TurnResult{
		ConversationID: convID,
		Intent:         decision.Intent,
		Agent:          decision.Agent,
		PolicyVersion:  p.Version,
		Violations:     append([]Violation(nil), input.Violations...),
	}

	var gen *generation
	var grounding *Grounding

	switch {
	case decision.Reason == ReasonInHandoff:
		// A human owns the conversation; the turn is recorded without a model call
		gen = &generation{agent: models.AgentHandoff, reply: p.Guardrails.HandoffNotice}

	case !input.Allowed:
		if decision.Agent == models.AgentHandoff {
			if err := o.escalate(ctx, conv, decision.HandoffTrigger, commit); err != nil {
				return nil, err
			}
			gen = &generation{agent: models.AgentHandoff, reply: p.Guardrails.HandoffNotice, escalated: true, trigger: decision.HandoffTrigger}
			break
		}
		gen = &generation{agent: decision.Agent, reply: input.Deflection}

	case input.Warn && decision.Agent != models.AgentHandoff:
		conv.WarningCount++
		gen = &generation{agent: decision.Agent, reply: p.Guardrails.WarningNotice}
		log.Info().Int("warnings", conv.WarningCount).Msg("abuse warning issued")

	default:
		// Nothing below needs the lock until commit; the next message may cancel and route meanwhile
		locked = false
		unlock()

		if decision.NeedsGrounding {
			grounding = o.crawler.Ground(ctx, input.RedactedText, p)
		}
		gen, err = o.runAgent(ctx, p, ComposeInput{
			Agent:       decision.Agent,
			Intent:      decision.Intent,
			UserState:   decision.UserState,
			Profile:     profile,
			Grounding:   grounding,
			History:     history,
			Summary:     conv.Summary,
			Text:        input.RedactedText,
			Kind:        models.TurnKindUser,
			Interrupted: *interrupted,
		}, decision.Tier, input.Flagged())
		if err != nil {
			o.countFailure("model")
			log.Error().Err(err).Msg("turn failed, nothing committed")
			return nil, err
		}

		unlock, err = o.convs.Lock(ctx, convID)
		if err != nil {
			return nil, err
		}
		locked = true

		current, err := o.store.GetConversation(ctx, convID)
		if err != nil {
			return nil, fmt.Errorf("failed to load conversation: %w", err)
		}
		if conversationVersion(current) != version {
			return nil, errConversationMoved
		}

		if decision.Agent == models.AgentHandoff {
			gen.escalated = true
			gen.trigger = decision.HandoffTrigger
		}
		if gen.escalated {
			if err := o.escalate(ctx, conv, gen.trigger, commit); err != nil {
				return nil, err
			}
		}
	}

	o.touch(conv)

	assistantTurn, err := models.NewAssistantTurn(convID, gen.reply, gen.agent, gen.tier)
	if err != nil {
		return nil, err
	}
	if grounding != nil {
		assistantTurn.UsedRetrieval = grounding.UsedRetrieval
		assistantTurn.UsedWebFallback = grounding.UsedWebFallback
		assistantTurn.Citations = grounding.Citations()
		result.UsedRetrieval = grounding.UsedRetrieval
		result.UsedWebFallback = grounding.UsedWebFallback
		result.NoGrounding = grounding.NoGrounding
	}
	commit.Turns = append(commit.Turns, assistantTurn)

	if conv.State == models.ConversationActive && p.FollowsUpAfter(gen.agent) {
		scheduled, err := o.scheduleFollowup(ctx, conv, p, commit)
		if err != nil {
			return nil, err
		}
		result.FollowupScheduled = scheduled
	}

	err = o.scribe.Apply(ctx, req.UserID, gen.signals, p, func(changes FactChanges) error {
		commit.FactUpserts = changes.Upserts
		commit.FactDeletes = changes.Deletes
		return o.store.CommitTurn(ctx, commit)
	})
	if err != nil {
		o.countFailure("commit")
		return nil, fmt.Errorf("failed to commit turn: %w", err)
	}

	result.TurnID = assistantTurn.TurnID
	result.Reply = gen.reply
	result.Agent = gen.agent
	result.Tier = gen.tier
	result.Violations = append(result.Violations, gen.violations...)
	result.State = conv.State
	result.TokensUsed = gen.tokens
	result.Interrupted = *interrupted
	if gen.escalated {
		result.HandoffTrigger = gen.trigger
	}

	result.Parts = Plan(gen.reply, p)
	if o.sink != nil && len(result.Parts) > 0 {
		o.pacer.Schedule(convID, result.Parts, o.sink)
	}

	o.recordTurn(gen, start)
	log.Info().
		Str("agent", string(gen.agent)).
		Str("tier", string(gen.tier)).
		Int("parts", len(result.Parts)).
		Int("signals", len(gen.signals)).
		Bool("interrupted", *interrupted).
		Dur("took", time.Since(start)).
		Msg("turn processed")

	return result, nil
}

// runAgent composes the prompt, calls the model, extracts signals, and checks the output.
// An output that escalates is regenerated once by the Handoff persona on the pro tier.
func (o *Orchestrator) runAgent(ctx context.Context, p *policy.Policy, in ComposeInput, tier models.ModelTier, flagged []string) (*generation, error) {
	ext, pc, tokens, err := o.generate(ctx, p, in, tier)
	if err != nil {
		return nil, err
	}

	out := CheckOutput(ext.Reply, OutputContext{Agent: in.Agent, NoGrounding: pc.NoGrounding, Flagged: flagged}, p)
	o.recordViolations(out.Violations)

	gen := &generation{
		agent:      in.Agent,
		tier:       tier,
		reply:      out.FinalText,
		signals:    ext.Signals,
		violations: out.Violations,
		tokens:     tokens,
	}
	if !out.Escalate {
		return gen, nil
	}

	o.log.Info().Str("trigger", out.HandoffTrigger).Str("agent", string(in.Agent)).Msg("output escalated to handoff")
	in.Agent = models.AgentHandoff
	hext, hpc, htokens, err := o.generate(ctx, p, in, models.TierPro)
	if err != nil {
		return nil, err
	}
	hout := CheckOutput(hext.Reply, OutputContext{Agent: models.AgentHandoff, NoGrounding: hpc.NoGrounding, Flagged: flagged}, p)
	o.recordViolations(hout.Violations)

	gen.agent = models.AgentHandoff
	gen.tier = models.TierPro
	gen.reply = hout.FinalText
	gen.violations = append(gen.violations, hout.Violations...)
	gen.escalated = true
	gen.trigger = out.HandoffTrigger
	gen.tokens += htokens
	return gen, nil
}

// generate runs one model call under the model timeout and parses its JSON reply
func (o *Orchestrator) generate(ctx context.Context, p *policy.Policy, in ComposeInput, tier models.ModelTier) (Extraction, *PromptContext, int, error) {
	pc, err := o.hydrator.Compose(in, p)
	if err != nil {
		return Extraction{}, nil, 0, fmt.Errorf("failed to compose prompt: %w", err)
	}

	mctx, cancel := withOptionalTimeout(ctx, o.modelTimeout)
	defer cancel()

	start := time.Now()
	completion, err := o.model.Generate(mctx, llm.Request{Prompt: pc.String(), Tier: tier, JSON: true})
	status := "ok"
	if err != nil {
		status = "error"
	}
	if o.metrics != nil {
		o.metrics.ObserveModelCall(string(tier), status, time.Since(start))
	}
	if err != nil {
		return Extraction{}, nil, 0, &ModelCallError{Tier: tier, Err: err}
	}

	ext := ExtractSignals(in.Text, completion.Text)
	if ext.Reply == "" {
		return Extraction{}, nil, 0, &ModelCallError{Tier: tier, Err: llm.ErrEmptyCompletion}
	}
	for _, d := range ext.Dropped {
		o.log.Warn().Str("agent", string(in.Agent)).Int("index", d.Index).Str("reason", d.Reason).Msg("memory signal dropped")
		o.scribe.countMerge("dropped")
	}
	return ext, pc, completion.TokensUsed, nil
}

// loadConversation fetches or creates the conversation and reactivates closed ones.
// It also returns the version of the stored conversation, taken before reactivation.
func (o *Orchestrator) loadConversation(ctx context.Context, id, userID string) (*models.Conversation, string, error) {
	conv, err := o.store.GetConversation(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv == nil {
		conv, err := models.NewConversation(id, userID)
		return conv, "", err
	}
	if conv.UserID != userID {
		return nil, "", ErrConversationOwner
	}
	version := conversationVersion(conv)
	if conv.State == models.ConversationCompleted || conv.State == models.ConversationArchived {
		conv.State = models.ConversationActive
	}
	return conv, version, nil
}

// conversationVersion identifies the committed state of a stored conversation; "" when absent.
// Every commit changes it because touch moves LastActivityAt strictly forward.
func conversationVersion(conv *models.Conversation) string {
	if conv == nil {
		return ""
	}
	return fmt.Sprintf("%s/%d/%d", conv.State, conv.WarningCount, conv.LastActivityAt.UnixMilli())
}

// touch records activity, at least one millisecond after the previous commit
func (o *Orchestrator) touch(conv *models.Conversation) {
	now := o.now().UTC()
	if floor := conv.LastActivityAt.Add(time.Millisecond); now.Before(floor) {
		now = floor
	}
	conv.LastActivityAt = now
}

// escalate moves the conversation to handoff and cancels its pending follow-ups in the same commit
func (o *Orchestrator) escalate(ctx context.Context, conv *models.Conversation, trigger string, commit *models.TurnCommit) error {
	if conv.State == models.ConversationHandoff {
		return nil
	}
	conv.State = models.ConversationHandoff

	pending, err := o.store.PendingTimers(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("failed to load pending timers: %w", err)
	}
	if len(pending) > 0 && commit.TimerUpdates == nil {
		commit.TimerUpdates = make(map[string]models.TimerStatus)
	}
	for _, t := range pending {
		commit.TimerUpdates[t.TimerID] = models.TimerCancelled
	}

	if o.metrics != nil {
		o.metrics.HandoffsTotal.WithLabelValues(trigger).Inc()
	}
	o.log.Warn().Str("conversation_id", conv.ID).Str("trigger", trigger).Msg("conversation handed off")
	return nil
}

// scheduleFollowup adds a follow-up timer unless one is already pending
func (o *Orchestrator) scheduleFollowup(ctx context.Context, conv *models.Conversation, p *policy.Policy, commit *models.TurnCommit) (bool, error) {
	pending, err := o.store.PendingTimers(ctx, conv.ID)
	if err != nil {
		return false, fmt.Errorf("failed to load pending timers: %w", err)
	}
	if len(pending) > 0 {
		return false, nil
	}
	timer, err := models.NewFollowupTimer(conv.ID, conv.UserID, p.Followup.Reason, p.Followup.Delay)
	if err != nil {
		return false, err
	}
	commit.Timers = append(commit.Timers, timer)
	return true, nil
}

// TriggerFollowup runs a fired timer through the Followup agent when the user opted in.
// A timer produces at most one follow-up, however many times it is triggered.
func (o *Orchestrator) TriggerFollowup(ctx context.Context, payload TimerPayload) (*TurnResult, error) {
	start := time.Now()
	timer, err := o.store.GetTimer(ctx, payload.TimerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load timer: %w", err)
	}
	if timer == nil {
		return nil, ErrTimerNotFound
	}
	timerID := timer.TimerID
	convID := timer.ConversationID
	p := o.policies.Current()

	skip := func(reason string, status models.TimerStatus) (*TurnResult, error) {
		if status != "" {
			// Losing to another settle is fine; the timer is settled either way
			err := o.store.SetTimerStatus(ctx, timerID, status)
			if err != nil && !errors.Is(err, models.ErrTimerNotPending) {
				return nil, fmt.Errorf("failed to update timer: %w", err)
			}
		}
		o.countFollowup("skipped")
		o.log.Info().Str("timer_id", timerID).Str("reason", reason).Msg("follow-up skipped")
		return &TurnResult{
			ConversationID: convID,
			Agent:          models.AgentFollowup,
			PolicyVersion:  p.Version,
			Skipped:        true,
			SkipReason:     reason,
		}, nil
	}

	if timer.Status != models.TimerPending {
		return skip("timer_"+string(timer.Status), "")
	}

	if _, busy := o.firing.LoadOrStore(timerID, struct{}{}); busy {
		return skip("timer_in_flight", "")
	}
	defer o.firing.Delete(timerID)

	unlock, err := o.convs.Lock(ctx, convID)
	if err != nil {
		return nil, err
	}
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()

	// Another process may have settled the timer while we waited for the lock
	timer, err = o.store.GetTimer(ctx, timerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load timer: %w", err)
	}
	if timer == nil {
		return nil, ErrTimerNotFound
	}
	if timer.Status != models.TimerPending {
		return skip("timer_"+string(timer.Status), "")
	}

	conv, err := o.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	if conv.State != models.ConversationActive {
		return skip("conversation_"+string(conv.State), models.TimerCancelled)
	}
	version := conversationVersion(conv)

	profile, err := o.scribe.LoadProfile(ctx, conv.UserID)
	if err != nil {
		return nil, err
	}
	if p.Followup.RequireOptIn && !profile.Bool(p.Followup.OptInKey) {
		return skip("not_opted_in", models.TimerCancelled)
	}

	history, err := o.store.RecentTurns(ctx, convID, p.Routing.HistoryTurns)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	decision := o.governor.Route(RouteInput{
		Conversation: conv,
		Profile:      profile,
		Kind:         models.TurnKindFollowup,
		Input:        InputResult{Allowed: true},
		Policy:       p,
	})

	reason := payload.Reason
	if reason == "" {
		reason = timer.Reason
	}

	locked = false
	unlock()

	gen, err := o.runAgent(ctx, p, ComposeInput{
		Agent:     decision.Agent,
		Intent:    decision.Intent,
		UserState: decision.UserState,
		Profile:   profile,
		History:   history,
		Summary:   conv.Summary,
		Kind:      models.TurnKindFollowup,
		Reason:    reason,
	}, decision.Tier, nil)
	if err != nil {
		o.countFollowup("failed")
		return nil, err
	}

	unlock, err = o.convs.Lock(ctx, convID)
	if err != nil {
		return nil, err
	}
	locked = true

	current, err := o.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conversationVersion(current) != version {
		// The timer stays pending and fires again on the next pass against the new history
		return skip("conversation_moved", "")
	}

	o.touch(conv)
	commit := &models.TurnCommit{
		Conversation: conv,
		TimerUpdates: map[string]models.TimerStatus{timerID: models.TimerCompleted},
	}
	if gen.escalated {
		if err := o.escalate(ctx, conv, gen.trigger, commit); err != nil {
			return nil, err
		}
		// escalate cancels pending timers; the firing one still completes
		commit.TimerUpdates[timerID] = models.TimerCompleted
	}

	turn, err := models.NewAssistantTurn(convID, gen.reply, gen.agent, gen.tier)
	if err != nil {
		return nil, err
	}
	commit.Turns = []*models.Turn{turn}

	if err := o.store.CommitTurn(ctx, commit); err != nil {
		if errors.Is(err, models.ErrTimerNotPending) {
			return skip("timer_settled", "")
		}
		o.countFollowup("failed")
		return nil, fmt.Errorf("failed to commit follow-up: %w", err)
	}

	result := &TurnResult{
		ConversationID: convID,
		TurnID:         turn.TurnID,
		Reply:          gen.reply,
		Parts:          Plan(gen.reply, p),
		Agent:          gen.agent,
		Tier:           gen.tier,
		Intent:         decision.Intent,
		Violations:     gen.violations,
		State:          conv.State,
		PolicyVersion:  p.Version,
		TokensUsed:     gen.tokens,
	}
	if gen.escalated {
		result.HandoffTrigger = gen.trigger
	}
	if o.sink != nil && len(result.Parts) > 0 {
		o.pacer.Schedule(convID, result.Parts, o.sink)
	}

	o.countFollowup("delivered")
	o.recordTurn(gen, start)
	return result, nil
}

// RunDueFollowups triggers every timer due at now on the worker pool
func (o *Orchestrator) RunDueFollowups(ctx context.Context, now time.Time) (FollowupReport, error) {
	timers, err := o.store.DueTimers(ctx, now, 100)
	if err != nil {
		return FollowupReport{}, fmt.Errorf("failed to list due timers: %w", err)
	}

	report := FollowupReport{Due: len(timers)}
	var mu sync.Mutex
	var wg sync.WaitGroup

	record := func(res *TurnResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			report.Failed++
		case res.Skipped:
			report.Skipped++
		default:
			report.Delivered++
		}
	}

	for _, t := range timers {
		payload := TimerPayload{TimerID: t.TimerID, ConversationID: t.ConversationID, UserID: t.UserID, Reason: t.Reason}
		wg.Add(1)
		err := o.pool.Submit(func() {
			defer wg.Done()
			res, err := o.TriggerFollowup(ctx, payload)
			if err != nil {
				o.log.Error().Err(err).Str("timer_id", payload.TimerID).Msg("follow-up failed")
			}
			record(res, err)
		})
		if err != nil {
			wg.Done()
			record(nil, err)
		}
	}
	wg.Wait()

	o.log.Info().
		Int("due", report.Due).
		Int("delivered", report.Delivered).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("follow-up pass complete")
	return report, nil
}

// retentionBatch bounds how many conversations one retention pass closes per state
const retentionBatch = 500

// RetentionReport summarizes one pass over idle conversations
type RetentionReport struct {
	Completed int `json:"completed"`
	Archived  int `json:"archived"`
}

// ArchiveInactive closes conversations idle past the policy's retention windows.
// Active conversations become completed, and active or completed ones become archived.
// Conversations owned by a human are left alone. A later user turn reopens any of them.
func (o *Orchestrator) ArchiveInactive(ctx context.Context, now time.Time) (RetentionReport, error) {
	p := o.policies.Current()
	var report RetentionReport

	if d := p.Retention.ArchiveAfter; d > 0 {
		n, err := o.closeIdle(ctx, []models.ConversationState{models.ConversationActive, models.ConversationCompleted},
			now.Add(-d), models.ConversationArchived)
		report.Archived = n
		if err != nil {
			return report, err
		}
	}
	if d := p.Retention.CompleteAfter; d > 0 {
		n, err := o.closeIdle(ctx, []models.ConversationState{models.ConversationActive},
			now.Add(-d), models.ConversationCompleted)
		report.Completed = n
		if err != nil {
			return report, err
		}
	}

	if report.Completed > 0 || report.Archived > 0 {
		o.log.Info().Int("completed", report.Completed).Int("archived", report.Archived).Msg("idle conversations closed")
	}
	return report, nil
}

func (o *Orchestrator) closeIdle(ctx context.Context, from []models.ConversationState, cutoff time.Time, to models.ConversationState) (int, error) {
	idle, err := o.store.IdleConversations(ctx, from, cutoff, retentionBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list idle conversations: %w", err)
	}

	closed := 0
	for _, c := range idle {
		ok, err := o.closeConversation(ctx, c.ID, from, cutoff, to)
		if err != nil {
			return closed, err
		}
		if ok {
			closed++
		}
	}
	return closed, nil
}

// closeConversation moves one conversation to state to and cancels its pending follow-ups.
// The activity time is kept so the archive step still measures from the last real turn.
func (o *Orchestrator) closeConversation(ctx context.Context, id string, from []models.ConversationState, cutoff time.Time, to models.ConversationState) (bool, error) {
	unlock, err := o.convs.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	// A turn may have landed since the listing
	conv, err := o.store.GetConversation(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv == nil || !slices.Contains(from, conv.State) || !conv.LastActivityAt.Before(cutoff) {
		return false, nil
	}

	pending, err := o.store.PendingTimers(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to load pending timers: %w", err)
	}
	conv.State = to
	commit := &models.TurnCommit{Conversation: conv}
	for _, t := range pending {
		if commit.TimerUpdates == nil {
			commit.TimerUpdates = make(map[string]models.TimerStatus)
		}
		commit.TimerUpdates[t.TimerID] = models.TimerCancelled
	}
	if err := o.store.CommitTurn(ctx, commit); err != nil {
		return false, fmt.Errorf("failed to close conversation %s: %w", id, err)
	}

	if o.metrics != nil {
		o.metrics.ConversationsClosed.WithLabelValues(string(to)).Inc()
	}
	o.log.Debug().Str("conversation_id", id).Str("state", string(to)).Msg("idle conversation closed")
	return true, nil
}

// ReloadPolicy swaps in the bundle at dir. In-flight turns keep their snapshot.
func (o *Orchestrator) ReloadPolicy(dir string) (*policy.Policy, error) {
	p, err := o.policies.Reload(dir)
	status := "ok"
	if err != nil {
		status = "error"
	}
	if o.metrics != nil {
		o.metrics.PolicyReloads.WithLabelValues(status).Inc()
	}
	if err != nil {
		o.log.Error().Err(err).Msg("policy reload rejected, keeping previous version")
		return nil, err
	}
	o.log.Info().Str("version", p.Version).Msg("policy reloaded")
	return p, nil
}

// ReopenConversation returns a handed-off conversation to the automated agents
func (o *Orchestrator) ReopenConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	unlock, err := o.convs.Lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	conv.State = models.ConversationActive
	conv.WarningCount = 0
	o.touch(conv)
	if err := o.store.SaveConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to save conversation: %w", err)
	}
	o.log.Info().Str("conversation_id", conversationID).Msg("conversation reopened")
	return conv, nil
}

// Profile returns the resolved memory of a user
func (o *Orchestrator) Profile(ctx context.Context, userID string) (models.Profile, error) {
	return o.scribe.LoadProfile(ctx, userID)
}

// ConfirmFact promotes a user's pending fact after they confirm it
func (o *Orchestrator) ConfirmFact(ctx context.Context, userID, key string) (*models.MemoryFact, error) {
	return o.scribe.ConfirmFact(ctx, userID, normalizeKey(key), o.policies.Current())
}

// ResetUserMemory deletes everything remembered about a user
func (o *Orchestrator) ResetUserMemory(ctx context.Context, userID string) (int64, error) {
	return o.scribe.ResetUser(ctx, userID)
}

// SweepExpiredFacts deletes facts past their expiry
func (o *Orchestrator) SweepExpiredFacts(ctx context.Context) (int64, error) {
	return o.scribe.SweepExpired(ctx, o.now())
}

func (o *Orchestrator) recordViolations(vs []Violation) {
	if o.metrics == nil {
		return
	}
	for _, v := range vs {
		o.metrics.RecordViolation(string(v.Stage), v.Category)
	}
}

func (o *Orchestrator) recordTurn(gen *generation, start time.Time) {
	if o.metrics == nil {
		return
	}
	tier := string(gen.tier)
	if tier == "" {
		tier = "none"
	}
	o.metrics.TurnsTotal.WithLabelValues(string(gen.agent), tier).Inc()
	o.metrics.TurnDuration.WithLabelValues(string(gen.agent)).Observe(time.Since(start).Seconds())
}

func (o *Orchestrator) countFailure(reason string) {
	if o.metrics != nil {
		o.metrics.TurnFailures.WithLabelValues(reason).Inc()
	}
}

func (o *Orchestrator) countFollowup(outcome string) {
	if o.metrics != nil {
		o.metrics.FollowupsTotal.WithLabelValues(outcome).Inc()
	}
}
