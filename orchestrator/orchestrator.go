// Package orchestrator drives conversational turns: it admits a turn into
// its session lane, walks the fallback chain for every model call, routes
// requested tool calls through the policy engine and executor, keeps the
// history inside its token budget, and reports progress as an ordered event
// stream. Session history is only committed at message-pair boundaries, so a
// cancelled turn rolls back to the last committed state for free.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hupe1980/agentcore/admission"
	"github.com/hupe1980/agentcore/bus"
	"github.com/hupe1980/agentcore/compact"
	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/failover"
	"github.com/hupe1980/agentcore/logging"
	"github.com/hupe1980/agentcore/model"
	"github.com/hupe1980/agentcore/policy"
	"github.com/hupe1980/agentcore/session"
	"github.com/hupe1980/agentcore/tool"
)

// Options configures an Orchestrator. Every field is optional; zero values
// fall back to in-memory defaults so tests can construct an orchestrator from
// a failover manager alone.
type Options struct {
	Config    Config
	Store     core.SessionStore
	Registry  *tool.Registry
	Policies  *policy.Engine
	Admission *admission.Controller
	Bus       *bus.Bus
	Estimator model.TokenEstimator
	Logger    logging.Logger

	// ExecutorOptions tune the tool executor built over Registry.
	ExecutorOptions []func(o *tool.ExecutorOptions)
}

// Orchestrator owns the turn state machine. It is safe for concurrent use;
// per-session serialization is enforced by the admission controller, not by
// callers.
type Orchestrator struct {
	manager   *failover.Manager
	store     core.SessionStore
	registry  *tool.Registry
	executor  *tool.Executor
	policies  *policy.Engine
	admission *admission.Controller
	bus       *bus.Bus
	estimator model.TokenEstimator
	logger    logging.Logger
	cfg       Config
}

// New creates an orchestrator around a failover manager.
func New(manager *failover.Manager, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		Store:     session.NewInMemoryStore(),
		Registry:  tool.NewRegistry(),
		Admission: admission.NewController(),
		Bus:       bus.New(),
		Estimator: model.HeuristicEstimator{},
		Logger:    logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Policies == nil {
		opts.Policies = policy.NewEngine(nil, func(o *policy.EngineOptions) {
			o.Logger = opts.Logger
		})
	}

	execFns := append([]func(o *tool.ExecutorOptions){func(o *tool.ExecutorOptions) {
		o.Logger = opts.Logger
	}}, opts.ExecutorOptions...)

	return &Orchestrator{
		manager:   manager,
		store:     opts.Store,
		registry:  opts.Registry,
		executor:  tool.NewExecutor(opts.Registry, execFns...),
		policies:  opts.Policies,
		admission: opts.Admission,
		bus:       opts.Bus,
		estimator: opts.Estimator,
		logger:    opts.Logger,
		cfg:       opts.Config.withDefaults(),
	}
}

// Bus returns the event bus every turn publishes to.
func (o *Orchestrator) Bus() *bus.Bus { return o.bus }

// Audit returns the policy engine's audit log.
func (o *Orchestrator) Audit() *policy.AuditLog { return o.policies.Audit() }

// SubmitTurn starts a turn for the given session and returns its event
// stream. The channel is closed after the terminal event (assistant or
// failed); every turn produces exactly one terminal event. Cancelling ctx
// aborts the turn and rolls the session back to its last committed pair.
func (o *Orchestrator) SubmitTurn(ctx context.Context, sessionID, userText string, opts ...TurnOption) (<-chan core.Event, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("orchestrator: session ID must not be empty")
	}

	cfg := o.cfg
	for _, fn := range opts {
		fn(&cfg)
	}
	cfg = cfg.withDefaults()
	if len(cfg.Chain) == 0 {
		return nil, fmt.Errorf("orchestrator: no fallback chain configured")
	}

	t := &turn{
		id:        core.NewID(),
		sessionID: sessionID,
		userText:  userText,
		cfg:       cfg,
		events:    make(chan core.Event, cfg.EventBufferSize),
	}

	go o.runTurn(ctx, t)
	return t.events, nil
}

// turn holds the per-turn state of one pass through the state machine.
type turn struct {
	id        string
	sessionID string
	userText  string
	cfg       Config
	events    chan core.Event

	sess    *core.Session
	working []core.Message

	// current is the (provider, model) the last successful selection used;
	// a change between selections produces a failover event.
	current *core.ModelRef

	// fatal remembers chain entries disabled for the rest of the turn.
	fatal []failover.ChainEntry
}

func (o *Orchestrator) runTurn(ctx context.Context, t *turn) {
	defer close(t.events)

	lease, err := o.admission.Admit(ctx, t.sessionID, func(pos int) {
		ev := t.event(core.EventQueuePosition)
		ev.QueuePosition = pos
		o.emit(ctx, t, ev)
	})
	if err != nil {
		o.fail(ctx, t, err)
		return
	}
	defer lease.Release()

	t.sess, err = o.store.Get(t.sessionID)
	if err != nil {
		o.fail(ctx, t, err)
		return
	}

	o.logger.Info("turn.start", "turn_id", t.id, "session_id", t.sessionID)

	t.working = append(t.sess.Snapshot(), core.NewTextMessage(core.RoleUser, t.userText))
	if err := o.commit(t); err != nil {
		o.fail(ctx, t, err)
		return
	}

	if err := o.maybeCompact(ctx, t); err != nil {
		o.fail(ctx, t, err)
		return
	}

	o.loop(ctx, t)
}

// loop runs model-call rounds until a final answer, a terminal error or the
// iteration cap.
func (o *Orchestrator) loop(ctx context.Context, t *turn) {
	forceNoTools := false

	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			o.fail(ctx, t, err)
			return
		}
		if round > t.cfg.MaxIterations {
			o.fail(ctx, t, core.NewError(core.ErrKindMaxIterations,
				fmt.Sprintf("turn exceeded %d tool-call rounds", t.cfg.MaxIterations), nil))
			return
		}

		tools := o.registry.Definitions()
		if forceNoTools {
			tools = nil
		}

		res, sel, err := o.callModel(ctx, t, tools)
		if err != nil {
			o.fail(ctx, t, err)
			return
		}

		visible, thinking := splitThinking(res.resp.Message.Text())
		if t.cfg.Thinking == ThinkingEmit && thinking != "" && !res.streamed {
			ev := t.event(core.EventThinking)
			ev.Text = thinking
			o.emit(ctx, t, ev)
		}

		msg := normalizeAssistant(res.resp.Message, t.cfg.Thinking, visible, thinking)
		calls := msg.FunctionCalls()

		if len(calls) == 0 {
			t.working = append(t.working, msg)
			if err := o.commit(t); err != nil {
				o.fail(ctx, t, err)
				return
			}
			ev := t.event(core.EventAssistant)
			ev.Text = msg.Text()
			o.emit(ctx, t, ev)
			o.logger.Info("turn.complete", "turn_id", t.id, "rounds", round)
			return
		}

		responses, essentialDenied := o.toolRound(ctx, t, calls)

		t.working = append(t.working, msg, core.NewToolResultMessage(responses...))
		if err := o.commit(t); err != nil {
			o.fail(ctx, t, err)
			return
		}
		if err := o.maybeCompact(ctx, t); err != nil {
			o.fail(ctx, t, err)
			return
		}

		if essentialDenied {
			// A tool the turn cannot proceed without was refused; finish
			// with whatever answer text accompanied the calls.
			ev := t.event(core.EventAssistant)
			ev.Text = msg.Text()
			o.emit(ctx, t, ev)
			o.logger.Info("turn.partial", "turn_id", t.id, "rounds", round)
			return
		}

		forceNoTools = sel.Client.Info().StrictToolSequence
	}
}

// toolRound evaluates policy for each requested call, runs the allowed ones
// and returns one response per call in the original order. The second return
// reports whether an essential tool was denied.
func (o *Orchestrator) toolRound(ctx context.Context, t *turn, calls []core.FunctionCall) ([]core.FunctionResponse, bool) {
	for i := range calls {
		ev := t.event(core.EventToolCall)
		ev.Call = &calls[i]
		o.emit(ctx, t, ev)
	}

	responses := make([]core.FunctionResponse, len(calls))
	var allowed []core.FunctionCall
	var allowedIdx []int
	essentialDenied := false

	for i, call := range calls {
		args := map[string]interface{}{}
		if call.Arguments != "" {
			// Decode errors are left for the executor's validation step.
			_ = json.Unmarshal([]byte(call.Arguments), &args)
		}
		req := policy.Request{Tool: call.Name, Arguments: args, SessionID: t.sessionID, TurnID: t.id}
		dec := o.policies.Evaluate(req)

		verdict := dec.Verdict
		reason := dec.Reason
		if verdict == policy.RequireApproval {
			verdict, reason = o.resolveApproval(ctx, t, req, dec)
		}

		if verdict == policy.Deny {
			if reason == "" {
				reason = "denied by policy"
			}
			responses[i] = core.FunctionResponse{ID: call.ID, Name: call.Name, Denied: true, Error: reason}
			o.logger.Info("turn.tool.denied", "turn_id", t.id, "tool", call.Name, "policy", dec.Policy)
			if containsString(t.cfg.EssentialTools, call.Name) {
				essentialDenied = true
			}
			continue
		}
		allowed = append(allowed, call)
		allowedIdx = append(allowedIdx, i)
	}

	if len(allowed) > 0 {
		batch := tool.Batch{SessionID: t.sessionID, TurnID: t.id}
		for j, resp := range o.executor.Execute(ctx, batch, allowed) {
			responses[allowedIdx[j]] = resp
		}
	}

	for i := range responses {
		ev := t.event(core.EventToolResult)
		ev.Result = &responses[i]
		o.emit(ctx, t, ev)
	}
	return responses, essentialDenied
}

// resolveApproval turns a REQUIRE_APPROVAL decision into Allow or Deny via
// the configured approver. No approver means deny.
func (o *Orchestrator) resolveApproval(ctx context.Context, t *turn, req policy.Request, dec policy.Decision) (policy.Verdict, string) {
	if t.cfg.Approval == nil {
		return policy.Deny, "approval required but no approver configured"
	}
	ok, err := t.cfg.Approval(ctx, req)
	if err != nil {
		return policy.Deny, fmt.Sprintf("approval failed: %v", err)
	}
	if !ok {
		return policy.Deny, "approval rejected"
	}
	o.logger.Debug("turn.tool.approved", "turn_id", t.id, "tool", req.Tool, "policy", dec.Policy)
	return policy.Allow, ""
}

// callResult bundles a successful model call with whether any streamed
// partials were already emitted for it.
type callResult struct {
	resp     model.Response
	streamed bool
}

// callModel walks the fallback chain until one (model, credential) pair
// yields a complete response, applying the error taxonomy to each failure.
func (o *Orchestrator) callModel(ctx context.Context, t *turn, tools []model.ToolDefinition) (callResult, failover.Selection, error) {
	attempts := failover.NewAttempts()
	for _, e := range t.fatal {
		attempts.SkipModel(e)
	}

	for {
		if err := ctx.Err(); err != nil {
			return callResult{}, failover.Selection{}, err
		}

		sel, err := o.manager.NextCall(t.cfg.Chain, attempts)
		if err != nil {
			return callResult{}, failover.Selection{}, core.NewError(core.ErrKindChainExhausted,
				"every (model, credential) pair of the chain failed", err)
		}

		ref := core.ModelRef{Provider: sel.Entry.Provider, Model: sel.Entry.Model}
		if t.current != nil && *t.current != ref {
			ev := t.event(core.EventFailover)
			from := *t.current
			ev.From = &from
			ev.To = &ref
			o.emit(ctx, t, ev)
		}
		t.current = &ref

		res, err := o.generate(ctx, t, sel, tools)
		if err == nil {
			o.manager.MarkSuccess(sel)
			return res, sel, nil
		}
		if ctx.Err() != nil {
			o.manager.Release(sel)
			return callResult{}, failover.Selection{}, ctx.Err()
		}

		kind := core.Classify(err)
		o.manager.MarkFailure(sel, kind, attempts)
		if kind == core.ErrKindFatalModel {
			t.fatal = append(t.fatal, sel.Entry)
		}
		o.logger.Warn("turn.call.failed",
			"turn_id", t.id,
			"provider", sel.Entry.Provider,
			"model", sel.Entry.Model,
			"kind", string(kind),
			"error", err.Error(),
		)
	}
}

// generate performs one model call under the call timeout, emitting delta
// and thinking events for streamed partials as they arrive.
func (o *Orchestrator) generate(ctx context.Context, t *turn, sel failover.Selection, tools []model.ToolDefinition) (callResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	defer cancel()

	req := model.Request{
		Model:      sel.Entry.Model,
		Credential: sel.Profile.Credential,
		Messages:   t.working,
		Tools:      tools,
		Stream:     t.cfg.Stream,
		MaxTokens:  t.cfg.MaxTokens,
	}

	respCh, errCh := sel.Client.Generate(callCtx, req)

	var (
		final    model.Response
		gotFinal bool
		streamed bool
		filter   thinkingFilter
	)

	for respCh != nil || errCh != nil {
		select {
		case r, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if !r.Partial {
				final = r
				gotFinal = true
				continue
			}
			streamed = true
			visible, thinking := filter.feed(r.Message.Text())
			o.emitDelta(ctx, t, visible, thinking)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return callResult{}, err
			}
		case <-callCtx.Done():
			return callResult{}, callCtx.Err()
		}
	}

	if streamed {
		visible, thinking := filter.flush()
		o.emitDelta(ctx, t, visible, thinking)
	}
	if !gotFinal {
		return callResult{}, core.NewError(core.ErrKindTransient, "stream ended without a final response", nil)
	}
	return callResult{resp: final, streamed: streamed}, nil
}

// emitDelta publishes the visible and thinking portions of one streamed
// fragment according to the thinking mode.
func (o *Orchestrator) emitDelta(ctx context.Context, t *turn, visible, thinking string) {
	switch t.cfg.Thinking {
	case ThinkingMerge:
		visible += thinking
		thinking = ""
	case ThinkingDiscard:
		thinking = ""
	}
	if visible != "" {
		ev := t.event(core.EventAssistantDelta)
		ev.Text = visible
		o.emit(ctx, t, ev)
	}
	if thinking != "" {
		ev := t.event(core.EventThinking)
		ev.Text = thinking
		o.emit(ctx, t, ev)
	}
}

// maybeCompact prunes the working history when it exceeds the token budget,
// committing the pruned history and reporting the pass as an event.
func (o *Orchestrator) maybeCompact(ctx context.Context, t *turn) error {
	if t.cfg.TokenBudget <= 0 {
		return nil
	}
	pruned, stats := compact.Compact(t.working, t.cfg.TokenBudget, o.estimator, t.cfg.CompactionStrategy)
	if stats == nil {
		return nil
	}
	t.working = pruned
	if err := o.commit(t); err != nil {
		return err
	}

	ev := t.event(core.EventCompaction)
	ev.Compaction = stats
	o.emit(ctx, t, ev)
	o.logger.Info("turn.compaction",
		"turn_id", t.id,
		"strategy", stats.Strategy,
		"original_tokens", stats.OriginalTokens,
		"compacted_tokens", stats.CompactedTokens,
		"dropped_messages", stats.DroppedMessages,
	)
	return nil
}

// commit persists the working history as the session's new committed state.
func (o *Orchestrator) commit(t *turn) error {
	t.sess.Restore(append([]core.Message(nil), t.working...))
	t.sess.SetTokenEstimate(o.estimator.Estimate(t.working))
	return o.store.Save(t.sess)
}

// fail emits the turn's terminal failed event.
func (o *Orchestrator) fail(ctx context.Context, t *turn, err error) {
	kind := core.KindOf(err)
	ev := t.event(core.EventFailed)
	ev.ErrorKind = string(kind)
	ev.ErrorMessage = err.Error()
	o.emit(ctx, t, ev)
	o.logger.Warn("turn.failed", "turn_id", t.id, "kind", string(kind), "error", err.Error())
}

// event creates an event bound to this turn.
func (t *turn) event(kind core.EventKind) core.Event {
	return core.NewEvent(kind, t.id, t.sessionID)
}

// emit publishes the event to the bus, then delivers it to the turn's own
// channel. The bus sees every event even when the channel consumer is gone.
func (o *Orchestrator) emit(ctx context.Context, t *turn, ev core.Event) {
	o.bus.Publish(ev)
	select {
	case t.events <- ev:
		return
	default:
	}
	select {
	case t.events <- ev:
	case <-ctx.Done():
		// Consumer abandoned a full channel; the event stays on the bus.
	}
}

// splitThinking separates a complete text into its visible and thinking
// portions.
func splitThinking(text string) (visible, thinking string) {
	var f thinkingFilter
	v, th := f.feed(text)
	fv, fth := f.flush()
	return v + fv, th + fth
}

// normalizeAssistant rebuilds an assistant message with reasoning markup
// resolved per the thinking mode, keeping any tool-call parts intact.
func normalizeAssistant(msg core.Message, mode ThinkingMode, visible, thinking string) core.Message {
	var parts []core.Part
	switch mode {
	case ThinkingMerge:
		if text := msg.Text(); text != "" {
			parts = append(parts, core.TextPart{Text: text})
		}
	default:
		if visible != "" {
			parts = append(parts, core.TextPart{Text: visible})
		}
		if mode == ThinkingEmit && thinking != "" {
			parts = append(parts, core.ThinkingPart{Text: thinking})
		}
	}
	for _, p := range msg.Parts {
		if fc, ok := p.(core.FunctionCallPart); ok {
			parts = append(parts, fc)
		}
	}
	return core.Message{Role: core.RoleAssistant, Parts: parts}
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
