package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sjvermaak/clawgate/internal/authprofile"
	"github.com/sjvermaak/clawgate/internal/config"
	"github.com/sjvermaak/clawgate/internal/llm"
	. "github.com/sjvermaak/clawgate/internal/logging"
	"github.com/sjvermaak/clawgate/internal/session"
	"github.com/sjvermaak/clawgate/internal/types"
)

// Run error codes surfaced at the RPC boundary.
const (
	CodeProviderUnavailable   = "provider_unavailable"
	CodeCompactionIneffective = "compaction_ineffective"
	CodeAgentTimeout          = "agent_timeout"
	CodeAborted               = "aborted"
	CodeInternal              = "internal_error"
)

const defaultMaxSteps = 16

// DeliverFunc hands the final assistant message to the outbound path.
type DeliverFunc func(ctx context.Context, env *types.Envelope, sessionKey, runID, text string) error

// Runner executes agent runs. One Runner serves all lanes; per-session
// exclusivity comes from the lane scheduler and the session lock.
type Runner struct {
	store     *session.Store
	pool      *authprofile.Pool
	tools     *ToolRegistry
	approvals *Approvals
	sink      Sink
	deliver   DeliverFunc
	prompts   *PromptAssembler

	// newProvider constructs providers; tests substitute scripted ones.
	newProvider func(alias string, cfg config.ProviderConfig, model, apiKey string) (llm.Provider, error)
}

// NewRunner wires a runner.
func NewRunner(store *session.Store, pool *authprofile.Pool, tools *ToolRegistry, approvals *Approvals, sink Sink, deliver DeliverFunc) *Runner {
	return &Runner{
		store:       store,
		pool:        pool,
		tools:       tools,
		approvals:   approvals,
		sink:        sink,
		deliver:     deliver,
		prompts:     NewPromptAssembler(),
		newProvider: llm.New,
	}
}

// Approvals exposes the approval table for RPC resolution.
func (r *Runner) Approvals() *Approvals { return r.approvals }

// SummarizeFunc exposes the run-grade summarizer selection for callers
// that compact outside a run (sessions.compact).
func (r *Runner) SummarizeFunc(cfg *config.Config, agentCfg *config.AgentConfig) session.SummarizeFunc {
	return r.summarizeFn(cfg, agentCfg)
}

// Run executes one Think-Tool-Act run for an envelope already routed to
// a session. The lane scheduler guarantees exclusivity; Run additionally
// takes the session write lock for the transcript.
func (r *Runner) Run(ctx context.Context, cfg *config.Config, agentID, sessionKey string, env *types.Envelope, runID string) {
	emitter := NewEmitter(runID, r.sink)
	emitter.Lifecycle("start")

	agentCfg := cfg.AgentByID(agentID)
	if agentCfg == nil {
		r.fail(emitter, sessionKey, CodeInternal, fmt.Errorf("agent %s not configured", agentID))
		return
	}

	r.store.Lock(sessionKey)
	defer r.store.Unlock(sessionKey)

	sess, err := r.store.Load(sessionKey)
	if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		r.fail(emitter, sessionKey, CodeInternal, err)
		return
	}
	existed := err == nil

	// The inbound delta (reset note + user turn) persists before the
	// LLM is involved, so sequence numbers exist for compaction and the
	// user's message survives any later failure.
	var inbound []*session.Event
	if existed && resetDue(cfg, sess) {
		inbound = append(inbound, &session.Event{Kind: session.KindSystemNote, Note: "reset", Text: "context reset"})
		L_info("agent: session context reset", "session", sessionKey)
	}
	inbound = append(inbound, &session.Event{
		Kind: session.KindUserMessage,
		Text: env.Text,
		From: env.FromDisplay,
	})
	if err := r.store.Append(sessionKey, inbound...); err != nil {
		r.fail(emitter, sessionKey, CodeInternal, err)
		return
	}
	for _, ev := range inbound {
		sess.Events = append(sess.Events, *ev)
	}

	// Compact before the LLM call when the estimate overflows.
	est := r.store.Estimator()
	compactor := session.NewCompactor(session.CompactorConfig{
		ContextWindowTokens: cfg.Session.ContextWindowTokens,
	}, est, r.summarizeFn(cfg, agentCfg))

	if compactor.ShouldCompact(sess.EstimateTokens(est)) {
		emitter.Lifecycle("compaction")
		marker, err := compactor.Compact(ctx, sess)
		if err != nil {
			code := CodeInternal
			if errors.Is(err, session.ErrCompactionIneffective) {
				code = CodeCompactionIneffective
			}
			r.fail(emitter, sessionKey, code, err)
			return
		}
		if err := r.store.Append(sessionKey, marker); err != nil {
			r.fail(emitter, sessionKey, CodeInternal, err)
			return
		}
		sess.Events = append(sess.Events, *marker)
	}

	var pending []*session.Event

	// Model selection: session override, agent primary, fallbacks,
	// global default.
	refs := modelChain(cfg, agentCfg, sess.Overrides)
	ref, providerCfg, err := r.firstLiveModel(cfg, refs)
	if err != nil {
		r.persist(sessionKey, pending)
		r.fail(emitter, sessionKey, CodeProviderUnavailable, err)
		return
	}

	thinking := llm.ParseThinkingLevel(agentCfg.ThinkingLevel)
	if sess.Overrides.ThinkingLevel != "" {
		thinking = llm.ParseThinkingLevel(sess.Overrides.ThinkingLevel)
	}

	systemPrompt := r.prompts.System(agentCfg)
	messages := buildMessages(sess, env)

	maxSteps := agentCfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	var finalText string
	var completed bool
	tctx := ToolContext{SessionKey: sessionKey, Workspace: agentCfg.Workspace, RunID: runID}

	for step := 0; step < maxSteps; step++ {
		if ctx.Err() != nil {
			r.finishAborted(emitter, sessionKey, pending)
			return
		}

		emitter.Lifecycle("llm_call")
		resp, err := r.callLLM(ctx, cfg, ref, providerCfg, sess.Overrides, messages, systemPrompt, thinking, emitter)
		if err != nil {
			if ctx.Err() != nil {
				r.finishAborted(emitter, sessionKey, pending)
				return
			}
			r.persist(sessionKey, pending)
			r.fail(emitter, sessionKey, CodeProviderUnavailable, err)
			return
		}

		if resp.Thinking != "" {
			emitter.Emit(RunEvent{Type: EventThought, Text: resp.Thinking})
		}

		if !resp.HasToolUse() {
			finalText = resp.Text
			completed = true
			ev := &session.Event{
				Kind:     session.KindAssistantMessage,
				Text:     resp.Text,
				Model:    ref.Model,
				Provider: ref.Provider,
				InputTok: resp.InputTokens,
				OutTok:   resp.OutputTokens,
			}
			pending = append(pending, ev)
			sess.Events = append(sess.Events, *ev)
			break
		}

		// Tool dispatch: every requested call executes (or is policy-
		// blocked) before the next model turn.
		for _, call := range resp.ToolCalls {
			callEv := &session.Event{
				Kind:      session.KindToolCall,
				ToolName:  call.Name,
				ToolUseID: call.ID,
				ToolInput: call.Input,
				Text:      resp.Text,
			}
			pending = append(pending, callEv)
			sess.Events = append(sess.Events, *callEv)
			messages = append(messages, types.Message{
				Role:      "assistant",
				Content:   resp.Text,
				ToolUseID: call.ID,
				ToolName:  call.Name,
				ToolInput: call.Input,
			})

			policy := policyFor(agentCfg, call.Name)
			result := runTool(ctx, r.tools, r.approvals, emitter, policy,
				ToolCallRequest{ID: call.ID, Name: call.Name, Input: call.Input}, tctx)

			ok := result.OK
			emitter.Emit(RunEvent{
				Type:      EventToolResult,
				ToolName:  call.Name,
				ToolUseID: call.ID,
				OK:        &ok,
				Text:      result.Content,
				Details:   result.Details,
			})
			resEv := &session.Event{
				Kind:      session.KindToolResult,
				ToolName:  call.Name,
				ToolUseID: call.ID,
				Text:      result.Content,
				Details:   result.Details,
				ToolOK:    &ok,
			}
			pending = append(pending, resEv)
			sess.Events = append(sess.Events, *resEv)
			messages = append(messages, types.Message{
				Role:      "tool_result",
				Content:   result.Content,
				ToolUseID: call.ID,
				ToolName:  call.Name,
				IsError:   !result.OK,
			})

			if !result.OK && r.tools.IsFatal(call.Name) {
				r.persist(sessionKey, pending)
				r.fail(emitter, sessionKey, CodeInternal,
					fmt.Errorf("fatal tool %s failed: %s", call.Name, result.Content))
				return
			}
		}
	}

	if !completed {
		// Step limit reached without a final message.
		note := &session.Event{
			Kind: session.KindSystemNote,
			Note: "step_limit",
			Text: fmt.Sprintf("run stopped after %d steps", maxSteps),
		}
		pending = append(pending, note)
		finalText = "I hit my step limit before finishing; ask me to continue."
	}

	if err := r.persist(sessionKey, pending); err != nil {
		r.fail(emitter, sessionKey, CodeInternal, err)
		return
	}

	emitter.Lifecycle("delivering")
	if r.deliver != nil {
		if err := r.deliver(ctx, env, sessionKey, runID, finalText); err != nil {
			L_warn("agent: delivery failed", "session", sessionKey, "run", runID, "error", err)
		}
	}

	emitter.Emit(RunEvent{Type: EventFinal, Reason: "completed", Text: finalText})
}

// persist appends the accumulated delta in one write.
func (r *Runner) persist(sessionKey string, pending []*session.Event) error {
	if len(pending) == 0 {
		return nil
	}
	if err := r.store.Append(sessionKey, pending...); err != nil {
		L_error("agent: failed to persist transcript delta", "session", sessionKey, "error", err)
		return err
	}
	return nil
}

// fail terminates the run with an error event. Run-level errors are also
// persisted as transcript events so clients can render them.
func (r *Runner) fail(emitter *Emitter, sessionKey, code string, err error) {
	L_error("agent: run failed", "session", sessionKey, "code", code, "error", err)
	note := &session.Event{
		Kind: session.KindSystemNote,
		Note: "error",
		Text: fmt.Sprintf("%s: %s", code, llm.ErrorSnippet(err)),
	}
	if appendErr := r.store.Append(sessionKey, note); appendErr != nil && !errors.Is(appendErr, session.ErrSessionNotFound) {
		L_warn("agent: failed to persist error note", "session", sessionKey, "error", appendErr)
	}
	emitter.Emit(RunEvent{
		Type:         EventError,
		ErrorCode:    code,
		ErrorMessage: llm.ErrorSnippet(err),
		Partial:      emitter.Streamed(),
	})
}

// finishAborted drains and terminates a cancelled run.
func (r *Runner) finishAborted(emitter *Emitter, sessionKey string, pending []*session.Event) {
	note := &session.Event{Kind: session.KindSystemNote, Note: "aborted", Text: "run aborted"}
	pending = append(pending, note)
	r.persist(sessionKey, pending)
	emitter.Emit(RunEvent{Type: EventFinal, Reason: "aborted", Partial: emitter.Streamed()})
}

// resetDue applies the idle-window and daily-rollover reset triggers.
func resetDue(cfg *config.Config, sess *session.Session) bool {
	if len(sess.Events) == 0 {
		return false
	}
	last := sess.Events[len(sess.Events)-1].TS
	if cfg.Session.IdleResetMinutes > 0 {
		if time.Since(last) > time.Duration(cfg.Session.IdleResetMinutes)*time.Minute {
			return true
		}
	}
	if cfg.Session.DailyRollover {
		ly, lm, ld := last.Local().Date()
		ny, nm, nd := time.Now().Local().Date()
		if ly != ny || lm != nm || ld != nd {
			return true
		}
	}
	return false
}

// modelChain builds the fallback chain: session override first, then the
// agent's primary and fallbacks, then the global default.
func modelChain(cfg *config.Config, agentCfg *config.AgentConfig, o session.Overrides) []string {
	var refs []string
	if o.Model != "" {
		refs = append(refs, o.Model)
	}
	if agentCfg.Model != "" {
		refs = append(refs, agentCfg.Model)
	}
	refs = append(refs, agentCfg.Fallbacks...)
	if cfg.LLM.DefaultModel != "" {
		refs = append(refs, cfg.LLM.DefaultModel)
	}
	return refs
}

// firstLiveModel walks the chain and returns the first reference whose
// provider is configured and has at least one live auth profile.
func (r *Runner) firstLiveModel(cfg *config.Config, refs []string) (llm.ModelRef, config.ProviderConfig, error) {
	var lastErr error = fmt.Errorf("no models configured")
	for _, raw := range refs {
		ref, err := llm.ParseModelRef(raw)
		if err != nil {
			lastErr = err
			continue
		}
		pcfg, ok := cfg.LLM.Providers[ref.Provider]
		if !ok {
			lastErr = fmt.Errorf("provider %s not configured", ref.Provider)
			continue
		}
		if _, err := r.pool.Select(ref.Provider); err != nil {
			lastErr = fmt.Errorf("provider %s: %w", ref.Provider, err)
			continue
		}
		return ref, pcfg, nil
	}
	return llm.ModelRef{}, config.ProviderConfig{}, lastErr
}

// callLLM makes one streaming LLM call with auth-profile failover:
// transient failures cool the profile down and retry with the next one
// up to the configured bound.
func (r *Runner) callLLM(
	ctx context.Context,
	cfg *config.Config,
	ref llm.ModelRef,
	pcfg config.ProviderConfig,
	overrides session.Overrides,
	messages []types.Message,
	systemPrompt string,
	thinking llm.ThinkingLevel,
	emitter *Emitter,
) (*llm.Response, error) {
	attempts := cfg.LLM.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	timeout := time.Duration(cfg.LLM.CallTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		prof, err := r.selectProfile(ref.Provider, overrides)
		if err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last provider error: %v)", err, lastErr)
			}
			return nil, err
		}

		provider, err := r.newProvider(ref.Provider, pcfg, ref.Model, prof.Key)
		if err != nil {
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := provider.StreamMessage(callCtx, messages, r.tools.Definitions(), systemPrompt,
			emitter.Delta,
			&llm.StreamOptions{
				ThinkingLevel:   thinking,
				OnThinkingDelta: nil,
			})
		cancel()

		if err == nil {
			r.pool.ReportSuccess(prof.ID)
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		etype := llm.Classify(err)
		r.pool.ReportFailure(prof.ID, etype.ProfileClass())
		lastErr = err
		L_warn("agent: llm call failed",
			"provider", ref.Provider, "profile", prof.ID, "class", etype, "attempt", attempt+1, "error", llm.ErrorSnippet(err))

		// Non-transient classes fail fast when no alternative exists;
		// the next Select reports that condition.
	}
	return nil, fmt.Errorf("all profiles exhausted for %s: %w", ref.Provider, lastErr)
}

// selectProfile honors a session's auth-profile override when that
// profile is live, falling back to normal pool selection.
func (r *Runner) selectProfile(provider string, o session.Overrides) (authprofile.Profile, error) {
	if o.AuthProfile != "" {
		if prof, err := r.pool.SelectByID(o.AuthProfile); err == nil {
			return prof, nil
		}
	}
	return r.pool.Select(provider)
}

// policyFor resolves a tool's policy class from the agent config.
// Unlisted tools default to auto.
func policyFor(agentCfg *config.AgentConfig, tool string) PolicyClass {
	for _, name := range agentCfg.Tools.Denied {
		if name == tool || name == "*" {
			return PolicyDenied
		}
	}
	for _, name := range agentCfg.Tools.Approval {
		if name == tool || name == "*" {
			return PolicyApproval
		}
	}
	return PolicyAuto
}

// buildMessages converts the effective transcript to provider messages,
// prepending the envelope header to the newest user turn.
func buildMessages(sess *session.Session, env *types.Envelope) []types.Message {
	effective := sess.EffectiveEvents()
	var messages []types.Message
	for i, ev := range effective {
		switch ev.Kind {
		case session.KindUserMessage:
			text := ev.Text
			if i == len(effective)-1 {
				text = EnvelopeHeader(env)
			}
			messages = append(messages, types.Message{Role: "user", Content: text})
		case session.KindAssistantMessage:
			messages = append(messages, types.Message{Role: "assistant", Content: ev.Text})
		case session.KindToolCall:
			messages = append(messages, types.Message{
				Role:      "assistant",
				Content:   ev.Text,
				ToolUseID: ev.ToolUseID,
				ToolName:  ev.ToolName,
				ToolInput: ev.ToolInput,
			})
		case session.KindToolResult:
			isErr := ev.ToolOK != nil && !*ev.ToolOK
			messages = append(messages, types.Message{
				Role:      "tool_result",
				Content:   ev.Text,
				ToolUseID: ev.ToolUseID,
				ToolName:  ev.ToolName,
				IsError:   isErr,
			})
		case session.KindCompactionMarker:
			messages = append(messages, types.Message{
				Role:    "user",
				Content: "[Conversation summary]\n" + ev.Summary,
			})
		}
	}
	return messages
}

// summarizeFn binds the compactor to the run's provider selection: the
// configured summarizer model when set, otherwise the agent's chain.
func (r *Runner) summarizeFn(cfg *config.Config, agentCfg *config.AgentConfig) session.SummarizeFunc {
	return func(ctx context.Context, text string) (string, error) {
		refs := []string{}
		if cfg.LLM.Summarizer != "" {
			refs = append(refs, cfg.LLM.Summarizer)
		}
		refs = append(refs, modelChain(cfg, agentCfg, session.Overrides{})...)

		ref, pcfg, err := r.firstLiveModel(cfg, refs)
		if err != nil {
			return "", err
		}
		prof, err := r.pool.Select(ref.Provider)
		if err != nil {
			return "", err
		}
		provider, err := r.newProvider(ref.Provider, pcfg, ref.Model, prof.Key)
		if err != nil {
			return "", err
		}
		summary, err := provider.SimpleMessage(ctx, text, session.SummaryPrompt)
		if err != nil {
			r.pool.ReportFailure(prof.ID, llm.Classify(err).ProfileClass())
			return "", err
		}
		r.pool.ReportSuccess(prof.ID)
		return summary, nil
	}
}
