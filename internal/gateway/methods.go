package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sjvermaak/clawgate/internal/agent"
	"github.com/sjvermaak/clawgate/internal/channels"
	"github.com/sjvermaak/clawgate/internal/config"
	"github.com/sjvermaak/clawgate/internal/cron"
	"github.com/sjvermaak/clawgate/internal/llm"
	"github.com/sjvermaak/clawgate/internal/logging"
	"github.com/sjvermaak/clawgate/internal/routing"
	"github.com/sjvermaak/clawgate/internal/rpc"
	"github.com/sjvermaak/clawgate/internal/session"
	"github.com/sjvermaak/clawgate/internal/types"
)

// sessionsRetryDelay is the backoff before the single retry applied to
// sessions.preview on transient persistence errors; the other sessions.*
// methods are not retried.
const sessionsRetryDelay = 100 * time.Millisecond

// registerMethods declares every RPC method with its required scope.
func (g *Gateway) registerMethods() {
	s := g.rpcSrv

	// Session
	s.Register("sessions.list", rpc.ScopeRead, g.rpcSessionsList)
	s.Register("sessions.preview", rpc.ScopeRead, g.rpcSessionsPreview)
	s.Register("sessions.patch", rpc.ScopeWrite, g.rpcSessionsPatch)
	s.Register("sessions.delete", rpc.ScopeWrite, g.rpcSessionsDelete)
	s.Register("sessions.reset", rpc.ScopeWrite, g.rpcSessionsReset)
	s.Register("sessions.compact", rpc.ScopeWrite, g.rpcSessionsCompact)
	s.Register("sessions.resolve", rpc.ScopeRead, g.rpcSessionsResolve)

	// Chat
	s.Register("chat.send", rpc.ScopeWrite, g.rpcChatSend)
	s.Register("chat.history", rpc.ScopeRead, g.rpcChatHistory)
	s.Register("chat.abort", rpc.ScopeWrite, g.rpcChatAbort)
	s.Register("chat.inject", rpc.ScopeWrite, g.rpcChatInject)

	// Agent
	s.Register("agent", rpc.ScopeWrite, g.rpcAgent)
	s.Register("agent.wait", rpc.ScopeRead, g.rpcAgentWait)
	s.Register("agent.identity", rpc.ScopeRead, g.rpcAgentIdentity)

	// Approvals
	s.Register("approvals.resolve", rpc.ScopeApprovals, g.rpcApprovalsResolve)

	// Channels
	s.Register("channels.status", rpc.ScopeRead, g.rpcChannelsStatus)
	s.Register("channels.logout", rpc.ScopeAdmin, g.rpcChannelsLogout)

	// Config
	s.Register("config.get", rpc.ScopeRead, g.rpcConfigGet)
	s.Register("config.set", rpc.ScopeAdmin, g.rpcConfigSet)
	s.Register("config.patch", rpc.ScopeAdmin, g.rpcConfigPatch)
	s.Register("config.apply", rpc.ScopeAdmin, g.rpcConfigApply)
	s.Register("config.schema", rpc.ScopeRead, g.rpcConfigSchema)

	// Cron
	s.Register("cron.list", rpc.ScopeRead, g.rpcCronList)
	s.Register("cron.add", rpc.ScopeWrite, g.rpcCronAdd)
	s.Register("cron.update", rpc.ScopeWrite, g.rpcCronUpdate)
	s.Register("cron.remove", rpc.ScopeWrite, g.rpcCronRemove)
	s.Register("cron.run", rpc.ScopeWrite, g.rpcCronRun)

	// Models / skills
	s.Register("models.list", rpc.ScopeRead, g.rpcModelsList)
	s.Register("skills.status", rpc.ScopeRead, g.rpcSkillsStatus)

	// Nodes / pairing
	s.Register("nodes.list", rpc.ScopeRead, g.rpcNodesList)
	s.Register("nodes.describe", rpc.ScopeRead, g.rpcNodesDescribe)
	s.Register("nodes.invoke", rpc.ScopeWrite, g.rpcNodesInvoke)
	s.Register("nodes.pair.begin", rpc.ScopePairing, g.rpcPairBegin)
	s.Register("nodes.pair.confirm", rpc.ScopePairing, g.rpcPairConfirm)
	s.Register("nodes.pair.revoke", rpc.ScopePairing, g.rpcPairRevoke)
	s.Register("nodes.pair.list", rpc.ScopePairing, g.rpcPairList)

	// System
	s.Register("health", rpc.ScopeRead, g.rpcHealth)
	s.Register("logs.tail", rpc.ScopeAdmin, g.rpcLogsTail)
}

// --- Session methods ---

type sessionSummary struct {
	Key       string    `json:"key"`
	Agent     string    `json:"agent"`
	UpdatedAt time.Time `json:"updatedAt"`
	Tokens    int       `json:"tokens"`
	Events    int       `json:"events"`
}

func (g *Gateway) rpcSessionsList(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		AgentID string `json:"agentId"`
		Limit   int    `json:"limit"`
	}
	json.Unmarshal(params, &p)

	var out []sessionSummary
	for _, item := range g.store.List() {
		key, err := routing.ParseKey(item.Key)
		if err != nil {
			continue
		}
		if p.AgentID != "" && key.Agent != p.AgentID {
			continue
		}
		out = append(out, sessionSummary{
			Key:       item.Key,
			Agent:     key.Agent,
			UpdatedAt: item.Entry.UpdatedAt,
			Tokens:    item.Entry.Tokens,
			Events:    item.Entry.Events,
		})
		if p.Limit > 0 && len(out) >= p.Limit {
			break
		}
	}
	return map[string]any{"sessions": out}, nil
}

func (g *Gateway) rpcSessionsPreview(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Limit      int    `json:"limit"`
	}
	json.Unmarshal(params, &p)
	if p.Limit <= 0 {
		p.Limit = 20
	}

	events, err := g.withSessionsRetry(func() ([]session.Event, error) {
		return g.store.Preview(p.SessionKey, p.Limit)
	})
	if err != nil {
		return nil, sessionErr(err)
	}
	return map[string]any{"events": events}, nil
}

func (g *Gateway) rpcSessionsPatch(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		SessionKey    string  `json:"sessionKey"`
		Model         *string `json:"model"`
		ThinkingLevel *string `json:"thinkingLevel"`
		AuthProfile   *string `json:"authProfile"`
	}
	json.Unmarshal(params, &p)

	if p.ThinkingLevel != nil && *p.ThinkingLevel != "" && !llm.IsValidThinkingLevel(*p.ThinkingLevel) {
		return nil, rpc.FieldErr("thinkingLevel", "invalid thinking level %q", *p.ThinkingLevel)
	}

	g.store.Lock(p.SessionKey)
	defer g.store.Unlock(p.SessionKey)
	sess, err := g.store.Load(p.SessionKey)
	if err != nil {
		return nil, sessionErr(err)
	}
	o := sess.Overrides
	if p.Model != nil {
		o.Model = *p.Model
	}
	if p.ThinkingLevel != nil {
		o.ThinkingLevel = *p.ThinkingLevel
	}
	if p.AuthProfile != nil {
		o.AuthProfile = *p.AuthProfile
	}
	if err := g.store.SetOverrides(p.SessionKey, o); err != nil {
		return nil, sessionErr(err)
	}
	return map[string]any{"overrides": o}, nil
}

func (g *Gateway) rpcSessionsDelete(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Purge      bool   `json:"purge"`
	}
	json.Unmarshal(params, &p)
	if err := g.store.Delete(p.SessionKey, p.Purge); err != nil {
		return nil, sessionErr(err)
	}
	return map[string]any{"deleted": true, "purged": p.Purge}, nil
}

func (g *Gateway) rpcSessionsReset(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	json.Unmarshal(params, &p)
	if err := g.store.Reset(p.SessionKey, "reset via rpc"); err != nil {
		return nil, sessionErr(err)
	}
	return map[string]any{"reset": true}, nil
}

func (g *Gateway) rpcSessionsCompact(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	json.Unmarshal(params, &p)

	cfg := g.cfgm.Current()
	key, err := routing.ParseKey(p.SessionKey)
	if err != nil {
		return nil, rpc.FieldErr("sessionKey", "invalid session key")
	}
	agentCfg := cfg.AgentByID(key.Agent)
	if agentCfg == nil {
		return nil, rpc.Errf(rpc.CodeNotFound, "agent %s not configured", key.Agent)
	}

	g.store.Lock(p.SessionKey)
	defer g.store.Unlock(p.SessionKey)
	sess, err := g.store.Load(p.SessionKey)
	if err != nil {
		return nil, sessionErr(err)
	}

	compactor := session.NewCompactor(session.CompactorConfig{
		ContextWindowTokens: cfg.Session.ContextWindowTokens,
		TriggerRatio:        0.0001, // forced compaction ignores the trigger
	}, g.store.Estimator(), g.runner.SummarizeFunc(cfg, agentCfg))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	marker, err := compactor.Compact(ctx, sess)
	if err != nil {
		if errors.Is(err, session.ErrCompactionIneffective) {
			return nil, rpc.Errf(rpc.CodeCompactionIneffective, "compaction did not reduce tokens")
		}
		return nil, rpc.Errf(rpc.CodeInternalError, "compaction failed: %v", err)
	}
	if err := g.store.Append(p.SessionKey, marker); err != nil {
		return nil, sessionErr(err)
	}
	return map[string]any{
		"tokensBefore": marker.TokensBefore,
		"tokensAfter":  marker.TokensAfter,
	}, nil
}

func (g *Gateway) rpcSessionsResolve(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		Channel  string `json:"channel"`
		Account  string `json:"account"`
		Peer     string `json:"peer"`
		Group    string `json:"group"`
		Thread   string `json:"thread"`
		ChatKind string `json:"chatKind"`
	}
	json.Unmarshal(params, &p)

	env := &types.Envelope{
		Channel:  p.Channel,
		Account:  p.Account,
		Peer:     p.Peer,
		Group:    p.Group,
		Thread:   p.Thread,
		ChatKind: types.ChatKind(p.ChatKind),
	}
	res := routing.Resolve(g.cfgm.Current(), env, g.registry.Normalizer(p.Channel))
	return map[string]any{
		"agentId":    res.AgentID,
		"sessionKey": res.SessionKey,
		"dmPolicy":   res.Policy.DMPolicy,
		"blocked":    res.Blocked,
	}, nil
}

// --- Chat methods ---

func (g *Gateway) rpcChatSend(c *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		SessionKey  string             `json:"sessionKey"`
		AgentID     string             `json:"agentId"`
		Text        string             `json:"text"`
		Attachments []types.Attachment `json:"attachments"`
	}
	json.Unmarshal(params, &p)

	cfg := g.cfgm.Current()
	sessionKey := p.SessionKey
	agentID := p.AgentID
	if sessionKey != "" {
		key, err := routing.ParseKey(sessionKey)
		if err != nil {
			return nil, rpc.FieldErr("sessionKey", "invalid session key")
		}
		agentID = key.Agent
	} else {
		if agentID == "" {
			agentID = cfg.Gateway.DefaultAgent
		}
		if agentID == "" {
			return nil, rpc.FieldErr("agentId", "no agent specified and no default configured")
		}
		sessionKey = routing.SessionKey{Agent: agentID, Scope: "main", Topic: "rpc-" + c.ID}.String()
	}
	if cfg.AgentByID(agentID) == nil {
		return nil, rpc.Errf(rpc.CodeNotFound, "agent %s not configured", agentID)
	}

	env := &types.Envelope{
		Channel:     rpcChannel,
		Account:     c.ID,
		Peer:        c.ID,
		ChatKind:    types.ChatKindDM,
		FromDisplay: "operator",
		Timestamp:   time.Now(),
		Text:        p.Text,
		Attachments: p.Attachments,
	}
	g.runs.noteRoute(sessionKey, agentID)
	runID := g.scheduler.Enqueue(sessionKey, env)
	g.publishChat("inbound", sessionKey, env, "")
	return map[string]any{"runId": runID, "sessionKey": sessionKey}, nil
}

func (g *Gateway) rpcChatHistory(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	return g.rpcSessionsPreview(nil, params)
}

func (g *Gateway) rpcChatAbort(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		SessionKey  string `json:"sessionKey"`
		RunID       string `json:"runId"`
		DropPending bool   `json:"drop_pending"`
	}
	json.Unmarshal(params, &p)

	if p.SessionKey == "" && p.RunID == "" {
		return nil, rpc.FieldErr("sessionKey", "sessionKey or runId required")
	}

	runID := p.RunID
	var result = struct {
		Aborted      bool `json:"aborted"`
		DroppedQueue int  `json:"droppedQueue"`
		Drained      bool `json:"drained"`
	}{}

	if runID != "" {
		r := g.scheduler.AbortRun(runID, p.DropPending)
		result.Aborted, result.DroppedQueue = r.Aborted, r.DroppedQueue
	} else {
		if active, ok := g.scheduler.ActiveRun(p.SessionKey); ok {
			runID = active
		}
		r := g.scheduler.Abort(p.SessionKey, p.DropPending)
		result.Aborted, result.DroppedQueue = r.Aborted, r.DroppedQueue
	}

	// drop_pending aborts await drain so the caller knows the lane is
	// quiet; plain aborts are fire-and-forget.
	if p.DropPending && result.Aborted && runID != "" {
		_, result.Drained = g.runs.wait(runID, 15*time.Second)
	}
	return result, nil
}

func (g *Gateway) rpcChatInject(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Text       string `json:"text"`
	}
	json.Unmarshal(params, &p)

	g.store.Lock(p.SessionKey)
	defer g.store.Unlock(p.SessionKey)
	err := g.store.Append(p.SessionKey, &session.Event{
		Kind: session.KindSystemNote,
		Note: "inject",
		Text: p.Text,
	})
	if err != nil {
		return nil, sessionErr(err)
	}
	return map[string]any{"injected": true}, nil
}

// --- Agent methods ---

func (g *Gateway) rpcAgent(c *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	return g.rpcChatSend(c, params)
}

func (g *Gateway) rpcAgentWait(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		RunID     string `json:"runId"`
		TimeoutMs int    `json:"timeoutMs"`
	}
	json.Unmarshal(params, &p)
	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	if timeout <= 0 || timeout > 25*time.Second {
		timeout = 25 * time.Second
	}

	ev, ok := g.runs.wait(p.RunID, timeout)
	if !ok {
		return nil, rpc.Errf(rpc.CodeAgentTimeout, "run %s did not finish in time", p.RunID)
	}
	return map[string]any{"event": ev}, nil
}

func (g *Gateway) rpcAgentIdentity(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		AgentID string `json:"agentId"`
	}
	json.Unmarshal(params, &p)

	cfg := g.cfgm.Current()
	if p.AgentID == "" {
		p.AgentID = cfg.Gateway.DefaultAgent
	}
	a := cfg.AgentByID(p.AgentID)
	if a == nil {
		return nil, rpc.Errf(rpc.CodeNotFound, "agent %s not configured", p.AgentID)
	}
	return map[string]any{
		"agentId":       a.ID,
		"model":         a.Model,
		"fallbacks":     a.Fallbacks,
		"thinkingLevel": a.ThinkingLevel,
		"workspace":     a.Workspace,
	}, nil
}

func (g *Gateway) rpcApprovalsResolve(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		ApprovalID string `json:"approvalId"`
		Approved   bool   `json:"approved"`
		Reason     string `json:"reason"`
	}
	json.Unmarshal(params, &p)

	if err := g.approvals.Resolve(p.ApprovalID, agent.Resolution{Approved: p.Approved, Reason: p.Reason}); err != nil {
		return nil, rpc.Errf(rpc.CodeNotFound, "%v", err)
	}
	return map[string]any{"resolved": true}, nil
}

// --- Channels ---

func (g *Gateway) rpcChannelsStatus(_ *rpc.Conn, _ json.RawMessage) (any, *rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return map[string]any{"channels": g.registry.Status(ctx)}, nil
}

func (g *Gateway) rpcChannelsLogout(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		Channel string `json:"channel"`
	}
	json.Unmarshal(params, &p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.registry.Logout(ctx, p.Channel); err != nil {
		if errors.Is(err, channels.ErrChannelNotLinked) {
			return nil, rpc.Errf(rpc.CodeChannelNotLinked, "channel %s not linked", p.Channel)
		}
		return nil, rpc.Errf(rpc.CodeInternalError, "%v", err)
	}
	return map[string]any{"loggedOut": true}, nil
}

// --- Config ---

func (g *Gateway) rpcConfigGet(_ *rpc.Conn, _ json.RawMessage) (any, *rpc.Error) {
	return g.cfgm.Current(), nil
}

func (g *Gateway) rpcConfigSet(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		YAML string `json:"yaml"`
		Path string `json:"path"`
	}
	json.Unmarshal(params, &p)
	if p.YAML == "" {
		return nil, rpc.FieldErr("yaml", "yaml config body required")
	}
	// Validate before touching disk.
	var probe config.Config
	if err := yaml.Unmarshal([]byte(p.YAML), &probe); err != nil {
		return nil, rpc.FieldErr("yaml", "invalid yaml: %v", err)
	}
	path := g.cfgm.Path()
	if err := config.AtomicWrite(path, []byte(p.YAML), 0640); err != nil {
		return nil, rpc.Errf(rpc.CodeInternalError, "failed to write config: %v", err)
	}
	if err := g.cfgm.Reload(); err != nil {
		return nil, rpc.Errf(rpc.CodeInvalidRequest, "config rejected: %v", err)
	}
	return map[string]any{"applied": true}, nil
}

func (g *Gateway) rpcConfigPatch(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		Patch map[string]any `json:"patch"`
	}
	json.Unmarshal(params, &p)
	if len(p.Patch) == 0 {
		return nil, rpc.FieldErr("patch", "patch object required")
	}

	path := g.cfgm.Path()
	current := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		yaml.Unmarshal(data, &current)
	}
	deepMerge(current, p.Patch)

	out, err := yaml.Marshal(current)
	if err != nil {
		return nil, rpc.Errf(rpc.CodeInternalError, "failed to render config: %v", err)
	}
	if err := config.AtomicWrite(path, out, 0640); err != nil {
		return nil, rpc.Errf(rpc.CodeInternalError, "failed to write config: %v", err)
	}
	if err := g.cfgm.Reload(); err != nil {
		return nil, rpc.Errf(rpc.CodeInvalidRequest, "config rejected: %v", err)
	}
	return map[string]any{"applied": true}, nil
}

func (g *Gateway) rpcConfigApply(_ *rpc.Conn, _ json.RawMessage) (any, *rpc.Error) {
	if err := g.cfgm.Reload(); err != nil {
		return nil, rpc.Errf(rpc.CodeInvalidRequest, "config rejected: %v", err)
	}
	return map[string]any{"applied": true}, nil
}

func (g *Gateway) rpcConfigSchema(_ *rpc.Conn, _ json.RawMessage) (any, *rpc.Error) {
	return configSchema, nil
}

// --- Cron ---

func (g *Gateway) rpcCronList(_ *rpc.Conn, _ json.RawMessage) (any, *rpc.Error) {
	return map[string]any{"jobs": g.cron.List()}, nil
}

func (g *Gateway) rpcCronAdd(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		ID       string `json:"id"`
		Schedule string `json:"schedule"`
		AgentID  string `json:"agentId"`
		Text     string `json:"text"`
		Enabled  *bool  `json:"enabled"`
	}
	json.Unmarshal(params, &p)

	if g.cfgm.Current().AgentByID(p.AgentID) == nil {
		return nil, rpc.Errf(rpc.CodeNotFound, "agent %s not configured", p.AgentID)
	}
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	job, err := g.cron.Add(cron.Job{
		ID: p.ID, Schedule: p.Schedule, AgentID: p.AgentID, Text: p.Text, Enabled: enabled,
	})
	if err != nil {
		return nil, rpc.Errf(rpc.CodeInvalidRequest, "%v", err)
	}
	return map[string]any{"job": job}, nil
}

func (g *Gateway) rpcCronUpdate(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		ID       string  `json:"id"`
		Schedule *string `json:"schedule"`
		Text     *string `json:"text"`
		Enabled  *bool   `json:"enabled"`
	}
	json.Unmarshal(params, &p)

	job, err := g.cron.Update(p.ID, p.Schedule, p.Text, p.Enabled)
	if err != nil {
		return nil, cronErr(err)
	}
	return map[string]any{"job": job}, nil
}

func (g *Gateway) rpcCronRemove(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		ID string `json:"id"`
	}
	json.Unmarshal(params, &p)
	if err := g.cron.Remove(p.ID); err != nil {
		return nil, cronErr(err)
	}
	return map[string]any{"removed": true}, nil
}

func (g *Gateway) rpcCronRun(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		ID string `json:"id"`
	}
	json.Unmarshal(params, &p)
	if err := g.cron.Run(p.ID); err != nil {
		return nil, cronErr(err)
	}
	return map[string]any{"started": true}, nil
}

// --- Models / skills / nodes / system ---

func (g *Gateway) rpcModelsList(_ *rpc.Conn, _ json.RawMessage) (any, *rpc.Error) {
	cfg := g.cfgm.Current()
	providers := make(map[string]any, len(cfg.LLM.Providers))
	for alias, pc := range cfg.LLM.Providers {
		providers[alias] = map[string]any{
			"type":     pc.Type,
			"baseURL":  pc.BaseURL,
			"profiles": len(g.pool.Status(alias)),
		}
	}
	refs := map[string]bool{}
	for _, a := range cfg.Agents {
		if a.Model != "" {
			refs[a.Model] = true
		}
		for _, f := range a.Fallbacks {
			refs[f] = true
		}
	}
	if cfg.LLM.DefaultModel != "" {
		refs[cfg.LLM.DefaultModel] = true
	}
	models := make([]string, 0, len(refs))
	for ref := range refs {
		models = append(models, ref)
	}
	return map[string]any{"providers": providers, "models": models}, nil
}

func (g *Gateway) rpcSkillsStatus(_ *rpc.Conn, _ json.RawMessage) (any, *rpc.Error) {
	cfg := g.cfgm.Current()
	type skillStatus struct {
		Agent   string `json:"agent"`
		Skill   string `json:"skill"`
		Present bool   `json:"present"`
	}
	var out []skillStatus
	for _, a := range cfg.Agents {
		for _, skill := range a.Skills {
			_, err := os.Stat(skill)
			out = append(out, skillStatus{Agent: a.ID, Skill: skill, Present: err == nil})
		}
	}
	return map[string]any{"skills": out}, nil
}

func (g *Gateway) rpcNodesList(_ *rpc.Conn, _ json.RawMessage) (any, *rpc.Error) {
	// Companion nodes register over pairing; none are built in.
	return map[string]any{"nodes": []any{}}, nil
}

func (g *Gateway) rpcNodesDescribe(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		NodeID string `json:"nodeId"`
	}
	json.Unmarshal(params, &p)
	return nil, rpc.Errf(rpc.CodeNotFound, "node %s not registered", p.NodeID)
}

func (g *Gateway) rpcNodesInvoke(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		NodeID string `json:"nodeId"`
	}
	json.Unmarshal(params, &p)
	return nil, rpc.Errf(rpc.CodeNotFound, "node %s not registered", p.NodeID)
}

func (g *Gateway) rpcPairBegin(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		Channel string `json:"channel"`
		Peer    string `json:"peer"`
	}
	json.Unmarshal(params, &p)
	if p.Channel == "" || p.Peer == "" {
		return nil, rpc.FieldErr("peer", "channel and peer required")
	}
	code, err := g.pairing.Begin(p.Channel, p.Peer)
	if err != nil {
		return nil, rpc.Errf(rpc.CodeInternalError, "failed to mint pairing code")
	}
	return map[string]any{"code": code}, nil
}

func (g *Gateway) rpcPairConfirm(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		Code string `json:"code"`
	}
	json.Unmarshal(params, &p)
	if err := g.pairing.Confirm(p.Code); err != nil {
		return nil, rpc.Errf(rpc.CodeNotFound, "%v", err)
	}
	return map[string]any{"paired": true}, nil
}

func (g *Gateway) rpcPairRevoke(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		Channel string `json:"channel"`
		Peer    string `json:"peer"`
	}
	json.Unmarshal(params, &p)
	g.pairing.Revoke(p.Channel, p.Peer)
	return map[string]any{"revoked": true}, nil
}

func (g *Gateway) rpcPairList(_ *rpc.Conn, _ json.RawMessage) (any, *rpc.Error) {
	return map[string]any{"paired": g.pairing.List()}, nil
}

func (g *Gateway) rpcHealth(_ *rpc.Conn, _ json.RawMessage) (any, *rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return map[string]any{
		"status":      "ok",
		"uptimeMs":    time.Since(g.startTime).Milliseconds(),
		"inFlight":    g.scheduler.InFlight(),
		"connections": g.rpcSrv.Bus().Count(),
		"channels":    g.registry.Status(ctx),
	}, nil
}

func (g *Gateway) rpcLogsTail(_ *rpc.Conn, params json.RawMessage) (any, *rpc.Error) {
	var p struct {
		Lines int `json:"lines"`
	}
	json.Unmarshal(params, &p)
	if p.Lines <= 0 {
		p.Lines = 100
	}
	return map[string]any{"lines": logging.Tail(p.Lines)}, nil
}

// --- helpers ---

// withSessionsRetry retries a sessions.* persistence operation once on
// transient errors.
func (g *Gateway) withSessionsRetry(fn func() ([]session.Event, error)) ([]session.Event, error) {
	events, err := fn()
	if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		time.Sleep(sessionsRetryDelay)
		events, err = fn()
	}
	return events, err
}

func sessionErr(err error) *rpc.Error {
	if errors.Is(err, session.ErrSessionNotFound) {
		return rpc.Errf(rpc.CodeNotFound, "session not found")
	}
	return &rpc.Error{Code: rpc.CodeServiceUnavailable, Message: fmt.Sprintf("session store: %v", err), Retryable: true}
}

func cronErr(err error) *rpc.Error {
	if errors.Is(err, cron.ErrJobNotFound) {
		return rpc.Errf(rpc.CodeNotFound, "cron job not found")
	}
	return rpc.Errf(rpc.CodeInvalidRequest, "%v", err)
}

// deepMerge merges src into dst recursively; non-map values overwrite.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if srcMap, ok := v.(map[string]any); ok {
			if dstMap, ok := dst[k].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[k] = v
	}
}

// configSchema is the config.schema payload: enough structure for a
// client to render a settings form.
var configSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"gateway": map[string]any{"type": "object"},
		"agents": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []string{"id", "model"},
				"properties": map[string]any{
					"id":            map[string]any{"type": "string"},
					"model":         map[string]any{"type": "string"},
					"thinkingLevel": map[string]any{"enum": config.ThinkingLevels},
				},
			},
		},
		"bindings": map[string]any{"type": "array"},
		"channels": map[string]any{"type": "object"},
		"session":  map[string]any{"type": "object"},
		"llm":      map[string]any{"type": "object"},
		"media":    map[string]any{"type": "object"},
		"cron":     map[string]any{"type": "object"},
		"auth":     map[string]any{"type": "object"},
	},
}
