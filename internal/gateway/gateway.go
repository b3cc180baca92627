// Package gateway is the central service layer: it routes inbound
// envelopes to agent sessions, schedules runs, fans out events and
// serves the RPC control plane.
package gateway

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sjvermaak/clawgate/internal/agent"
	"github.com/sjvermaak/clawgate/internal/authprofile"
	"github.com/sjvermaak/clawgate/internal/channels"
	"github.com/sjvermaak/clawgate/internal/config"
	"github.com/sjvermaak/clawgate/internal/cron"
	"github.com/sjvermaak/clawgate/internal/lanes"
	. "github.com/sjvermaak/clawgate/internal/logging"
	"github.com/sjvermaak/clawgate/internal/media"
	"github.com/sjvermaak/clawgate/internal/outbound"
	"github.com/sjvermaak/clawgate/internal/routing"
	"github.com/sjvermaak/clawgate/internal/rpc"
	"github.com/sjvermaak/clawgate/internal/session"
	"github.com/sjvermaak/clawgate/internal/tools"
	"github.com/sjvermaak/clawgate/internal/types"
)

// Version is stamped by the build.
var Version = "0.1.0"

// rpcChannel marks envelopes originating from control-plane clients;
// their replies travel over the event bus, not a channel plugin.
const rpcChannel = "rpc"

// Gateway owns all process-wide state: the config snapshot pointer, the
// auth profile pool, the session and media stores, the channel registry
// and the RPC listener. Construction is dependency order; Stop tears
// down in reverse with a drain deadline.
type Gateway struct {
	cfgm      *config.Manager
	store     *session.Store
	pool      *authprofile.Pool
	registry  *channels.Registry
	media     *media.Store
	fetcher   *media.Fetcher
	deliverer *outbound.Deliverer
	scheduler *lanes.Scheduler
	debounce  *lanes.Debouncer
	runner    *agent.Runner
	tools     *agent.ToolRegistry
	approvals *agent.Approvals
	rpcSrv    *rpc.Server
	cron      *cron.Service
	pairing   *PairingStore
	runs      *runTracker

	startTime time.Time
	mediaStop chan struct{}
}

// New constructs the gateway in dependency order.
func New(cfgm *config.Manager) (*Gateway, error) {
	cfg := cfgm.Current()

	store, err := session.NewStore(cfg.Session.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	pool, err := authprofile.Load(cfg.LLM.ProfileStore)
	if err != nil {
		return nil, fmt.Errorf("failed to load auth profiles: %w", err)
	}

	mediaStore, err := media.NewStore(cfg.Media.Dir, time.Duration(cfg.Media.TTLHours)*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("failed to open media store: %w", err)
	}

	g := &Gateway{
		cfgm:      cfgm,
		store:     store,
		pool:      pool,
		registry:  channels.NewRegistry(),
		media:     mediaStore,
		tools:     agent.NewToolRegistry(),
		approvals: agent.NewApprovals(),
		runs:      newRunTracker(),
		startTime: time.Now(),
		mediaStop: make(chan struct{}),
	}

	g.fetcher = media.NewFetcher(mediaStore,
		cfg.Media.MaxFetchBytes,
		time.Duration(cfg.Media.FetchTimeoutSec)*time.Second,
		cfg.Media.AllowPrivateNets)

	g.deliverer = outbound.NewDeliverer(g.registry, mediaStore)

	pairingPath := filepath.Join(cfg.Session.Dir, "pairing.json")
	g.pairing, err = LoadPairingStore(pairingPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load pairing store: %w", err)
	}

	g.rpcSrv = rpc.NewServer(cfgm, Version, g.snapshotPayload)

	g.runner = agent.NewRunner(store, pool, g.tools, g.approvals, &busSink{g: g}, g.deliverFinal)

	evict := time.Duration(cfg.Session.IdleEvictMinutes) * time.Minute
	g.scheduler = lanes.NewScheduler(cfg.Gateway.MaxConcurrentRuns, evict, g.dispatchRun)
	g.debounce = lanes.NewDebouncer(g.enqueueResolved)

	g.cron, err = cron.NewService(cfg.Cron.StorePath, g.cronTrigger)
	if err != nil {
		return nil, fmt.Errorf("failed to load cron store: %w", err)
	}

	g.registerMethods()
	return g, nil
}

// Registry exposes the channel registry for plugin registration.
func (g *Gateway) Registry() *channels.Registry { return g.registry }

// Tools exposes the tool registry for tool registration.
func (g *Gateway) Tools() *agent.ToolRegistry { return g.tools }

// RegisterBuiltinTools wires the built-in tools against the gateway's
// media and delivery infrastructure.
func (g *Gateway) RegisterBuiltinTools() error {
	if err := g.tools.Register(&tools.WebFetchTool{Fetcher: g.fetcher, Store: g.media}); err != nil {
		return err
	}
	return g.tools.Register(&tools.MessageTool{Deliverer: g.deliverer})
}

// Start brings up channels, cron, media GC and the RPC listener.
func (g *Gateway) Start(ctx context.Context) error {
	g.registry.StartAll(ctx, g.HandleInbound)
	g.cron.Start()
	g.media.StartGC(time.Hour, g.mediaStop)
	if err := g.rpcSrv.Start(); err != nil {
		return err
	}
	L_info("gateway: started", "agents", len(g.cfgm.Current().Agents))
	return nil
}

// Stop tears down in reverse construction order, draining runs first.
func (g *Gateway) Stop() {
	SetShuttingDown()
	cfg := g.cfgm.Current()

	drain := time.Duration(cfg.Gateway.DrainDeadlineSec) * time.Second
	if drain <= 0 {
		drain = 20 * time.Second
	}
	g.rpcSrv.Shutdown(int(drain.Milliseconds()))
	g.debounce.Close()
	g.scheduler.Drain(drain)
	g.cron.Stop()
	close(g.mediaStop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g.registry.StopAll(ctx)
	L_info("gateway: stopped")
}

// HandleInbound is the single entry point for normalized envelopes from
// channel plugins.
func (g *Gateway) HandleInbound(env *types.Envelope) {
	cfg := g.cfgm.Current()
	res := routing.Resolve(cfg, env, g.registry.Normalizer(env.Channel))

	if res.Blocked {
		// Silently discard: a log event, no user-visible error, no
		// transcript.
		L_info("gateway: envelope blocked",
			"channel", env.Channel, "peer", env.Peer, "reason", res.BlockReason)
		return
	}

	if res.Policy.DMPolicy == config.DMPolicyPairing &&
		env.ChatKind == types.ChatKindDM && !g.pairing.Paired(env.Channel, env.Peer) {
		L_info("gateway: unpaired peer discarded", "channel", env.Channel, "peer", env.Peer)
		return
	}

	window := cfg.Channel(env.Channel).DebounceWindow()
	g.runs.noteRoute(res.SessionKey, res.AgentID)
	g.debounce.Add(res.SessionKey, env, window)
}

// enqueueResolved receives post-debounce envelopes.
func (g *Gateway) enqueueResolved(sessionKey string, env *types.Envelope) {
	g.scheduler.Enqueue(sessionKey, env)
	g.publishChat("inbound", sessionKey, env, "")
}

// dispatchRun executes one run with the snapshot captured at dispatch
// time; the run keeps it even if config reloads mid-flight.
func (g *Gateway) dispatchRun(ctx context.Context, sessionKey string, env *types.Envelope, runID string) {
	cfg := g.cfgm.Current()
	agentID := g.runs.agentFor(sessionKey)
	if agentID == "" {
		// Lane survived a config swap that removed its route; re-resolve.
		res := routing.Resolve(cfg, env, g.registry.Normalizer(env.Channel))
		if res.Blocked {
			L_warn("gateway: dropping queued envelope, no route", "session", sessionKey)
			return
		}
		agentID = res.AgentID
	}
	g.runs.start(runID, sessionKey)
	defer g.runs.finish(runID)
	g.runner.Run(ctx, cfg, agentID, sessionKey, env, runID)
}

// deliverFinal routes the finished assistant message back out the
// originating channel.
func (g *Gateway) deliverFinal(ctx context.Context, env *types.Envelope, sessionKey, runID, text string) error {
	g.publishChat("outbound", sessionKey, env, text)
	if env.Channel == rpcChannel || env.Channel == "cron" {
		return nil
	}
	_, err := g.deliverer.Deliver(ctx, env.Channel, env.Account, env.Target(), outbound.AssistantMessage{
		RunID:   runID,
		Text:    text,
		ReplyTo: env.ReplyTo,
	})
	return err
}

// cronTrigger injects a job's text as a synthetic envelope.
func (g *Gateway) cronTrigger(job cron.Job) error {
	cfg := g.cfgm.Current()
	if cfg.AgentByID(job.AgentID) == nil {
		return fmt.Errorf("agent %s not configured", job.AgentID)
	}
	key := routing.SessionKey{Agent: job.AgentID, Scope: "main", Topic: "cron-" + job.ID}.String()
	env := &types.Envelope{
		Channel:     "cron",
		ChatKind:    types.ChatKindDM,
		FromDisplay: "cron",
		Timestamp:   time.Now(),
		Text:        job.Text,
	}
	g.runs.noteRoute(key, job.AgentID)
	g.scheduler.Enqueue(key, env)
	return nil
}

// publishChat emits normalized chat notifications on the event bus.
func (g *Gateway) publishChat(direction, sessionKey string, env *types.Envelope, text string) {
	payload := map[string]any{
		"direction":  direction,
		"sessionKey": sessionKey,
		"channel":    env.Channel,
		"peer":       env.Peer,
	}
	if direction == "inbound" {
		payload["text"] = env.Text
	} else {
		payload["text"] = text
	}
	g.rpcSrv.Bus().Publish(rpc.EventChat, payload, false, nil)
}

// snapshotPayload is sent in hello_ok and as the post-handshake snapshot
// event.
func (g *Gateway) snapshotPayload() any {
	cfg := g.cfgm.Current()
	agents := make([]string, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		agents = append(agents, a.ID)
	}
	return map[string]any{
		"uptimeMs": time.Since(g.startTime).Milliseconds(),
		"agents":   agents,
		"sessions": len(g.store.List()),
		"channels": g.registry.Status(context.Background()),
	}
}

// busSink adapts run events onto the RPC event bus and the run tracker.
type busSink struct{ g *Gateway }

func (s *busSink) Emit(ev agent.RunEvent) {
	s.g.runs.observe(ev)
	s.g.rpcSrv.Bus().Publish(rpc.EventAgent, ev, ev.Critical(), nil)
}
