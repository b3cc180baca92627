package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sjvermaak/clawgate/internal/authprofile"
	"github.com/sjvermaak/clawgate/internal/config"
	"github.com/sjvermaak/clawgate/internal/llm"
	"github.com/sjvermaak/clawgate/internal/session"
	"github.com/sjvermaak/clawgate/internal/types"
)

// scriptedProvider plays back canned responses and can fail per profile
// key to exercise failover.
type scriptedProvider struct {
	alias     string
	model     string
	apiKey    string
	script    *providerScript
}

type providerScript struct {
	mu        sync.Mutex
	failKeys  map[string]error // api key -> error to return
	responses []*llm.Response
	calls     []string // api keys in call order
}

func (p *scriptedProvider) Name() string       { return p.alias }
func (p *scriptedProvider) Type() string       { return "scripted" }
func (p *scriptedProvider) Model() string      { return p.model }
func (p *scriptedProvider) ContextTokens() int { return 200000 }

func (p *scriptedProvider) SimpleMessage(_ context.Context, _, _ string) (string, error) {
	return "summary", nil
}

func (p *scriptedProvider) StreamMessage(_ context.Context, _ []types.Message, _ []types.ToolDefinition, _ string, onDelta func(string), _ *llm.StreamOptions) (*llm.Response, error) {
	s := p.script
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, p.apiKey)
	if err, ok := s.failKeys[p.apiKey]; ok {
		return nil, err
	}
	if len(s.responses) == 0 {
		return &llm.Response{Text: "done", StopReason: "end_turn"}, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	if onDelta != nil && resp.Text != "" {
		onDelta(resp.Text)
	}
	return resp, nil
}

type runnerFixture struct {
	runner *Runner
	store  *session.Store
	pool   *authprofile.Pool
	sink   *captureSink
	script *providerScript
	cfg    *config.Config
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	store, err := session.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	pool, err := authprofile.Load("")
	if err != nil {
		t.Fatal(err)
	}
	pool.Add(&authprofile.Profile{ID: "p1", Provider: "test", Key: "k1"})

	cfg := config.Default()
	cfg.Agents = []config.AgentConfig{{ID: "a1", Model: "test/model-1"}}
	cfg.LLM.Providers = map[string]config.ProviderConfig{"test": {Type: "anthropic"}}
	cfg.LLM.MaxRetries = 3

	sink := &captureSink{}
	script := &providerScript{failKeys: map[string]error{}}

	f := &runnerFixture{store: store, pool: pool, sink: sink, script: script, cfg: cfg}
	f.runner = NewRunner(store, pool, NewToolRegistry(), NewApprovals(), sink, nil)
	f.runner.newProvider = func(alias string, _ config.ProviderConfig, model, apiKey string) (llm.Provider, error) {
		return &scriptedProvider{alias: alias, model: model, apiKey: apiKey, script: script}, nil
	}
	return f
}

func dmEnv(text string) *types.Envelope {
	return &types.Envelope{
		Channel: "x", Account: "acc", Peer: "u1",
		ChatKind: types.ChatKindDM, Text: text, Timestamp: time.Now(),
	}
}

func (f *runnerFixture) run(t *testing.T, key, text string) {
	t.Helper()
	f.runner.Run(context.Background(), f.cfg, "a1", key, dmEnv(text), "run-"+text)
}

func TestRunHappyPath(t *testing.T) {
	f := newRunnerFixture(t)
	key := "agent:a1:peer:x:acc:u1"
	f.script.responses = []*llm.Response{{Text: "hello there", StopReason: "end_turn"}}

	f.run(t, key, "hi")

	sess, err := f.store.Load(key)
	if err != nil {
		t.Fatalf("session not created: %v", err)
	}
	var userText, assistantText string
	for _, ev := range sess.Events {
		switch ev.Kind {
		case session.KindUserMessage:
			userText = ev.Text
		case session.KindAssistantMessage:
			assistantText = ev.Text
		}
	}
	if userText != "hi" {
		t.Errorf("user event text = %q, want hi", userText)
	}
	if assistantText != "hello there" {
		t.Errorf("assistant event text = %q", assistantText)
	}

	events := f.sink.all()
	last := events[len(events)-1]
	if last.Type != EventFinal || last.Reason != "completed" {
		t.Errorf("terminal event = %+v", last)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq != events[i-1].Seq+1 {
			t.Errorf("seq gap at %d: %d -> %d", i, events[i-1].Seq, events[i].Seq)
		}
	}
}

func TestRunProfileFailover(t *testing.T) {
	f := newRunnerFixture(t)
	// p2 carries a later last_used so selection deterministically tries
	// p1 first while it is live.
	f.pool.Add(&authprofile.Profile{ID: "p2", Provider: "test", Key: "k2",
		LastUsed: time.Now().Add(time.Hour)})
	f.script.failKeys["k1"] = errors.New("429 too many requests")
	f.script.responses = []*llm.Response{{Text: "via p2", StopReason: "end_turn"}}

	key := "agent:a1:peer:x:acc:u1"
	f.run(t, key, "hi")

	events := f.sink.all()
	last := events[len(events)-1]
	if last.Type != EventFinal {
		t.Fatalf("run should succeed via second profile, got %+v", last)
	}

	// p1 cooled down.
	for _, st := range f.pool.Status("test") {
		if st.ID == "p1" && !st.CooldownUntil.After(time.Now()) {
			t.Error("p1 should be in cooldown after rate limit")
		}
	}

	// A second run is served by p2 while p1 cools down.
	f.script.responses = []*llm.Response{{Text: "again", StopReason: "end_turn"}}
	before := len(f.script.calls)
	f.run(t, key, "again")
	for _, apiKey := range f.script.calls[before:] {
		if apiKey == "k1" {
			t.Error("cooled-down profile used within cooldown window")
		}
	}
}

func TestRunAllProfilesExhausted(t *testing.T) {
	f := newRunnerFixture(t)
	f.script.failKeys["k1"] = errors.New("429 too many requests")

	f.run(t, "agent:a1:peer:x:acc:u1", "hi")

	events := f.sink.all()
	last := events[len(events)-1]
	if last.Type != EventError || last.ErrorCode != CodeProviderUnavailable {
		t.Errorf("terminal = %+v, want error provider_unavailable", last)
	}
}

func TestRunToolLoop(t *testing.T) {
	f := newRunnerFixture(t)

	echo := &echoTool{}
	if err := f.runner.tools.Register(echo); err != nil {
		t.Fatal(err)
	}

	f.script.responses = []*llm.Response{
		{
			StopReason: "tool_use",
			ToolCalls:  []llm.ToolCall{{ID: "t1", Name: "echo", Input: json.RawMessage(`{"text":"ping"}`)}},
		},
		{Text: "tool said ping", StopReason: "end_turn"},
	}

	key := "agent:a1:peer:x:acc:u1"
	f.run(t, key, "use the tool")

	sess, _ := f.store.Load(key)
	kinds := map[session.Kind]int{}
	for _, ev := range sess.Events {
		kinds[ev.Kind]++
	}
	if kinds[session.KindToolCall] != 1 || kinds[session.KindToolResult] != 1 {
		t.Errorf("tool events = %+v", kinds)
	}

	var sawCall, sawResult bool
	for _, ev := range f.sink.all() {
		if ev.Type == EventToolCall && ev.ToolName == "echo" {
			sawCall = true
		}
		if ev.Type == EventToolResult && ev.OK != nil && *ev.OK {
			sawResult = true
		}
	}
	if !sawCall || !sawResult {
		t.Errorf("streamed tool events: call=%v result=%v", sawCall, sawResult)
	}
}

func TestRunDeniedToolPolicy(t *testing.T) {
	f := newRunnerFixture(t)
	f.cfg.Agents[0].Tools.Denied = []string{"echo"}

	echo := &echoTool{}
	f.runner.tools.Register(echo)

	f.script.responses = []*llm.Response{
		{
			StopReason: "tool_use",
			ToolCalls:  []llm.ToolCall{{ID: "t1", Name: "echo", Input: json.RawMessage(`{"text":"x"}`)}},
		},
		{Text: "ok", StopReason: "end_turn"},
	}

	f.run(t, "agent:a1:peer:x:acc:u1", "try it")

	if echo.executed {
		t.Error("denied tool must not execute")
	}
	var denial bool
	for _, ev := range f.sink.all() {
		if ev.Type == EventToolResult && ev.OK != nil && !*ev.OK {
			denial = true
		}
	}
	if !denial {
		t.Error("denial should surface as a failed tool_result")
	}
}

func TestRunAborted(t *testing.T) {
	f := newRunnerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.runner.Run(ctx, f.cfg, "a1", "agent:a1:peer:x:acc:u1", dmEnv("hi"), "r1")

	events := f.sink.all()
	last := events[len(events)-1]
	if last.Type != EventFinal || last.Reason != "aborted" {
		t.Errorf("terminal = %+v, want final aborted", last)
	}
}

// echoTool is a trivial auto tool.
type echoTool struct{ executed bool }

func (e *echoTool) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        "echo",
		Description: "Echo text back.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
	}
}

func (e *echoTool) Execute(_ context.Context, params json.RawMessage, _ ToolContext) (*types.ToolResult, error) {
	e.executed = true
	var p struct {
		Text string `json:"text"`
	}
	json.Unmarshal(params, &p)
	return &types.ToolResult{
		Content: fmt.Sprintf("echo: %s", p.Text),
		Details: map[string]any{"text": p.Text},
		OK:      true,
	}, nil
}
