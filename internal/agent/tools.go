package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	. "github.com/sjvermaak/clawgate/internal/logging"
	"github.com/sjvermaak/clawgate/internal/types"
)

// PolicyClass controls how a tool call is gated.
type PolicyClass string

const (
	PolicyAuto     PolicyClass = "auto"
	PolicyApproval PolicyClass = "approval"
	PolicyDenied   PolicyClass = "denied"
)

// ToolContext is what a tool execution can see.
type ToolContext struct {
	SessionKey string
	Workspace  string
	RunID      string
}

// Tool is one executable tool. Input schemas are object-shaped with
// enumerated discriminator strings; the registry validates calls against
// the declared schema before execution.
type Tool interface {
	Definition() types.ToolDefinition
	Execute(ctx context.Context, params json.RawMessage, tctx ToolContext) (*types.ToolResult, error)
}

// FatalTool marks tools whose failure aborts the run.
type FatalTool interface {
	Tool
	FatalOnError() bool
}

// ToolRegistry holds tools and their compiled schemas.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its input schema.
func (r *ToolRegistry) Register(t Tool) error {
	def := t.Definition()
	if def.Name == "" {
		return fmt.Errorf("tool with empty name")
	}
	if def.InputSchema["type"] != "object" {
		return fmt.Errorf("tool %s: input schema must be object-shaped", def.Name)
	}

	raw, err := json.Marshal(def.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %s: failed to marshal schema: %w", def.Name, err)
	}
	compiled, err := jsonschema.CompileString(def.Name, string(raw))
	if err != nil {
		return fmt.Errorf("tool %s: invalid input schema: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	r.tools[def.Name] = t
	r.schemas[def.Name] = compiled
	return nil
}

// Definitions returns the declared tool definitions.
func (r *ToolRegistry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition())
	}
	return out
}

// Validate checks params against the tool's declared schema.
func (r *ToolRegistry) Validate(name string, params json.RawMessage) error {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()
	if schema == nil {
		return fmt.Errorf("unknown tool: %s", name)
	}
	var payload any
	if len(params) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(params, &payload); err != nil {
		return fmt.Errorf("tool params not valid JSON: %w", err)
	}
	return schema.Validate(payload)
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// IsFatal reports whether a tool aborts the run on failure.
func (r *ToolRegistry) IsFatal(name string) bool {
	t, ok := r.Get(name)
	if !ok {
		return false
	}
	ft, ok := t.(FatalTool)
	return ok && ft.FatalOnError()
}

// Resolution is an approval decision arriving out-of-band over RPC.
type Resolution struct {
	Approved bool
	Reason   string
}

// Approvals suspends approval-gated tool calls until an RPC client
// resolves them by approval ID.
type Approvals struct {
	mu      sync.Mutex
	pending map[string]chan Resolution
}

// NewApprovals creates the approval channel table.
func NewApprovals() *Approvals {
	return &Approvals{pending: make(map[string]chan Resolution)}
}

// Create registers a pending approval and returns its ID and channel.
func (a *Approvals) Create() (string, <-chan Resolution) {
	id := uuid.NewString()
	ch := make(chan Resolution, 1)
	a.mu.Lock()
	a.pending[id] = ch
	a.mu.Unlock()
	return id, ch
}

// Resolve delivers a decision. Unknown or already-resolved IDs are an
// error so clients learn about stale approvals.
func (a *Approvals) Resolve(id string, res Resolution) error {
	a.mu.Lock()
	ch, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown approval id: %s", id)
	}
	ch <- res
	L_info("agent: approval resolved", "approval", id, "approved", res.Approved)
	return nil
}

// Drop abandons a pending approval (run aborted before resolution).
func (a *Approvals) Drop(id string) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

// Pending lists unresolved approval IDs.
func (a *Approvals) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.pending))
	for id := range a.pending {
		out = append(out, id)
	}
	return out
}

// toolGrace is how long an in-flight tool gets after cancellation before
// its context is force-killed.
const toolGrace = 5 * time.Second

// runTool executes one tool with the policy applied: denied tools return
// a policy result without executing, approval tools suspend on the
// approvals table, auto tools run directly. The run context governs the
// call; on run cancellation the tool gets the grace period to finish.
func runTool(
	ctx context.Context,
	reg *ToolRegistry,
	approvals *Approvals,
	emitter *Emitter,
	policy PolicyClass,
	call ToolCallRequest,
	tctx ToolContext,
) *types.ToolResult {
	if policy == PolicyDenied {
		return &types.ToolResult{
			Content: fmt.Sprintf("tool %s is denied by policy", call.Name),
			Details: map[string]any{"policy": "denied"},
			OK:      false,
		}
	}

	if err := reg.Validate(call.Name, call.Input); err != nil {
		return types.ErrorResult(fmt.Sprintf("invalid tool input: %v", err))
	}

	if policy == PolicyApproval {
		approvalID, ch := approvals.Create()
		emitter.Emit(RunEvent{
			Type:          EventToolCall,
			ToolName:      call.Name,
			ToolUseID:     call.ID,
			ToolInput:     call.Input,
			NeedsApproval: true,
			ApprovalID:    approvalID,
		})
		select {
		case res := <-ch:
			if !res.Approved {
				reason := res.Reason
				if reason == "" {
					reason = "denied by operator"
				}
				return &types.ToolResult{
					Content: fmt.Sprintf("tool %s not approved: %s", call.Name, reason),
					Details: map[string]any{"policy": "approval", "approved": false},
					OK:      false,
				}
			}
		case <-ctx.Done():
			approvals.Drop(approvalID)
			return types.ErrorResult("run cancelled while awaiting approval")
		}
	} else {
		emitter.Emit(RunEvent{
			Type:      EventToolCall,
			ToolName:  call.Name,
			ToolUseID: call.ID,
			ToolInput: call.Input,
		})
	}

	tool, ok := reg.Get(call.Name)
	if !ok {
		return types.ErrorResult(fmt.Sprintf("unknown tool: %s", call.Name))
	}

	// Detach from the run context but honor its cancellation with a
	// bounded grace so in-flight work can finish cleanly.
	toolCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			t := time.NewTimer(toolGrace)
			defer t.Stop()
			select {
			case <-t.C:
				cancel()
			case <-toolCtx.Done():
			}
		case <-toolCtx.Done():
		}
	}()

	result, err := tool.Execute(toolCtx, call.Input, tctx)
	if err != nil {
		L_warn("agent: tool execution failed", "tool", call.Name, "error", err)
		return types.ErrorResult(fmt.Sprintf("tool error: %v", err))
	}
	if result == nil {
		result = types.TextResult("(no output)")
	}
	return result
}

// ToolCallRequest is one tool invocation requested by the model.
type ToolCallRequest struct {
	ID    string
	Name  string
	Input json.RawMessage
}
