package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// RegisterBuiltins installs the reference effectors the service ships with: a
// mock issue tracker, a mock cluster controller, and a mock pager. They hold
// state in memory and exist so runs can be exercised end to end without
// external systems; production deployments register real adapters alongside
// or instead of them.
func RegisterBuiltins(r *Registry) error {
	tracker := &mockTracker{issues: make(map[string]map[string]any)}
	cluster := &mockCluster{replicas: make(map[string]int)}

	defs := []*Definition{
		{
			Tool:        "tracker.create_issue",
			Description: "Create an issue in the mock tracker.",
			Schema: Schema{
				Fields: map[string]Field{
					"title": {Type: "string"},
					"body":  {Type: "string"},
				},
				Required: []string{"title"},
			},
			Classification:   ClassWrite,
			Idempotent:       true,
			CompensationTool: "tracker.close_issue",
			Invoke:           tracker.createIssue,
			Reconcile:        tracker.reconcile,
		},
		{
			Tool:        "tracker.close_issue",
			Description: "Close an issue in the mock tracker.",
			Schema: Schema{
				Fields: map[string]Field{
					"issue_id": {Type: "string"},
					"reason":   {Type: "string"},
				},
			},
			Classification: ClassWrite,
			Idempotent:     true,
			Invoke:         tracker.closeIssue,
		},
		{
			Tool:        "tracker.read",
			Description: "Read an issue from the mock tracker.",
			Schema: Schema{
				Fields:   map[string]Field{"issue_id": {Type: "string"}},
				Required: []string{"issue_id"},
			},
			Classification:  ClassRead,
			Idempotent:      true,
			SafeToInterrupt: true,
			Invoke:          tracker.readIssue,
		},
		{
			Tool:        "cluster.scale",
			Description: "Scale a deployment in the mock cluster controller.",
			Schema: Schema{
				Fields: map[string]Field{
					"deployment": {Type: "string"},
					"replicas":   {Type: "integer"},
				},
				Required: []string{"deployment", "replicas"},
			},
			Classification: ClassWrite,
			Idempotent:     true,
			Invoke:         cluster.scale,
		},
		{
			Tool:        "cluster.drain_node",
			Description: "Drain a node. Destructive: requires approval under default policies.",
			Schema: Schema{
				Fields:   map[string]Field{"node": {Type: "string"}},
				Required: []string{"node"},
			},
			Classification: ClassDestructive,
			Invoke:         cluster.drainNode,
		},
		{
			Tool:        "pager.page",
			Description: "Page the on-call rotation.",
			Schema: Schema{
				Fields: map[string]Field{
					"rotation":    {Type: "string"},
					"message":     {Type: "string"},
					"routing_key": {Type: "string", Secret: true},
				},
				Required: []string{"rotation", "message"},
			},
			Classification: ClassWrite,
			Invoke: func(ctx context.Context, args map[string]any, ictx InvocationContext) Result {
				return Result{OK: true, Output: map[string]any{
					"paged":    args["rotation"],
					"dedup_id": ictx.IdempotencyKey,
				}}
			},
		},
	}

	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

type mockTracker struct {
	mu sync.Mutex
	// issues maps issue id to its fields; byKey maps idempotency key to the
	// issue id created under it, so reconcile can answer after a crash.
	issues map[string]map[string]any
	byKey  map[string]string
}

func (t *mockTracker) createIssue(ctx context.Context, args map[string]any, ictx InvocationContext) Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byKey == nil {
		t.byKey = make(map[string]string)
	}
	if id, ok := t.byKey[ictx.IdempotencyKey]; ok {
		return Result{OK: true, Output: map[string]any{"issue_id": id, "replayed": true}}
	}
	id := uuid.NewString()
	t.issues[id] = map[string]any{
		"title": args["title"],
		"body":  args["body"],
		"state": "open",
	}
	t.byKey[ictx.IdempotencyKey] = id
	return Result{OK: true, Output: map[string]any{"issue_id": id}}
}

func (t *mockTracker) closeIssue(ctx context.Context, args map[string]any, ictx InvocationContext) Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, _ := args["issue_id"].(string)
	if id == "" {
		// Compensation calls pass the original step's idempotency key; close
		// whatever that key created.
		id = t.byKey[ictx.IdempotencyKey]
	}
	issue, ok := t.issues[id]
	if !ok {
		return Failure(ErrPermanent, fmt.Sprintf("issue %q not found", id))
	}
	issue["state"] = "closed"
	return Result{OK: true, Output: map[string]any{"issue_id": id, "state": "closed"}}
}

func (t *mockTracker) readIssue(ctx context.Context, args map[string]any, ictx InvocationContext) Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, _ := args["issue_id"].(string)
	issue, ok := t.issues[id]
	if !ok {
		return Failure(ErrPermanent, fmt.Sprintf("issue %q not found", id))
	}
	return Result{OK: true, Output: map[string]any{"issue_id": id, "issue": issue}}
}

func (t *mockTracker) reconcile(ctx context.Context, key string) (*Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byKey[key]
	if !ok {
		return nil, nil
	}
	return &Result{OK: true, Output: map[string]any{"issue_id": id, "reconciled": true}}, nil
}

type mockCluster struct {
	mu       sync.Mutex
	replicas map[string]int
	drained  []string
}

func (c *mockCluster) scale(ctx context.Context, args map[string]any, ictx InvocationContext) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	dep, _ := args["deployment"].(string)
	n := asInt(args["replicas"])
	prev := c.replicas[dep]
	c.replicas[dep] = n
	return Result{OK: true, Output: map[string]any{"deployment": dep, "replicas": n, "previous": prev}}
}

func (c *mockCluster) drainNode(ctx context.Context, args map[string]any, ictx InvocationContext) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, _ := args["node"].(string)
	c.drained = append(c.drained, node)
	return Result{OK: true, Output: map[string]any{"node": node, "drained": true}}
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
