package audit

import (
	"context"
	"sync"

	"github.com/ashita-ai/tejun/internal/model"
)

// MemoryLog is an in-process Log for development and tests. A per-tenant
// mutex serializes appends; reads copy out so callers can't mutate the chain.
type MemoryLog struct {
	mu     sync.RWMutex
	chains map[string][]model.AuditEvent
}

// NewMemoryLog creates an empty in-memory audit log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{chains: make(map[string][]model.AuditEvent)}
}

// Append seals ev onto its tenant's chain.
func (l *MemoryLog) Append(ctx context.Context, ev model.AuditEvent) (model.AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	chain := l.chains[ev.TenantID]
	seq := int64(0)
	prev := GenesisHash
	if n := len(chain); n > 0 {
		seq = chain[n-1].Seq + 1
		prev = chain[n-1].ThisHash
	}
	if err := Seal(&ev, seq, prev); err != nil {
		return model.AuditEvent{}, err
	}
	l.chains[ev.TenantID] = append(chain, ev)
	return ev, nil
}

// List returns the tenant's events with seq >= fromSeq in order.
func (l *MemoryLog) List(ctx context.Context, tenant string, fromSeq int64, limit int) ([]model.AuditEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.AuditEvent
	for _, ev := range l.chains[tenant] {
		if ev.Seq < fromSeq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
