package audit

import (
	"context"
	"time"

	"github.com/ashita-ai/tejun/internal/errs"
	"github.com/ashita-ai/tejun/internal/model"
)

// Recorder builds, redacts, and appends audit events. All core components
// write through a Recorder so redaction always runs before hashing.
type Recorder struct {
	log      Log
	redactor *Redactor
	now      func() time.Time
}

// NewRecorder wires a redactor in front of a log.
func NewRecorder(log Log, redactor *Redactor) *Recorder {
	return &Recorder{log: log, redactor: redactor, now: time.Now}
}

// WithClock overrides the timestamp source. Tests only.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Log exposes the underlying chain for read APIs and verification.
func (r *Recorder) Log() Log { return r.log }

// Redactor exposes the redaction policy so callers can scrub responses with
// the same rules applied to the chain.
func (r *Recorder) Redactor() *Redactor { return r.redactor }

// Record appends one event. secretKeys marks payload fields the adapter
// schema flagged as secret. A failed append is a StoreError: the requesting
// operation must fail rather than proceed unlogged.
func (r *Recorder) Record(ctx context.Context, tenant, actor string, kind model.ActorKind, action, resourceKind, resourceID string, payload map[string]any, secretKeys map[string]bool) (model.AuditEvent, error) {
	ev := model.AuditEvent{
		TS:           r.now().UTC(),
		TenantID:     tenant,
		Actor:        actor,
		ActorKind:    kind,
		Action:       action,
		ResourceKind: resourceKind,
		ResourceID:   resourceID,
		Payload:      r.redactor.RedactMap(payload, secretKeys),
	}
	stored, err := r.log.Append(ctx, ev)
	if err != nil {
		return model.AuditEvent{}, errs.Wrap(errs.KindStore, "audit: append "+action, err)
	}
	return stored, nil
}

// VerifyTenant replays the tenant's whole chain and reports the first
// divergence, or nil if the stream is intact.
func (r *Recorder) VerifyTenant(ctx context.Context, tenant string) (*Divergence, error) {
	events, err := r.log.List(ctx, tenant, 0, 0)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "audit: list for verify", err)
	}
	return Verify(events, GenesisHash), nil
}
