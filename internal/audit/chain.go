package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashita-ai/tejun/internal/model"
)

// GenesisHash is the prev_hash of the first event in every tenant chain.
var GenesisHash = strings.Repeat("0", 64)

// Log is a tenant-scoped, append-only, hash-chained event stream. Append is
// serialized per tenant: concurrent callers observe a totally ordered
// sequence. If Append fails the caller must treat its own operation as
// failed — the executor never proceeds past an unlogged side effect.
type Log interface {
	// Append seals ev onto the tenant's chain, assigning Seq, PrevHash and
	// ThisHash, and returns the stored event.
	Append(ctx context.Context, ev model.AuditEvent) (model.AuditEvent, error)
	// List returns events for a tenant with seq >= fromSeq, in seq order,
	// up to limit (0 means no limit).
	List(ctx context.Context, tenant string, fromSeq int64, limit int) ([]model.AuditEvent, error)
}

// Seal assigns seq and the chain hashes to ev. prevHash is the this_hash of
// the predecessor, or GenesisHash for the first event of a tenant.
func Seal(ev *model.AuditEvent, seq int64, prevHash string) error {
	ev.Seq = seq
	ev.PrevHash = prevHash
	h, err := HashEvent(*ev)
	if err != nil {
		return err
	}
	ev.ThisHash = h
	return nil
}

// HashEvent computes sha256(prev_hash || canonicalize(event minus this_hash))
// as a hex string. The canonical encoding is the compatibility surface for
// existing chains.
func HashEvent(ev model.AuditEvent) (string, error) {
	body, err := Canonicalize(hashBody(ev))
	if err != nil {
		return "", fmt.Errorf("audit: hash event: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(ev.PrevHash))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashBody is the event projection covered by the hash: every field except
// this_hash itself.
func hashBody(ev model.AuditEvent) map[string]any {
	return map[string]any{
		"seq":           json.Number(fmt.Sprintf("%d", ev.Seq)),
		"ts":            ev.TS,
		"tenant":        ev.TenantID,
		"actor":         ev.Actor,
		"actor_kind":    string(ev.ActorKind),
		"action":        ev.Action,
		"resource_kind": ev.ResourceKind,
		"resource_id":   ev.ResourceID,
		"payload":       ev.Payload,
		"prev_hash":     ev.PrevHash,
	}
}

// Divergence describes the first broken link found by Verify.
type Divergence struct {
	Seq    int64
	Reason string
}

// Verify recomputes the chain over events (which must be a contiguous,
// seq-ordered slice of one tenant's stream). prevHash is the this_hash of the
// event immediately before the range, or GenesisHash when verifying from the
// start. Returns nil if the whole range verifies.
func Verify(events []model.AuditEvent, prevHash string) *Divergence {
	expectSeq := int64(-1)
	for _, ev := range events {
		if expectSeq >= 0 && ev.Seq != expectSeq {
			return &Divergence{Seq: ev.Seq, Reason: fmt.Sprintf("sequence gap: expected %d", expectSeq)}
		}
		if ev.PrevHash != prevHash {
			return &Divergence{Seq: ev.Seq, Reason: "prev_hash does not match predecessor"}
		}
		recomputed, err := HashEvent(ev)
		if err != nil {
			return &Divergence{Seq: ev.Seq, Reason: "unhashable event: " + err.Error()}
		}
		if recomputed != ev.ThisHash {
			return &Divergence{Seq: ev.Seq, Reason: "this_hash does not match recomputed hash"}
		}
		prevHash = ev.ThisHash
		expectSeq = ev.Seq + 1
	}
	return nil
}

// VerifyDetached checks a seq-ordered slice that may have gaps, such as the
// events of one run exported out of a tenant chain. Each event's this_hash is
// recomputed (prev_hash is covered by it, so linkage tampering still shows)
// and adjacent-seq pairs must chain.
func VerifyDetached(events []model.AuditEvent) *Divergence {
	lastSeq := int64(-1)
	lastHash := ""
	for _, ev := range events {
		if ev.Seq <= lastSeq {
			return &Divergence{Seq: ev.Seq, Reason: "sequence not strictly increasing"}
		}
		if ev.Seq == lastSeq+1 && lastHash != "" && ev.PrevHash != lastHash {
			return &Divergence{Seq: ev.Seq, Reason: "prev_hash does not match predecessor"}
		}
		recomputed, err := HashEvent(ev)
		if err != nil {
			return &Divergence{Seq: ev.Seq, Reason: "unhashable event: " + err.Error()}
		}
		if recomputed != ev.ThisHash {
			return &Divergence{Seq: ev.Seq, Reason: "this_hash does not match recomputed hash"}
		}
		lastSeq, lastHash = ev.Seq, ev.ThisHash
	}
	return nil
}
