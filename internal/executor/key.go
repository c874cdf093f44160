package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/tejun/internal/audit"
)

// invocationKey is the stable dedup token for one (run, step, args) triple.
// Replays of the same run produce the same key, so adapters can deduplicate
// across crashes.
func invocationKey(runID uuid.UUID, stepName string, args map[string]any) string {
	canon, err := audit.Canonicalize(args)
	if err != nil {
		canon = []byte(fmt.Sprintf("%v", args))
	}
	sum := sha256.Sum256(canon)
	return fmt.Sprintf("%s:%s:%s", runID, stepName, hex.EncodeToString(sum[:]))
}

// compensationKey derives the dedup token for the inverse invocation.
func compensationKey(key string) string { return key + "-comp" }
