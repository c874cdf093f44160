package model

import (
	"time"

	"github.com/google/uuid"
)

// APIKey is a managed credential a subject exchanges for a JWT. The key
// material is never stored; only its Argon2id hash.
type APIKey struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Subject   string     `json:"subject"`
	Roles     []string   `json:"roles"`
	KeyHash   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the key may still be exchanged for tokens.
func (k APIKey) Active() bool { return k.RevokedAt == nil }
