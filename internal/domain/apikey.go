package domain

import "time"

// APIKey is a client credential. Only the SHA-256 hash of the key is kept.
type APIKey struct {
	Hash      string     `json:"key_hash" db:"key_hash"`
	Label     string     `json:"label" db:"label"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

func (k APIKey) Revoked() bool {
	return k.RevokedAt != nil
}
