package models

import "time"

type TokenPair struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// RefreshToken is one link in a rotation chain. A token is active while both
// ReplacedBy and RevokedAt are unset; the two fields are only ever written
// through the repository's conditional updates.
type RefreshToken struct {
	ID            string     `json:"id" dynamodbav:"id"`
	UserID        string     `json:"user_id" dynamodbav:"user_id"`
	Role          string     `json:"role,omitempty" dynamodbav:"role,omitempty"`
	TokenHash     string     `json:"-" dynamodbav:"token_hash"`
	FamilyID      string     `json:"family_id" dynamodbav:"family_id"`
	ParentID      string     `json:"parent_id,omitempty" dynamodbav:"parent_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at" dynamodbav:"created_at"`
	RotatedAt     *time.Time `json:"rotated_at,omitempty" dynamodbav:"rotated_at,omitempty"`
	ReplacedBy    string     `json:"replaced_by,omitempty" dynamodbav:"replaced_by,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty" dynamodbav:"revoked_at,omitempty"`
	RevokedReason string     `json:"revoked_reason,omitempty" dynamodbav:"revoked_reason,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at" dynamodbav:"expires_at"`
}

func (t *RefreshToken) GetPK() string {
	return "RTOKEN#" + t.TokenHash
}

func (t *RefreshToken) GetSK() string {
	return "METADATA"
}

func (t *RefreshToken) Active() bool {
	return t.ReplacedBy == "" && t.RevokedAt == nil
}

// BlacklistJTIAll marks a sentinel entry covering every access token issued
// to the user before the entry's CreatedAt.
const BlacklistJTIAll = "*"

type BlacklistEntry struct {
	UserID    string    `json:"user_id" dynamodbav:"user_id"`
	JTI       string    `json:"jti" dynamodbav:"jti"`
	Reason    string    `json:"reason,omitempty" dynamodbav:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"created_at"`
	ExpiresAt time.Time `json:"expires_at" dynamodbav:"expires_at"`
}

func (b *BlacklistEntry) GetPK() string {
	return "BLACKLIST#" + b.UserID
}

func (b *BlacklistEntry) GetSK() string {
	return "JTI#" + b.JTI
}
