package models

import "time"

// SyncBlob is the single encrypted payload a user's devices converge on.
// Version is monotonically increasing; the server never inspects
// EncryptedData.
type SyncBlob struct {
	UserID        string    `json:"user_id" dynamodbav:"user_id"`
	Version       int64     `json:"version" dynamodbav:"version"`
	EncryptedData string    `json:"encrypted_data" dynamodbav:"encrypted_data"`
	UpdatedAt     time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

func (b *SyncBlob) GetPK() string {
	return "SYNC#" + b.UserID
}

func (b *SyncBlob) GetSK() string {
	return "BLOB"
}
