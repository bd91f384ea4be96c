package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus"

	"github.com/vaultsync/vaultsync/internal/models"
)

// BlacklistRepository tracks revoked access-token jtis plus a per-user
// logout-all sentinel. Entries carry the issuing token's expiry as TTL, so a
// blacklist row never outlives the token it suppresses by more than the TTL
// sweep lag.
type BlacklistRepository struct {
	client    *dynamodb.Client
	tableName string
	logger    *logrus.Logger
}

func NewBlacklistRepository(client *dynamodb.Client, tableName string, logger *logrus.Logger) *BlacklistRepository {
	return &BlacklistRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func (r *BlacklistRepository) Add(ctx context.Context, entry *models.BlacklistEntry) error {
	item, err := attributevalue.MarshalMap(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal blacklist entry: %w", err)
	}

	item["PK"] = &types.AttributeValueMemberS{Value: entry.GetPK()}
	item["SK"] = &types.AttributeValueMemberS{Value: entry.GetSK()}
	item["TTL"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", entry.ExpiresAt.Unix())}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})

	if err != nil {
		r.logger.WithError(err).Error("Failed to store blacklist entry in DynamoDB")
		return fmt.Errorf("failed to store blacklist entry: %w", err)
	}

	return nil
}

// AddLogoutAll writes (or refreshes) the user's sentinel entry. Every access
// token issued before cutoff is invalid afterwards; the sentinel expires once
// the longest-lived such token has itself expired.
func (r *BlacklistRepository) AddLogoutAll(ctx context.Context, userID string, cutoff, expiresAt time.Time, reason string) error {
	return r.Add(ctx, &models.BlacklistEntry{
		UserID:    userID,
		JTI:       models.BlacklistJTIAll,
		Reason:    reason,
		CreatedAt: cutoff,
		ExpiresAt: expiresAt,
	})
}

// Contains reports whether the exact jti has been blacklisted for the user.
func (r *BlacklistRepository) Contains(ctx context.Context, userID, jti string) (bool, error) {
	entry, err := r.get(ctx, userID, jti)
	if err != nil {
		return false, err
	}
	return entry != nil && time.Now().Before(entry.ExpiresAt), nil
}

// LogoutAllCutoff returns the user's most recent logout-all timestamp, if an
// unexpired sentinel exists.
func (r *BlacklistRepository) LogoutAllCutoff(ctx context.Context, userID string) (time.Time, bool, error) {
	entry, err := r.get(ctx, userID, models.BlacklistJTIAll)
	if err != nil {
		return time.Time{}, false, err
	}
	if entry == nil || time.Now().After(entry.ExpiresAt) {
		return time.Time{}, false, nil
	}
	return entry.CreatedAt, true, nil
}

func (r *BlacklistRepository) get(ctx context.Context, userID, jti string) (*models.BlacklistEntry, error) {
	key := models.BlacklistEntry{UserID: userID, JTI: jti}

	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: key.GetPK()},
			"SK": &types.AttributeValueMemberS{Value: key.GetSK()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get blacklist entry: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var entry models.BlacklistEntry
	if err := attributevalue.UnmarshalMap(result.Item, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal blacklist entry: %w", err)
	}
	return &entry, nil
}
