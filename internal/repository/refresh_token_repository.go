package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus"

	"github.com/vaultsync/vaultsync/internal/models"
)

const (
	familyIDIndex = "FamilyIDIndex"
	userIDIndex   = "UserIDIndex"
)

// RefreshTokenRepository persists refresh-token rotation chains. Rows are
// keyed by token hash; the plaintext token never reaches storage. The two
// state transitions (rotate, revoke) are conditional updates so racing
// callers resolve at the storage layer, not in application code.
type RefreshTokenRepository struct {
	client    *dynamodb.Client
	tableName string
	logger    *logrus.Logger
}

func NewRefreshTokenRepository(client *dynamodb.Client, tableName string, logger *logrus.Logger) *RefreshTokenRepository {
	return &RefreshTokenRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func (r *RefreshTokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	item, err := attributevalue.MarshalMap(token)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	item["PK"] = &types.AttributeValueMemberS{Value: token.GetPK()}
	item["SK"] = &types.AttributeValueMemberS{Value: token.GetSK()}
	item["TTL"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", token.ExpiresAt.Unix())}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})

	if err != nil {
		r.logger.WithError(err).Error("Failed to store refresh token in DynamoDB")
		return fmt.Errorf("failed to store refresh token: %w", err)
	}

	return nil
}

// FindByHash returns the token row for a presented token's hash, or nil when
// no such row exists.
func (r *RefreshTokenRepository) FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "RTOKEN#" + tokenHash},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
	})

	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	if result.Item == nil {
		return nil, nil
	}

	var token models.RefreshToken
	if err := attributevalue.UnmarshalMap(result.Item, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}

	return &token, nil
}

// MarkRotated sets ReplacedBy on the row for tokenHash, succeeding only if
// the row is still active. Returns the number of rows affected: exactly one
// of any set of concurrent callers presenting the same token sees 1; the
// rest see 0 and must treat the event as reuse, not as a retryable failure.
func (r *RefreshTokenRepository) MarkRotated(ctx context.Context, tokenHash, replacedByID string) (int, error) {
	now := time.Now().UTC()

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "RTOKEN#" + tokenHash},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
		ConditionExpression: aws.String(
			"attribute_exists(PK) AND attribute_not_exists(replaced_by) AND attribute_not_exists(revoked_at)",
		),
		UpdateExpression: aws.String("SET replaced_by = :replaced_by, rotated_at = :rotated_at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":replaced_by": &types.AttributeValueMemberS{Value: replacedByID},
			":rotated_at":  &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})

	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return 0, nil
		}
		r.logger.WithError(err).Error("Failed to mark refresh token rotated")
		return 0, fmt.Errorf("failed to mark refresh token rotated: %w", err)
	}

	return 1, nil
}

// RevokeFamily revokes every token in a rotation lineage. Idempotent: rows
// already revoked are left untouched, so a partial failure is repaired by
// calling again with the same family.
func (r *RefreshTokenRepository) RevokeFamily(ctx context.Context, familyID, reason string) error {
	tokens, err := r.queryIndex(ctx, familyIDIndex, "family_id", familyID)
	if err != nil {
		return fmt.Errorf("failed to query family %s: %w", familyID, err)
	}

	return r.revokeAll(ctx, tokens, reason)
}

// RevokeAllForUser revokes every family the user owns.
func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID, reason string) error {
	tokens, err := r.queryIndex(ctx, userIDIndex, "user_id", userID)
	if err != nil {
		return fmt.Errorf("failed to query tokens for user: %w", err)
	}

	return r.revokeAll(ctx, tokens, reason)
}

func (r *RefreshTokenRepository) queryIndex(ctx context.Context, index, keyAttr, keyValue string) ([]models.RefreshToken, error) {
	var tokens []models.RefreshToken
	var lastKey map[string]types.AttributeValue

	for {
		result, err := r.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(r.tableName),
			IndexName:              aws.String(index),
			KeyConditionExpression: aws.String("#k = :v"),
			ExpressionAttributeNames: map[string]string{
				"#k": keyAttr,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":v": &types.AttributeValueMemberS{Value: keyValue},
			},
			ExclusiveStartKey: lastKey,
		})
		if err != nil {
			return nil, err
		}

		var page []models.RefreshToken
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tokens: %w", err)
		}
		tokens = append(tokens, page...)

		if result.LastEvaluatedKey == nil {
			return tokens, nil
		}
		lastKey = result.LastEvaluatedKey
	}
}

func (r *RefreshTokenRepository) revokeAll(ctx context.Context, tokens []models.RefreshToken, reason string) error {
	now := time.Now().UTC()

	for i := range tokens {
		token := &tokens[i]
		if token.RevokedAt != nil {
			continue
		}

		_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(r.tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: token.GetPK()},
				"SK": &types.AttributeValueMemberS{Value: token.GetSK()},
			},
			ConditionExpression: aws.String("attribute_exists(PK) AND attribute_not_exists(revoked_at)"),
			UpdateExpression:    aws.String("SET revoked_at = :revoked_at, revoked_reason = :reason"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":revoked_at": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
				":reason":     &types.AttributeValueMemberS{Value: reason},
			},
		})

		if err != nil {
			var condFailed *types.ConditionalCheckFailedException
			if errors.As(err, &condFailed) {
				// Lost a race with another revoker; the row is already dead.
				continue
			}
			r.logger.WithError(err).WithField("token_id", token.ID).Error("Failed to revoke refresh token")
			return fmt.Errorf("failed to revoke token %s: %w", token.ID, err)
		}
	}

	return nil
}

// PurgeExpired sweeps rows whose expiry has passed. DynamoDB's TTL attribute
// reclaims most rows on its own; the sweep exists for stores and tests where
// TTL is not enabled.
func (r *RefreshTokenRepository) PurgeExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	purged := 0
	var lastKey map[string]types.AttributeValue

	for {
		result, err := r.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(r.tableName),
			FilterExpression: aws.String("begins_with(PK, :prefix) AND expires_at < :now"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":prefix": &types.AttributeValueMemberS{Value: "RTOKEN#"},
				":now":    &types.AttributeValueMemberS{Value: now},
			},
			ExclusiveStartKey: lastKey,
		})
		if err != nil {
			return purged, fmt.Errorf("failed to scan expired tokens: %w", err)
		}

		for _, item := range result.Items {
			_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(r.tableName),
				Key: map[string]types.AttributeValue{
					"PK": item["PK"],
					"SK": item["SK"],
				},
			})
			if err != nil {
				return purged, fmt.Errorf("failed to delete expired token: %w", err)
			}
			purged++
		}

		if result.LastEvaluatedKey == nil {
			return purged, nil
		}
		lastKey = result.LastEvaluatedKey
	}
}
