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

// ErrVersionConflict signals a sync write whose version does not strictly
// exceed the stored one. The caller re-reads for the authoritative version.
var ErrVersionConflict = errors.New("sync version conflict")

// SyncBlobRepository holds one encrypted blob row per user, guarded by a
// version-gated conditional put. The compare and the write are a single
// storage operation; there is no read-then-write window for concurrent
// devices to slip through.
type SyncBlobRepository struct {
	client    *dynamodb.Client
	tableName string
	logger    *logrus.Logger
}

func NewSyncBlobRepository(client *dynamodb.Client, tableName string, logger *logrus.Logger) *SyncBlobRepository {
	return &SyncBlobRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

// Read returns the user's blob, or nil when the user has never written one.
func (r *SyncBlobRepository) Read(ctx context.Context, userID string) (*models.SyncBlob, error) {
	key := models.SyncBlob{UserID: userID}

	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: key.GetPK()},
			"SK": &types.AttributeValueMemberS{Value: key.GetSK()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get sync blob: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var blob models.SyncBlob
	if err := attributevalue.UnmarshalMap(result.Item, &blob); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync blob: %w", err)
	}
	return &blob, nil
}

// Write stores the blob iff no row exists yet or the new version strictly
// exceeds the stored one. Acceptance order follows version values, not
// arrival order. On rejection it returns ErrVersionConflict.
func (r *SyncBlobRepository) Write(ctx context.Context, blob *models.SyncBlob) error {
	blob.UpdatedAt = time.Now().UTC()

	item, err := attributevalue.MarshalMap(blob)
	if err != nil {
		return fmt.Errorf("failed to marshal sync blob: %w", err)
	}

	item["PK"] = &types.AttributeValueMemberS{Value: blob.GetPK()}
	item["SK"] = &types.AttributeValueMemberS{Value: blob.GetSK()}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		// "version" is a DynamoDB reserved word.
		ConditionExpression: aws.String("attribute_not_exists(PK) OR #v < :new_version"),
		ExpressionAttributeNames: map[string]string{
			"#v": "version",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new_version": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", blob.Version)},
		},
	})

	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return ErrVersionConflict
		}
		r.logger.WithError(err).Error("Failed to write sync blob to DynamoDB")
		return fmt.Errorf("failed to write sync blob: %w", err)
	}

	return nil
}

// Delete removes the user's blob wholesale (account/data erasure).
func (r *SyncBlobRepository) Delete(ctx context.Context, userID string) error {
	key := models.SyncBlob{UserID: userID}

	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: key.GetPK()},
			"SK": &types.AttributeValueMemberS{Value: key.GetSK()},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete sync blob: %w", err)
	}

	return nil
}
