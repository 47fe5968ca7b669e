// Package dynamodb implements the distributed lock as a conditional insert
// into a DynamoDB table keyed by lock_id.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

// DefaultLease is the lock TTL used when none is configured.
const DefaultLease = 300 * time.Second

// acquireCondition admits a new lock or reclaims one whose lease is over.
const acquireCondition = "attribute_not_exists(lock_id) OR expires_at < :now"

// Config selects the table and lease.
type Config struct {
	Table   string
	OwnerID string
	Lease   time.Duration
}

// Manager implements crawler.LockManager.
type Manager struct {
	client dynamodbiface.DynamoDBAPI
	table  string
	owner  string
	lease  time.Duration
	clock  crawler.Clock
}

// New builds a Manager. A nil clock uses wall time.
func New(client dynamodbiface.DynamoDBAPI, cfg Config, clock crawler.Clock) (*Manager, error) {
	if client == nil {
		return nil, fmt.Errorf("dynamodb client is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("lock table is required")
	}
	if cfg.OwnerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	return &Manager{
		client: client,
		table:  cfg.Table,
		owner:  cfg.OwnerID,
		lease:  cfg.Lease,
		clock:  clock,
	}, nil
}

// TryLock writes {lock_id, owner_id, expires_at} when no live lock exists.
// An expired record is overwritten in the same conditional write.
func (m *Manager) TryLock(ctx context.Context, sourceID string) (bool, error) {
	now := m.now()
	expires := now.Add(m.lease).Unix()
	_, err := m.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(m.table),
		Item: map[string]*dynamodb.AttributeValue{
			"lock_id":    {S: aws.String(sourceID)},
			"owner_id":   {S: aws.String(m.owner)},
			"expires_at": {N: aws.String(strconv.FormatInt(expires, 10))},
		},
		ConditionExpression: aws.String(acquireCondition),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":now": {N: aws.String(strconv.FormatInt(now.Unix(), 10))},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("dynamodb put lock %s: %w", sourceID, err)
	}
	return true, nil
}

// Release deletes the lock when owner_id matches. A mismatch or missing
// record is not an error.
func (m *Manager) Release(ctx context.Context, sourceID string) error {
	_, err := m.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(m.table),
		Key: map[string]*dynamodb.AttributeValue{
			"lock_id": {S: aws.String(sourceID)},
		},
		ConditionExpression: aws.String("owner_id = :owner"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":owner": {S: aws.String(m.owner)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil
		}
		return fmt.Errorf("dynamodb delete lock %s: %w", sourceID, err)
	}
	return nil
}

func (m *Manager) now() time.Time {
	if m.clock != nil {
		return m.clock.Now()
	}
	return time.Now().UTC()
}

func isConditionalCheckFailed(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
}
