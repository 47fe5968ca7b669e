package dynamodb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDynamo struct {
	dynamodbiface.DynamoDBAPI
	mock.Mock
}

func (m *mockDynamo) PutItemWithContext(ctx aws.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	args := m.Called(ctx, in)
	return &dynamodb.PutItemOutput{}, args.Error(0)
}

func (m *mockDynamo) DeleteItemWithContext(ctx aws.Context, in *dynamodb.DeleteItemInput, _ ...request.Option) (*dynamodb.DeleteItemOutput, error) {
	args := m.Called(ctx, in)
	return &dynamodb.DeleteItemOutput{}, args.Error(0)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var conditionFailed = awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "conditional request failed", nil)

func newManager(t *testing.T, client *mockDynamo) *Manager {
	t.Helper()
	m, err := New(client, Config{Table: "crawler_locks", OwnerID: "owner-a"}, fixedClock{now: time.Unix(1_700_000_000, 0)})
	require.NoError(t, err)
	return m
}

func TestTryLockWritesConditionalItem(t *testing.T) {
	t.Parallel()

	client := &mockDynamo{}
	client.On("PutItemWithContext", mock.Anything, mock.MatchedBy(func(in *dynamodb.PutItemInput) bool {
		return aws.StringValue(in.TableName) == "crawler_locks" &&
			aws.StringValue(in.Item["lock_id"].S) == "src-1" &&
			aws.StringValue(in.Item["owner_id"].S) == "owner-a" &&
			aws.StringValue(in.Item["expires_at"].N) == "1700000300" &&
			aws.StringValue(in.ConditionExpression) == acquireCondition &&
			aws.StringValue(in.ExpressionAttributeValues[":now"].N) == "1700000000"
	})).Return(nil).Once()

	ok, err := newManager(t, client).TryLock(context.Background(), "src-1")
	require.NoError(t, err)
	require.True(t, ok)
	client.AssertExpectations(t)
}

func TestTryLockHeldReturnsFalse(t *testing.T) {
	t.Parallel()

	client := &mockDynamo{}
	client.On("PutItemWithContext", mock.Anything, mock.Anything).Return(conditionFailed).Once()

	ok, err := newManager(t, client).TryLock(context.Background(), "src-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTryLockPropagatesOtherErrors(t *testing.T) {
	t.Parallel()

	client := &mockDynamo{}
	client.On("PutItemWithContext", mock.Anything, mock.Anything).Return(errors.New("throttled")).Once()

	ok, err := newManager(t, client).TryLock(context.Background(), "src-1")
	require.Error(t, err)
	require.False(t, ok)
}

func TestReleaseIsOwnerGated(t *testing.T) {
	t.Parallel()

	client := &mockDynamo{}
	client.On("DeleteItemWithContext", mock.Anything, mock.MatchedBy(func(in *dynamodb.DeleteItemInput) bool {
		return aws.StringValue(in.Key["lock_id"].S) == "src-1" &&
			aws.StringValue(in.ConditionExpression) == "owner_id = :owner" &&
			aws.StringValue(in.ExpressionAttributeValues[":owner"].S) == "owner-a"
	})).Return(nil).Once()

	require.NoError(t, newManager(t, client).Release(context.Background(), "src-1"))
	client.AssertExpectations(t)
}

func TestReleaseForeignOrMissingIsNoop(t *testing.T) {
	t.Parallel()

	client := &mockDynamo{}
	client.On("DeleteItemWithContext", mock.Anything, mock.Anything).Return(conditionFailed).Once()

	require.NoError(t, newManager(t, client).Release(context.Background(), "src-1"))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Table: "t", OwnerID: "o"}, nil)
	require.Error(t, err)
	_, err = New(&mockDynamo{}, Config{OwnerID: "o"}, nil)
	require.Error(t, err)
	_, err = New(&mockDynamo{}, Config{Table: "t"}, nil)
	require.Error(t, err)

	m, err := New(&mockDynamo{}, Config{Table: "t", OwnerID: "o"}, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultLease, m.lease)
}
