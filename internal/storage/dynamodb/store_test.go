package dynamodb

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

type mockDynamo struct {
	dynamodbiface.DynamoDBAPI
	mock.Mock
}

func (m *mockDynamo) GetItemWithContext(ctx aws.Context, in *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.GetItemOutput)
	return out, args.Error(1)
}

func (m *mockDynamo) PutItemWithContext(ctx aws.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	args := m.Called(ctx, in)
	return &dynamodb.PutItemOutput{}, args.Error(0)
}

func (m *mockDynamo) UpdateItemWithContext(ctx aws.Context, in *dynamodb.UpdateItemInput, _ ...request.Option) (*dynamodb.UpdateItemOutput, error) {
	args := m.Called(ctx, in)
	return &dynamodb.UpdateItemOutput{}, args.Error(0)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var (
	testNow         = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	conditionFailed = awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "conditional request failed", nil)
)

func newStore(t *testing.T, client *mockDynamo) *Store {
	t.Helper()
	s, err := New(client, Tables{}, fixedClock{now: testNow})
	require.NoError(t, err)
	return s
}

func TestGetStateMissingReturnsNil(t *testing.T) {
	t.Parallel()

	client := &mockDynamo{}
	client.On("GetItemWithContext", mock.Anything, mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
		return aws.StringValue(in.TableName) == "crawler_source_state" && aws.BoolValue(in.ConsistentRead)
	})).Return(&dynamodb.GetItemOutput{}, nil).Once()

	st, err := newStore(t, client).GetState(context.Background(), "src")
	require.NoError(t, err)
	require.Nil(t, st)
	client.AssertExpectations(t)
}

func TestGetStateDecodesTimestamps(t *testing.T) {
	t.Parallel()

	client := &mockDynamo{}
	client.On("GetItemWithContext", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{
		Item: map[string]*dynamodb.AttributeValue{
			"source_id":           {S: aws.String("src")},
			"last_crawled_at":     {S: aws.String("2024-06-01T11:00:00Z")},
			"last_seen_posted_at": {S: aws.String("2024-05-31T08:30:00Z")},
			"last_error_message":  {S: aws.String("boom")},
		},
	}, nil).Once()

	st, err := newStore(t, client).GetState(context.Background(), "src")
	require.NoError(t, err)
	require.Equal(t, "src", st.SourceID)
	require.Equal(t, time.Date(2024, 5, 31, 8, 30, 0, 0, time.UTC), *st.LastSeenPostedAt)
	require.Nil(t, st.LastSuccessAt)
	require.Equal(t, "boom", st.LastErrorMessage)
}

func TestUpsertSuccessRemovesErrorFields(t *testing.T) {
	t.Parallel()

	wm := time.Date(2024, 5, 31, 8, 30, 0, 0, time.UTC)
	client := &mockDynamo{}
	client.On("UpdateItemWithContext", mock.Anything, mock.MatchedBy(func(in *dynamodb.UpdateItemInput) bool {
		expr := aws.StringValue(in.UpdateExpression)
		return strings.Contains(expr, "last_seen_posted_at = :wm") &&
			strings.Contains(expr, "REMOVE last_error_at, last_error_message") &&
			aws.StringValue(in.ExpressionAttributeValues[":wm"].S) == "2024-05-31T08:30:00Z" &&
			aws.StringValue(in.ExpressionAttributeValues[":now"].S) == "2024-06-01T12:00:00Z"
	})).Return(nil).Once()

	require.NoError(t, newStore(t, client).UpsertSuccess(context.Background(), "src", &wm))
	client.AssertExpectations(t)
}

func TestUpsertSuccessWithoutWatermarkLeavesIt(t *testing.T) {
	t.Parallel()

	client := &mockDynamo{}
	client.On("UpdateItemWithContext", mock.Anything, mock.MatchedBy(func(in *dynamodb.UpdateItemInput) bool {
		_, hasWM := in.ExpressionAttributeValues[":wm"]
		return !hasWM && !strings.Contains(aws.StringValue(in.UpdateExpression), "last_seen_posted_at")
	})).Return(nil).Once()

	require.NoError(t, newStore(t, client).UpsertSuccess(context.Background(), "src", nil))
	client.AssertExpectations(t)
}

func TestUpsertErrorUpdatesInPlace(t *testing.T) {
	t.Parallel()

	client := &mockDynamo{}
	client.On("UpdateItemWithContext", mock.Anything, mock.MatchedBy(func(in *dynamodb.UpdateItemInput) bool {
		expr := aws.StringValue(in.UpdateExpression)
		return !strings.Contains(expr, "last_success_at") &&
			aws.StringValue(in.ExpressionAttributeValues[":msg"].S) == "parse failed"
	})).Return(nil).Once()

	require.NoError(t, newStore(t, client).UpsertError(context.Background(), "src", errors.New("parse failed")))
	client.AssertExpectations(t)
}

func TestInsertIfNewNewDocument(t *testing.T) {
	t.Parallel()

	client := &mockDynamo{}
	client.On("PutItemWithContext", mock.Anything, mock.MatchedBy(func(in *dynamodb.PutItemInput) bool {
		return aws.StringValue(in.TableName) == "crawler_documents" &&
			aws.StringValue(in.Item["url"].S) == "https://example.com/a" &&
			aws.StringValue(in.Item["first_seen_at"].S) == "2024-06-01T12:00:00Z" &&
			in.ConditionExpression != nil
	})).Return(nil).Once()

	isNew, err := newStore(t, client).InsertIfNew(context.Background(), crawler.NormalizedDocument{SourceID: "src", URL: "https://example.com/a", Title: "A"})
	require.NoError(t, err)
	require.True(t, isNew)
	client.AssertNotCalled(t, "UpdateItemWithContext", mock.Anything, mock.Anything)
}

func TestInsertIfNewDuplicateTouchesLastSeen(t *testing.T) {
	t.Parallel()

	client := &mockDynamo{}
	client.On("PutItemWithContext", mock.Anything, mock.Anything).Return(conditionFailed).Once()
	client.On("UpdateItemWithContext", mock.Anything, mock.MatchedBy(func(in *dynamodb.UpdateItemInput) bool {
		return aws.StringValue(in.UpdateExpression) == "SET last_seen_at = :now" &&
			aws.StringValue(in.Key["url"].S) == "https://example.com/a"
	})).Return(nil).Once()

	isNew, err := newStore(t, client).InsertIfNew(context.Background(), crawler.NormalizedDocument{SourceID: "src", URL: "https://example.com/a"})
	require.NoError(t, err)
	require.False(t, isNew)
	client.AssertExpectations(t)
}

func TestInsertIfNewPropagatesErrors(t *testing.T) {
	t.Parallel()

	client := &mockDynamo{}
	client.On("PutItemWithContext", mock.Anything, mock.Anything).Return(errors.New("throttled")).Once()

	_, err := newStore(t, client).InsertIfNew(context.Background(), crawler.NormalizedDocument{SourceID: "src", URL: "u"})
	require.ErrorContains(t, err, "throttled")
}

func TestScheduleRoundTrip(t *testing.T) {
	t.Parallel()

	start, end := 9, 17
	client := &mockDynamo{}
	client.On("PutItemWithContext", mock.Anything, mock.MatchedBy(func(in *dynamodb.PutItemInput) bool {
		return aws.StringValue(in.TableName) == "crawler_source_schedule" &&
			aws.StringValue(in.Item["allowed_start_hour_utc"].N) == "9" &&
			aws.BoolValue(in.Item["enabled"].BOOL)
	})).Return(nil).Once()
	client.On("GetItemWithContext", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{
		Item: map[string]*dynamodb.AttributeValue{
			"source_id":              {S: aws.String("src")},
			"enabled":                {BOOL: aws.Bool(true)},
			"allowed_start_hour_utc": {N: aws.String("9")},
			"allowed_end_hour_utc":   {N: aws.String("17")},
		},
	}, nil).Once()

	s := newStore(t, client)
	require.NoError(t, s.UpsertSchedule(context.Background(), crawler.ScheduleConfig{SourceID: "src", Enabled: true, AllowedStartHourUTC: &start, AllowedEndHourUTC: &end}))
	cfg, err := s.GetSchedule(context.Background(), "src")
	require.NoError(t, err)
	require.True(t, cfg.Enabled)
	require.Equal(t, 9, *cfg.AllowedStartHourUTC)
	require.Equal(t, 17, *cfg.AllowedEndHourUTC)
	client.AssertExpectations(t)
}
