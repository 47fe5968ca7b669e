// Package dynamodb implements the crawler stores on AWS DynamoDB.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

// Tables names the three tables the store uses.
type Tables struct {
	SourceState string
	Documents   string
	Schedule    string
}

func (t Tables) withDefaults() Tables {
	if t.SourceState == "" {
		t.SourceState = "crawler_source_state"
	}
	if t.Documents == "" {
		t.Documents = "crawler_documents"
	}
	if t.Schedule == "" {
		t.Schedule = "crawler_source_schedule"
	}
	return t
}

// Store implements crawler.Store against DynamoDB.
type Store struct {
	client dynamodbiface.DynamoDBAPI
	tables Tables
	clock  crawler.Clock
}

type stateItem struct {
	SourceID         string `dynamodbav:"source_id"`
	LastCrawledAt    string `dynamodbav:"last_crawled_at,omitempty"`
	LastSuccessAt    string `dynamodbav:"last_success_at,omitempty"`
	LastErrorAt      string `dynamodbav:"last_error_at,omitempty"`
	LastErrorMessage string `dynamodbav:"last_error_message,omitempty"`
	LastSeenPostedAt string `dynamodbav:"last_seen_posted_at,omitempty"`
}

type documentItem struct {
	SourceID    string `dynamodbav:"source_id"`
	URL         string `dynamodbav:"url"`
	FirstSeenAt string `dynamodbav:"first_seen_at"`
	LastSeenAt  string `dynamodbav:"last_seen_at"`
	Title       string `dynamodbav:"title"`
}

type scheduleItem struct {
	SourceID            string `dynamodbav:"source_id"`
	Enabled             bool   `dynamodbav:"enabled"`
	AllowedStartHourUTC *int   `dynamodbav:"allowed_start_hour_utc,omitempty"`
	AllowedEndHourUTC   *int   `dynamodbav:"allowed_end_hour_utc,omitempty"`
}

// New builds a Store. A nil clock uses wall time.
func New(client dynamodbiface.DynamoDBAPI, tables Tables, clock crawler.Clock) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("dynamodb client is required")
	}
	return &Store{client: client, tables: tables.withDefaults(), clock: clock}, nil
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock.Now().UTC()
	}
	return time.Now().UTC()
}

// GetState reads the state row; a missing row yields nil.
func (s *Store) GetState(ctx context.Context, sourceID string) (*crawler.SourceState, error) {
	out, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tables.SourceState),
		Key:            sourceKey(sourceID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get source state %s: %w", sourceID, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var item stateItem
	if err := dynamodbattribute.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal source state %s: %w", sourceID, err)
	}
	return &crawler.SourceState{
		SourceID:         item.SourceID,
		LastCrawledAt:    parseTime(item.LastCrawledAt),
		LastSuccessAt:    parseTime(item.LastSuccessAt),
		LastErrorAt:      parseTime(item.LastErrorAt),
		LastErrorMessage: item.LastErrorMessage,
		LastSeenPostedAt: parseTime(item.LastSeenPostedAt),
	}, nil
}

// UpsertSuccess sets crawl/success times, removes error attributes, and
// writes the watermark when present.
func (s *Store) UpsertSuccess(ctx context.Context, sourceID string, watermark *time.Time) error {
	now := formatTime(s.now())
	update := "SET last_crawled_at = :now, last_success_at = :now"
	values := map[string]*dynamodb.AttributeValue{
		":now": {S: aws.String(now)},
	}
	if watermark != nil {
		update += ", last_seen_posted_at = :wm"
		values[":wm"] = &dynamodb.AttributeValue{S: aws.String(formatTime(*watermark))}
	}
	update += " REMOVE last_error_at, last_error_message"
	_, err := s.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tables.SourceState),
		Key:                       sourceKey(sourceID),
		UpdateExpression:          aws.String(update),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("upsert success %s: %w", sourceID, err)
	}
	return nil
}

// UpsertError stamps crawl/error times and the message only.
func (s *Store) UpsertError(ctx context.Context, sourceID string, cause error) error {
	now := formatTime(s.now())
	_, err := s.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tables.SourceState),
		Key:              sourceKey(sourceID),
		UpdateExpression: aws.String("SET last_crawled_at = :now, last_error_at = :now, last_error_message = :msg"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":now": {S: aws.String(now)},
			":msg": {S: aws.String(crawler.ErrorMessage(cause))},
		},
	})
	if err != nil {
		return fmt.Errorf("upsert error %s: %w", sourceID, err)
	}
	return nil
}

// InsertIfNew performs a conditional put on (source_id, url). When the item
// exists, last_seen_at is advanced and false is returned.
func (s *Store) InsertIfNew(ctx context.Context, doc crawler.NormalizedDocument) (bool, error) {
	now := formatTime(s.now())
	item, err := dynamodbattribute.MarshalMap(documentItem{
		SourceID:    doc.SourceID,
		URL:         doc.URL,
		FirstSeenAt: now,
		LastSeenAt:  now,
		Title:       doc.Title,
	})
	if err != nil {
		return false, fmt.Errorf("marshal document: %w", err)
	}
	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tables.Documents),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(source_id) AND attribute_not_exists(#u)"),
		ExpressionAttributeNames: map[string]*string{
			"#u": aws.String("url"),
		},
	})
	if err == nil {
		return true, nil
	}
	if !isConditionalCheckFailed(err) {
		return false, fmt.Errorf("insert document %s: %w", doc.URL, err)
	}
	_, err = s.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tables.Documents),
		Key: map[string]*dynamodb.AttributeValue{
			"source_id": {S: aws.String(doc.SourceID)},
			"url":       {S: aws.String(doc.URL)},
		},
		UpdateExpression: aws.String("SET last_seen_at = :now"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":now": {S: aws.String(now)},
		},
	})
	if err != nil {
		return false, fmt.Errorf("touch document %s: %w", doc.URL, err)
	}
	return false, nil
}

// GetSchedule reads the schedule row; a missing row yields nil.
func (s *Store) GetSchedule(ctx context.Context, sourceID string) (*crawler.ScheduleConfig, error) {
	out, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.Schedule),
		Key:       sourceKey(sourceID),
	})
	if err != nil {
		return nil, fmt.Errorf("get schedule %s: %w", sourceID, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var item scheduleItem
	if err := dynamodbattribute.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal schedule %s: %w", sourceID, err)
	}
	return &crawler.ScheduleConfig{
		SourceID:            item.SourceID,
		Enabled:             item.Enabled,
		AllowedStartHourUTC: item.AllowedStartHourUTC,
		AllowedEndHourUTC:   item.AllowedEndHourUTC,
	}, nil
}

// UpsertSchedule replaces the schedule row.
func (s *Store) UpsertSchedule(ctx context.Context, cfg crawler.ScheduleConfig) error {
	item, err := dynamodbattribute.MarshalMap(scheduleItem{
		SourceID:            cfg.SourceID,
		Enabled:             cfg.Enabled,
		AllowedStartHourUTC: cfg.AllowedStartHourUTC,
		AllowedEndHourUTC:   cfg.AllowedEndHourUTC,
	})
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	if _, err := s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.Schedule),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put schedule %s: %w", cfg.SourceID, err)
	}
	return nil
}

// Close implements crawler.Store; the SDK client needs no teardown.
func (s *Store) Close() error { return nil }

func sourceKey(sourceID string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"source_id": {S: aws.String(sourceID)},
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func isConditionalCheckFailed(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
}
