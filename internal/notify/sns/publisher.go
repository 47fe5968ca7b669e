// Package sns publishes notifications to an Amazon SNS topic.
package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	awssns "github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

// Config selects the region and optional endpoint override (LocalStack).
type Config struct {
	Region   string
	Endpoint string
}

// Publisher sends JSON notifications to SNS.
type Publisher struct {
	client snsiface.SNSAPI
}

// New wraps an existing SNS client.
func New(client snsiface.SNSAPI) *Publisher {
	return &Publisher{client: client}
}

// NewClient builds an SNS client from cfg using the default credential chain.
func NewClient(cfg Config) (*awssns.SNS, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return awssns.New(sess), nil
}

// Publish marshals payload to JSON and publishes it to the topic ARN.
// Notifications carry a source_id message attribute for subscription filters.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("sns client is not configured")
	}
	if topic == "" {
		return "", fmt.Errorf("sns topic arn is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	input := &awssns.PublishInput{
		TopicArn: aws.String(topic),
		Message:  aws.String(string(data)),
	}
	if n, ok := payload.(crawler.Notification); ok && n.SourceID != "" {
		input.MessageAttributes = map[string]*awssns.MessageAttributeValue{
			"source_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(n.SourceID),
			},
		}
	}
	out, err := p.client.PublishWithContext(ctx, input)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return aws.StringValue(out.MessageId), nil
}
