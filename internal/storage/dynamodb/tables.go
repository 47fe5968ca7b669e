package dynamodb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

// ClientConfig configures the SDK client.
type ClientConfig struct {
	Region   string
	Endpoint string
}

// NewClient opens a DynamoDB client. Endpoint is set for DynamoDB Local.
func NewClient(cfg ClientConfig) (*dynamodb.DynamoDB, error) {
	awsConfig := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return dynamodb.New(sess), nil
}

type keyAttr struct {
	name    string
	keyType string
}

// EnsureTables creates the store tables and, when lockTable is non-empty,
// the lock table with TTL on expires_at. Existing tables are left alone.
func EnsureTables(ctx context.Context, client dynamodbiface.DynamoDBAPI, tables Tables, lockTable string) error {
	tables = tables.withDefaults()
	specs := map[string][]keyAttr{
		tables.SourceState: {{"source_id", dynamodb.KeyTypeHash}},
		tables.Documents:   {{"source_id", dynamodb.KeyTypeHash}, {"url", dynamodb.KeyTypeRange}},
		tables.Schedule:    {{"source_id", dynamodb.KeyTypeHash}},
	}
	if lockTable != "" {
		specs[lockTable] = []keyAttr{{"lock_id", dynamodb.KeyTypeHash}}
	}
	for name, keys := range specs {
		created, err := ensureTable(ctx, client, name, keys)
		if err != nil {
			return err
		}
		if created && name == lockTable {
			if _, err := client.UpdateTimeToLiveWithContext(ctx, &dynamodb.UpdateTimeToLiveInput{
				TableName: aws.String(name),
				TimeToLiveSpecification: &dynamodb.TimeToLiveSpecification{
					AttributeName: aws.String("expires_at"),
					Enabled:       aws.Bool(true),
				},
			}); err != nil {
				return fmt.Errorf("enable ttl on %s: %w", name, err)
			}
		}
	}
	return nil
}

func ensureTable(ctx context.Context, client dynamodbiface.DynamoDBAPI, name string, keys []keyAttr) (bool, error) {
	if _, err := client.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	}); err == nil {
		return false, nil
	}

	input := &dynamodb.CreateTableInput{
		TableName:   aws.String(name),
		BillingMode: aws.String(dynamodb.BillingModePayPerRequest),
	}
	for _, k := range keys {
		input.KeySchema = append(input.KeySchema, &dynamodb.KeySchemaElement{
			AttributeName: aws.String(k.name),
			KeyType:       aws.String(k.keyType),
		})
		input.AttributeDefinitions = append(input.AttributeDefinitions, &dynamodb.AttributeDefinition{
			AttributeName: aws.String(k.name),
			AttributeType: aws.String(dynamodb.ScalarAttributeTypeS),
		})
	}
	if _, err := client.CreateTableWithContext(ctx, input); err != nil {
		return false, fmt.Errorf("failed to create table %s: %w", name, err)
	}
	if err := client.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	}); err != nil {
		return false, fmt.Errorf("wait for table %s: %w", name, err)
	}
	return true, nil
}
