package notify

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

// LogPublisher writes notifications to the log instead of a broker. It is
// useful during development when no topic is provisioned.
type LogPublisher struct {
	logger *zap.Logger
	seq    atomic.Int64
}

// NewLogPublisher wires a zap logger to the Publisher interface.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the notification fields.
func (p *LogPublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	id := fmt.Sprintf("log-%d", p.seq.Add(1))
	fields := []zap.Field{zap.String("topic", topic), zap.String("message_id", id)}
	if n, ok := payload.(crawler.Notification); ok {
		fields = append(fields,
			zap.String("source_id", n.SourceID),
			zap.String("source_name", n.SourceName),
			zap.String("title", n.Title),
			zap.String("url", n.URL),
			zap.Time("collected_at", n.CollectedAt),
			zap.Int("attachment_count", n.AttachmentCount),
		)
	} else {
		fields = append(fields, zap.Any("payload", payload))
	}
	p.logger.Info("new document", fields...)
	return id, nil
}
