// Package kafka publishes accepted messages to a topic for out-of-band
// delivery (email, push) handled by other services.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/matheus3301/dealroom/internal/conversation"
	"go.uber.org/zap"
)

// RecordType is the type header and JSON type of every record.
const RecordType = "message.accepted"

// Record is the JSON value of a published message.
type Record struct {
	Type           string               `json:"type"`
	ConversationID string               `json:"conversationId"`
	SubjectID      string               `json:"subjectId"`
	SubjectTitle   string               `json:"subjectTitle,omitempty"`
	Recipients     []string             `json:"recipients"`
	Message        conversation.Message `json:"message"`
	OccurredAt     time.Time            `json:"occurredAt"`
}

// Notifier is a chat.Notifier backed by a sync producer.
type Notifier struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// Dial connects an idempotent producer with acks=all.
func Dial(brokers []string, topic string, logger *zap.Logger) (*Notifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers")
	}
	cfg := sarama.NewConfig()
	cfg.ClientID = "dealroomd"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Return.Successes = true
	cfg.Net.MaxOpenRequests = 1
	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return New(p, topic, logger), nil
}

// New wraps an existing producer.
func New(p sarama.SyncProducer, topic string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{producer: p, topic: topic, logger: logger}
}

// recipients are the parties that did not write msg.
func recipients(c conversation.Conversation, msg conversation.Message) []string {
	if msg.Sender == conversation.SystemSender {
		return []string{c.ParticipantA, c.ParticipantB}
	}
	return []string{c.Other(msg.Sender)}
}

func (n *Notifier) MessageAccepted(ctx context.Context, c conversation.Conversation, msg conversation.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(Record{
		Type:           RecordType,
		ConversationID: c.ID,
		SubjectID:      c.SubjectID,
		SubjectTitle:   c.SubjectTitle,
		Recipients:     recipients(c, msg),
		Message:        msg,
		OccurredAt:     msg.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	partition, offset, err := n.producer.SendMessage(&sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(c.ID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(RecordType)},
			{Key: []byte("conversation_id"), Value: []byte(c.ID)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", RecordType, err)
	}
	n.logger.Debug("message published",
		zap.String("conversation_id", c.ID),
		zap.String("message_id", msg.ID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func (n *Notifier) Close() error {
	return n.producer.Close()
}
