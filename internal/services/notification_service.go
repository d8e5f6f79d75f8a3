// internal/services/notification_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/medequip-scraper/internal/config"
	"github.com/javajoker/medequip-scraper/internal/models"
)

const (
	EventProductCreated = "product.created"
	EventProductUpdated = "product.updated"
)

type ProductEvent struct {
	Type       string        `json:"type"`
	ProductID  uuid.UUID     `json:"product_id"`
	Source     models.Source `json:"source"`
	SourceID   string        `json:"source_id"`
	Name       string        `json:"name"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// NotificationService publishes catalog change events to Kafka. Without
// brokers it is a no-op.
type NotificationService struct {
	producer sarama.SyncProducer
	topic    string
	log      *logrus.Entry
}

func NewNotificationService(cfg config.KafkaConfig) (*NotificationService, error) {
	if len(cfg.Brokers) == 0 {
		return NewNotificationServiceWithProducer(nil, cfg.ProductTopic), nil
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.ClientID = cfg.ClientID
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewNotificationServiceWithProducer(producer, cfg.ProductTopic), nil
}

func NewNotificationServiceWithProducer(producer sarama.SyncProducer, topic string) *NotificationService {
	return &NotificationService{
		producer: producer,
		topic:    topic,
		log:      logrus.WithFields(logrus.Fields{"component": "notifications", "topic": topic}),
	}
}

func (s *NotificationService) Enabled() bool {
	return s.producer != nil
}

// PublishProductChange keys messages by source and source id so all events
// of one product land on the same partition.
func (s *NotificationService) PublishProductChange(ctx context.Context, event ProductEvent) error {
	if s.producer == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(string(event.Source) + ":" + event.SourceID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
	}

	partition, offset, err := s.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}

	s.log.WithFields(logrus.Fields{
		"type":       event.Type,
		"product_id": event.ProductID,
		"partition":  partition,
		"offset":     offset,
	}).Debug("Product event published")
	return nil
}

func (s *NotificationService) Close() error {
	if s.producer == nil {
		return nil
	}
	return s.producer.Close()
}
