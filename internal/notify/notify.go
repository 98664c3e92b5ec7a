// Package notify announces committed calendar syncs to other services.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	appLog "calsync/internal/log"
)

// SyncEvent is published after a sync pass commits.
type SyncEvent struct {
	SourceID   uuid.UUID   `json:"source_id"`
	UnitID     uuid.UUID   `json:"unit_id"`
	Platform   string      `json:"platform"`
	Identifier string      `json:"identifier"`
	Trigger    string      `json:"trigger"` // "upload", "url", "refresh" or "schedule"
	Added      int         `json:"added"`
	Updated    int         `json:"updated"`
	Cancelled  int         `json:"cancelled"`
	Linked     int         `json:"linked"`
	BookingIDs []uuid.UUID `json:"affected_booking_ids"`
	SyncedAt   time.Time   `json:"synced_at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev SyncEvent) error
	Close() error
}

// Nop discards events. It is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, SyncEvent) error { return nil }
func (Nop) Close() error                             { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events keyed by unit, so one unit's events stay ordered.
type Kafka struct {
	w messageWriter
}

func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic cannot be empty")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		Logger:       kafka.LoggerFunc(func(string, ...any) {}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			appLog.Warn("kafka writer: " + fmt.Sprintf(msg, args...))
		}),
	}
	return &Kafka{w: w}, nil
}

func (k *Kafka) Publish(ctx context.Context, ev SyncEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal sync event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.UnitID.String()),
		Value: payload,
		Time:  ev.SyncedAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("calendar.synced")},
		},
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish sync event: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.w.Close()
}
