// Package notify publishes ride and booking events to the notification
// fan-out topic. Delivery is best-effort from the caller's point of view:
// lifecycle outcomes never depend on the broker.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	EventRideStarted      = "ride.started"
	EventRideCompleted    = "ride.completed"
	EventRideCancelled    = "ride.cancelled"
	EventBookingApproved  = "booking.approved"
	EventBookingRejected  = "booking.rejected"
	EventBookingCancelled = "booking.cancelled"
	EventRatingReceived   = "rating.received"
)

// Event is one notification destined for a single recipient.
type Event struct {
	Type        string    `json:"type"`
	RideID      string    `json:"ride_id"`
	BookingID   string    `json:"booking_id,omitempty"`
	RecipientID string    `json:"recipient_id"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Publisher is the sink the arbiter, lifecycle manager and rating gate emit to.
type Publisher interface {
	Publish(evt Event)
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) Publish(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now()
	}
	b, _ := json.Marshal(evt)
	_ = k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(evt.RecipientID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// NopPublisher drops events; used when no broker is configured and in tests.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
