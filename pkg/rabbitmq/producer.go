/**
 * @description
 * This package provides a producer for publishing licensing events to RabbitMQ.
 * The reconciler publishes subscription lifecycle changes and announcement events
 * here; a downstream push sender consumes them and fans out to devices.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Exchange and routing keys used by the licensing-service.
const (
	LicensingExchange          = "licensing.events"
	RoutingKeySubUpdated       = "subscription.updated"
	RoutingKeySubLapsed        = "subscription.lapsed"
	RoutingKeyAnnouncementPush = "announcement.published"
)

// SubscriptionEvent is the payload published when a user's derived subscription
// state changes (reconciliation or sweep).
type SubscriptionEvent struct {
	UID              string    `json:"uid"`
	PurchaseToken    string    `json:"purchase_token,omitempty"`
	Status           string    `json:"status"`
	ExpiryTimeMillis int64     `json:"expiry_time_millis,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// AnnouncementEvent is the payload published for downstream push fan-out.
type AnnouncementEvent struct {
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishSubscriptionEvent(ctx context.Context, routingKey string, event SubscriptionEvent) error
	PublishAnnouncement(ctx context.Context, event AnnouncementEvent) error
	Close()
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *EventProducerFallback) PublishSubscriptionEvent(ctx context.Context, routingKey string, event SubscriptionEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"subscription event publish skipped\" uid=%s", event.UID)
	return nil
}

func (p *EventProducerFallback) PublishAnnouncement(ctx context.Context, event AnnouncementEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"announcement publish skipped\" title=%q", event.Title)
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(LicensingExchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// Publish marshals the body to JSON and publishes it to the given exchange/routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
}

// PublishSubscriptionEvent publishes a subscription lifecycle event.
func (p *EventProducer) PublishSubscriptionEvent(ctx context.Context, routingKey string, event SubscriptionEvent) error {
	return p.Publish(ctx, LicensingExchange, routingKey, event)
}

// PublishAnnouncement publishes an announcement for downstream push fan-out.
func (p *EventProducer) PublishAnnouncement(ctx context.Context, event AnnouncementEvent) error {
	return p.Publish(ctx, LicensingExchange, RoutingKeyAnnouncementPush, event)
}

// Close shuts down the channel and connection.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
