package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/eduintbd/eod-sub000/internal/model"
)

// Alert stream layout. Subjects follow settle.margin.alerts.{alert_type}.
const (
	AlertStream        = "SETTLE_MARGIN_ALERTS"
	AlertSubjectPrefix = "settle.margin.alerts"
)

// ConnectNATS dials the server and opens a JetStream context. The
// connection reconnects forever.
func ConnectNATS(url string, log *slog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("settlement-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureAlertStream creates or updates the alert stream.
func EnsureAlertStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       AlertStream,
		Subjects:   []string{AlertSubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     30 * 24 * time.Hour,
		Duplicates: 24 * time.Hour,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create alert stream: %w", err)
	}
	return nil
}

// Publisher is the part of jetstream.JetStream the alert publisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSPublisher publishes margin alerts to JetStream.
type NATSPublisher struct {
	js Publisher
}

// NewNATSPublisher creates a publisher over js.
func NewNATSPublisher(js Publisher) *NATSPublisher {
	return &NATSPublisher{js: js}
}

// Subject returns the subject an alert is published on.
func Subject(alert model.MarginAlert) string {
	return AlertSubjectPrefix + "." + string(alert.Type)
}

// MsgID is the JetStream de-duplication key of an alert: one alert per
// client, date and type.
func MsgID(alert model.MarginAlert) string {
	return alert.ClientID + ":" + alert.AlertDate.Format(time.DateOnly) + ":" + string(alert.Type)
}

// NotifyAlert publishes the alert and waits for the stream's ack.
func (p *NATSPublisher) NotifyAlert(ctx context.Context, alert model.MarginAlert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if _, err := p.js.Publish(ctx, Subject(alert), data, jetstream.WithMsgID(MsgID(alert))); err != nil {
		return fmt.Errorf("publish %s: %w", Subject(alert), err)
	}
	return nil
}
