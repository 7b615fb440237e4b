package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nsqio/go-nsq"
	"github.com/sirupsen/logrus"
)

// producer is the part of *nsq.Producer the publisher uses.
type producer interface {
	Publish(topic string, body []byte) error
	Stop()
}

// NSQPublisher publishes events as JSON to an NSQ topic.
type NSQPublisher struct {
	producer producer
	topic    string
	logger   logrus.FieldLogger
}

// NewNSQPublisher connects to the nsqd at address and verifies it answers.
func NewNSQPublisher(address, topic string, logger logrus.FieldLogger) (*NSQPublisher, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if topic == "" {
		topic = DefaultTopic
	}
	p, err := nsq.NewProducer(address, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create NSQ producer: %w", err)
	}
	p.SetLogger(nsqLogger{logger}, nsq.LogLevelWarning)
	if err := p.Ping(); err != nil {
		p.Stop()
		return nil, fmt.Errorf("failed to ping NSQ daemon: %w", err)
	}
	return newNSQPublisher(p, topic, logger), nil
}

func newNSQPublisher(p producer, topic string, logger logrus.FieldLogger) *NSQPublisher {
	return &NSQPublisher{producer: p, topic: topic, logger: logger}
}

// Publish sends evt synchronously. ctx is only checked before sending:
// go-nsq has no cancellable publish.
func (n *NSQPublisher) Publish(ctx context.Context, evt TransactionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := n.producer.Publish(n.topic, body); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", n.topic, err)
	}
	n.logger.WithFields(logrus.Fields{
		"topic":          n.topic,
		"payment_id":     evt.PaymentID,
		"transaction_id": evt.TransactionID,
		"status":         evt.Status,
	}).Debug("Published transaction event")
	return nil
}

// Stop flushes and closes the producer.
func (n *NSQPublisher) Stop() { n.producer.Stop() }

// nsqLogger routes go-nsq's internal log lines into logrus.
type nsqLogger struct {
	l logrus.FieldLogger
}

func (n nsqLogger) Output(_ int, s string) error {
	n.l.WithField("component", "nsq").Warn(strings.TrimSpace(s))
	return nil
}
