// Package events publishes gateway lifecycle notifications (session state,
// download completion, auth changes) onto NATS for anything else on the
// site bus to consume. Publishing is fire-and-forget from the caller's
// point of view; failures are logged, never propagated.
package events

import (
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

type Publisher struct {
	conn          *nats.Conn
	subjectPrefix string
	maxRetries    int
}

func NewPublisher(conn *nats.Conn, subjectPrefix string, maxRetries int) *Publisher {
	if subjectPrefix == "" {
		subjectPrefix = "cloudcam"
	}
	return &Publisher{
		conn:          conn,
		subjectPrefix: subjectPrefix,
		maxRetries:    maxRetries,
	}
}

// Connect dials NATS with the sane reconnect options for a long-running
// daemon and returns a ready publisher.
func Connect(url, subjectPrefix string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("Events: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("Events: NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	return NewPublisher(conn, subjectPrefix, 3), nil
}

type envelope struct {
	Time    time.Time `json:"time"`
	Subject string    `json:"subject"`
	Payload any       `json:"payload"`
}

// Publish sends one event under prefix.subject. Satisfies the relay's
// EventSink.
func (p *Publisher) Publish(subject string, payload any) {
	data, err := json.Marshal(envelope{Time: time.Now(), Subject: subject, Payload: payload})
	if err != nil {
		log.Printf("Events: marshal error for %s: %v", subject, err)
		return
	}

	full := p.subjectPrefix + "." + subject
	for i := 0; i <= p.maxRetries; i++ {
		if err = p.conn.Publish(full, data); err == nil {
			return
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	log.Printf("Events: publish %s failed after %d retries: %v", full, p.maxRetries, err)
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Drain()
	}
}
