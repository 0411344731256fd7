// Package bus publishes reconciled feed events on NATS for other consumers.
package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/hervehildenbrand/prefixd-sync/pkg/models"
	"github.com/hervehildenbrand/prefixd-sync/pkg/realtime"
	"github.com/hervehildenbrand/prefixd-sync/pkg/reconcile"
)

// Subjects
const (
	SubjectMitigations = "prefixd.mitigations"
	SubjectIngested    = "prefixd.events.ingested"
	SubjectResync      = "prefixd.resync"
	SubjectAnomalies   = "prefixd.anomalies"
	SubjectAll         = "prefixd.>"
)

// Message is the JSON body of every published message.
type Message struct {
	Instance     string             `json:"instance"`
	Kind         string             `json:"kind"`
	Result       string             `json:"result"`
	Reason       string             `json:"reason,omitempty"`
	MitigationID string             `json:"mitigation_id,omitempty"`
	Mitigation   *models.Mitigation `json:"mitigation,omitempty"`
	Event        *models.Event      `json:"event,omitempty"`
	At           time.Time          `json:"at"`
}

// SubjectFor returns the subject an outcome is published on, or "" when it is not published.
func SubjectFor(o reconcile.Outcome) string {
	switch o.Result {
	case reconcile.ResultResync:
		return SubjectResync
	case reconcile.ResultAnomaly:
		return SubjectAnomalies
	case reconcile.ResultApplied:
	default:
		return ""
	}
	switch o.Event.(type) {
	case realtime.EventIngested:
		return SubjectIngested
	case realtime.MitigationCreated, realtime.MitigationUpdated, realtime.MitigationExpired, realtime.MitigationWithdrawn:
		kind := strings.TrimPrefix(string(o.Event.Kind()), "Mitigation")
		return SubjectMitigations + "." + strings.ToLower(kind)
	}
	return ""
}

// MessageFor builds the body published for an outcome.
func MessageFor(instance string, o reconcile.Outcome, at time.Time) Message {
	msg := Message{
		Instance:   instance,
		Result:     o.Result.String(),
		Reason:     o.Reason,
		Mitigation: o.Mitigation,
		At:         at,
	}
	if o.Event != nil {
		msg.Kind = string(o.Event.Kind())
	}
	switch ev := o.Event.(type) {
	case realtime.MitigationCreated:
		msg.MitigationID = ev.Mitigation.ID
	case realtime.MitigationUpdated:
		msg.MitigationID = ev.Mitigation.ID
	case realtime.MitigationExpired:
		msg.MitigationID = ev.MitigationID
	case realtime.MitigationWithdrawn:
		msg.MitigationID = ev.MitigationID
	case realtime.EventIngested:
		e := ev.Event
		msg.Event = &e
	}
	return msg
}

// Connect dials NATS with the reconnect policy shared by publishers and subscribers.
func Connect(natsURL, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}

// Publisher implements reconcile.Observer.
type Publisher struct {
	conn     *nats.Conn
	instance string
	log      zerolog.Logger

	// Stats
	published uint64
	errors    uint64
}

// NewPublisher connects to natsURL.
func NewPublisher(natsURL, instance string, log zerolog.Logger) (*Publisher, error) {
	conn, err := Connect(natsURL, "prefixd-sync-"+instance)
	if err != nil {
		return nil, err
	}
	log.Info().Str("url", natsURL).Msg("connected to NATS")
	return &Publisher{conn: conn, instance: instance, log: log}, nil
}

// Observe publishes applied, anomalous and resync outcomes. NATS buffers
// publishes client-side, so this does not block on the network.
func (p *Publisher) Observe(o reconcile.Outcome) {
	subject := SubjectFor(o)
	if subject == "" {
		return
	}
	data, err := json.Marshal(MessageFor(p.instance, o, time.Now()))
	if err != nil {
		atomic.AddUint64(&p.errors, 1)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		atomic.AddUint64(&p.errors, 1)
		p.log.Warn().Err(err).Str("subject", subject).Msg("publish failed")
		return
	}
	atomic.AddUint64(&p.published, 1)
}

// Stats returns publisher statistics.
func (p *Publisher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"published": atomic.LoadUint64(&p.published),
		"errors":    atomic.LoadUint64(&p.errors),
		"connected": p.IsConnected(),
	}
}

// IsConnected reports whether the NATS connection is up.
func (p *Publisher) IsConnected() bool {
	return p.conn != nil && p.conn.IsConnected()
}

// Close flushes and closes the connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		if err := p.conn.Flush(); err != nil {
			p.log.Debug().Err(err).Msg("flush before close failed")
		}
		p.conn.Close()
		p.log.Info().Msg("disconnected from NATS")
	}
}

// Subscriber receives messages published by any prefixd-sync instance.
type Subscriber struct {
	conn *nats.Conn
	sub  *nats.Subscription
	log  zerolog.Logger
}

// Subscribe delivers every message on subject (SubjectAll when empty) to fn.
// Undecodable messages are logged and skipped.
func Subscribe(natsURL, subject string, log zerolog.Logger, fn func(subject string, msg Message)) (*Subscriber, error) {
	if subject == "" {
		subject = SubjectAll
	}
	conn, err := Connect(natsURL, "prefixd-sync-tail")
	if err != nil {
		return nil, err
	}
	sub, err := conn.Subscribe(subject, func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			log.Warn().Err(err).Str("subject", m.Subject).Msg("undecodable bus message")
			return
		}
		fn(m.Subject, msg)
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return &Subscriber{conn: conn, sub: sub, log: log}, nil
}

// Close unsubscribes and closes the connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.log.Debug().Err(err).Msg("unsubscribe failed")
		}
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
