package bus

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSMirror republishes bus traffic on NATS core subjects
// "<subject>.<kind>" for external observers.
type NATSMirror struct {
	nc      natsConn
	subject string
}

// natsConn is the part of *nats.Conn the mirror uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NewNATSMirror connects to the NATS server at url.
func NewNATSMirror(url, subject string) (*NATSMirror, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("harvest-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	if subject == "" {
		subject = "harvest.events"
	}
	return &NATSMirror{nc: nc, subject: subject}, nil
}

// Publish implements Mirror.
func (m *NATSMirror) Publish(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return m.nc.Publish(SubjectFor(m.subject, env.Kind), data)
}

// Close drains pending publishes and closes the connection.
func (m *NATSMirror) Close() error {
	return m.nc.Drain()
}

// SubjectFor builds the NATS subject a kind is mirrored on.
func SubjectFor(base string, kind Kind) string {
	return base + "." + string(kind)
}
