// Copyright 2025 James Ross
package eventbus

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// jobUpdatedEvent is the payload published for every job change, scaled
// down from the teacher's JobEvent (event-hooks/types.go) to the one field
// an external subscriber actually needs to go re-fetch the job.
type jobUpdatedEvent struct {
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
}

// NATSBus publishes job-updated notifications to a NATS subject for
// external consumers (ops dashboards, downstream automation) outside this
// process, grounded on the teacher's internal/event-hooks NATSPublisher
// (subject templating, best-effort publish-and-log-on-failure).
type NATSBus struct {
	conn    *nats.Conn
	subject string
	log     *zap.Logger
}

// NewNATSBus connects to natsURL and returns a bus publishing to subject
// (default "dubbing.jobs.updated" when empty).
func NewNATSBus(natsURL, subject string, log *zap.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, err
	}
	if subject == "" {
		subject = "dubbing.jobs.updated"
	}
	return &NATSBus{conn: conn, subject: subject, log: log}, nil
}

func (b *NATSBus) PublishJobUpdate(jobID string) {
	payload, err := json.Marshal(jobUpdatedEvent{JobID: jobID, Timestamp: time.Now()})
	if err != nil {
		return
	}
	if err := b.conn.Publish(b.subject, payload); err != nil {
		if b.log != nil {
			b.log.Warn("nats publish failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}

func (b *NATSBus) Close() {
	b.conn.Close()
}
