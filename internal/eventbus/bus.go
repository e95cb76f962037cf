// Copyright 2025 James Ross

// Package eventbus implements internal/scheduler.EventPublisher: a narrow
// "a job changed" fan-out seam, adapted from the teacher's
// internal/event-hooks (its JobEvent/NATSPublisher shape scaled down to one
// method and one event kind, since spec §4.10's SSE/WebSocket layer already
// re-derives full job state from the store on its own poll — this bus only
// needs to say "something changed, look again").
package eventbus

// Publisher is the seam internal/scheduler.EventPublisher is satisfied by;
// defined here (rather than imported from scheduler) so eventbus has no
// dependency on the scheduler package.
type Publisher interface {
	PublishJobUpdate(jobID string)
}

// Multi fans a single PublishJobUpdate out to every publisher in the list,
// so the scheduler can be wired to both the in-process wake bus and an
// external NATS publisher simultaneously.
type Multi []Publisher

func (m Multi) PublishJobUpdate(jobID string) {
	for _, p := range m {
		if p != nil {
			p.PublishJobUpdate(jobID)
		}
	}
}
