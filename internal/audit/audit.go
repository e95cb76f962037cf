// Copyright 2025 James Ross

// Package audit records security- and policy-relevant decisions (quota
// rejections, policy accept/reject, RBAC denials) as structured entries,
// generalizing the teacher's internal/rbac-and-tokens AuditEntry shape
// beyond HTTP-middleware destructive-operation logging to any decision
// point in the system.
package audit

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Entry is one audit record.
type Entry struct {
	ID        string
	Timestamp time.Time
	Subject   string // user id
	Action    string // e.g. "policy.job_accepted", "quota.rejected"
	Resource  string // job id, upload id, etc., when applicable
	Result    string // "ALLOWED" | "DENIED"
	Reason    string
	Details   map[string]any
}

// Emitter records an Entry. Implementations must never block or fail the
// caller's request — logging is best-effort per spec §4.7/§4.8.
type Emitter interface {
	Emit(e Entry)
}

// LogEmitter writes entries as structured zap log lines.
type LogEmitter struct {
	log *zap.Logger
}

func NewLogEmitter(log *zap.Logger) *LogEmitter {
	return &LogEmitter{log: log}
}

func (e *LogEmitter) Emit(entry Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	fields := make([]zap.Field, 0, 8+len(entry.Details))
	fields = append(fields,
		zap.String("audit_id", entry.ID),
		zap.Time("ts", entry.Timestamp),
		zap.String("subject", entry.Subject),
		zap.String("action", entry.Action),
		zap.String("resource", entry.Resource),
		zap.String("result", entry.Result),
		zap.String("reason", entry.Reason),
	)
	for k, v := range entry.Details {
		fields = append(fields, zap.Any(k, v))
	}
	e.log.Info("audit", fields...)
}

// NoopEmitter discards every entry; useful for tests.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Entry) {}
