// Package progress implements the per-operation audit channel. Every
// operator-initiated title operation owns one Reporter: plain progress lines
// stream back to the invoking client while the request is open, optionally
// mirrored to the durable log, and alerts additionally reach the configured
// operator-notification sink. Background reconciliation outlives the request,
// so closing a Reporter only detaches the client stream; the log and alert
// paths keep working.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/patchd/internal/clock"
)

// Level classifies a progress line for the durable log mirror.
type Level string

const (
	// LevelNone streams the line without mirroring it to the log.
	LevelNone Level = ""
	// LevelInfo mirrors at info severity.
	LevelInfo Level = "info"
	// LevelWarn mirrors at warn severity.
	LevelWarn Level = "warn"
	// LevelError mirrors at error severity.
	LevelError Level = "error"
)

// Event is one line of a progress stream.
type Event struct {
	OperationID string    `json:"operation_id"`
	Message     string    `json:"message"`
	Level       Level     `json:"level,omitempty"`
	Alert       bool      `json:"alert,omitempty"`
	Time        time.Time `json:"time"`
}

// Sink consumes progress events in near-real-time, typically streaming them
// to the invoking client.
type Sink interface {
	Emit(ev Event)
}

// Alerter forwards escalations to an operator-notification sink (chat
// webhook, pager, ...). Implementations must be safe for concurrent use.
type Alerter interface {
	Alert(ctx context.Context, message string) error
}

// Config assembles a Reporter.
type Config struct {
	OperationID string
	Sink        Sink
	Logger      pslog.Logger
	Alerter     Alerter
	Clock       clock.Clock
}

// Reporter is the append-only progress channel for one operation.
type Reporter struct {
	opID    string
	logger  pslog.Logger
	alerter Alerter
	clock   clock.Clock

	mu     sync.Mutex
	sink   Sink
	closed bool
}

// New constructs a Reporter. A nil Sink is valid for operations with no
// attached client (and for reconciler-only reporters).
func New(cfg Config) *Reporter {
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Reporter{
		opID:    cfg.OperationID,
		logger:  cfg.Logger,
		alerter: cfg.Alerter,
		clock:   cfg.Clock,
		sink:    cfg.Sink,
	}
}

// OperationID returns the operation this reporter belongs to.
func (r *Reporter) OperationID() string {
	return r.opID
}

// Progress appends a line to the operation stream without touching the log.
func (r *Reporter) Progress(msg string) {
	r.emit(Event{Message: msg})
}

// Progressf is Progress with formatting.
func (r *Reporter) Progressf(format string, args ...any) {
	r.Progress(fmt.Sprintf(format, args...))
}

// Log appends a line to the stream and mirrors it to the durable log at the
// supplied severity.
func (r *Reporter) Log(level Level, msg string) {
	switch level {
	case LevelWarn:
		r.logger.Warn(msg, "operation_id", r.opID)
	case LevelError:
		r.logger.Error(msg, "operation_id", r.opID)
	case LevelInfo:
		r.logger.Info(msg, "operation_id", r.opID)
	}
	r.emit(Event{Message: msg, Level: level})
}

// Logf is Log with formatting.
func (r *Reporter) Logf(level Level, format string, args ...any) {
	r.Log(level, fmt.Sprintf(format, args...))
}

// Alert escalates: the line reaches the stream (when still open), the log at
// error severity, and the operator-notification sink when configured.
func (r *Reporter) Alert(ctx context.Context, msg string) {
	r.logger.Error(msg, "operation_id", r.opID, "alert", true)
	r.emit(Event{Message: msg, Level: LevelError, Alert: true})
	if r.alerter == nil {
		return
	}
	if err := r.alerter.Alert(ctx, msg); err != nil {
		r.logger.Warn("progress.alert_sink_failed", "operation_id", r.opID, "error", err)
	}
}

// Alertf is Alert with formatting.
func (r *Reporter) Alertf(ctx context.Context, format string, args ...any) {
	r.Alert(ctx, fmt.Sprintf(format, args...))
}

// Close detaches the client stream. The reporter remains usable for the
// log/alert paths, which background tasks rely on after the originating
// request has returned.
func (r *Reporter) Close() {
	r.mu.Lock()
	r.closed = true
	r.sink = nil
	r.mu.Unlock()
}

func (r *Reporter) emit(ev Event) {
	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()
	if sink == nil {
		return
	}
	ev.OperationID = r.opID
	ev.Time = r.clock.Now()
	sink.Emit(ev)
}
