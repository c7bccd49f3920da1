package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"pkt.systems/patchd/api"
	"pkt.systems/patchd/internal/progress"
)

// progressStream adapts the progress sink to an NDJSON HTTP response. The
// header is written lazily on the first line so synchronous validation and
// conflict errors can still answer with their proper status codes.
type progressStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	enc     *json.Encoder
	opID    string
	corr    string

	mu      sync.Mutex
	started bool
}

func newProgressStream(w http.ResponseWriter, opID, corr string) *progressStream {
	flusher, _ := w.(http.Flusher)
	return &progressStream{
		w:       w,
		flusher: flusher,
		enc:     json.NewEncoder(w),
		opID:    opID,
		corr:    corr,
	}
}

func (s *progressStream) startLocked() {
	if s.started {
		return
	}
	s.w.Header().Set("Content-Type", contentTypeNDJSON)
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

func (s *progressStream) writeLocked(line api.ProgressLine) {
	line.OperationID = s.opID
	line.CorrelationID = s.corr
	_ = s.enc.Encode(line)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// Emit implements progress.Sink.
func (s *progressStream) Emit(ev progress.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
	s.writeLocked(api.ProgressLine{
		Message: ev.Message,
		Level:   string(ev.Level),
		Alert:   ev.Alert,
		Time:    ev.Time.UTC().Format(time.RFC3339Nano),
	})
}

// finish terminates the synchronous portion. Before any line has been
// streamed an error is handed back for the regular JSON error path; once
// streaming has begun the outcome is folded into a final done line.
func (s *progressStream) finish(now time.Time, message string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started && err != nil {
		return err
	}
	s.startLocked()
	line := api.ProgressLine{
		Message: message,
		Time:    now.UTC().Format(time.RFC3339Nano),
		Done:    true,
	}
	if err != nil {
		line.Level = string(progress.LevelError)
		line.Message = "operation failed"
		line.Error = err.Error()
	}
	s.writeLocked(line)
	return nil
}
