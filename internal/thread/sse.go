package thread

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sender delivers events to a client.
type Sender interface {
	Send(ev Event) error
}

// Frame encodes ev as a single SSE frame: "data: <json>\n\n".
func Frame(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(payload) + 8)
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// Writer streams events over an HTTP response.
type Writer struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	rc     *http.ResponseController
	logger zerolog.Logger
	err    error
}

// NewWriter commits SSE headers on w and returns a Writer for it. Once this
// returns, failures can only be reported as error frames.
func NewWriter(w http.ResponseWriter, logger zerolog.Logger) *Writer {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Debug().Err(err).Msg("clear write deadline")
	}

	w.WriteHeader(http.StatusOK)
	sw := &Writer{w: w, rc: rc, logger: logger}
	sw.flush()
	return sw
}

// Send writes ev as one frame and flushes it. After the first write error
// every later Send is a no-op returning that error.
func (s *Writer) Send(ev Event) error {
	frame, err := Frame(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, err := s.w.Write(frame); err != nil {
		s.err = err
		s.logger.Warn().Err(err).Str("event", ev.EventType()).Msg("stream write failed")
		return err
	}
	s.flush()
	return nil
}

// Err returns the first write error, if any.
func (s *Writer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Writer) flush() {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Debug().Err(err).Msg("stream flush failed")
	}
}
