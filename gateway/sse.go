package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/kettleworks/maestro/graph"
)

// sseSink adapts an http.ResponseWriter to graph.StreamSink, framing each
// pushed frame as one SSE data event. Push is safe for concurrent use and
// returns an error once the client is gone.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	done    <-chan struct{}
	closed  bool
}

func newSSESink(w http.ResponseWriter, done <-chan struct{}) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseSink{w: w, flusher: flusher, done: done}, nil
}

// Push implements graph.StreamSink.
func (s *sseSink) Push(f graph.Frame) error {
	select {
	case <-s.done:
		return fmt.Errorf("client disconnected")
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		s.closed = true
		return err
	}
	s.flusher.Flush()
	return nil
}

// finish sends the terminal frame and closes the sink.
func (s *sseSink) finish(meta map[string]any) {
	_ = s.Push(graph.Frame{Done: true, SummaryMeta: meta})
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
