package ingest

import (
	"context"
	"errors"
	"sync"
)

// scriptedSource feeds a fixed set of events to a worker. Tests push events
// with emit() and end the stream with finish().
type scriptedSource struct {
	info       StreamInfo
	connectErr error

	mu     sync.Mutex
	events chan SourceEvent
	err    error
	closed bool
}

func newScriptedSource(info StreamInfo) *scriptedSource {
	return &scriptedSource{
		info:   info,
		events: make(chan SourceEvent, 16),
	}
}

func (s *scriptedSource) Connect(ctx context.Context) (StreamInfo, error) {
	if s.connectErr != nil {
		return StreamInfo{}, s.connectErr
	}
	if err := ctx.Err(); err != nil {
		return StreamInfo{}, err
	}
	return s.info, nil
}

func (s *scriptedSource) Events() <-chan SourceEvent { return s.events }

func (s *scriptedSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *scriptedSource) Close() error { return nil }

func (s *scriptedSource) emit(ev SourceEvent) { s.events <- ev }

// finish closes the event stream; a non-nil err simulates a stream failure.
func (s *scriptedSource) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.events)
}

var errDialRefused = errors.New("dial refused")

// failingDialer always fails, for dial-error paths.
func failingDialer(Target) (Source, error) {
	return nil, errDialRefused
}
