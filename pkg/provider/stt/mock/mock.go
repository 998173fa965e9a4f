// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession(8)
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.Emit(stt.Transcript{Text: "hello", IsFinal: true})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil, StartStream
	// returns a new default Session.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(16), nil
}

// Calls returns a copy of the recorded StartStream calls.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StartStreamCall(nil), p.StartStreamCalls...)
}

// Session is a mock implementation of stt.SessionHandle.
//
// Results are delivered through the channel created by NewSession. Calling
// Close closes it, mirroring a provider whose connection has ended.
type Session struct {
	mu sync.Mutex

	results   chan stt.Transcript
	closeOnce sync.Once
	closed    bool
	finished  bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// FinishErr, if non-nil, is returned by Finish.
	FinishErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// CloseOnFinish closes the results channel as soon as Finish is called,
	// like a service that flushes and hangs up after CloseStream.
	CloseOnFinish bool

	// FinishResults are emitted, in order, when Finish is called and before
	// the channel is closed by CloseOnFinish.
	FinishResults []stt.Transcript

	// AudioChunks records every chunk passed to SendAudio. Each entry is a copy.
	AudioChunks [][]byte

	// FinishCallCount is the number of times Finish was called.
	FinishCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession creates a Session whose results channel holds up to buffer items.
func NewSession(buffer int) *Session {
	return &Session{results: make(chan stt.Transcript, buffer)}
}

// Emit queues a transcript on the results channel. It is a no-op after Close.
func (s *Session) Emit(t stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.results <- t
}

// SendAudio records a copy of chunk and returns SendAudioErr. After Finish or
// Close it returns stt.ErrSessionClosed.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	if s.closed || s.finished {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.AudioChunks = append(s.AudioChunks, cp)
	return nil
}

// Results returns the results channel.
func (s *Session) Results() <-chan stt.Transcript { return s.results }

// Finish records the call, emits FinishResults and, with CloseOnFinish,
// closes the results channel.
func (s *Session) Finish() error {
	s.mu.Lock()
	s.FinishCallCount++
	s.finished = true
	for _, t := range s.FinishResults {
		if !s.closed {
			s.results <- t
		}
	}
	closeNow := s.CloseOnFinish
	err := s.FinishErr
	s.mu.Unlock()

	if closeNow {
		s.closeResults()
	}
	return err
}

// Close records the call, closes the results channel and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	err := s.CloseErr
	s.mu.Unlock()

	s.closeResults()
	return err
}

// Chunks returns a copy of the recorded audio chunks.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.AudioChunks...)
}

// Finishes returns how many times Finish was called.
func (s *Session) Finishes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FinishCallCount
}

// Closes returns how many times Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

func (s *Session) closeResults() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.results)
		s.mu.Unlock()
	})
}

// Compile-time interface assertions.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)
