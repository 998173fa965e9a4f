// Package stt defines the Provider interface for streaming Speech-to-Text backends.
//
// An STT provider wraps a realtime transcription service (e.g., Deepgram) and
// exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw PCM audio chunks and emits a
// single ordered stream of Transcript values, interim guesses and confirmed
// finals interleaved exactly as the service delivered them.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed is returned by SessionHandle methods called after the
// session has been finished or closed.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition options for a new
// STT session. Zero values let the provider fall back to its own defaults.
type StreamConfig struct {
	// Encoding names the raw sample encoding sent over the wire (e.g.,
	// "linear16" for signed 16-bit little-endian PCM).
	Encoding string

	// SampleRate is the audio sample rate in Hz. 16000 is the usual STT rate.
	SampleRate int

	// Channels is the number of interleaved audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en", "ru").
	Language string

	// Punctuate asks the service to insert punctuation and capitalisation.
	Punctuate bool

	// InterimResults enables low-latency partial transcripts.
	InterimResults bool

	// Endpointing is the silence duration after which the service closes an
	// utterance and emits a final result. Zero leaves the provider default.
	Endpointing time.Duration

	// Keywords is a list of vocabulary hints that raise recognition
	// probability for uncommon words.
	Keywords []Keyword
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM bytes. The call blocks until the
	// chunk has been handed to the transport; implementations must not retain
	// chunk after returning. Returns ErrSessionClosed after Finish or Close.
	SendAudio(chunk []byte) error

	// Results returns the ordered stream of interim and final transcripts.
	// The channel is closed when the connection ends.
	Results() <-chan Transcript

	// Finish tells the service that no more audio will follow, so it can
	// flush trailing results. The Results channel stays open until the
	// service closes the stream or Close is called.
	Finish() error

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a new streaming session. ctx bounds connection
	// establishment only; once StartStream returns, the session lives until
	// Close. The caller owns the returned SessionHandle.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
