package stt

import "time"

// Transcript is one recognition event of a session. The service keeps
// revising the current utterance with interim events until it commits it in
// a final one; a recording's text is the sequence of finals.
type Transcript struct {
	Text string

	// IsFinal marks text the service will not revise again.
	IsFinal bool

	// SpeechFinal marks the final that closed an utterance because the
	// speaker paused for the endpointing interval.
	SpeechFinal bool

	// FromFinalize marks a final flushed by [SessionHandle.Finish] rather
	// than by a pause.
	FromFinalize bool

	// Confidence is in [0, 1], zero when the service does not report it.
	Confidence float64

	// Start and Duration place the event on the session's audio timeline.
	Start    time.Duration
	Duration time.Duration

	// Words is the per-word breakdown, if the service sent one.
	Words []Word
}

// End is the offset at which the transcribed audio stops.
func (t Transcript) End() time.Duration { return t.Start + t.Duration }

// Word is one recognised word with its position in the audio.
type Word struct {
	Text       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Keyword raises the likelihood of an uncommon term, such as a product name,
// being recognised. Boost is on the service's own scale.
type Keyword struct {
	Keyword string
	Boost   float64
}
