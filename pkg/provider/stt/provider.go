// Package stt defines the Provider interface for Speech-to-Text engines.
//
// An STT provider wraps a recognition backend (a local whisper.cpp model, a
// whisper.cpp server, Vosk, Deepgram or the OpenAI transcription API) behind
// a single blocking call: one complete speech segment in, one transcript out.
// Segmentation happens upstream, so providers never see a partial utterance.
//
// Implementations must be safe for concurrent use. The live pipeline calls
// every configured provider in parallel for the same segment.
package stt

import (
	"context"
	"errors"
)

// ErrNotUnderstood is returned when the engine processed the audio but
// recognised no speech. It is an expected outcome, not a failure: callers
// record an empty transcript and carry on.
var ErrNotUnderstood = errors.New("stt: speech not understood")

// ErrEngineUnavailable is returned when the engine could not be reached or
// refused the request (network failure, server error, exhausted quota).
var ErrEngineUnavailable = errors.New("stt: engine unavailable")

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe recognises the speech in pcm, which holds signed 16-bit
	// little-endian mono samples at sampleRate Hz. language is a BCP-47 tag
	// such as "en"; an empty string leaves the choice to the engine.
	//
	// Returns ErrNotUnderstood (possibly wrapped) when no words were
	// recognised and ErrEngineUnavailable when the backend is unreachable.
	// The call honours ctx cancellation.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error)
}

// KeywordSetter is implemented by providers that accept vocabulary hints,
// such as proper nouns that should be preferred during recognition.
// Providers without hint support simply do not implement it.
type KeywordSetter interface {
	SetKeywords(keywords []KeywordBoost)
}
