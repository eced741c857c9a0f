package interfaces

import "context"

// SpeechToText turns a recorded clip into text
type SpeechToText interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// TextToSpeech renders text in a given voice
type TextToSpeech interface {
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}
