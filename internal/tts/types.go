package tts

import "context"

// ZeroShotRequest carries the inputs of a voice-cloning inference.
type ZeroShotRequest struct {
	Text        string
	Prompt      string
	PromptAudio string
	Stream      bool
}

// Chunk is one increment of mono float samples at the model's sample rate.
type Chunk struct {
	Sequence int
	Samples  []float32
}

// Model is the contract for a loaded zero-shot TTS model.
//
// InferenceZeroShot yields chunks in temporal order and closes the chunk channel
// when done. At most one error is delivered. Cancelling ctx stops generation.
type Model interface {
	SampleRate() int
	InferenceZeroShot(ctx context.Context, req ZeroShotRequest) (<-chan Chunk, <-chan error)
}
