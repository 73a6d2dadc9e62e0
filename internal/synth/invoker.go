package synth

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/loqalabs/loqa-voiceclone/internal/tts"
)

// Invoker runs zero-shot inference on a shared model.
type Invoker struct {
	model tts.Model
}

func NewInvoker(model tts.Model) *Invoker {
	return &Invoker{model: model}
}

func (i *Invoker) SampleRate() int { return i.model.SampleRate() }

// Run starts inference and returns a single-pass stream of chunks.
// The caller must Close the stream; closing early stops the model.
func (i *Invoker) Run(ctx context.Context, text, fullPrompt, promptAudio string, streaming bool) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	if _, err := os.Stat(promptAudio); err != nil {
		return &Stream{ctx: ctx, cancel: cancel, err: &SynthesisError{Err: fmt.Errorf("reference audio: %w", err)}}
	}
	chunks, errs := i.model.InferenceZeroShot(ctx, tts.ZeroShotRequest{
		Text:        text,
		Prompt:      fullPrompt,
		PromptAudio: promptAudio,
		Stream:      streaming,
	})
	return &Stream{ctx: ctx, cancel: cancel, chunks: chunks, errs: errs}
}

// Stream is a forward-only sequence of model chunks.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	chunks <-chan tts.Chunk
	errs   <-chan error
	err    error
	done   bool
}

// Next returns the next chunk, io.EOF after the last one, or the fault that ended the stream.
func (s *Stream) Next() (tts.Chunk, error) {
	if s.done {
		if s.err != nil {
			return tts.Chunk{}, s.err
		}
		return tts.Chunk{}, io.EOF
	}
	if s.err != nil {
		s.done = true
		return tts.Chunk{}, s.err
	}
	if err := s.ctx.Err(); err != nil {
		return tts.Chunk{}, s.finish(fmt.Errorf("synthesis cancelled: %w", err))
	}
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
	case <-s.ctx.Done():
		return tts.Chunk{}, s.finish(fmt.Errorf("synthesis cancelled: %w", s.ctx.Err()))
	}
	if err, ok := <-s.errs; ok && err != nil {
		if s.ctx.Err() != nil {
			return tts.Chunk{}, s.finish(fmt.Errorf("synthesis cancelled: %w", s.ctx.Err()))
		}
		return tts.Chunk{}, s.finish(&SynthesisError{Err: err})
	}
	s.done = true
	return tts.Chunk{}, io.EOF
}

// Close abandons the stream. It is safe to call more than once.
func (s *Stream) Close() {
	s.done = true
	s.cancel()
}

func (s *Stream) finish(err error) error {
	s.err = err
	s.done = true
	s.cancel()
	return err
}
