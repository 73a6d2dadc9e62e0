package tts

import (
	"context"
	"math"
	"unicode/utf8"
)

// mockSecondsPerRune sets mock output length to 0.1 s per input character.
const mockSecondsPerRune = 0.1

type mockModel struct {
	sampleRate      int
	chunkDurationMS int
}

// NewMockModel returns a model that renders a quiet tone whose length tracks the text.
func NewMockModel(sampleRate, chunkDurationMS int) Model {
	return &mockModel{sampleRate: sampleRate, chunkDurationMS: chunkDurationMS}
}

func (m *mockModel) SampleRate() int { return m.sampleRate }

func (m *mockModel) InferenceZeroShot(ctx context.Context, req ZeroShotRequest) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		total := int(float64(utf8.RuneCountInString(req.Text)) * mockSecondsPerRune * float64(m.sampleRate))
		size := total
		if req.Stream {
			size = m.sampleRate * m.chunkDurationMS / 1000
			if size <= 0 {
				size = total
			}
		}
		sequence := 0
		for start := 0; start < total; start += size {
			end := min(start+size, total)
			samples := make([]float32, end-start)
			for i := range samples {
				t := float64(start+i) / float64(m.sampleRate)
				samples[i] = float32(0.1 * math.Sin(2*math.Pi*220*t))
			}
			select {
			case chunks <- Chunk{Sequence: sequence, Samples: samples}:
				sequence++
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}
