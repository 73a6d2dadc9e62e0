// Package audio joins synthesized chunks and materializes them as WAV artifacts.
package audio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrEmptyResult reports a synthesis that finished without producing audio.
var ErrEmptyResult = errors.New("synthesis produced no audio")

// Assembled is one continuous mono utterance. Callers must not mutate Samples.
type Assembled struct {
	Samples    []float32
	SampleRate int
}

func (a Assembled) Duration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(a.Samples)) * time.Second / time.Duration(a.SampleRate)
}

// Assemble concatenates chunks along the time axis in the order given.
func Assemble(chunks [][]float32, sampleRate int) (Assembled, error) {
	if sampleRate <= 0 {
		return Assembled{}, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if total == 0 {
		return Assembled{}, ErrEmptyResult
	}
	samples := make([]float32, 0, total)
	for _, c := range chunks {
		samples = append(samples, c...)
	}
	return Assembled{Samples: samples, SampleRate: sampleRate}, nil
}

// Writer creates uniquely named WAV files. An empty Dir means the system temp dir.
type Writer struct {
	Dir      string
	Prefix   string
	BitDepth int
}

// WriteTemp writes a into a new file and returns its path. A failed write leaves no file behind.
func (w Writer) WriteTemp(a Assembled) (string, error) {
	if len(a.Samples) == 0 {
		return "", ErrEmptyResult
	}
	bitDepth := w.BitDepth
	if bitDepth == 0 {
		bitDepth = 32
	}
	if bitDepth != 16 && bitDepth != 32 {
		return "", fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
	if w.Dir != "" {
		if err := os.MkdirAll(w.Dir, 0o755); err != nil {
			return "", fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.CreateTemp(w.Dir, w.Prefix+"*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	path := file.Name()
	if err := encodeWAV(file, a, bitDepth); err != nil {
		file.Close()
		os.Remove(path)
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close wav file: %w", err)
	}
	return path, nil
}

func encodeWAV(file *os.File, a Assembled, bitDepth int) error {
	peak := float64(int64(1)<<(bitDepth-1) - 1)
	data := make([]int, len(a.Samples))
	for i, s := range a.Samples {
		clamped := math.Max(-1, math.Min(1, float64(s)))
		data[i] = int(math.Round(clamped * peak))
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: a.SampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	enc := wav.NewEncoder(file, a.SampleRate, bitDepth, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
