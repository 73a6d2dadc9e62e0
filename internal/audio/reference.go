package audio

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-audio/wav"
)

var ErrNotWAV = errors.New("not a wav file")

// ProbeReference reports the duration of a WAV reference clip from its headers
// and data chunk size. Samples are not decoded.
func ProbeReference(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, ErrNotWAV
	}
	if err := dec.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("read wav: %w", err)
	}
	frameBytes := int(dec.NumChans) * int(dec.BitDepth) / 8
	if frameBytes <= 0 || dec.SampleRate == 0 || dec.PCMChunk == nil {
		return 0, fmt.Errorf("wav header without format")
	}
	frames := dec.PCMSize / frameBytes
	return time.Duration(frames) * time.Second / time.Duration(dec.SampleRate), nil
}
