package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voiceclone/internal/config"
	"github.com/mattn/go-shellwords"
)

const maxLineBytes = 64 << 20

var (
	// execWaitDelay bounds how long Wait lingers on pipes held by descendants of the command.
	execWaitDelay = 2 * time.Second
	// execDrainTimeout bounds how long output after the final line is read.
	execDrainTimeout = 2 * time.Second
)

type execModel struct {
	cmd        []string
	dir        string
	sampleRate int
	slots      chan struct{}
}

type execRequest struct {
	Text        string `json:"text"`
	PromptText  string `json:"prompt_text"`
	PromptAudio string `json:"prompt_audio"`
	Stream      bool   `json:"stream"`
	SampleRate  int    `json:"sample_rate"`
}

type execResponse struct {
	PCM        string `json:"pcm_f32le"`
	SampleRate int    `json:"sample_rate"`
	Final      bool   `json:"final"`
	Error      string `json:"error"`
}

// NewExecModel runs cfg.Command once per inference. The command receives one JSON
// request on stdin and answers with JSON lines of base64 little-endian float32 PCM.
func NewExecModel(cfg config.ModelConfig) (Model, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse model command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("model command empty")
	}
	slots := cfg.MaxConcurrent
	if slots <= 0 {
		slots = 1
	}
	return &execModel{
		cmd:        args,
		dir:        cfg.Dir,
		sampleRate: cfg.SampleRate,
		slots:      make(chan struct{}, slots),
	}, nil
}

func (e *execModel) SampleRate() int { return e.sampleRate }

func (e *execModel) InferenceZeroShot(ctx context.Context, req ZeroShotRequest) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		select {
		case e.slots <- struct{}{}:
			defer func() { <-e.slots }()
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		}

		if err := e.run(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *execModel) run(ctx context.Context, req ZeroShotRequest, chunks chan<- Chunk) error {
	data, err := json.Marshal(execRequest{
		Text:        req.Text,
		PromptText:  req.Prompt,
		PromptAudio: req.PromptAudio,
		Stream:      req.Stream,
		SampleRate:  e.sampleRate,
	})
	if err != nil {
		return err
	}

	args := append(append([]string{}, e.cmd[1:]...), "--model-dir", e.dir)
	cmd := exec.CommandContext(ctx, e.cmd[0], args...)
	cmd.Stdin = bytes.NewReader(data)
	cmd.WaitDelay = execWaitDelay
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start model command: %w", err)
	}

	// A descendant holding stdout open must not outlive cancellation.
	stopClose := context.AfterFunc(ctx, func() { _ = stdout.Close() })
	defer stopClose()

	fail := func(err error) error {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	sequence := 0
	final := false
	for !final && scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return fail(fmt.Errorf("decode model output: %w", err))
		}
		if resp.Error != "" {
			return fail(errors.New(resp.Error))
		}
		if resp.SampleRate != 0 && resp.SampleRate != e.sampleRate {
			return fail(fmt.Errorf("unsupported sample rate %d (model runs at %d)", resp.SampleRate, e.sampleRate))
		}
		samples, err := decodeFloat32LE(resp.PCM)
		if err != nil {
			return fail(err)
		}
		if len(samples) > 0 {
			select {
			case chunks <- Chunk{Sequence: sequence, Samples: samples}:
				sequence++
			case <-ctx.Done():
				return fail(ctx.Err())
			}
		}
		final = resp.Final
	}

	if final {
		// The result is complete. Trailing output is discarded and a command
		// that lingers past execDrainTimeout is killed; its exit status is ignored.
		timer := time.AfterFunc(execDrainTimeout, func() {
			_ = cmd.Process.Kill()
			_ = stdout.Close()
		})
		_, _ = io.Copy(io.Discard, stdout)
		timer.Stop()
		_ = cmd.Wait()
		return nil
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		return fail(fmt.Errorf("read model output: %w", err))
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("model command failed: %w: %s", err, msg)
		}
		return fmt.Errorf("model command failed: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func decodeFloat32LE(encoded string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode pcm: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return samples, nil
}
