// Package synth turns a voice-cloning request into an audio artifact.
package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-voiceclone/internal/audio"
	"github.com/loqalabs/loqa-voiceclone/internal/prompt"
	"github.com/loqalabs/loqa-voiceclone/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"
)

const instrumentationName = "github.com/loqalabs/loqa-voiceclone/synth"

// Request is one synthesis call. PromptText may be empty.
type Request struct {
	ID          string
	Source      string
	Text        string
	PromptAudio string
	PromptText  string
	Streaming   bool
}

// Artifact is a freshly written WAV file. The caller owns the file.
type Artifact struct {
	Path       string
	SampleRate int
	Samples    int
	Chunks     int
	Duration   time.Duration
}

// Handler is implemented by the pipeline and its decorators.
type Handler interface {
	Handle(ctx context.Context, req Request) (Artifact, error)
}

type Option func(*Pipeline)

// WithTextNormalization applies Unicode NFC to the synthesis text before inference.
// The reference transcript is never altered.
func WithTextNormalization() Option {
	return func(p *Pipeline) { p.normalize = true }
}

// WithMinPromptDuration logs a warning for reference clips shorter than d. Zero disables the check.
func WithMinPromptDuration(d time.Duration) Option {
	return func(p *Pipeline) { p.minPrompt = d }
}

// Pipeline validates a request, prompts the model, drains its chunks and writes the result.
// The model is the only shared state. Requests are independent.
type Pipeline struct {
	invoker   *Invoker
	writer    audio.Writer
	minPrompt time.Duration
	normalize bool
	log       *slog.Logger
	tracer    trace.Tracer

	requests metric.Int64Counter
	failures metric.Int64Counter
	seconds  metric.Float64Histogram
}

func NewPipeline(model tts.Model, writer audio.Writer, log *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		invoker: NewInvoker(model),
		writer:  writer,
		log:     log.With(slog.String("component", "synth-pipeline")),
		tracer:  otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slogError(err))
	}
	return p
}

func (p *Pipeline) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if p.requests, err = meter.Int64Counter("voiceclone.requests", metric.WithDescription("Synthesis requests handled")); err != nil {
		return err
	}
	if p.failures, err = meter.Int64Counter("voiceclone.failures", metric.WithDescription("Synthesis requests failed, by kind")); err != nil {
		return err
	}
	p.seconds, err = meter.Float64Histogram("voiceclone.audio.seconds", metric.WithDescription("Duration of synthesized audio"), metric.WithUnit("s"))
	return err
}

func (p *Pipeline) Handle(ctx context.Context, req Request) (Artifact, error) {
	ctx, span := p.tracer.Start(ctx, "synth.handle", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.Bool("streaming", req.Streaming),
		attribute.Int("text.runes", utf8.RuneCountInString(req.Text)),
	))
	defer span.End()
	if p.requests != nil {
		p.requests.Add(ctx, 1)
	}

	start := time.Now()
	artifact, err := p.handle(ctx, req)
	if err != nil {
		kind := Kind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		if p.failures != nil {
			p.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
		}
		p.log.Warn("synthesis failed", slog.String("request_id", req.ID), slog.String("kind", kind), slogError(err))
		return Artifact{}, err
	}
	if p.seconds != nil {
		p.seconds.Record(ctx, artifact.Duration.Seconds())
	}
	p.log.Info("synthesis complete",
		slog.String("request_id", req.ID),
		slog.String("path", artifact.Path),
		slog.Int("chunks", artifact.Chunks),
		slog.Duration("audio", artifact.Duration),
		slog.Duration("latency", time.Since(start)))
	return artifact, nil
}

func (p *Pipeline) handle(ctx context.Context, req Request) (Artifact, error) {
	if req.Text == "" {
		return Artifact{}, ErrMissingText
	}
	if req.PromptAudio == "" {
		return Artifact{}, ErrMissingReferenceAudio
	}
	p.checkReference(req.PromptAudio)

	_, span := p.tracer.Start(ctx, "synth.format")
	fullPrompt := prompt.Build(req.PromptText)
	span.End()

	text := req.Text
	if p.normalize {
		text = norm.NFC.String(text)
	}
	chunks, err := p.synthesize(ctx, text, fullPrompt, req.PromptAudio, req.Streaming)
	if err != nil {
		return Artifact{}, err
	}

	_, span = p.tracer.Start(ctx, "synth.assemble")
	defer span.End()
	assembled, err := audio.Assemble(chunks, p.invoker.SampleRate())
	if err != nil {
		return Artifact{}, err
	}
	path, err := p.writer.WriteTemp(assembled)
	if err != nil {
		return Artifact{}, fmt.Errorf("write output: %w", err)
	}
	return Artifact{
		Path:       path,
		SampleRate: assembled.SampleRate,
		Samples:    len(assembled.Samples),
		Chunks:     len(chunks),
		Duration:   assembled.Duration(),
	}, nil
}

// synthesize drains the model. Chunks received before a fault are dropped.
func (p *Pipeline) synthesize(ctx context.Context, text, fullPrompt, promptAudio string, streaming bool) ([][]float32, error) {
	ctx, span := p.tracer.Start(ctx, "synth.synthesize")
	defer span.End()

	stream := p.invoker.Run(ctx, text, fullPrompt, promptAudio, streaming)
	defer stream.Close()

	var chunks [][]float32
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk.Samples)
	}
	span.SetAttributes(attribute.Int("chunks", len(chunks)))
	return chunks, nil
}

func (p *Pipeline) checkReference(path string) {
	if p.minPrompt <= 0 {
		return
	}
	d, err := audio.ProbeReference(path)
	if err != nil {
		p.log.Debug("reference duration unknown", slog.String("path", path), slogError(err))
		return
	}
	if d < p.minPrompt {
		p.log.Warn("reference audio shorter than recommended",
			slog.Duration("duration", d), slog.Duration("recommended", p.minPrompt))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
