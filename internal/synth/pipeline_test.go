package synth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-voiceclone/internal/audio"
	"github.com/loqalabs/loqa-voiceclone/internal/eventstore"
	"github.com/loqalabs/loqa-voiceclone/internal/prompt"
	"github.com/loqalabs/loqa-voiceclone/internal/tts"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeModel emits chunks, then fails with err after failAt chunks when err is set.
type fakeModel struct {
	rate   int
	chunks [][]float32
	failAt int
	err    error

	mu    sync.Mutex
	calls int
	last  tts.ZeroShotRequest
}

func (f *fakeModel) SampleRate() int { return f.rate }

func (f *fakeModel) InferenceZeroShot(ctx context.Context, req tts.ZeroShotRequest) (<-chan tts.Chunk, <-chan error) {
	f.mu.Lock()
	f.calls++
	f.last = req
	f.mu.Unlock()

	chunks := make(chan tts.Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for i, samples := range f.chunks {
			if f.err != nil && i == f.failAt {
				errs <- f.err
				return
			}
			select {
			case chunks <- tts.Chunk{Sequence: i, Samples: samples}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if f.err != nil {
			errs <- f.err
		}
	}()
	return chunks, errs
}

func (f *fakeModel) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeModel) Last() tts.ZeroShotRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func constant(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func referenceClip(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reference.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o644))
	return path
}

func newPipeline(t *testing.T, model tts.Model) (*Pipeline, string) {
	t.Helper()
	out := t.TempDir()
	return NewPipeline(model, audio.Writer{Dir: out, Prefix: "voiceclone_", BitDepth: 16}, newLogger()), out
}

func requireNoArtifacts(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestHandleMissingText(t *testing.T) {
	model := &fakeModel{rate: 16000, chunks: [][]float32{{0.1}}}
	p, _ := newPipeline(t, model)

	for _, req := range []Request{
		{},
		{PromptAudio: referenceClip(t), PromptText: "transcript", Streaming: true},
	} {
		_, err := p.Handle(context.Background(), req)
		require.ErrorIs(t, err, ErrMissingText)
		require.Equal(t, "missing_text", Kind(err))
		require.Equal(t, "合成テキストを入力してください", UserMessage(err))
	}
	require.Zero(t, model.Calls())
}

func TestHandleMissingReferenceAudio(t *testing.T) {
	model := &fakeModel{rate: 16000, chunks: [][]float32{{0.1}}}
	p, _ := newPipeline(t, model)

	_, err := p.Handle(context.Background(), Request{Text: "こんにちは。", PromptText: "transcript"})
	require.ErrorIs(t, err, ErrMissingReferenceAudio)
	require.Equal(t, "参照音声をアップロードしてください", UserMessage(err))
	require.Zero(t, model.Calls())
}

func TestHandleStreamingThreeChunks(t *testing.T) {
	model := &fakeModel{rate: 16000, chunks: [][]float32{constant(1600, 0.25), constant(1600, -0.25), constant(1600, 0.5)}}
	p, out := newPipeline(t, model)

	artifact, err := p.Handle(context.Background(), Request{Text: "こんにちは。", PromptAudio: referenceClip(t), Streaming: true})
	require.NoError(t, err)
	require.Equal(t, 4800, artifact.Samples)
	require.Equal(t, 3, artifact.Chunks)
	require.Equal(t, 16000, artifact.SampleRate)
	require.Equal(t, 300*time.Millisecond, artifact.Duration)
	require.Equal(t, out, filepath.Dir(artifact.Path))

	f, err := os.Open(artifact.Path)
	require.NoError(t, err)
	defer f.Close()
	buf, err := wav.NewDecoder(f).FullPCMBuffer()
	require.NoError(t, err)
	require.Len(t, buf.Data, 4800)
	require.Equal(t, 16000, buf.Format.SampleRate)
	require.Greater(t, buf.Data[1599], 0)
	require.Less(t, buf.Data[1600], 0)

	last := model.Last()
	require.True(t, last.Stream)
	require.Equal(t, prompt.Build(""), last.Prompt)
	require.Equal(t, "こんにちは。", last.Text)
}

func TestHandlePassesTextAndTranscriptUnchanged(t *testing.T) {
	model := &fakeModel{rate: 16000, chunks: [][]float32{{0.1}}}
	p, _ := newPipeline(t, model)

	_, err := p.Handle(context.Background(), Request{Text: "\u304b\u3099んばって", PromptAudio: referenceClip(t), PromptText: "今日はいい天気ですね。"})
	require.NoError(t, err)

	last := model.Last()
	require.Equal(t, "\u304b\u3099んばって", last.Text)
	require.Equal(t, "You are a helpful assistant.<|endofprompt|>今日はいい天気ですね。", last.Prompt)
	require.False(t, last.Stream)
}

func TestHandleNormalizesTextWhenEnabled(t *testing.T) {
	model := &fakeModel{rate: 16000, chunks: [][]float32{{0.1}}}
	p := NewPipeline(model, audio.Writer{Dir: t.TempDir(), BitDepth: 16}, newLogger(), WithTextNormalization())

	_, err := p.Handle(context.Background(), Request{Text: "\u304b\u3099んばって", PromptAudio: referenceClip(t), PromptText: "\u304b\u3099"})
	require.NoError(t, err)

	last := model.Last()
	require.Equal(t, "\u304cんばって", last.Text)
	require.Equal(t, prompt.Build("\u304b\u3099"), last.Prompt)
}

func TestHandleFailureMidStream(t *testing.T) {
	model := &fakeModel{
		rate:   16000,
		chunks: [][]float32{constant(1600, 0.1), constant(1600, 0.1)},
		failAt: 1,
		err:    errors.New("unsupported sample rate"),
	}
	p, out := newPipeline(t, model)

	_, err := p.Handle(context.Background(), Request{Text: "こんにちは。", PromptAudio: referenceClip(t), Streaming: true})
	var synthErr *SynthesisError
	require.ErrorAs(t, err, &synthErr)
	require.EqualError(t, synthErr.Err, "unsupported sample rate")
	require.Equal(t, "synthesis_failure", Kind(err))
	require.Equal(t, "音声生成エラー: unsupported sample rate", UserMessage(err))
	requireNoArtifacts(t, out)
}

func TestHandleEmptyResult(t *testing.T) {
	model := &fakeModel{rate: 16000}
	p, out := newPipeline(t, model)

	_, err := p.Handle(context.Background(), Request{Text: "。", PromptAudio: referenceClip(t)})
	require.ErrorIs(t, err, ErrEmptyResult)
	require.Equal(t, "empty_result", Kind(err))
	require.Equal(t, "音声の生成に失敗しました", UserMessage(err))

	var synthErr *SynthesisError
	require.False(t, errors.As(err, &synthErr))
	requireNoArtifacts(t, out)
}

func TestHandleUnreadableReference(t *testing.T) {
	model := &fakeModel{rate: 16000, chunks: [][]float32{{0.1}}}
	p, _ := newPipeline(t, model)

	_, err := p.Handle(context.Background(), Request{Text: "hello", PromptAudio: filepath.Join(t.TempDir(), "gone.wav")})
	var synthErr *SynthesisError
	require.ErrorAs(t, err, &synthErr)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Zero(t, model.Calls())
}

func TestHandleWithMockModel(t *testing.T) {
	out := t.TempDir()
	p := NewPipeline(tts.NewMockModel(24000, 400), audio.Writer{Dir: out, BitDepth: 32}, newLogger(),
		WithMinPromptDuration(3*time.Second))

	artifact, err := p.Handle(context.Background(), Request{Text: "こんにちは。", PromptAudio: referenceClip(t)})
	require.NoError(t, err)
	require.Equal(t, 24000, artifact.SampleRate)
	require.Equal(t, 14400, artifact.Samples)
	require.Equal(t, 1, artifact.Chunks)
	require.Positive(t, artifact.Duration)
}

func TestHandleCancelled(t *testing.T) {
	model := &fakeModel{rate: 16000, chunks: [][]float32{{0.1}}}
	p, out := newPipeline(t, model)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Handle(ctx, Request{Text: "hello", PromptAudio: referenceClip(t)})
	require.ErrorIs(t, err, context.Canceled)
	requireNoArtifacts(t, out)
}

// endlessModel streams until cancelled and reports when it stops.
type endlessModel struct {
	stopped chan struct{}
}

func (m *endlessModel) SampleRate() int { return 16000 }

func (m *endlessModel) InferenceZeroShot(ctx context.Context, _ tts.ZeroShotRequest) (<-chan tts.Chunk, <-chan error) {
	chunks := make(chan tts.Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(m.stopped)
		defer close(chunks)
		defer close(errs)
		for seq := 0; ; seq++ {
			select {
			case chunks <- tts.Chunk{Sequence: seq, Samples: []float32{0}}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

func TestStreamCloseStopsModel(t *testing.T) {
	model := &endlessModel{stopped: make(chan struct{})}
	stream := NewInvoker(model).Run(context.Background(), "text", prompt.Build(""), referenceClip(t), true)

	for i := 0; i < 3; i++ {
		chunk, err := stream.Next()
		require.NoError(t, err)
		require.Equal(t, i, chunk.Sequence)
	}
	stream.Close()

	select {
	case <-model.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("model kept generating after the stream was closed")
	}
	_, err := stream.Next()
	require.ErrorIs(t, err, io.EOF)
}

type memoryRecorder struct {
	mu   sync.Mutex
	recs []eventstore.Synthesis
}

func (m *memoryRecorder) Record(_ context.Context, rec eventstore.Synthesis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func TestRecordedWritesOutcomes(t *testing.T) {
	model := &fakeModel{rate: 16000, chunks: [][]float32{constant(160, 0.1)}}
	p, _ := newPipeline(t, model)
	rec := &memoryRecorder{}
	h := Recorded(p, rec, newLogger())

	artifact, err := h.Handle(context.Background(), Request{ID: "ok", Source: "http", Text: "hi", PromptAudio: referenceClip(t)})
	require.NoError(t, err)
	_, err = h.Handle(context.Background(), Request{ID: "bad", Source: "http"})
	require.ErrorIs(t, err, ErrMissingText)

	require.Len(t, rec.recs, 2)
	require.Equal(t, eventstore.StatusSucceeded, rec.recs[0].Status)
	require.Equal(t, artifact.Path, rec.recs[0].OutputPath)
	require.Equal(t, 160, rec.recs[0].Samples)
	require.Equal(t, eventstore.StatusFailed, rec.recs[1].Status)
	require.Equal(t, "missing_text", rec.recs[1].ErrorKind)
}
