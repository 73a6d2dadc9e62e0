package synth

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-voiceclone/internal/eventstore"
)

// Recorder persists synthesis outcomes.
type Recorder interface {
	Record(ctx context.Context, rec eventstore.Synthesis) error
}

type recorded struct {
	next  Handler
	store Recorder
	log   *slog.Logger
}

// Recorded wraps next so every outcome is written to store. Recording failures are logged only.
func Recorded(next Handler, store Recorder, log *slog.Logger) Handler {
	return &recorded{next: next, store: store, log: log.With(slog.String("component", "synth-history"))}
}

func (r *recorded) Handle(ctx context.Context, req Request) (Artifact, error) {
	artifact, err := r.next.Handle(ctx, req)

	rec := eventstore.Synthesis{
		ID:          req.ID,
		Source:      req.Source,
		Text:        req.Text,
		PromptAudio: req.PromptAudio,
		Streaming:   req.Streaming,
		Status:      eventstore.StatusSucceeded,
		OutputPath:  artifact.Path,
		SampleRate:  artifact.SampleRate,
		Samples:     artifact.Samples,
	}
	if err != nil {
		rec.Status = eventstore.StatusFailed
		rec.ErrorKind = Kind(err)
		rec.Error = err.Error()
	}
	if recErr := r.store.Record(context.WithoutCancel(ctx), rec); recErr != nil {
		r.log.Warn("failed to record synthesis", slog.String("request_id", req.ID), slogError(recErr))
	}
	return artifact, err
}
