package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voiceclone/internal/bus"
	"github.com/loqalabs/loqa-voiceclone/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service answers synthesis requests arriving on the bus.
type Service struct {
	handler Handler
	bus     *bus.Client
	nodeID  string
	timeout time.Duration
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewService(parent context.Context, handler Handler, busClient *bus.Client, nodeID string, timeout time.Duration, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		handler: handler,
		bus:     busClient,
		nodeID:  nodeID,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "synth-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSynthesize, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe synthesis requests: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SynthesisRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode synthesis request", slogError(err))
		s.reply(msg, protocol.SynthesisResult{Error: "invalid request", ErrorKind: "invalid_request", Timestamp: time.Now().UTC()})
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		artifact, err := s.handler.Handle(ctx, Request{
			ID:          req.RequestID,
			Source:      "bus",
			Text:        req.Text,
			PromptAudio: req.PromptAudio,
			PromptText:  req.PromptText,
			Streaming:   req.Stream,
		})
		result := protocol.SynthesisResult{
			RequestID: req.RequestID,
			NodeID:    s.nodeID,
			Timestamp: time.Now().UTC(),
		}
		if err != nil {
			result.Error = UserMessage(err)
			result.ErrorKind = Kind(err)
		} else {
			result.OutputPath = artifact.Path
			result.SampleRate = artifact.SampleRate
			result.Samples = artifact.Samples
			result.DurationMS = artifact.Duration.Milliseconds()
		}
		s.reply(msg, result)
		s.publishDone(result)
	}()
}

func (s *Service) reply(msg *nats.Msg, result protocol.SynthesisResult) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn("failed to marshal synthesis result", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to reply to synthesis request", slogError(err))
	}
}

func (s *Service) publishDone(result protocol.SynthesisResult) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSynthesisDone, data); err != nil {
		s.logger.Warn("failed to publish synthesis result", slogError(err))
	}
}
