// Package webui serves the browser form and JSON API for voice cloning.
package webui

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voiceclone/internal/eventstore"
	"github.com/loqalabs/loqa-voiceclone/internal/synth"
)

//go:embed templates/index.html
var templateFS embed.FS

var sampleTexts = []string{
	"こんにちは。今日はいい天気ですね。",
	"音声合成技術を使って、テキストから自然な音声を生成できます。",
	"[breath]えーと、少し考えさせてください。[breath]はい、わかりました。",
	"明日の天気予報です。全国的に晴れる見込みです。",
}

type controlToken struct {
	Token string
	Label string
}

var controlTokens = []controlToken{
	{Token: "[breath]", Label: "呼吸音"},
	{Token: "[laughter]", Label: "笑い声"},
	{Token: "[fil]", Label: "フィラー音"},
}

// History lists recent syntheses.
type History interface {
	Recent(ctx context.Context, limit int) ([]eventstore.Synthesis, error)
}

type Options struct {
	OutputDir        string
	OutputPrefix     string
	MaxUploadBytes   int64
	MinPromptSeconds float64
	Metrics          http.Handler
	Ready            func() bool
}

type Server struct {
	handler synth.Handler
	history History
	opts    Options
	tmpl    *template.Template
	log     *slog.Logger
}

func New(handler synth.Handler, history History, opts Options, log *slog.Logger) (*Server, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, err
	}
	if opts.OutputDir == "" {
		opts.OutputDir = os.TempDir()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	return &Server{
		handler: handler,
		history: history,
		opts:    opts,
		tmpl:    tmpl,
		log:     log.With(slog.String("component", "webui")),
	}, nil
}

// Routes returns the HTTP handler for every UI and operational endpoint.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /api/synthesize", s.handleSynthesize)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /audio/{name}", s.handleAudio)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	if s.opts.Metrics != nil {
		mux.Handle("/metrics", s.opts.Metrics)
	}
	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	data := struct {
		Title            string
		MinPromptSeconds string
		Samples          []string
		Tokens           []controlToken
	}{
		Title:            "Fun-CosyVoice3 日本語音声合成",
		MinPromptSeconds: strconv.FormatFloat(s.opts.MinPromptSeconds, 'f', -1, 64),
		Samples:          sampleTexts,
		Tokens:           controlTokens,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.Execute(w, data); err != nil {
		s.log.Error("render index", slog.String("error", err.Error()))
	}
}

type synthesizeResponse struct {
	ID              string  `json:"id"`
	AudioURL        string  `json:"audio_url"`
	SampleRate      int     `json:"sample_rate"`
	Samples         int     `json:"samples"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid form: " + err.Error()})
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	req := synth.Request{
		ID:         uuid.NewString(),
		Source:     "http",
		Text:       r.FormValue("text"),
		PromptText: r.FormValue("prompt_text"),
		Streaming:  parseBool(r.FormValue("stream")),
	}

	file, header, err := r.FormFile("prompt_audio")
	switch {
	case err == nil:
		defer file.Close()
		path, saveErr := saveUpload(file, header)
		if saveErr != nil {
			s.log.Error("save upload", slog.String("error", saveErr.Error()))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "参照音声を保存できませんでした"})
			return
		}
		defer os.RemoveAll(filepath.Dir(path))
		req.PromptAudio = path
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid upload: " + err.Error()})
		return
	}

	artifact, err := s.handler.Handle(r.Context(), req)
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: synth.UserMessage(err), Kind: synth.Kind(err)})
		return
	}

	writeJSON(w, http.StatusOK, synthesizeResponse{
		ID:              req.ID,
		AudioURL:        "/audio/" + filepath.Base(artifact.Path),
		SampleRate:      artifact.SampleRate,
		Samples:         artifact.Samples,
		DurationSeconds: artifact.Duration.Seconds(),
	})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name != filepath.Base(name) || !strings.HasPrefix(name, s.opts.OutputPrefix) || !strings.HasSuffix(name, ".wav") {
		http.NotFound(w, r)
		return
	}
	path := filepath.Join(s.opts.OutputDir, name)
	if _, err := os.Stat(path); err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	http.ServeFile(w, r, path)
}

type historyEntry struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Text       string    `json:"text"`
	Streaming  bool      `json:"streaming"`
	Status     string    `json:"status"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	AudioURL   string    `json:"audio_url,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Samples    int       `json:"samples,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries := []historyEntry{}
	if s.history != nil {
		recs, err := s.history.Recent(r.Context(), limit)
		if err != nil {
			s.log.Error("list history", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		for _, rec := range recs {
			entry := historyEntry{
				ID:         rec.ID,
				Source:     rec.Source,
				Text:       rec.Text,
				Streaming:  rec.Streaming,
				Status:     rec.Status,
				ErrorKind:  rec.ErrorKind,
				SampleRate: rec.SampleRate,
				Samples:    rec.Samples,
				CreatedAt:  rec.CreatedAt,
			}
			if rec.OutputPath != "" {
				entry.AudioURL = "/audio/" + filepath.Base(rec.OutputPath)
			}
			entries = append(entries, entry)
		}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Ready == nil || s.opts.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func statusFor(err error) int {
	switch synth.Kind(err) {
	case "missing_text", "missing_reference_audio":
		return http.StatusBadRequest
	case "empty_result":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// saveUpload copies the reference clip into a private directory of its own, keeping the
// extension for the model's decoder. The directory never coincides with the output
// directory, so /audio cannot serve an upload.
func saveUpload(file multipart.File, header *multipart.FileHeader) (string, error) {
	dir, err := os.MkdirTemp("", "voiceclone-upload-")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "reference"+strings.ToLower(filepath.Ext(header.Filename)))
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.RemoveAll(dir)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return path, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
