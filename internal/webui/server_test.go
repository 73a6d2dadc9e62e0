package webui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voiceclone/internal/eventstore"
	"github.com/loqalabs/loqa-voiceclone/internal/synth"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeHandler struct {
	dir       string
	err       error
	last      synth.Request
	uploadErr error
	upload    []byte
	during    func(req synth.Request)
}

func (f *fakeHandler) Handle(_ context.Context, req synth.Request) (synth.Artifact, error) {
	f.last = req
	if f.during != nil {
		f.during(req)
	}
	if req.PromptAudio != "" {
		f.upload, f.uploadErr = os.ReadFile(req.PromptAudio)
	}
	if f.err != nil {
		return synth.Artifact{}, f.err
	}
	if req.Text == "" {
		return synth.Artifact{}, synth.ErrMissingText
	}
	if req.PromptAudio == "" {
		return synth.Artifact{}, synth.ErrMissingReferenceAudio
	}
	path := filepath.Join(f.dir, "voiceclone_test.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		return synth.Artifact{}, err
	}
	return synth.Artifact{Path: path, SampleRate: 24000, Samples: 12000, Duration: 500 * time.Millisecond}, nil
}

type fakeHistory struct {
	recs []eventstore.Synthesis
}

func (f fakeHistory) Recent(context.Context, int) ([]eventstore.Synthesis, error) {
	return f.recs, nil
}

func newTestServer(t *testing.T, handler synth.Handler, history History) (*httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()
	if fh, ok := handler.(*fakeHandler); ok {
		fh.dir = dir
	}
	s, err := New(handler, history, Options{OutputDir: dir, OutputPrefix: "voiceclone_", MinPromptSeconds: 3}, newLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return srv, dir
}

func postForm(t *testing.T, url string, fields map[string]string, audio []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if audio != nil {
		part, err := mw.CreateFormFile("prompt_audio", "reference.wav")
		require.NoError(t, err)
		_, err = part.Write(audio)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(url+"/api/synthesize", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSynthesizeSuccess(t *testing.T) {
	handler := &fakeHandler{}
	srv, _ := newTestServer(t, handler, nil)

	resp := postForm(t, srv.URL, map[string]string{"text": "こんにちは。", "prompt_text": "参照です", "stream": "true"}, []byte("reference-bytes"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out synthesizeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.ID)
	require.Equal(t, "/audio/voiceclone_test.wav", out.AudioURL)
	require.Equal(t, 24000, out.SampleRate)
	require.InDelta(t, 0.5, out.DurationSeconds, 1e-9)

	require.Equal(t, "http", handler.last.Source)
	require.Equal(t, "参照です", handler.last.PromptText)
	require.True(t, handler.last.Streaming)
	require.NoError(t, handler.uploadErr)
	require.Equal(t, "reference-bytes", string(handler.upload))
	require.Equal(t, ".wav", filepath.Ext(handler.last.PromptAudio))
	_, err := os.Stat(handler.last.PromptAudio)
	require.True(t, os.IsNotExist(err), "uploaded reference should be removed after the request")

	audioResp, err := http.Get(srv.URL + out.AudioURL)
	require.NoError(t, err)
	defer audioResp.Body.Close()
	require.Equal(t, http.StatusOK, audioResp.StatusCode)
	require.Equal(t, "audio/wav", audioResp.Header.Get("Content-Type"))
}

func TestUploadNotServedAsAudio(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	var base string
	var status int
	handler := &fakeHandler{}
	handler.during = func(req synth.Request) {
		resp, err := http.Get(base + "/audio/" + filepath.Base(req.PromptAudio))
		if err != nil {
			return
		}
		resp.Body.Close()
		status = resp.StatusCode
	}
	// Empty output dir and empty prefix: artifacts live in os.TempDir and any .wav name passes the prefix check.
	s, err := New(handler, nil, Options{OutputPrefix: ""}, newLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	base = srv.URL
	handler.dir = t.TempDir()

	resp := postForm(t, srv.URL, map[string]string{"text": "こんにちは"}, []byte("secret voice"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, http.StatusNotFound, status)
	require.NotEqual(t, os.TempDir(), filepath.Dir(handler.last.PromptAudio))
	_, err = os.Stat(filepath.Dir(handler.last.PromptAudio))
	require.True(t, os.IsNotExist(err), "upload directory should be removed after the request")
}

func TestSynthesizeErrorStatuses(t *testing.T) {
	cases := []struct {
		name    string
		fields  map[string]string
		audio   []byte
		err     error
		status  int
		message string
	}{
		{name: "missing text", fields: map[string]string{"text": ""}, audio: []byte("x"), status: http.StatusBadRequest, message: "合成テキストを入力してください"},
		{name: "missing audio", fields: map[string]string{"text": "こんにちは"}, status: http.StatusBadRequest, message: "参照音声をアップロードしてください"},
		{name: "empty result", fields: map[string]string{"text": "こんにちは"}, audio: []byte("x"), err: synth.ErrEmptyResult, status: http.StatusUnprocessableEntity, message: "音声の生成に失敗しました"},
		{name: "synthesis failure", fields: map[string]string{"text": "こんにちは"}, audio: []byte("x"), err: &synth.SynthesisError{Err: errors.New("CUDA out of memory")}, status: http.StatusInternalServerError, message: "音声生成エラー: CUDA out of memory"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &fakeHandler{err: tc.err}, nil)
			resp := postForm(t, srv.URL, tc.fields, tc.audio)
			require.Equal(t, tc.status, resp.StatusCode)

			var out errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			require.Equal(t, tc.message, out.Error)
		})
	}
}

func TestAudioRejectsForeignNames(t *testing.T) {
	srv, dir := newTestServer(t, &fakeHandler{}, nil)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secret.wav"), []byte("RIFF"), 0o644))

	for _, name := range []string{"secret.wav", "voiceclone_missing.wav", "..%2Fvoiceclone_x.wav"} {
		resp, err := http.Get(srv.URL + "/audio/" + name)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode, name)
	}
}

func TestIndexAndHistory(t *testing.T) {
	history := fakeHistory{recs: []eventstore.Synthesis{{
		ID: "abc", Source: "bus", Text: "こんにちは", Status: eventstore.StatusSucceeded,
		OutputPath: "/tmp/voiceclone_abc.wav", SampleRate: 24000, Samples: 100,
	}}}
	srv, _ := newTestServer(t, &fakeHandler{}, history)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	page, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, strings.Contains(string(page), "明日の天気予報です。"))
	require.True(t, strings.Contains(string(page), "[laughter]"))

	resp, err = http.Get(srv.URL + "/api/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	var entries []historyEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	require.Equal(t, "/audio/voiceclone_abc.wav", entries[0].AudioURL)
}

func TestReadiness(t *testing.T) {
	ready := false
	s, err := New(&fakeHandler{}, nil, Options{Ready: func() bool { return ready }}, newLogger())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ready = true
	rec = httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
