package synth

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-voiceclone/internal/audio"
)

var (
	ErrMissingText           = errors.New("synthesis text is empty")
	ErrMissingReferenceAudio = errors.New("reference audio is missing")
	ErrEmptyResult           = audio.ErrEmptyResult
)

// SynthesisError wraps a fault raised by the model while generating.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string { return "synthesis failed: " + e.Err.Error() }

func (e *SynthesisError) Unwrap() error { return e.Err }

// Kind names the failure category of err for logs, metrics and history rows.
func Kind(err error) string {
	var synthErr *SynthesisError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingText):
		return "missing_text"
	case errors.Is(err, ErrMissingReferenceAudio):
		return "missing_reference_audio"
	case errors.Is(err, ErrEmptyResult):
		return "empty_result"
	case errors.As(err, &synthErr):
		return "synthesis_failure"
	default:
		return "internal"
	}
}

// UserMessage converts any pipeline error into the text shown to the user.
func UserMessage(err error) string {
	var synthErr *SynthesisError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingText):
		return "合成テキストを入力してください"
	case errors.Is(err, ErrMissingReferenceAudio):
		return "参照音声をアップロードしてください"
	case errors.Is(err, ErrEmptyResult):
		return "音声の生成に失敗しました"
	case errors.As(err, &synthErr):
		return fmt.Sprintf("音声生成エラー: %s", synthErr.Err.Error())
	default:
		return fmt.Sprintf("音声生成エラー: %s", err.Error())
	}
}
