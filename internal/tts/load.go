package tts

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-voiceclone/internal/config"
)

// Load checks the model directory and returns a ready model for the configured mode.
func Load(cfg config.ModelConfig, log *slog.Logger) (Model, error) {
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("model directory %s: %w", cfg.Dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("model directory %s is not a directory", cfg.Dir)
	}
	var missing []string
	for _, name := range cfg.RequiredFiles {
		if _, err := os.Stat(filepath.Join(cfg.Dir, name)); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("model directory %s is missing %v", cfg.Dir, missing)
	}

	switch cfg.Mode {
	case "exec":
		m, err := NewExecModel(cfg)
		if err != nil {
			return nil, err
		}
		log.Info("model loaded", slog.String("mode", "exec"), slog.String("dir", cfg.Dir), slog.Int("sample_rate", cfg.SampleRate))
		return m, nil
	case "mock", "":
		log.Info("model loaded", slog.String("mode", "mock"), slog.String("dir", cfg.Dir), slog.Int("sample_rate", cfg.SampleRate))
		return NewMockModel(cfg.SampleRate, cfg.ChunkDurationMS), nil
	default:
		return nil, fmt.Errorf("unsupported model mode %q", cfg.Mode)
	}
}
