package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind        string `yaml:"bind"`
	Port        int    `yaml:"port"`
	Share       bool   `yaml:"share"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

// ListenHost returns the interface the UI listens on. Sharing exposes it on every interface.
func (h HTTPConfig) ListenHost() string {
	if h.Share {
		return "0.0.0.0"
	}
	return h.Bind
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Model       ModelConfig     `yaml:"model"`
	Output      OutputConfig    `yaml:"output"`
	Assets      AssetsConfig    `yaml:"assets"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	History     HistoryConfig   `yaml:"history"`
}

type ModelConfig struct {
	Dir              string   `yaml:"dir"`
	Mode             string   `yaml:"mode"` // mock, exec
	Command          string   `yaml:"command"`
	SampleRate       int      `yaml:"sample_rate"`
	ChunkDurationMS  int      `yaml:"chunk_duration_ms"`
	RequiredFiles    []string `yaml:"required_files"`
	MaxConcurrent    int      `yaml:"max_concurrent"`
	MinPromptSeconds float64  `yaml:"min_prompt_seconds"`
	NormalizeText    bool     `yaml:"normalize_text"` // NFC before inference; off passes text through unchanged
}

type OutputConfig struct {
	Dir      string `yaml:"dir"`
	Prefix   string `yaml:"prefix"`
	BitDepth int    `yaml:"bit_depth"`
}

type AssetsConfig struct {
	Dir      string        `yaml:"dir"`
	Endpoint string        `yaml:"endpoint"`
	Token    string        `yaml:"token"`
	Bundles  []AssetBundle `yaml:"bundles"`
}

type AssetBundle struct {
	Repo     string `yaml:"repo"`
	Target   string `yaml:"target"`
	Optional bool   `yaml:"optional"`
}

type BusConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Embedded         bool     `yaml:"embedded"`
	Port             int      `yaml:"port"`
	StoreDir         string   `yaml:"store_dir"`
	Servers          []string `yaml:"servers"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	Token            string   `yaml:"token"`
	TLSInsecure      bool     `yaml:"tls_insecure"`
	ConnectTimeout   int      `yaml:"connect_timeout_ms"`
	RequestTimeoutMS int      `yaml:"request_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRecords    int    `yaml:"max_records"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voiceclone",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:        "127.0.0.1",
			Port:        7860,
			MaxUploadMB: 32,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Model: ModelConfig{
			Dir:              "pretrained_models/Fun-CosyVoice3-0.5B",
			Mode:             "mock",
			SampleRate:       24000,
			ChunkDurationMS:  400,
			RequiredFiles:    []string{"cosyvoice3.yaml", "llm.pt", "flow.pt", "hift.pt", "campplus.onnx"},
			MaxConcurrent:    1,
			MinPromptSeconds: 3,
		},
		Output: OutputConfig{
			Prefix:   "voiceclone_",
			BitDepth: 32,
		},
		Assets: AssetsConfig{
			Dir:      "pretrained_models",
			Endpoint: "https://huggingface.co",
			Bundles: []AssetBundle{
				{Repo: "FunAudioLLM/Fun-CosyVoice3-0.5B-2512", Target: "Fun-CosyVoice3-0.5B"},
				{Repo: "FunAudioLLM/CosyVoice-ttsfrd", Target: "CosyVoice-ttsfrd", Optional: true},
			},
		},
		Bus: BusConfig{
			Enabled:          false,
			Embedded:         true,
			Port:             4222,
			StoreDir:         "./data/nats",
			Servers:          []string{"nats://localhost:4222"},
			ConnectTimeout:   2000,
			RequestTimeoutMS: 120000,
		},
		Node: NodeConfig{
			ID:                "voiceclone-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		History: HistoryConfig{
			Path:          "./data/voiceclone-history.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxRecords:    10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOICECLONE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICECLONE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICECLONE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICECLONE_HTTP_PORT")
	overrideBool(&cfg.HTTP.Share, "VOICECLONE_HTTP_SHARE")
	overrideInt(&cfg.HTTP.MaxUploadMB, "VOICECLONE_HTTP_MAX_UPLOAD_MB")
	overrideString(&cfg.Telemetry.LogLevel, "VOICECLONE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICECLONE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICECLONE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Model.Dir, "VOICECLONE_MODEL_DIR")
	overrideString(&cfg.Model.Mode, "VOICECLONE_MODEL_MODE")
	overrideString(&cfg.Model.Command, "VOICECLONE_MODEL_COMMAND")
	overrideInt(&cfg.Model.SampleRate, "VOICECLONE_MODEL_SAMPLE_RATE")
	overrideInt(&cfg.Model.ChunkDurationMS, "VOICECLONE_MODEL_CHUNK_DURATION_MS")
	overrideStringSlice(&cfg.Model.RequiredFiles, "VOICECLONE_MODEL_REQUIRED_FILES")
	overrideInt(&cfg.Model.MaxConcurrent, "VOICECLONE_MODEL_MAX_CONCURRENT")
	overrideFloat(&cfg.Model.MinPromptSeconds, "VOICECLONE_MODEL_MIN_PROMPT_SECONDS")
	overrideBool(&cfg.Model.NormalizeText, "VOICECLONE_MODEL_NORMALIZE_TEXT")
	overrideString(&cfg.Output.Dir, "VOICECLONE_OUTPUT_DIR")
	overrideString(&cfg.Output.Prefix, "VOICECLONE_OUTPUT_PREFIX")
	overrideInt(&cfg.Output.BitDepth, "VOICECLONE_OUTPUT_BIT_DEPTH")
	overrideString(&cfg.Assets.Dir, "VOICECLONE_ASSETS_DIR")
	overrideString(&cfg.Assets.Endpoint, "VOICECLONE_ASSETS_ENDPOINT")
	overrideString(&cfg.Assets.Token, "VOICECLONE_ASSETS_TOKEN")
	overrideBool(&cfg.Bus.Enabled, "VOICECLONE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOICECLONE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICECLONE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOICECLONE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOICECLONE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICECLONE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICECLONE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICECLONE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICECLONE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICECLONE_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.RequestTimeoutMS, "VOICECLONE_BUS_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "VOICECLONE_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "VOICECLONE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "VOICECLONE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.History.Path, "VOICECLONE_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "VOICECLONE_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "VOICECLONE_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxRecords, "VOICECLONE_HISTORY_MAX_RECORDS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate checks a config after flags or env have been applied.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadMB <= 0 {
		return errors.New("http.max_upload_mb must be positive")
	}
	if cfg.Model.Dir == "" {
		return errors.New("model.dir must not be empty")
	}
	switch cfg.Model.Mode {
	case "mock", "exec":
	default:
		return errors.New("model.mode must be one of mock|exec")
	}
	if cfg.Model.Mode == "exec" && cfg.Model.Command == "" {
		return errors.New("model.command must be set when mode=exec")
	}
	if cfg.Model.SampleRate <= 0 {
		return errors.New("model.sample_rate must be positive")
	}
	if cfg.Model.ChunkDurationMS <= 0 {
		return errors.New("model.chunk_duration_ms must be positive")
	}
	if cfg.Model.MaxConcurrent <= 0 {
		return errors.New("model.max_concurrent must be >= 1")
	}
	if cfg.Model.MinPromptSeconds < 0 {
		return errors.New("model.min_prompt_seconds must be >= 0")
	}
	switch cfg.Output.BitDepth {
	case 16, 32:
	default:
		return errors.New("output.bit_depth must be 16 or 32")
	}
	if cfg.Assets.Dir == "" {
		return errors.New("assets.dir must not be empty")
	}
	for i, b := range cfg.Assets.Bundles {
		if b.Repo == "" || b.Target == "" {
			return fmt.Errorf("assets.bundles[%d] needs repo and target", i)
		}
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.RequestTimeoutMS <= 0 {
			return errors.New("bus.request_timeout_ms must be positive")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "persistent":
	default:
		return errors.New("history.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.History.RetentionMode == "persistent" && cfg.History.Path == "" {
		return errors.New("history.path must not be empty when retention_mode=persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	return nil
}
