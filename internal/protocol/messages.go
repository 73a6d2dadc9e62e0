package protocol

import "time"

// SynthesisRequest asks a node to clone a voice. PromptAudio is a path readable by that node.
type SynthesisRequest struct {
	RequestID   string `json:"request_id,omitempty"`
	Text        string `json:"text"`
	PromptAudio string `json:"prompt_audio"`
	PromptText  string `json:"prompt_text,omitempty"`
	Stream      bool   `json:"stream"`
}

// SynthesisResult is the reply to a SynthesisRequest and the payload of SubjectSynthesisDone.
type SynthesisResult struct {
	RequestID  string    `json:"request_id"`
	NodeID     string    `json:"node_id,omitempty"`
	OutputPath string    `json:"output_path,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Samples    int       `json:"samples,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectSynthesize          = "voiceclone.synthesize"
	SubjectSynthesisDone       = "voiceclone.synthesis.done"
	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"
)
