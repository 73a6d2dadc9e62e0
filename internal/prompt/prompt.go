// Package prompt builds the conditioning prompt the zero-shot model expects.
package prompt

const (
	// Preamble is the fixed assistant-role instruction.
	Preamble = "You are a helpful assistant."
	// EndOfPrompt delimits the instruction from the reference transcript.
	EndOfPrompt = "<|endofprompt|>"
)

// Build returns Preamble + EndOfPrompt followed by the reference transcript, verbatim.
// The model only enters voice-cloning mode with this exact framing.
func Build(transcript string) string {
	return Preamble + EndOfPrompt + transcript
}
