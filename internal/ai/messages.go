package ai

import "encoding/json"

// Outbound frame casings are deliberately uneven: audio realtime input
// uses camelCase keys, image realtime input uses snake_case. That is what
// the live endpoint accepts on each path; normalizing either direction
// breaks one of them.

type setupMessage struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generation_config"`
	SystemInstruction *systemInstruction `json:"system_instruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"response_modalities"`
	MediaResolution    string        `json:"media_resolution,omitempty"`
	SpeechConfig       *speechConfig `json:"speech_config,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voice_config"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuilt_voice_config"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voice_name"`
}

type systemInstruction struct {
	Parts []textPart `json:"parts"`
}

type textPart struct {
	Text string `json:"text"`
}

// realtimeAudioMessage carries one chunk of microphone PCM.
type realtimeAudioMessage struct {
	RealtimeInput realtimeAudioInput `json:"realtimeInput"`
}

type realtimeAudioInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// realtimeImageMessage carries one JPEG snapshot of the shared screen.
type realtimeImageMessage struct {
	RealtimeInput realtimeImageInput `json:"realtime_input"`
}

type realtimeImageInput struct {
	Media mediaBlob `json:"media"`
}

type mediaBlob struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// clientContentMessage injects a user text turn.
type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns,omitempty"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string     `json:"role"`
	Parts []textPart `json:"parts"`
}

// toolResponseMessage answers model tool calls. Declared for wire
// completeness; the bridge logs tool calls without executing them.
type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string      `json:"id,omitempty"`
	Name     string      `json:"name,omitempty"`
	Response interface{} `json:"response,omitempty"`
}

// serverMessage is one inbound frame. Field presence decides the kind;
// unknown fields are ignored.
type serverMessage struct {
	SetupComplete        *setupComplete        `json:"setupComplete,omitempty"`
	ServerContent        *serverContent        `json:"serverContent,omitempty"`
	ToolCall             *toolCall             `json:"toolCall,omitempty"`
	ToolCallCancellation *toolCallCancellation `json:"toolCallCancellation,omitempty"`
}

type setupComplete struct{}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []contentPart `json:"parts,omitempty"`
}

type contentPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type toolCall struct {
	FunctionCalls []functionCall `json:"functionCalls,omitempty"`
}

type functionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
}

type toolCallCancellation struct {
	IDs []string `json:"ids,omitempty"`
}
