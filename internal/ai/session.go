package ai

import "time"

// Session is a point-in-time snapshot of the streaming connection, as
// exposed by the status API. Counters are cumulative across reconnects.
type Session struct {
	Connected         bool      `json:"connected"`
	SetupComplete     bool      `json:"setup_complete"`
	Speaking          bool      `json:"speaking"`
	ConnectedAt       time.Time `json:"connected_at"`
	LastAudioSent     time.Time `json:"last_audio_sent"`
	LastAudioReceived time.Time `json:"last_audio_received"`

	AudioChunksSent     uint64 `json:"audio_chunks_sent"`
	AudioChunksReceived uint64 `json:"audio_chunks_received"`
	ImagesSent          uint64 `json:"images_sent"`
	TextsReceived       uint64 `json:"texts_received"`
}
