package bridge

import (
	"time"

	"github.com/ClareAI/agent-bridge/internal/ai"
	"github.com/ClareAI/agent-bridge/internal/audio"
	"github.com/ClareAI/agent-bridge/internal/janus"
	"github.com/ClareAI/agent-bridge/internal/rtp"
	"github.com/ClareAI/agent-bridge/internal/video"
	"github.com/ClareAI/agent-bridge/pkg/logger"
	"go.uber.org/zap"
)

// State is the bridge lifecycle phase.
type State string

// Lifecycle states, in rough startup order. ERROR is terminal for the
// instance; a supervisor restarts the process.
const (
	StateInitializing State = "INITIALIZING"
	StateConnecting   State = "CONNECTING"
	StateReady        State = "READY"
	StateActive       State = "ACTIVE"
	StatePaused       State = "PAUSED"
	StateStopping     State = "STOPPING"
	StateStopped      State = "STOPPED"
	StateError        State = "ERROR"
)

// Stats is the orchestrator's counter set. Counters only ever increase
// while the bridge runs; state and started_at ride along for the status
// API.
type Stats struct {
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`

	RTPPacketsReceived uint64 `json:"rtp_packets_received"`
	RTPPacketsSent     uint64 `json:"rtp_packets_sent"`
	RTPBytesReceived   uint64 `json:"rtp_bytes_received"`
	RTPBytesSent       uint64 `json:"rtp_bytes_sent"`

	AudioChunksToAI   uint64 `json:"audio_chunks_to_ai"`
	AudioChunksFromAI uint64 `json:"audio_chunks_from_ai"`
	AudioBytesToAI    uint64 `json:"audio_bytes_to_ai"`
	AudioBytesFromAI  uint64 `json:"audio_bytes_from_ai"`

	SilenceFiltered        uint64 `json:"silence_filtered"`
	DiscardedWhileSpeaking uint64 `json:"discarded_while_speaking"`
	ForwardQueueDrops      uint64 `json:"forward_queue_drops"`
	PlaybackQueueDrops     uint64 `json:"playback_queue_drops"`

	AIInterruptions   uint64 `json:"ai_interruptions"`
	AITurnCompletions uint64 `json:"ai_turn_completions"`
	ParticipantsSeen  uint64 `json:"participants_seen"`

	DecodeErrors uint64 `json:"decode_errors"`
	EncodeErrors uint64 `json:"encode_errors"`
	JanusErrors  uint64 `json:"janus_errors"`
	AIErrors     uint64 `json:"ai_errors"`
}

// Status is the full snapshot served by the status API.
type Status struct {
	State      State        `json:"state"`
	Running    bool         `json:"running"`
	IsSpeaking bool         `json:"is_speaking"`
	InstanceID string       `json:"instance_id"`
	SessionID  string       `json:"session_id"`
	Janus      JanusStatus  `json:"janus"`
	AI         ai.Session   `json:"ai"`
	Audio      AudioStatus  `json:"audio"`
	Video      *VideoStatus `json:"video,omitempty"`
	Stats      Stats        `json:"stats"`
}

// JanusStatus groups the control-plane side of the snapshot.
type JanusStatus struct {
	AudioBridge  janus.Session       `json:"audiobridge"`
	Participants []janus.Participant `json:"participants"`
	VideoRoom    *janus.Session      `json:"videoroom,omitempty"`
	Publishers   []janus.Publisher   `json:"publishers,omitempty"`
}

// AudioStatus groups the media-plane side of the snapshot.
type AudioStatus struct {
	ReceiverRunning bool             `json:"receiver_running"`
	SenderRunning   bool             `json:"sender_running"`
	Codec           audio.CodecStats `json:"codec"`
	Jitter          rtp.JitterStats  `json:"jitter"`
	VAD             audio.VADStats   `json:"vad"`
}

// VideoStatus is present only when the video pipeline came up.
type VideoStatus struct {
	ReceiverRunning bool                 `json:"receiver_running"`
	ActiveForwards  int                  `json:"active_forwards"`
	Assembler       video.AssemblerStats `json:"assembler"`
}

// State returns the current lifecycle phase.
func (b *Bridge) State() State {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats.State
}

// setState records a transition and logs it once.
func (b *Bridge) setState(next State) {
	b.statsMu.Lock()
	prev := b.stats.State
	b.stats.State = next
	b.statsMu.Unlock()
	if prev != next {
		logger.Base().Info("Bridge state",
			zap.String("from", string(prev)),
			zap.String("to", string(next)))
	}
}

// markActive flips READY to ACTIVE on the first sign of room activity.
func (b *Bridge) markActive() {
	b.statsMu.Lock()
	if b.stats.State != StateReady {
		b.statsMu.Unlock()
		return
	}
	b.stats.State = StateActive
	b.statsMu.Unlock()
	logger.Base().Info("Bridge active")
}

// Healthy reports whether the bridge is in a serving state.
func (b *Bridge) Healthy() bool {
	s := b.State()
	return s == StateReady || s == StateActive
}

// Running reports whether Start succeeded and Stop has not been called.
func (b *Bridge) Running() bool {
	return b.running.Load()
}

// IsSpeaking reports whether the model is currently producing audio.
func (b *Bridge) IsSpeaking() bool {
	return b.ai != nil && b.ai.IsSpeaking()
}

// Stats returns a copy of the counters.
func (b *Bridge) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}

// Status assembles the full snapshot. Components that never started
// contribute zero values, so the method is safe at any lifecycle point.
func (b *Bridge) Status() Status {
	st := Status{
		Running:    b.running.Load(),
		InstanceID: b.cfg.InstanceID,
		SessionID:  b.sessionID,
		Stats:      b.Stats(),
	}
	st.State = st.Stats.State

	if b.ai != nil {
		st.IsSpeaking = b.ai.IsSpeaking()
		st.AI = b.ai.Session()
	}
	if b.audioBridge != nil {
		st.Janus.AudioBridge = b.audioBridge.Session()
		st.Janus.Participants = b.audioBridge.Participants()
	}
	if b.videoRoom != nil {
		vs := b.videoRoom.Session()
		st.Janus.VideoRoom = &vs
		st.Janus.Publishers = b.videoRoom.Publishers()
	}
	if b.receiver != nil {
		st.Audio.ReceiverRunning = b.receiver.Running()
	}
	if b.sender != nil {
		st.Audio.SenderRunning = b.sender.Running()
	}
	if b.codec != nil {
		st.Audio.Codec = b.codec.Stats()
	}
	if b.jitter != nil {
		st.Audio.Jitter = b.jitter.Stats()
	}
	if b.vad != nil {
		st.Audio.VAD = b.vad.Stats()
	}
	if b.assembler != nil {
		vs := VideoStatus{Assembler: b.assembler.Stats()}
		if b.videoReceiver != nil {
			vs.ReceiverRunning = b.videoReceiver.Running()
		}
		if b.videoRoom != nil {
			vs.ActiveForwards = b.videoRoom.ActiveForwards()
		}
		st.Video = &vs
	}
	return st
}
