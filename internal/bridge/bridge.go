// Package bridge is the orchestrator. It owns the Janus clients, the UDP
// media legs, the audio pipeline and the AI session, and moves audio
// between them with two pump goroutines. Sub-components never reference
// each other; everything meets here through callbacks and channels.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClareAI/agent-bridge/internal/ai"
	"github.com/ClareAI/agent-bridge/internal/audio"
	"github.com/ClareAI/agent-bridge/internal/config"
	"github.com/ClareAI/agent-bridge/internal/janus"
	"github.com/ClareAI/agent-bridge/internal/rtp"
	"github.com/ClareAI/agent-bridge/internal/video"
	"github.com/ClareAI/agent-bridge/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// queueDepth bounds both audio FIFOs. Producers drop the oldest entry
	// when full, so a stalled consumer costs latency, not memory.
	queueDepth = 100

	// sendThresholdBytes is sample_rate * send_buffer_ms / 1000 * 2 for
	// 100 ms at 16 kHz: the model receives speech in chunks of this size.
	sendThresholdBytes = 3200

	// frameInterval paces playback slightly under the 20 ms frame length
	// so the Opus stream toward Janus never starves.
	frameInterval = 18 * time.Millisecond

	// greetingDelay gives RTP forwarding a moment to stabilize before the
	// model is asked to welcome a new participant.
	greetingDelay = 1500 * time.Millisecond

	aiReconnectDelay = 2 * time.Second
	connectTimeout   = 15 * time.Second
	keyframeTimeout  = 10 * time.Second
	shutdownTimeout  = 5 * time.Second
)

// Bridge is one agent instance in one Janus room. Construct with New,
// drive with Start and Stop; a stopped bridge is not restartable.
type Bridge struct {
	cfg *config.BridgeConfig

	// sessionID identifies one bridge run across logs and status snapshots.
	sessionID string

	// aiURL overrides the live endpoint; tests point it at a local server.
	aiURL string

	codec  *audio.Codec
	vad    *audio.VAD
	jitter *rtp.JitterBuffer

	receiver *rtp.Receiver
	sender   *rtp.Sender

	audioBridge *janus.AudioBridge

	videoRoom     *janus.VideoRoom
	videoReceiver *rtp.Receiver
	assembler     *video.Assembler

	ai *ai.Client

	forwardCh  chan []byte // Opus payloads, RTP callback -> forward pump
	playbackCh chan []byte // 24 kHz PCM chunks, model -> playback pump

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running atomic.Bool
	playGen atomic.Uint64 // bumped on interruption to cut playback short

	seenMu sync.Mutex
	seen   map[int64]bool

	statsMu sync.Mutex
	stats   Stats

	inDump  *audio.WAVDumper
	outDump *audio.WAVDumper
}

// New builds an idle bridge around cfg.
func New(cfg *config.BridgeConfig) *Bridge {
	return &Bridge{
		cfg:        cfg,
		sessionID:  uuid.New().String(),
		forwardCh:  make(chan []byte, queueDepth),
		playbackCh: make(chan []byte, queueDepth),
		seen:       make(map[int64]bool),
		stats:      Stats{State: StateInitializing, StartedAt: time.Now()},
	}
}

// Start runs the startup sequence in strict order: config, codec, audio
// receiver, AudioBridge join, sender, AI session, then video. Any failure
// before the video stage aborts startup; video failures degrade the
// bridge to voice-only.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return fmt.Errorf("bridge: already started")
	}
	b.ctx, b.cancel = context.WithCancel(ctx)

	if err := b.cfg.Validate(); err != nil {
		return b.failStartup(fmt.Errorf("bridge: config: %w", err))
	}

	codec, err := audio.NewCodec()
	if err != nil {
		return b.failStartup(fmt.Errorf("bridge: audio codec: %w", err))
	}
	b.codec = codec
	b.vad = audio.NewVAD(audio.VADConfig{})
	b.jitter = rtp.NewJitterBuffer(0, 0)
	b.openDumps()

	// Constructed up front so Janus callbacks can consult it; it connects
	// later, in sequence order.
	b.ai = ai.NewClient(ai.Config{
		URL:               b.aiURL,
		APIKey:            b.cfg.GeminiAPIKey,
		Model:             b.cfg.GeminiModel,
		Voice:             b.cfg.GeminiVoice,
		SystemInstruction: b.cfg.SystemInstruction,
		OnAudio:           b.onModelAudio,
		OnText:            b.onModelText,
		OnTurnComplete:    b.onTurnComplete,
		OnInterrupted:     b.onInterrupted,
		OnClosed:          b.onModelClosed,
	})

	b.setState(StateConnecting)

	// The audio socket must exist before Janus joins the room: Janus
	// starts sending the moment the join succeeds.
	b.receiver = rtp.NewReceiver(b.cfg.RTPHost, b.cfg.RTPPort, b.handleAudioPacket)
	if err := b.receiver.Start(); err != nil {
		return b.failStartup(fmt.Errorf("bridge: audio receiver: %w", err))
	}

	b.audioBridge = janus.NewAudioBridge(janus.AudioBridgeConfig{
		WSURL:                 b.cfg.JanusWSURL,
		RoomID:                int64(b.cfg.JanusRoomID),
		Display:               b.cfg.JanusDisplay,
		AdminKey:              b.cfg.AudioBridgeAdminKey,
		RTPHost:               b.cfg.RTPHost,
		RTPPort:               b.receiver.LocalPort(),
		OnParticipantsChanged: b.onParticipantsChanged,
		OnParticipantLeft:     b.onParticipantLeft,
		OnError:               b.onJanusError,
		OnClosed:              b.onJanusClosed,
	})
	if err := b.audioBridge.Connect(ctx); err != nil {
		return b.failStartup(fmt.Errorf("bridge: audiobridge: %w", err))
	}

	targetIP, targetPort := b.audioBridge.RTPTarget()
	// Janus echoes the room mix back to the participant leg; the
	// rtp_forward stream is the only copy the bridge should hear.
	b.receiver.SetIgnoreSourcePort(targetPort)

	ssrc := uint32(b.audioBridge.ParticipantID() & 0xFFFFFFFF)
	b.sender = rtp.NewSender(targetIP, targetPort, ssrc, janus.OpusPayloadType)
	if err := b.sender.AttachTo(b.receiver); err != nil {
		return b.failStartup(fmt.Errorf("bridge: audio sender: %w", err))
	}

	if err := b.ai.Connect(ctx); err != nil {
		return b.failStartup(fmt.Errorf("bridge: ai session: %w", err))
	}

	if b.cfg.EnableVideo {
		if err := b.startVideo(ctx); err != nil {
			logger.Base().Warn("Video pipeline unavailable, continuing voice-only",
				zap.Error(err))
			b.stopVideo()
			b.videoRoom, b.videoReceiver, b.assembler = nil, nil, nil
		}
	}

	b.wg.Add(2)
	go b.forwardPump()
	go b.playbackPump()

	b.setState(StateReady)
	logger.Base().Info("Bridge ready",
		zap.String("session_id", b.sessionID),
		zap.Int("room", b.cfg.JanusRoomID),
		zap.Int64("participant_id", b.audioBridge.ParticipantID()),
		zap.Bool("video", b.videoRoom != nil && b.videoRoom.Ready()))
	return nil
}

// failStartup tears down whatever came up, enters ERROR and returns err.
func (b *Bridge) failStartup(err error) error {
	logger.Base().Error("Bridge startup failed", zap.Error(err))
	b.cancel()
	if b.ai != nil {
		_ = b.ai.Close()
	}
	if b.sender != nil {
		b.sender.Stop()
	}
	if b.receiver != nil {
		b.receiver.Stop()
	}
	if b.audioBridge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = b.audioBridge.Close(ctx)
		cancel()
	}
	b.stopVideo()
	b.closeDumps()
	b.running.Store(false)
	b.setState(StateError)
	return err
}

// startVideo brings up the video leg: assembler, UDP receiver, then the
// VideoRoom control plane. The receiver binds first for the same reason
// the audio one does.
func (b *Bridge) startVideo(ctx context.Context) error {
	b.assembler = video.NewAssembler(video.Config{
		OnFrame:          b.onSnapshot,
		OnKeyframeNeeded: b.onKeyframeNeeded,
	})

	b.videoReceiver = rtp.NewReceiver(b.cfg.RTPHost, b.cfg.VideoRTPPort, b.handleVideoPacket)
	if err := b.videoReceiver.Start(); err != nil {
		return fmt.Errorf("video receiver: %w", err)
	}

	b.videoRoom = janus.NewVideoRoom(janus.VideoRoomConfig{
		WSURL:               b.cfg.JanusWSURL,
		RoomID:              int64(b.cfg.JanusRoomID),
		Display:             b.cfg.JanusDisplay,
		AdminKey:            b.cfg.VideoRoomAdminKey,
		RTPHost:             b.cfg.RTPHost,
		VideoPort:           b.videoReceiver.LocalPort(),
		OnPublishersChanged: b.onPublishersChanged,
		OnError:             b.onJanusError,
		OnClosed:            b.onVideoRoomClosed,
	})
	if err := b.videoRoom.Connect(ctx); err != nil {
		return fmt.Errorf("videoroom: %w", err)
	}
	return nil
}

// stopVideo tears the video leg down; safe when it never started.
func (b *Bridge) stopVideo() {
	if b.videoRoom != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := b.videoRoom.Close(ctx); err != nil {
			logger.Base().Warn("VideoRoom close", zap.Error(err))
		}
		cancel()
	}
	if b.videoReceiver != nil {
		b.videoReceiver.Stop()
	}
}

// Stop tears the bridge down in reverse order. Every step is best-effort;
// Stop never fails.
func (b *Bridge) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	b.setState(StateStopping)
	b.cancel()
	b.wg.Wait()

	if b.ai != nil {
		if err := b.ai.Close(); err != nil {
			logger.Base().Warn("AI session close", zap.Error(err))
		}
	}
	if b.sender != nil {
		b.sender.Stop()
	}
	if b.receiver != nil {
		b.receiver.Stop()
	}
	if b.audioBridge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := b.audioBridge.Close(ctx); err != nil {
			logger.Base().Warn("AudioBridge close", zap.Error(err))
		}
		cancel()
	}
	b.stopVideo()
	b.closeDumps()
	b.setState(StateStopped)
	logger.Base().Info("Bridge stopped")
}

// SetMuted toggles the agent's AudioBridge mute flag. Muting pauses the
// bridge; unmuting resumes it.
func (b *Bridge) SetMuted(ctx context.Context, muted bool) error {
	if b.audioBridge == nil || !b.audioBridge.Ready() {
		return fmt.Errorf("bridge: audiobridge not connected")
	}
	if err := b.audioBridge.SetMuted(ctx, muted); err != nil {
		return err
	}
	b.statsMu.Lock()
	switch {
	case muted && (b.stats.State == StateReady || b.stats.State == StateActive):
		b.stats.State = StatePaused
	case !muted && b.stats.State == StatePaused:
		b.stats.State = StateActive
	}
	b.statsMu.Unlock()
	return nil
}

func (b *Bridge) openDumps() {
	if !b.cfg.DebugAudio {
		return
	}
	in, err := audio.NewWAVDumper(b.cfg.DebugAudioDir, "agent_in_16k", audio.FormatAIInput.SampleRate)
	if err != nil {
		logger.Base().Warn("Debug audio capture unavailable", zap.Error(err))
	} else {
		b.inDump = in
	}
	out, err := audio.NewWAVDumper(b.cfg.DebugAudioDir, "agent_out_24k", audio.FormatAIOutput.SampleRate)
	if err != nil {
		logger.Base().Warn("Debug audio capture unavailable", zap.Error(err))
	} else {
		b.outDump = out
	}
}

func (b *Bridge) closeDumps() {
	_ = b.inDump.Close()
	_ = b.outDump.Close()
}

// onParticipantsChanged tracks the roster and queues a greeting for every
// participant the bridge has not seen before.
func (b *Bridge) onParticipantsChanged(roster []janus.Participant) {
	b.markActive()

	var fresh []janus.Participant
	b.seenMu.Lock()
	for _, p := range roster {
		if !b.seen[p.ID] {
			b.seen[p.ID] = true
			fresh = append(fresh, p)
		}
	}
	b.seenMu.Unlock()
	if len(fresh) == 0 {
		return
	}

	b.statsMu.Lock()
	b.stats.ParticipantsSeen += uint64(len(fresh))
	b.statsMu.Unlock()

	for _, p := range fresh {
		b.scheduleGreeting(p)
	}
}

// scheduleGreeting asks the model to welcome a participant once RTP
// forwarding has had a moment to stabilize. Readiness is checked when the
// delay expires, so participants present at startup are greeted too.
func (b *Bridge) scheduleGreeting(p janus.Participant) {
	display := p.Display
	if display == "" {
		display = fmt.Sprintf("participant %d", p.ID)
	}
	go func() {
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(greetingDelay):
		}
		if !b.ai.Ready() {
			logger.Base().Debug("Greeting skipped, model session not ready",
				zap.String("display", display))
			return
		}
		prompt := fmt.Sprintf(
			"A new participant named %s just joined the conversation. Greet them briefly by name.",
			display)
		if err := b.ai.SendText(prompt); err != nil {
			logger.Base().Warn("Greeting failed",
				zap.String("display", display), zap.Error(err))
			return
		}
		logger.Base().Info("Greeting requested", zap.String("display", display))
	}()
}

func (b *Bridge) onParticipantLeft(id int64, display string) {
	logger.Base().Info("Participant left",
		zap.Int64("participant_id", id),
		zap.String("display", display))
}

func (b *Bridge) onJanusError(code int, reason string) {
	b.statsMu.Lock()
	b.stats.JanusErrors++
	b.statsMu.Unlock()
	logger.Base().Warn("Janus plugin error",
		zap.Int("code", code),
		zap.String("reason", reason))
}

// onJanusClosed is terminal: without the AudioBridge session there is no
// room to serve, so the bridge parks in ERROR until a supervisor restarts
// the process.
func (b *Bridge) onJanusClosed(err error) {
	if !b.running.Load() {
		return
	}
	b.statsMu.Lock()
	b.stats.JanusErrors++
	b.statsMu.Unlock()
	b.setState(StateError)
	logger.Base().Error("Janus connection lost, bridge needs a restart", zap.Error(err))
}

func (b *Bridge) onVideoRoomClosed(err error) {
	if !b.running.Load() {
		return
	}
	b.statsMu.Lock()
	b.stats.JanusErrors++
	b.statsMu.Unlock()
	logger.Base().Warn("VideoRoom connection lost, continuing voice-only", zap.Error(err))
}

// onModelAudio queues one 24 kHz PCM chunk for playback.
func (b *Bridge) onModelAudio(pcm []byte) {
	b.outDump.Write(pcm)
	b.statsMu.Lock()
	b.stats.AudioChunksFromAI++
	b.stats.AudioBytesFromAI += uint64(len(pcm))
	b.statsMu.Unlock()

	if b.offer(b.playbackCh, pcm) {
		b.statsMu.Lock()
		b.stats.PlaybackQueueDrops++
		b.statsMu.Unlock()
	}
}

func (b *Bridge) onModelText(text string) {
	logger.Base().Info("Model text", zap.String("text", text))
}

func (b *Bridge) onTurnComplete() {
	b.statsMu.Lock()
	b.stats.AITurnCompletions++
	b.statsMu.Unlock()
	logger.Base().Debug("Model turn complete")
}

// onInterrupted flushes queued playback so the agent falls silent at
// once; frames already handed to the OS flush naturally.
func (b *Bridge) onInterrupted() {
	b.playGen.Add(1)
	dropped := 0
	for {
		select {
		case <-b.playbackCh:
			dropped++
		default:
			b.statsMu.Lock()
			b.stats.AIInterruptions++
			b.statsMu.Unlock()
			logger.Base().Info("Model interrupted, playback flushed",
				zap.Int("chunks_dropped", dropped))
			return
		}
	}
}

// onModelClosed schedules the single reconnect attempt. While the model
// is away Janus stays attached and audio sends simply return false.
func (b *Bridge) onModelClosed(err error) {
	if !b.running.Load() {
		return
	}
	b.statsMu.Lock()
	b.stats.AIErrors++
	b.statsMu.Unlock()
	logger.Base().Warn("Model session dropped, reconnecting",
		zap.Duration("delay", aiReconnectDelay), zap.Error(err))

	go func() {
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(aiReconnectDelay):
		}
		ctx, cancel := context.WithTimeout(b.ctx, connectTimeout)
		defer cancel()
		if err := b.ai.Connect(ctx); err != nil {
			b.statsMu.Lock()
			b.stats.AIErrors++
			b.statsMu.Unlock()
			logger.Base().Error("Model reconnect failed, audio forwarding suspended",
				zap.Error(err))
			return
		}
		logger.Base().Info("Model session re-established")
	}()
}

func (b *Bridge) onPublishersChanged(pubs []janus.Publisher) {
	b.markActive()
	logger.Base().Debug("VideoRoom publishers", zap.Int("count", len(pubs)))
}

// onSnapshot forwards one JPEG to the model.
func (b *Bridge) onSnapshot(jpeg []byte) {
	if !b.ai.SendImage(jpeg) {
		logger.Base().Debug("Snapshot dropped, model session not ready")
	}
}

// onKeyframeNeeded restarts every subscribed forward: the assembler
// cannot tell which publisher desynced, and restarting the forward is
// what makes Janus request a fresh keyframe. The assembler rate-limits
// these, so the fan-out stays cheap.
func (b *Bridge) onKeyframeNeeded() {
	vr := b.videoRoom
	if vr == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), keyframeTimeout)
		defer cancel()
		for _, p := range vr.Publishers() {
			if !p.Subscribed {
				continue
			}
			if err := vr.RequestKeyframe(ctx, p.ID); err != nil {
				logger.Base().Warn("Keyframe request failed",
					zap.Int64("publisher_id", p.ID), zap.Error(err))
			}
		}
	}()
}
