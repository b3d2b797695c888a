package janus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ClareAI/agent-bridge/pkg/logger"
	"go.uber.org/zap"
)

const (
	// audioBridgeSamplingRate is the room mix rate; Janus resamples
	// everything to it, so the bridge's Opus leg runs at 48 kHz.
	audioBridgeSamplingRate = 48000
	// OpusPayloadType is the RTP payload type for both legs of the audio
	// path.
	OpusPayloadType = 111
	// ForwardSSRC marks the mix Janus forwards to the bridge so it can be
	// told apart from anything else hitting the socket.
	ForwardSSRC = 12345678

	errRoomExists = 486
)

// AudioBridgeConfig wires an AudioBridge client.
type AudioBridgeConfig struct {
	WSURL    string
	RoomID   int64
	Display  string
	AdminKey string

	// RTPHost/RTPPort is the bridge's own receiver, advertised to Janus on
	// join and used as the rtp_forward destination.
	RTPHost string
	RTPPort int

	// OnParticipantsChanged receives the room roster after every change.
	OnParticipantsChanged func([]Participant)
	// OnParticipantLeft fires per departure, after the roster update.
	OnParticipantLeft func(id int64, display string)
	// OnError surfaces plugin-level errors from asynchronous events.
	OnError func(code int, reason string)
	// OnClosed fires once if Janus drops the connection.
	OnClosed func(error)
}

// AudioBridge joins a Janus AudioBridge room as a plain-RTP participant
// and keeps the room's publishers forwarded to the bridge's UDP receiver.
type AudioBridge struct {
	cfg    AudioBridgeConfig
	client *Client

	mu           sync.Mutex
	session      Session
	participants map[int64]*Participant
	forwarded    map[int64]int64
}

// NewAudioBridge builds the client; Connect performs the whole startup
// sequence.
func NewAudioBridge(cfg AudioBridgeConfig) *AudioBridge {
	return &AudioBridge{
		cfg:          cfg,
		client:       NewClient(cfg.WSURL, PluginAudioBridge),
		participants: make(map[int64]*Participant),
		forwarded:    make(map[int64]int64),
	}
}

// Connect runs the startup sequence: dial, session, attach, room
// destroy+create, join as an RTP participant, configure, then start the
// event loop and keepalive.
func (ab *AudioBridge) Connect(ctx context.Context) error {
	if err := ab.client.Connect(ctx); err != nil {
		return err
	}
	ab.mu.Lock()
	ab.session = Session{
		SessionID:   ab.client.SessionID(),
		HandleID:    ab.client.HandleID(),
		RoomID:      ab.cfg.RoomID,
		DisplayName: ab.cfg.Display,
		Connected:   true,
		ConnectedAt: time.Now(),
	}
	ab.mu.Unlock()

	if err := ab.prepareRoom(ctx); err != nil {
		return err
	}
	if err := ab.join(ctx); err != nil {
		return err
	}
	if err := ab.configureRTP(ctx); err != nil {
		return err
	}

	ab.client.StartEventLoop(ab.handleEvent, ab.handleClosed)
	ab.client.StartKeepalive()

	// Anyone already in the room joined before we could see an event.
	for _, p := range ab.Participants() {
		if err := ab.ForwardParticipant(ctx, p.ID); err != nil {
			logger.Base().Warn("RTP forward failed",
				zap.Int64("participant_id", p.ID), zap.Error(err))
		}
	}

	logger.Base().Info("AudioBridge ready",
		zap.Int64("room", ab.cfg.RoomID),
		zap.Int64("participant_id", ab.ParticipantID()))
	return nil
}

// prepareRoom destroys any stale room, then creates it fresh. A destroy
// failure is expected on first start; an existing room (486) on create is
// fine too.
func (ab *AudioBridge) prepareRoom(ctx context.Context) error {
	destroyResp, err := ab.client.Message(ctx, roomDestroy{
		Request:  "destroy",
		Room:     ab.cfg.RoomID,
		AdminKey: ab.cfg.AdminKey,
	})
	if err != nil {
		logger.Base().Debug("AudioBridge room destroy failed", zap.Error(err))
	} else if code, reason, bad := destroyResp.PluginError(); bad {
		logger.Base().Debug("AudioBridge room destroy refused",
			zap.Int("code", code), zap.String("reason", reason))
	}

	resp, err := ab.client.Message(ctx, audioBridgeCreateRoom{
		Request:              "create",
		Room:                 ab.cfg.RoomID,
		Description:          "AI bridge room",
		SamplingRate:         audioBridgeSamplingRate,
		AudioLevelEvent:      true,
		AllowRTPParticipants: true,
		AdminKey:             ab.cfg.AdminKey,
	})
	if err != nil {
		return err
	}
	if err := checkSuccess(resp, "audiobridge create"); err != nil {
		return err
	}
	if code, reason, bad := resp.PluginError(); bad && code != errRoomExists {
		return fmt.Errorf("janus: audiobridge create: %s (code %d)", reason, code)
	}
	return nil
}

// join enters the room advertising the bridge's RTP receiver and waits for
// the joined event carrying our participant id and Janus's RTP target.
func (ab *AudioBridge) join(ctx context.Context) error {
	resp, err := ab.client.Message(ctx, audioBridgeJoin{
		Request: "join",
		Room:    ab.cfg.RoomID,
		Display: ab.cfg.Display,
		RTP: &rtpParticipant{
			IP:          ab.cfg.RTPHost,
			Port:        ab.cfg.RTPPort,
			PayloadType: OpusPayloadType,
		},
	})
	if err != nil {
		return err
	}

	var ev audioBridgeEvent
	if err := resp.DecodePluginData(&ev); err != nil {
		return fmt.Errorf("janus: audiobridge join: %w", err)
	}
	if ev.ErrorCode != 0 {
		return fmt.Errorf("janus: audiobridge join: %s (code %d)", ev.Error, ev.ErrorCode)
	}
	if ev.AudioBridge != "joined" {
		return fmt.Errorf("janus: audiobridge join: unexpected reply %q", ev.AudioBridge)
	}
	if ev.RTP == nil || ev.RTP.IP == "" {
		return fmt.Errorf("janus: audiobridge join: no RTP target in joined event")
	}

	ab.mu.Lock()
	ab.session.ParticipantID = ev.ID
	ab.session.RTPTargetIP = ev.RTP.IP
	ab.session.RTPTargetPort = ev.RTP.Port
	ab.session.Joined = true
	ab.session.JoinedAt = time.Now()
	ab.mu.Unlock()

	logger.Base().Info("Joined AudioBridge room",
		zap.Int64("room", ab.cfg.RoomID),
		zap.Int64("participant_id", ev.ID),
		zap.String("janus_rtp", fmt.Sprintf("%s:%d", ev.RTP.IP, ev.RTP.Port)))

	ab.updateParticipants(ev.Participants)
	return nil
}

// configureRTP re-echoes the bridge's RTP endpoint after join. Janus
// accepts the endpoint on join already; some deployments only latch it on
// configure.
func (ab *AudioBridge) configureRTP(ctx context.Context) error {
	resp, err := ab.client.Message(ctx, audioBridgeConfigure{
		Request: "configure",
		RTP: &rtpParticipant{
			IP:          ab.cfg.RTPHost,
			Port:        ab.cfg.RTPPort,
			PayloadType: OpusPayloadType,
		},
	})
	if err != nil {
		return err
	}
	return checkSuccess(resp, "audiobridge configure")
}

// SetMuted flips the bridge participant's mute flag.
func (ab *AudioBridge) SetMuted(ctx context.Context, muted bool) error {
	resp, err := ab.client.Message(ctx, audioBridgeConfigure{
		Request: "configure",
		Muted:   &muted,
	})
	if err != nil {
		return err
	}
	return checkSuccess(resp, "audiobridge mute")
}

// ForwardParticipant asks Janus to forward a participant's audio to the
// bridge's receiver. Issued once per participant; repeats are no-ops. On
// failure the reservation is dropped so the next roster event can retry.
func (ab *AudioBridge) ForwardParticipant(ctx context.Context, participantID int64) error {
	ab.mu.Lock()
	if _, done := ab.forwarded[participantID]; done {
		ab.mu.Unlock()
		return nil
	}
	ab.forwarded[participantID] = 0
	ab.mu.Unlock()

	resp, err := ab.client.Message(ctx, audioBridgeRTPForward{
		Request:     "rtp_forward",
		Room:        ab.cfg.RoomID,
		PublisherID: participantID,
		Host:        ab.cfg.RTPHost,
		Port:        ab.cfg.RTPPort,
		Codec:       "opus",
		PayloadType: OpusPayloadType,
		SSRC:        ForwardSSRC,
		AdminKey:    ab.cfg.AdminKey,
	})
	if err != nil {
		ab.unreserveForward(participantID)
		return err
	}
	if code, reason, bad := resp.PluginError(); bad {
		ab.unreserveForward(participantID)
		return fmt.Errorf("janus: audiobridge rtp_forward: %s (code %d)", reason, code)
	}

	var ev audioBridgeEvent
	_ = resp.DecodePluginData(&ev)

	ab.mu.Lock()
	ab.forwarded[participantID] = ev.StreamID
	ab.mu.Unlock()

	logger.Base().Info("Forwarding participant audio",
		zap.Int64("participant_id", participantID),
		zap.Int64("stream_id", ev.StreamID))
	return nil
}

func (ab *AudioBridge) unreserveForward(participantID int64) {
	ab.mu.Lock()
	delete(ab.forwarded, participantID)
	ab.mu.Unlock()
}

// handleEvent runs on the receive loop for asynchronous plugin events.
func (ab *AudioBridge) handleEvent(resp *Response) {
	if resp.Plugindata == nil {
		return
	}
	var ev audioBridgeEvent
	if err := resp.DecodePluginData(&ev); err != nil {
		logger.Base().Warn("Unparseable AudioBridge event", zap.Error(err))
		return
	}

	if ev.ErrorCode != 0 {
		logger.Base().Warn("AudioBridge error event",
			zap.Int("code", ev.ErrorCode), zap.String("reason", ev.Error))
		if ab.cfg.OnError != nil {
			ab.cfg.OnError(ev.ErrorCode, ev.Error)
		}
		return
	}

	switch ev.AudioBridge {
	case "event":
		if len(ev.Participants) > 0 {
			ab.forwardAsync(ab.updateParticipants(ev.Participants))
		}
		if ev.Leaving != 0 {
			ab.removeParticipant(ev.Leaving)
		}
	case "joined":
		// Another participant's join notification carries the roster.
		ab.forwardAsync(ab.updateParticipants(ev.Participants))
	case "talking", "stopped-talking":
		ab.setTalking(ev.ID, ev.AudioBridge == "talking")
	case "left", "destroyed":
		logger.Base().Info("AudioBridge room gone", zap.String("event", ev.AudioBridge))
	}
}

func (ab *AudioBridge) handleClosed(err error) {
	ab.mu.Lock()
	ab.session.Connected = false
	ab.session.Joined = false
	ab.mu.Unlock()
	if ab.cfg.OnClosed != nil {
		ab.cfg.OnClosed(err)
	}
}

// updateParticipants upserts roster entries and fires the change callback
// with a sorted snapshot. It returns the ids seen for the first time;
// callers decide how to forward them.
func (ab *AudioBridge) updateParticipants(infos []ParticipantInfo) []int64 {
	if len(infos) == 0 {
		return nil
	}
	self := ab.ParticipantID()

	var fresh []int64
	ab.mu.Lock()
	for _, info := range infos {
		if info.ID == self {
			continue
		}
		p, known := ab.participants[info.ID]
		if !known {
			p = &Participant{ID: info.ID, JoinedAt: time.Now()}
			ab.participants[info.ID] = p
			fresh = append(fresh, info.ID)
		}
		if info.Display != "" {
			p.Display = info.Display
		}
		p.Muted = info.Muted
	}
	snapshot := ab.snapshotLocked()
	ab.mu.Unlock()

	if ab.cfg.OnParticipantsChanged != nil {
		ab.cfg.OnParticipantsChanged(snapshot)
	}
	return fresh
}

// forwardAsync issues rtp_forward off the receive loop, which must stay
// free to route the forward's own reply.
func (ab *AudioBridge) forwardAsync(ids []int64) {
	for _, id := range ids {
		go func(id int64) {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			if err := ab.ForwardParticipant(ctx, id); err != nil {
				logger.Base().Warn("RTP forward failed",
					zap.Int64("participant_id", id), zap.Error(err))
			}
		}(id)
	}
}

func (ab *AudioBridge) removeParticipant(id int64) {
	ab.mu.Lock()
	p, known := ab.participants[id]
	if !known {
		ab.mu.Unlock()
		return
	}
	display := p.Display
	delete(ab.participants, id)
	delete(ab.forwarded, id)
	snapshot := ab.snapshotLocked()
	ab.mu.Unlock()

	logger.Base().Info("Participant left",
		zap.Int64("participant_id", id), zap.String("display", display))

	if ab.cfg.OnParticipantLeft != nil {
		ab.cfg.OnParticipantLeft(id, display)
	}
	if ab.cfg.OnParticipantsChanged != nil {
		ab.cfg.OnParticipantsChanged(snapshot)
	}
}

func (ab *AudioBridge) setTalking(id int64, talking bool) {
	ab.mu.Lock()
	if p, known := ab.participants[id]; known {
		p.Talking = talking
	}
	ab.mu.Unlock()
}

func (ab *AudioBridge) snapshotLocked() []Participant {
	out := make([]Participant, 0, len(ab.participants))
	for _, p := range ab.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Participants returns a sorted snapshot of the room roster.
func (ab *AudioBridge) Participants() []Participant {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.snapshotLocked()
}

// ParticipantID returns the bridge's own participant id (0 until joined).
func (ab *AudioBridge) ParticipantID() int64 {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.session.ParticipantID
}

// RTPTarget returns Janus's RTP destination from the joined event.
func (ab *AudioBridge) RTPTarget() (string, int) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.session.RTPTargetIP, ab.session.RTPTargetPort
}

// Session returns a copy of the control-plane session record.
func (ab *AudioBridge) Session() Session {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.session
}

// Ready reports whether the audio control plane is usable.
func (ab *AudioBridge) Ready() bool {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.session.Ready()
}

// Close leaves the room (best-effort) and destroys the Janus session.
func (ab *AudioBridge) Close(ctx context.Context) error {
	if ab.Ready() {
		if _, err := ab.client.Message(ctx, struct {
			Request string `json:"request"`
		}{Request: "leave"}); err != nil {
			logger.Base().Debug("AudioBridge leave failed", zap.Error(err))
		}
	}
	err := ab.client.Destroy(ctx)

	ab.mu.Lock()
	ab.session.Connected = false
	ab.session.Joined = false
	ab.mu.Unlock()
	return err
}
