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
	// VP8PayloadType is the RTP payload type Janus uses for forwarded
	// VideoRoom VP8 streams.
	VP8PayloadType = 96

	videoRoomBitrate = 2000000
	videoRoomCodecs  = "vp8,h264"

	errVideoRoomExists = 427
)

// VideoRoomConfig wires a VideoRoom client.
type VideoRoomConfig struct {
	WSURL    string
	RoomID   int64
	Display  string
	AdminKey string

	// RTPHost/VideoPort is the bridge's video receiver, used as the
	// rtp_forward destination for every publisher.
	RTPHost   string
	VideoPort int

	// OnPublishersChanged receives the publisher roster after every change.
	OnPublishersChanged func([]Publisher)
	// OnError surfaces plugin-level errors from asynchronous events.
	OnError func(code int, reason string)
	// OnClosed fires once if Janus drops the connection.
	OnClosed func(error)
}

// VideoRoom joins a Janus VideoRoom as a non-publishing participant and
// keeps every publisher's video forwarded to the bridge's UDP receiver.
// Joining with ptype publisher is what subscribes us to publisher-list
// events; we never send an offer.
type VideoRoom struct {
	cfg    VideoRoomConfig
	client *Client

	mu         sync.Mutex
	session    Session
	publishers map[int64]*Publisher
	forwards   map[int64]int64
}

// NewVideoRoom builds the client; Connect performs the whole startup
// sequence.
func NewVideoRoom(cfg VideoRoomConfig) *VideoRoom {
	return &VideoRoom{
		cfg:        cfg,
		client:     NewClient(cfg.WSURL, PluginVideoRoom),
		publishers: make(map[int64]*Publisher),
		forwards:   make(map[int64]int64),
	}
}

// Connect runs the startup sequence: dial, session, attach, room
// destroy+create, join as a publisher-typed participant, then start the
// event loop and keepalive.
func (vr *VideoRoom) Connect(ctx context.Context) error {
	if err := vr.client.Connect(ctx); err != nil {
		return err
	}
	vr.mu.Lock()
	vr.session = Session{
		SessionID:   vr.client.SessionID(),
		HandleID:    vr.client.HandleID(),
		RoomID:      vr.cfg.RoomID,
		DisplayName: vr.cfg.Display,
		Connected:   true,
		ConnectedAt: time.Now(),
	}
	vr.mu.Unlock()

	if err := vr.prepareRoom(ctx); err != nil {
		return err
	}
	if err := vr.join(ctx); err != nil {
		return err
	}

	vr.client.StartEventLoop(vr.handleEvent, vr.handleClosed)
	vr.client.StartKeepalive()

	// Publishers already in the room arrived with the joined event.
	for _, p := range vr.Publishers() {
		if err := vr.ForwardPublisher(ctx, p.ID); err != nil {
			logger.Base().Warn("Video forward failed",
				zap.Int64("publisher_id", p.ID), zap.Error(err))
		}
	}

	logger.Base().Info("VideoRoom ready",
		zap.Int64("room", vr.cfg.RoomID),
		zap.Int64("participant_id", vr.ParticipantID()))
	return nil
}

// prepareRoom destroys any stale room, then creates it fresh. An existing
// room (427) on create is fine.
func (vr *VideoRoom) prepareRoom(ctx context.Context) error {
	destroyResp, err := vr.client.Message(ctx, roomDestroy{
		Request:  "destroy",
		Room:     vr.cfg.RoomID,
		AdminKey: vr.cfg.AdminKey,
	})
	if err != nil {
		logger.Base().Debug("VideoRoom destroy failed", zap.Error(err))
	} else if code, reason, bad := destroyResp.PluginError(); bad {
		logger.Base().Debug("VideoRoom destroy refused",
			zap.Int("code", code), zap.String("reason", reason))
	}

	resp, err := vr.client.Message(ctx, videoRoomCreateRoom{
		Request:       "create",
		Room:          vr.cfg.RoomID,
		Description:   "AI bridge room",
		VideoCodec:    videoRoomCodecs,
		Bitrate:       videoRoomBitrate,
		NotifyJoining: true,
		AdminKey:      vr.cfg.AdminKey,
	})
	if err != nil {
		return err
	}
	if err := checkSuccess(resp, "videoroom create"); err != nil {
		return err
	}
	if code, reason, bad := resp.PluginError(); bad && code != errVideoRoomExists {
		return fmt.Errorf("janus: videoroom create: %s (code %d)", reason, code)
	}
	return nil
}

// join enters the room with ptype publisher and waits for the joined event
// carrying our id and the current publisher list.
func (vr *VideoRoom) join(ctx context.Context) error {
	resp, err := vr.client.Message(ctx, videoRoomJoin{
		Request: "join",
		Room:    vr.cfg.RoomID,
		PType:   "publisher",
		Display: vr.cfg.Display,
	})
	if err != nil {
		return err
	}

	var ev videoRoomEvent
	if err := resp.DecodePluginData(&ev); err != nil {
		return fmt.Errorf("janus: videoroom join: %w", err)
	}
	if ev.ErrorCode != 0 {
		return fmt.Errorf("janus: videoroom join: %s (code %d)", ev.Error, ev.ErrorCode)
	}
	if ev.VideoRoom != "joined" {
		return fmt.Errorf("janus: videoroom join: unexpected reply %q", ev.VideoRoom)
	}

	vr.mu.Lock()
	vr.session.ParticipantID = ev.ID
	vr.session.Joined = true
	vr.session.JoinedAt = time.Now()
	vr.mu.Unlock()

	logger.Base().Info("Joined VideoRoom",
		zap.Int64("room", vr.cfg.RoomID),
		zap.Int64("participant_id", ev.ID),
		zap.Int("publishers", len(ev.Publishers)))

	vr.updatePublishers(ev.Publishers)
	return nil
}

// ForwardPublisher asks Janus to forward a publisher's video to the
// bridge's receiver. Issued once per publisher; repeats are no-ops. On
// failure the reservation is dropped so the next publisher event can
// retry.
func (vr *VideoRoom) ForwardPublisher(ctx context.Context, publisherID int64) error {
	vr.mu.Lock()
	if _, done := vr.forwards[publisherID]; done {
		vr.mu.Unlock()
		return nil
	}
	vr.forwards[publisherID] = 0
	vr.mu.Unlock()

	resp, err := vr.client.Message(ctx, videoRoomRTPForward{
		Request:     "rtp_forward",
		Room:        vr.cfg.RoomID,
		PublisherID: publisherID,
		Host:        vr.cfg.RTPHost,
		VideoPort:   vr.cfg.VideoPort,
		VideoPT:     VP8PayloadType,
		AdminKey:    vr.cfg.AdminKey,
	})
	if err != nil {
		vr.unreserveForward(publisherID)
		return err
	}
	if code, reason, bad := resp.PluginError(); bad {
		vr.unreserveForward(publisherID)
		return fmt.Errorf("janus: videoroom rtp_forward: %s (code %d)", reason, code)
	}

	var ev videoRoomEvent
	_ = resp.DecodePluginData(&ev)
	var streamID int64
	if ev.RTPStream != nil {
		streamID = ev.RTPStream.VideoStreamID
	}

	vr.mu.Lock()
	vr.forwards[publisherID] = streamID
	if p, known := vr.publishers[publisherID]; known {
		p.Subscribed = true
	}
	vr.mu.Unlock()

	logger.Base().Info("Forwarding publisher video",
		zap.Int64("publisher_id", publisherID),
		zap.Int64("stream_id", streamID))
	return nil
}

// StopForward tears down a publisher's video forward. Unknown publishers
// are a no-op.
func (vr *VideoRoom) StopForward(ctx context.Context, publisherID int64) error {
	vr.mu.Lock()
	streamID, known := vr.forwards[publisherID]
	vr.mu.Unlock()
	if !known {
		return nil
	}

	resp, err := vr.client.Message(ctx, videoRoomStopForward{
		Request:     "stop_rtp_forward",
		Room:        vr.cfg.RoomID,
		PublisherID: publisherID,
		StreamID:    streamID,
		AdminKey:    vr.cfg.AdminKey,
	})
	if err != nil {
		return err
	}
	if code, reason, bad := resp.PluginError(); bad {
		return fmt.Errorf("janus: videoroom stop_rtp_forward: %s (code %d)", reason, code)
	}

	vr.mu.Lock()
	delete(vr.forwards, publisherID)
	if p, known := vr.publishers[publisherID]; known {
		p.Subscribed = false
	}
	vr.mu.Unlock()

	logger.Base().Info("Stopped publisher video forward",
		zap.Int64("publisher_id", publisherID),
		zap.Int64("stream_id", streamID))
	return nil
}

// RequestKeyframe restarts a publisher's forward. There is no PLI for
// plain-RTP forwards; tearing the forward down and re-creating it makes
// Janus ask the publisher for a fresh keyframe.
func (vr *VideoRoom) RequestKeyframe(ctx context.Context, publisherID int64) error {
	if err := vr.StopForward(ctx, publisherID); err != nil {
		logger.Base().Warn("Keyframe restart: stop failed",
			zap.Int64("publisher_id", publisherID), zap.Error(err))
	}
	return vr.ForwardPublisher(ctx, publisherID)
}

func (vr *VideoRoom) unreserveForward(publisherID int64) {
	vr.mu.Lock()
	delete(vr.forwards, publisherID)
	vr.mu.Unlock()
}

// handleEvent runs on the receive loop for asynchronous plugin events.
func (vr *VideoRoom) handleEvent(resp *Response) {
	if resp.Plugindata == nil {
		return
	}
	var ev videoRoomEvent
	if err := resp.DecodePluginData(&ev); err != nil {
		logger.Base().Warn("Unparseable VideoRoom event", zap.Error(err))
		return
	}

	if ev.ErrorCode != 0 {
		logger.Base().Warn("VideoRoom error event",
			zap.Int("code", ev.ErrorCode), zap.String("reason", ev.Error))
		if vr.cfg.OnError != nil {
			vr.cfg.OnError(ev.ErrorCode, ev.Error)
		}
		return
	}

	switch ev.VideoRoom {
	case "event":
		if len(ev.Publishers) > 0 {
			vr.forwardAsync(vr.updatePublishers(ev.Publishers))
		}
		if id, ok := rawID(ev.Unpublished); ok {
			vr.removePublisher(id, "unpublished")
		}
		if id, ok := rawID(ev.Leaving); ok {
			vr.removePublisher(id, "leaving")
		}
	case "joining":
		// notify_joining: present but not yet publishing. Nothing to
		// forward until they show up in a publishers list.
		if ev.Joining != nil {
			logger.Base().Info("Participant joining VideoRoom",
				zap.Int64("id", ev.Joining.ID),
				zap.String("display", ev.Joining.Display))
		}
	case "destroyed":
		logger.Base().Info("VideoRoom destroyed", zap.Int64("room", ev.Room))
	}
}

func (vr *VideoRoom) handleClosed(err error) {
	vr.mu.Lock()
	vr.session.Connected = false
	vr.session.Joined = false
	vr.mu.Unlock()
	if vr.cfg.OnClosed != nil {
		vr.cfg.OnClosed(err)
	}
}

// updatePublishers upserts roster entries and fires the change callback
// with a sorted snapshot. It returns the ids seen for the first time;
// callers decide how to forward them.
func (vr *VideoRoom) updatePublishers(infos []PublisherInfo) []int64 {
	if len(infos) == 0 {
		return nil
	}
	self := vr.ParticipantID()

	var fresh []int64
	vr.mu.Lock()
	for _, info := range infos {
		if info.ID == self {
			continue
		}
		p, known := vr.publishers[info.ID]
		if !known {
			p = &Publisher{ID: info.ID}
			vr.publishers[info.ID] = p
			fresh = append(fresh, info.ID)
		}
		if info.Display != "" {
			p.Display = info.Display
		}
		if info.AudioCodec != "" {
			p.AudioCodec = info.AudioCodec
		}
		if info.VideoCodec != "" {
			p.VideoCodec = info.VideoCodec
		}
	}
	snapshot := vr.snapshotLocked()
	vr.mu.Unlock()

	if vr.cfg.OnPublishersChanged != nil {
		vr.cfg.OnPublishersChanged(snapshot)
	}
	return fresh
}

// forwardAsync issues rtp_forward off the receive loop, which must stay
// free to route the forward's own reply.
func (vr *VideoRoom) forwardAsync(ids []int64) {
	for _, id := range ids {
		go func(id int64) {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			if err := vr.ForwardPublisher(ctx, id); err != nil {
				logger.Base().Warn("Video forward failed",
					zap.Int64("publisher_id", id), zap.Error(err))
			}
		}(id)
	}
}

func (vr *VideoRoom) removePublisher(id int64, why string) {
	vr.mu.Lock()
	p, known := vr.publishers[id]
	if !known {
		vr.mu.Unlock()
		return
	}
	display := p.Display
	delete(vr.publishers, id)
	delete(vr.forwards, id)
	snapshot := vr.snapshotLocked()
	vr.mu.Unlock()

	logger.Base().Info("Publisher gone",
		zap.Int64("publisher_id", id),
		zap.String("display", display),
		zap.String("event", why))

	if vr.cfg.OnPublishersChanged != nil {
		vr.cfg.OnPublishersChanged(snapshot)
	}
}

func (vr *VideoRoom) snapshotLocked() []Publisher {
	out := make([]Publisher, 0, len(vr.publishers))
	for _, p := range vr.publishers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Publishers returns a sorted snapshot of the publisher roster.
func (vr *VideoRoom) Publishers() []Publisher {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	return vr.snapshotLocked()
}

// ActiveForwards returns the number of publishers currently forwarded.
func (vr *VideoRoom) ActiveForwards() int {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	return len(vr.forwards)
}

// ParticipantID returns the bridge's own VideoRoom id (0 until joined).
func (vr *VideoRoom) ParticipantID() int64 {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	return vr.session.ParticipantID
}

// Session returns a copy of the control-plane session record.
func (vr *VideoRoom) Session() Session {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	return vr.session
}

// Ready reports whether the video control plane is usable. Unlike the
// AudioBridge session there is no RTP target to wait for; forwards flow
// toward the bridge only.
func (vr *VideoRoom) Ready() bool {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	return vr.session.Connected && vr.session.Joined &&
		vr.session.SessionID != 0 && vr.session.HandleID != 0
}

// Close leaves the room (best-effort) and destroys the Janus session.
func (vr *VideoRoom) Close(ctx context.Context) error {
	if vr.Ready() {
		if _, err := vr.client.Message(ctx, struct {
			Request string `json:"request"`
		}{Request: "leave"}); err != nil {
			logger.Base().Debug("VideoRoom leave failed", zap.Error(err))
		}
	}
	err := vr.client.Destroy(ctx)

	vr.mu.Lock()
	vr.session.Connected = false
	vr.session.Joined = false
	vr.mu.Unlock()
	return err
}
