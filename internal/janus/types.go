// Package janus is the WebSocket control plane toward Janus Gateway: a
// shared session/handle core plus AudioBridge and VideoRoom plugin clients.
// Media never flows here; the plugins are configured to forward plain RTP
// to the bridge's UDP sockets.
package janus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// PluginAudioBridge mixes room audio and accepts plain-RTP participants.
	PluginAudioBridge = "janus.plugin.audiobridge"
	// PluginVideoRoom is the SFU plugin; the bridge taps publishers via
	// rtp_forward.
	PluginVideoRoom = "janus.plugin.videoroom"
)

// request is the Janus transport envelope. Body carries the plugin payload
// for janus == "message".
type request struct {
	Janus       string      `json:"janus"`
	Transaction string      `json:"transaction"`
	SessionID   int64       `json:"session_id,omitempty"`
	HandleID    int64       `json:"handle_id,omitempty"`
	Plugin      string      `json:"plugin,omitempty"`
	Body        interface{} `json:"body,omitempty"`
}

// Response models the subset of Janus reply fields the bridge consumes:
// ack, event, success and error.
type Response struct {
	Janus       string        `json:"janus"`
	Transaction string        `json:"transaction,omitempty"`
	SessionID   int64         `json:"session_id,omitempty"`
	Sender      int64         `json:"sender,omitempty"`
	Data        *ResponseData `json:"data,omitempty"`
	Plugindata  *PluginData   `json:"plugindata,omitempty"`
	Error       *Error        `json:"error,omitempty"`
}

// ResponseData carries the id minted by create/attach.
type ResponseData struct {
	ID int64 `json:"id"`
}

// PluginData wraps plugin-specific payloads.
type PluginData struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data"`
}

// Error is a Janus transport-level error.
type Error struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// DecodePluginData unmarshals the plugin payload into v.
func (r *Response) DecodePluginData(v interface{}) error {
	if r == nil || r.Plugindata == nil || len(r.Plugindata.Data) == 0 {
		return errors.New("janus: plugin data unavailable")
	}
	return json.Unmarshal(r.Plugindata.Data, v)
}

// PluginError reports the plugin-level error_code embedded in plugindata,
// if any. Janus signals plugin failures inside otherwise-successful replies.
func (r *Response) PluginError() (int, string, bool) {
	if r == nil || r.Plugindata == nil || len(r.Plugindata.Data) == 0 {
		return 0, "", false
	}
	var payload struct {
		ErrorCode int    `json:"error_code"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(r.Plugindata.Data, &payload); err != nil {
		return 0, "", false
	}
	if payload.ErrorCode == 0 {
		return 0, "", false
	}
	return payload.ErrorCode, payload.Error, true
}

// rtpParticipant is the plain-RTP endpoint the bridge advertises on join.
type rtpParticipant struct {
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	PayloadType int    `json:"payload_type,omitempty"`
}

// rtpEndpoint is Janus's own RTP target, delivered in the joined event.
type rtpEndpoint struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// AudioBridge plugin bodies.

type audioBridgeCreateRoom struct {
	Request              string `json:"request"`
	Room                 int64  `json:"room"`
	Description          string `json:"description,omitempty"`
	SamplingRate         int    `json:"sampling_rate"`
	AudioLevelEvent      bool   `json:"audiolevel_event,omitempty"`
	AllowRTPParticipants bool   `json:"allow_rtp_participants,omitempty"`
	AdminKey             string `json:"admin_key,omitempty"`
}

type roomDestroy struct {
	Request  string `json:"request"`
	Room     int64  `json:"room"`
	AdminKey string `json:"admin_key,omitempty"`
}

type audioBridgeJoin struct {
	Request string          `json:"request"`
	Room    int64           `json:"room"`
	Display string          `json:"display,omitempty"`
	RTP     *rtpParticipant `json:"rtp,omitempty"`
}

type audioBridgeConfigure struct {
	Request string          `json:"request"`
	Muted   *bool           `json:"muted,omitempty"`
	RTP     *rtpParticipant `json:"rtp,omitempty"`
}

type audioBridgeRTPForward struct {
	Request     string `json:"request"`
	Room        int64  `json:"room"`
	PublisherID int64  `json:"publisher_id"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Codec       string `json:"codec,omitempty"`
	PayloadType int    `json:"ptype,omitempty"`
	SSRC        uint32 `json:"ssrc,omitempty"`
	AdminKey    string `json:"admin_key,omitempty"`
}

// audioBridgeEvent is the plugindata payload for every AudioBridge reply
// and asynchronous event the bridge handles.
type audioBridgeEvent struct {
	AudioBridge  string            `json:"audiobridge"`
	Room         int64             `json:"room,omitempty"`
	ID           int64             `json:"id,omitempty"`
	Participants []ParticipantInfo `json:"participants,omitempty"`
	Leaving      int64             `json:"leaving,omitempty"`
	RTP          *rtpEndpoint      `json:"rtp,omitempty"`
	StreamID     int64             `json:"stream_id,omitempty"`
	Result       string            `json:"result,omitempty"`
	ErrorCode    int               `json:"error_code,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// ParticipantInfo is one entry of an AudioBridge participants list.
type ParticipantInfo struct {
	ID      int64  `json:"id"`
	Display string `json:"display,omitempty"`
	Muted   bool   `json:"muted,omitempty"`
	Talking bool   `json:"talking,omitempty"`
	Setup   bool   `json:"setup,omitempty"`
}

// VideoRoom plugin bodies.

type videoRoomCreateRoom struct {
	Request       string `json:"request"`
	Room          int64  `json:"room"`
	Description   string `json:"description,omitempty"`
	VideoCodec    string `json:"videocodec,omitempty"`
	Bitrate       int    `json:"bitrate,omitempty"`
	NotifyJoining bool   `json:"notify_joining,omitempty"`
	AdminKey      string `json:"admin_key,omitempty"`
}

type videoRoomJoin struct {
	Request string `json:"request"`
	Room    int64  `json:"room"`
	PType   string `json:"ptype"`
	Display string `json:"display,omitempty"`
}

type videoRoomRTPForward struct {
	Request     string `json:"request"`
	Room        int64  `json:"room"`
	PublisherID int64  `json:"publisher_id"`
	Host        string `json:"host"`
	VideoPort   int    `json:"video_port"`
	VideoPT     int    `json:"video_pt,omitempty"`
	AdminKey    string `json:"admin_key,omitempty"`
}

type videoRoomStopForward struct {
	Request     string `json:"request"`
	Room        int64  `json:"room"`
	PublisherID int64  `json:"publisher_id"`
	StreamID    int64  `json:"stream_id"`
	AdminKey    string `json:"admin_key,omitempty"`
}

// videoRoomEvent is the plugindata payload for VideoRoom replies and
// events. Leaving/Unpublished stay raw because Janus sends either an id or
// the string "ok" there.
type videoRoomEvent struct {
	VideoRoom   string          `json:"videoroom"`
	Room        int64           `json:"room,omitempty"`
	ID          int64           `json:"id,omitempty"`
	Publishers  []PublisherInfo `json:"publishers,omitempty"`
	Joining     *PublisherInfo  `json:"joining,omitempty"`
	Leaving     json.RawMessage `json:"leaving,omitempty"`
	Unpublished json.RawMessage `json:"unpublished,omitempty"`
	RTPStream   *rtpStreamInfo  `json:"rtp_stream,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// PublisherInfo is one entry of a VideoRoom publishers list.
type PublisherInfo struct {
	ID         int64  `json:"id"`
	Display    string `json:"display,omitempty"`
	AudioCodec string `json:"audio_codec,omitempty"`
	VideoCodec string `json:"video_codec,omitempty"`
}

type rtpStreamInfo struct {
	Host          string `json:"host,omitempty"`
	VideoStreamID int64  `json:"video_stream_id,omitempty"`
	VideoPort     int    `json:"video_port,omitempty"`
}

// rawID parses a RawMessage that is either a numeric id or a string.
func rawID(raw json.RawMessage) (int64, bool) {
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	return id, true
}

// Participant is a live AudioBridge room member as tracked by the bridge.
type Participant struct {
	ID       int64     `json:"id"`
	Display  string    `json:"display"`
	Muted    bool      `json:"muted"`
	Talking  bool      `json:"talking"`
	JoinedAt time.Time `json:"joined_at"`
}

// Publisher is a VideoRoom publisher the bridge may tap for video.
type Publisher struct {
	ID         int64  `json:"id"`
	Display    string `json:"display"`
	AudioCodec string `json:"audio_codec"`
	VideoCodec string `json:"video_codec"`
	Subscribed bool   `json:"subscribed"`
}

// Session is the mutable control-plane state for one plugin attachment.
type Session struct {
	SessionID     int64     `json:"session_id"`
	HandleID      int64     `json:"handle_id"`
	RoomID        int64     `json:"room_id"`
	ParticipantID int64     `json:"participant_id,omitempty"`
	RTPTargetIP   string    `json:"rtp_target_ip,omitempty"`
	RTPTargetPort int       `json:"rtp_target_port,omitempty"`
	DisplayName   string    `json:"display_name"`
	Connected     bool      `json:"connected"`
	Joined        bool      `json:"joined"`
	ConnectedAt   time.Time `json:"connected_at,omitempty"`
	JoinedAt      time.Time `json:"joined_at,omitempty"`
}

// Ready reports whether the session can carry media control traffic.
func (s *Session) Ready() bool {
	return s != nil && s.Connected && s.Joined &&
		s.SessionID != 0 && s.HandleID != 0 && s.RTPTargetIP != ""
}

// checkSuccess validates a synchronous reply.
func checkSuccess(resp *Response, op string) error {
	if resp == nil {
		return fmt.Errorf("janus: %s: empty response", op)
	}
	if resp.Error != nil {
		return fmt.Errorf("janus: %s: %s (code %d)", op, resp.Error.Reason, resp.Error.Code)
	}
	if resp.Janus != "success" && resp.Janus != "event" && resp.Janus != "ack" {
		return fmt.Errorf("janus: %s: unexpected reply %q", op, resp.Janus)
	}
	return nil
}
