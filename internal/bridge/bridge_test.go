package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ClareAI/agent-bridge/internal/audio"
	"github.com/ClareAI/agent-bridge/internal/config"
	"github.com/ClareAI/agent-bridge/internal/janus"
	"github.com/ClareAI/agent-bridge/internal/rtp"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatewayOptions shapes the scripted Janus both plugins talk to.
type gatewayOptions struct {
	// audioRTPPort goes into the joined event's rtp target, i.e. where the
	// bridge sends its Opus frames.
	audioRTPPort  int
	participants  []map[string]interface{}
	publishers    []map[string]interface{}
	failVideoJoin bool
}

// gwConn serializes writes on one gateway connection; the serve loop and
// test pushes share it.
type gwConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (g *gwConn) send(v interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_ = g.conn.WriteJSON(v)
}

// fakeGateway serves both Janus plugins on one endpoint. Each WebSocket
// connection identifies its plugin at attach time; plugin messages are
// acked and answered from a canned script, and tests can push
// transaction-less events per plugin.
type fakeGateway struct {
	t    *testing.T
	srv  *httptest.Server
	opts gatewayOptions

	mu      sync.Mutex
	idSeq   int64
	conns   map[string]*gwConn
	bodies  map[string][]map[string]interface{}
	streams int64
}

func newFakeGateway(t *testing.T, opts gatewayOptions) *fakeGateway {
	f := &fakeGateway{
		t:      t,
		opts:   opts,
		conns:  make(map[string]*gwConn),
		bodies: make(map[string][]map[string]interface{}),
	}
	upgrader := websocket.Upgrader{Subprotocols: []string{"janus-protocol"}}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.serve(&gwConn{conn: conn})
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeGateway) serve(gc *gwConn) {
	var plugin string
	f.mu.Lock()
	f.idSeq += 2
	sessionID, handleID := 8000+f.idSeq, 9000+f.idSeq
	f.mu.Unlock()

	for {
		_, data, err := gc.conn.ReadMessage()
		if err != nil {
			return
		}
		var env struct {
			Janus       string                 `json:"janus"`
			Transaction string                 `json:"transaction"`
			Plugin      string                 `json:"plugin"`
			Body        map[string]interface{} `json:"body"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Janus {
		case "create":
			gc.send(map[string]interface{}{
				"janus": "success", "transaction": env.Transaction,
				"data": map[string]interface{}{"id": sessionID},
			})
		case "attach":
			plugin = env.Plugin
			f.mu.Lock()
			f.conns[plugin] = gc
			f.mu.Unlock()
			gc.send(map[string]interface{}{
				"janus": "success", "transaction": env.Transaction,
				"data": map[string]interface{}{"id": handleID},
			})
		case "keepalive":
			gc.send(map[string]interface{}{"janus": "ack", "transaction": env.Transaction})
		case "destroy":
			gc.send(map[string]interface{}{"janus": "success", "transaction": env.Transaction})
		case "message":
			request, _ := env.Body["request"].(string)
			f.mu.Lock()
			f.bodies[plugin] = append(f.bodies[plugin], env.Body)
			f.mu.Unlock()

			gc.send(map[string]interface{}{"janus": "ack", "transaction": env.Transaction})
			reply := f.script(plugin, request, env.Body)
			if reply == nil {
				gc.send(map[string]interface{}{"janus": "success", "transaction": env.Transaction})
				continue
			}
			gc.send(map[string]interface{}{
				"janus": "event", "transaction": env.Transaction,
				"session_id": sessionID, "sender": handleID,
				"plugindata": map[string]interface{}{"plugin": plugin, "data": reply},
			})
		}
	}
}

// script answers one plugin message the way a live gateway would.
func (f *fakeGateway) script(plugin, request string, body map[string]interface{}) map[string]interface{} {
	if plugin == janus.PluginAudioBridge {
		switch request {
		case "destroy":
			return map[string]interface{}{"audiobridge": "destroyed", "room": 1234}
		case "create":
			return map[string]interface{}{"audiobridge": "created", "room": 1234}
		case "join":
			return map[string]interface{}{
				"audiobridge": "joined", "room": 1234, "id": 555,
				"participants": f.opts.participants,
				"rtp": map[string]interface{}{
					"ip": "127.0.0.1", "port": f.opts.audioRTPPort,
				},
			}
		case "configure":
			return map[string]interface{}{"audiobridge": "event", "result": "ok"}
		case "rtp_forward":
			f.mu.Lock()
			f.streams++
			id := f.streams
			f.mu.Unlock()
			return map[string]interface{}{
				"audiobridge": "success", "room": 1234, "stream_id": id,
			}
		case "leave":
			return map[string]interface{}{"audiobridge": "left"}
		}
		return nil
	}

	switch request {
	case "destroy":
		return map[string]interface{}{"videoroom": "destroyed", "room": 1234}
	case "create":
		return map[string]interface{}{"videoroom": "created", "room": 1234}
	case "join":
		if f.opts.failVideoJoin {
			return map[string]interface{}{
				"videoroom": "event", "error_code": 426, "error": "No such room",
			}
		}
		return map[string]interface{}{
			"videoroom": "joined", "room": 1234, "id": 556,
			"publishers": f.opts.publishers,
		}
	case "rtp_forward":
		f.mu.Lock()
		f.streams++
		id := f.streams
		f.mu.Unlock()
		return map[string]interface{}{
			"videoroom": "rtp_forward", "room": 1234,
			"rtp_stream": map[string]interface{}{
				"host": "127.0.0.1", "video_stream_id": id,
				"video_port": body["video_port"],
			},
		}
	case "stop_rtp_forward":
		return map[string]interface{}{"videoroom": "stop_rtp_forward", "room": 1234}
	case "leave":
		return map[string]interface{}{"videoroom": "event", "leaving": "ok"}
	}
	return nil
}

// push injects an asynchronous event on a plugin's connection.
func (f *fakeGateway) push(plugin string, data map[string]interface{}) {
	f.mu.Lock()
	gc := f.conns[plugin]
	f.mu.Unlock()
	if gc == nil {
		f.t.Errorf("no %s connection to push on", plugin)
		return
	}
	gc.send(map[string]interface{}{
		"janus": "event", "sender": 9000,
		"plugindata": map[string]interface{}{"plugin": plugin, "data": data},
	})
}

// recorded returns every message body for one plugin and request.
func (f *fakeGateway) recorded(plugin, request string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]interface{}
	for _, b := range f.bodies[plugin] {
		if b["request"] == request {
			out = append(out, b)
		}
	}
	return out
}

func (f *fakeGateway) requestNames(plugin string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.bodies[plugin]))
	for _, b := range f.bodies[plugin] {
		if name, ok := b["request"].(string); ok {
			out = append(out, name)
		}
	}
	return out
}

// fakeModel is a scripted live endpoint: confirm setup, record frames,
// push server content on demand.
type fakeModel struct {
	srv *httptest.Server

	mu     sync.Mutex
	conns  []*websocket.Conn
	frames [][]byte
}

func newFakeModel(t *testing.T) *fakeModel {
	f := &fakeModel{}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()

		if _, _, err := conn.ReadMessage(); err != nil { // setup frame
			return
		}
		_ = conn.WriteJSON(map[string]interface{}{"setupComplete": map[string]interface{}{}})
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.frames = append(f.frames, data)
			f.mu.Unlock()
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeModel) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeModel) push(v interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return
	}
	_ = f.conns[len(f.conns)-1].WriteJSON(v)
}

// pushAudio delivers pcm as one model audio part.
func (f *fakeModel) pushAudio(pcm []byte) {
	f.push(map[string]interface{}{
		"serverContent": map[string]interface{}{
			"modelTurn": map[string]interface{}{
				"parts": []interface{}{
					map[string]interface{}{
						"inlineData": map[string]interface{}{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(pcm),
						},
					},
				},
			},
		},
	})
}

func (f *fakeModel) pushInterrupted() {
	f.push(map[string]interface{}{
		"serverContent": map[string]interface{}{"interrupted": true},
	})
}

func (f *fakeModel) dropConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return
	}
	_ = f.conns[len(f.conns)-1].Close()
}

func (f *fakeModel) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// framesContaining counts recorded client frames holding every substring.
func (f *fakeModel) framesContaining(subs ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, frame := range f.frames {
		ok := true
		for _, sub := range subs {
			if !strings.Contains(string(frame), sub) {
				ok = false
				break
			}
		}
		if ok {
			n++
		}
	}
	return n
}

// audioFrames returns the recorded camelCase realtimeInput frames.
func (f *fakeModel) audioFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, frame := range f.frames {
		if strings.Contains(string(frame), `"realtimeInput"`) {
			out = append(out, frame)
		}
	}
	return out
}

// rtpCapture plays Janus's media role: the UDP sink the bridge sends its
// encoded frames to.
type rtpCapture struct {
	conn *net.UDPConn

	mu      sync.Mutex
	packets []*rtp.Packet
}

func newRTPCapture(t *testing.T) *rtpCapture {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	c := &rtpCapture{conn: conn}
	t.Cleanup(func() { _ = conn.Close() })
	go c.loop()
	return c
}

func (c *rtpCapture) loop() {
	buf := make([]byte, 2048)
	for {
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pkt, err := rtp.Parse(buf[:n])
		if err != nil {
			continue
		}
		c.mu.Lock()
		c.packets = append(c.packets, pkt)
		c.mu.Unlock()
	}
}

func (c *rtpCapture) port() int {
	return c.conn.LocalAddr().(*net.UDPAddr).Port
}

func (c *rtpCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.packets)
}

func (c *rtpCapture) snapshot() []*rtp.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*rtp.Packet(nil), c.packets...)
}

// speaker injects room audio: 24 kHz PCM is encoded with a private codec
// and sent to the bridge's receiver as Opus RTP carrying the forward SSRC.
type speaker struct {
	t    *testing.T
	conn net.Conn
	enc  *audio.Codec
	seq  uint16
	ts   uint32
}

func newSpeaker(t *testing.T, port int) *speaker {
	t.Helper()
	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	enc, err := audio.NewCodec()
	require.NoError(t, err)
	return &speaker{t: t, conn: conn, enc: enc, seq: 100, ts: 48000}
}

// say sends ms milliseconds of a 440 Hz tone at the given amplitude and
// returns the number of packets sent.
func (s *speaker) say(ms int, amp float64) int {
	s.t.Helper()
	frames, err := s.enc.AIToJanus(sinePCM24k(ms, amp))
	require.NoError(s.t, err)
	for _, frame := range frames {
		pkt := &rtp.Packet{
			Marker:         false,
			PayloadType:    janus.OpusPayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           janus.ForwardSSRC,
			Payload:        frame,
		}
		s.seq++
		s.ts += 960
		data, err := pkt.Bytes()
		require.NoError(s.t, err)
		_, err = s.conn.Write(data)
		require.NoError(s.t, err)
		time.Sleep(2 * time.Millisecond)
	}
	return len(frames)
}

// sinePCM24k renders ms milliseconds of a 440 Hz sine as 24 kHz PCM16.
func sinePCM24k(ms int, amp float64) []byte {
	samples := make([]int16, 24*ms)
	for i := range samples {
		samples[i] = int16(amp * math.Sin(2*math.Pi*440*float64(i)/24000))
	}
	return audio.PCMToBytes(samples)
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func testConfig(t *testing.T) *config.BridgeConfig {
	t.Helper()
	return &config.BridgeConfig{
		JanusRoomID:         1234,
		JanusDisplay:        "ai-bridge",
		RTPHost:             "127.0.0.1",
		RTPPort:             freeUDPPort(t),
		VideoRTPPort:        freeUDPPort(t),
		AudioBridgeAdminKey: "audiobridge_admin",
		VideoRoomAdminKey:   "videoroom_admin_secret",
		GeminiAPIKey:        "test-key",
		GeminiModel:         "models/gemini-2.0-flash-exp",
		GeminiVoice:         "Puck",
		SystemInstruction:   "Be brief.",
		LogLevel:            "ERROR",
		InstanceID:          "test-instance",
	}
}

// testEnv bundles one started bridge with all three fake peers.
type testEnv struct {
	gw      *fakeGateway
	model   *fakeModel
	capture *rtpCapture
	cfg     *config.BridgeConfig
	bridge  *Bridge
}

func startBridge(t *testing.T, opts gatewayOptions, mutate func(*config.BridgeConfig)) *testEnv {
	t.Helper()
	capture := newRTPCapture(t)
	opts.audioRTPPort = capture.port()
	gw := newFakeGateway(t, opts)
	model := newFakeModel(t)

	cfg := testConfig(t)
	cfg.JanusWSURL = gw.url()
	if mutate != nil {
		mutate(cfg)
	}

	b := New(cfg)
	b.aiURL = model.url()
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)

	return &testEnv{gw: gw, model: model, capture: capture, cfg: cfg, bridge: b}
}

func TestStartupReachesReady(t *testing.T) {
	env := startBridge(t, gatewayOptions{}, nil)
	b := env.bridge

	assert.Equal(t, StateReady, b.State())
	assert.True(t, b.Running())
	assert.True(t, b.Healthy())
	assert.False(t, b.IsSpeaking())

	// Room prep, join, configure, in that order, before anything else.
	assert.Equal(t, []string{"destroy", "create", "join", "configure"},
		env.gw.requestNames(janus.PluginAudioBridge))

	// The join advertised the receiver the bridge actually bound.
	joins := env.gw.recorded(janus.PluginAudioBridge, "join")
	require.Len(t, joins, 1)
	rtpInfo, ok := joins[0]["rtp"].(map[string]interface{})
	require.True(t, ok, "join carried no rtp endpoint")
	assert.Equal(t, "127.0.0.1", rtpInfo["ip"])
	assert.Equal(t, float64(env.cfg.RTPPort), rtpInfo["port"])

	st := b.Status()
	assert.Equal(t, "test-instance", st.InstanceID)
	assert.NotEmpty(t, st.SessionID)
	assert.True(t, st.Janus.AudioBridge.Joined)
	assert.Equal(t, int64(555), st.Janus.AudioBridge.ParticipantID)
	assert.True(t, st.AI.Connected)
	assert.True(t, st.Audio.ReceiverRunning)
	assert.True(t, st.Audio.SenderRunning)
	assert.Nil(t, st.Video)

	assert.Equal(t, 1, env.model.connections())
}

func TestStartupFailsWhenModelUnreachable(t *testing.T) {
	capture := newRTPCapture(t)
	gw := newFakeGateway(t, gatewayOptions{audioRTPPort: capture.port()})

	// Refuses the WebSocket upgrade, so the AI dial fails at once.
	deaf := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(deaf.Close)

	cfg := testConfig(t)
	cfg.JanusWSURL = gw.url()
	b := New(cfg)
	b.aiURL = "ws" + strings.TrimPrefix(deaf.URL, "http")

	require.Error(t, b.Start(context.Background()))
	assert.Equal(t, StateError, b.State())
	assert.False(t, b.Running())
	assert.False(t, b.Healthy())

	// The half-built Janus leg was torn down again.
	assert.Contains(t, gw.requestNames(janus.PluginAudioBridge), "leave")
}

func TestSpeechReachesModelAsMediaChunks(t *testing.T) {
	env := startBridge(t, gatewayOptions{}, nil)
	sp := newSpeaker(t, env.cfg.RTPPort)

	sent := sp.say(400, 12000)

	require.Eventually(t, func() bool {
		return len(env.model.audioFrames()) >= 1
	}, 3*time.Second, 20*time.Millisecond, "model never saw audio")

	var msg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MimeType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	require.NoError(t, json.Unmarshal(env.model.audioFrames()[0], &msg))
	require.Len(t, msg.RealtimeInput.MediaChunks, 1)
	assert.Equal(t, "audio/pcm;rate=16000", msg.RealtimeInput.MediaChunks[0].MimeType)
	pcm, err := base64.StdEncoding.DecodeString(msg.RealtimeInput.MediaChunks[0].Data)
	require.NoError(t, err)
	assert.Equal(t, sendThresholdBytes, len(pcm))

	require.Eventually(t, func() bool {
		s := env.bridge.Stats()
		return s.RTPPacketsReceived == uint64(sent) && s.AudioChunksToAI >= 1
	}, 3*time.Second, 20*time.Millisecond)

	// First media marks the room active.
	assert.Equal(t, StateActive, env.bridge.State())
}

func TestSilenceFilteredBeforeModel(t *testing.T) {
	env := startBridge(t, gatewayOptions{}, nil)
	sp := newSpeaker(t, env.cfg.RTPPort)

	sp.say(400, 8)

	require.Eventually(t, func() bool {
		return env.bridge.Stats().SilenceFiltered >= 1
	}, 3*time.Second, 20*time.Millisecond, "silence never scored")

	// Packets were received and decoded, but nothing went out.
	assert.NotZero(t, env.bridge.Stats().RTPPacketsReceived)
	assert.Zero(t, env.bridge.Stats().AudioChunksToAI)
	assert.Empty(t, env.model.audioFrames())
}

func TestModelAudioPlaysBackAsPacedRTP(t *testing.T) {
	env := startBridge(t, gatewayOptions{}, nil)

	// 500 ms at 24 kHz: exactly 25 Opus frames after resampling.
	env.model.pushAudio(sinePCM24k(500, 8000))

	require.Eventually(t, func() bool {
		return env.capture.count() == 25
	}, 5*time.Second, 20*time.Millisecond, "playback never completed")
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 25, env.capture.count())

	pkts := env.capture.snapshot()
	assert.True(t, pkts[0].Marker, "first frame of a burst must carry the marker")
	assert.False(t, pkts[1].Marker)
	for _, p := range pkts {
		assert.Equal(t, uint8(janus.OpusPayloadType), p.PayloadType)
		assert.Equal(t, uint32(555), p.SSRC)
	}

	s := env.bridge.Stats()
	assert.Equal(t, uint64(25), s.RTPPacketsSent)
	assert.Equal(t, uint64(1), s.AudioChunksFromAI)
}

func TestInterruptionCutsPlaybackShort(t *testing.T) {
	env := startBridge(t, gatewayOptions{}, nil)

	// 5 s of audio: far more than will ever be played.
	env.model.pushAudio(sinePCM24k(5000, 8000))
	require.Eventually(t, func() bool {
		return env.capture.count() >= 5
	}, 5*time.Second, 10*time.Millisecond, "playback never started")

	env.model.pushInterrupted()
	require.Eventually(t, func() bool {
		return env.bridge.Stats().AIInterruptions == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	flushed := env.capture.count()
	time.Sleep(300 * time.Millisecond)
	assert.LessOrEqual(t, env.capture.count()-flushed, 2,
		"playback kept flowing after the interruption")

	// A fresh model turn plays normally again.
	resume := env.capture.count()
	env.model.pushAudio(sinePCM24k(100, 8000))
	require.Eventually(t, func() bool {
		return env.capture.count() >= resume+5
	}, 3*time.Second, 20*time.Millisecond, "playback never resumed")
}

func TestNewParticipantsGreetedOnceByName(t *testing.T) {
	env := startBridge(t, gatewayOptions{
		participants: []map[string]interface{}{
			{"id": 901, "display": "alice", "setup": true},
		},
	}, nil)

	// alice was in the room before the bridge; her greeting fires after the
	// settle delay, by which time the model session is up.
	require.Eventually(t, func() bool {
		return env.model.framesContaining(`"clientContent"`, "alice") == 1
	}, 4*time.Second, 50*time.Millisecond, "alice never greeted")

	env.gw.push(janus.PluginAudioBridge, map[string]interface{}{
		"audiobridge": "event", "room": 1234,
		"participants": []interface{}{
			map[string]interface{}{"id": 902, "display": "bob"},
		},
	})
	require.Eventually(t, func() bool {
		return env.model.framesContaining(`"clientContent"`, "bob") == 1
	}, 4*time.Second, 50*time.Millisecond, "bob never greeted")

	// A repeated roster event must not greet anyone twice.
	env.gw.push(janus.PluginAudioBridge, map[string]interface{}{
		"audiobridge": "event", "room": 1234,
		"participants": []interface{}{
			map[string]interface{}{"id": 901, "display": "alice"},
			map[string]interface{}{"id": 902, "display": "bob"},
		},
	})
	time.Sleep(2 * time.Second)
	assert.Equal(t, 1, env.model.framesContaining(`"clientContent"`, "alice"))
	assert.Equal(t, 1, env.model.framesContaining(`"clientContent"`, "bob"))
	assert.Equal(t, uint64(2), env.bridge.Stats().ParticipantsSeen)

	// Roster events count as room activity.
	assert.Equal(t, StateActive, env.bridge.State())
}

func TestModelDropTriggersSingleReconnect(t *testing.T) {
	env := startBridge(t, gatewayOptions{}, nil)
	require.Equal(t, 1, env.model.connections())

	env.model.dropConnection()

	require.Eventually(t, func() bool {
		return env.model.connections() == 2
	}, 6*time.Second, 50*time.Millisecond, "model session never re-established")

	assert.GreaterOrEqual(t, env.bridge.Stats().AIErrors, uint64(1))
	assert.True(t, env.bridge.Running())
	assert.True(t, env.bridge.Healthy(), "Janus side must survive a model drop")

	// One drop, one reconnect; no dial storm.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 2, env.model.connections())
}

func TestVideoJoinFailureDegradesToVoiceOnly(t *testing.T) {
	env := startBridge(t, gatewayOptions{failVideoJoin: true}, func(cfg *config.BridgeConfig) {
		cfg.EnableVideo = true
	})

	assert.Equal(t, StateReady, env.bridge.State())
	assert.True(t, env.bridge.Healthy())

	st := env.bridge.Status()
	assert.Nil(t, st.Video)
	assert.Nil(t, st.Janus.VideoRoom)
	assert.True(t, st.Janus.AudioBridge.Joined)
}

func TestVideoPublishersForwardedToReceiver(t *testing.T) {
	env := startBridge(t, gatewayOptions{
		publishers: []map[string]interface{}{
			{"id": 903, "display": "carol", "video_codec": "vp8"},
		},
	}, func(cfg *config.BridgeConfig) {
		cfg.EnableVideo = true
	})

	forwards := env.gw.recorded(janus.PluginVideoRoom, "rtp_forward")
	require.Len(t, forwards, 1)
	assert.Equal(t, float64(903), forwards[0]["publisher_id"])
	assert.Equal(t, "127.0.0.1", forwards[0]["host"])
	assert.Equal(t, float64(env.cfg.VideoRTPPort), forwards[0]["video_port"])
	assert.Equal(t, float64(janus.VP8PayloadType), forwards[0]["video_pt"])

	st := env.bridge.Status()
	require.NotNil(t, st.Video)
	assert.True(t, st.Video.ReceiverRunning)
	assert.Equal(t, 1, st.Video.ActiveForwards)
	require.NotNil(t, st.Janus.VideoRoom)
	assert.True(t, st.Janus.VideoRoom.Joined)
	require.Len(t, st.Janus.Publishers, 1)
	assert.True(t, st.Janus.Publishers[0].Subscribed)

	// Video RTP lands in the assembler.
	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", env.cfg.VideoRTPPort))
	require.NoError(t, err)
	defer conn.Close()
	pkt := &rtp.Packet{
		PayloadType:    janus.VP8PayloadType,
		SequenceNumber: 7000,
		Timestamp:      90000,
		SSRC:           424242,
		Payload:        []byte{0x10, 0x00, 0xAA, 0xBB, 0xCC},
	}
	data, err := pkt.Bytes()
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := env.bridge.Status()
		return st.Video != nil && st.Video.Assembler.PacketsIn >= 1
	}, 2*time.Second, 20*time.Millisecond, "video packet never reached the assembler")
}

func TestRepeatedDecodeFailuresRestartForward(t *testing.T) {
	env := startBridge(t, gatewayOptions{
		publishers: []map[string]interface{}{
			{"id": 903, "display": "carol", "video_codec": "vp8"},
		},
	}, func(cfg *config.BridgeConfig) {
		cfg.EnableVideo = true
	})

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", env.cfg.VideoRTPPort))
	require.NoError(t, err)
	defer conn.Close()

	// Complete frames that claim to be keyframes but cannot be decoded.
	// After enough of them the bridge must restart the publisher forward.
	for i := 0; i < 6; i++ {
		pkt := &rtp.Packet{
			Marker:         true,
			PayloadType:    janus.VP8PayloadType,
			SequenceNumber: uint16(7000 + i),
			Timestamp:      uint32(90000 + i*3000),
			SSRC:           424242,
			Payload:        []byte{0x10, 0x00, 0xDE, 0xAD, 0xBE, 0xEF},
		}
		data, err := pkt.Bytes()
		require.NoError(t, err)
		_, err = conn.Write(data)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(env.gw.recorded(janus.PluginVideoRoom, "stop_rtp_forward")) == 1 &&
			len(env.gw.recorded(janus.PluginVideoRoom, "rtp_forward")) == 2
	}, 3*time.Second, 20*time.Millisecond, "forward never restarted")

	st := env.bridge.Status()
	require.NotNil(t, st.Video)
	assert.GreaterOrEqual(t, st.Video.Assembler.DecodeErrors, uint64(5))
	assert.Equal(t, uint64(1), st.Video.Assembler.KeyframeRequests)
}

func TestMutePausesAndUnmuteResumes(t *testing.T) {
	env := startBridge(t, gatewayOptions{}, nil)
	ctx := context.Background()

	require.NoError(t, env.bridge.SetMuted(ctx, true))
	assert.Equal(t, StatePaused, env.bridge.State())
	assert.False(t, env.bridge.Healthy())

	configures := env.gw.recorded(janus.PluginAudioBridge, "configure")
	require.Len(t, configures, 2) // startup configure + mute
	assert.Equal(t, true, configures[1]["muted"])

	require.NoError(t, env.bridge.SetMuted(ctx, false))
	assert.Equal(t, StateActive, env.bridge.State())
	assert.True(t, env.bridge.Healthy())
}

func TestForeignTrafficIgnored(t *testing.T) {
	env := startBridge(t, gatewayOptions{}, nil)

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", env.cfg.RTPPort))
	require.NoError(t, err)
	defer conn.Close()

	// Valid RTP with a foreign SSRC: parsed, then dropped.
	pkt := &rtp.Packet{
		PayloadType:    janus.OpusPayloadType,
		SequenceNumber: 1,
		Timestamp:      1,
		SSRC:           999,
		Payload:        []byte{0x01, 0x02, 0x03, 0x04},
	}
	data, err := pkt.Bytes()
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)

	// Not RTP at all: counted as a decode error.
	_, err = conn.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return env.bridge.Stats().DecodeErrors >= 1
	}, 2*time.Second, 20*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, env.bridge.Stats().RTPPacketsReceived)
	assert.Equal(t, StateReady, env.bridge.State(), "foreign traffic must not activate the bridge")
}

func TestStopIsCleanAndFinal(t *testing.T) {
	env := startBridge(t, gatewayOptions{}, nil)

	env.bridge.Stop()
	assert.Equal(t, StateStopped, env.bridge.State())
	assert.False(t, env.bridge.Running())
	assert.False(t, env.bridge.Healthy())

	// The room was left and both sessions destroyed.
	assert.Contains(t, env.gw.requestNames(janus.PluginAudioBridge), "leave")

	// A second Stop is a no-op.
	env.bridge.Stop()
	assert.Equal(t, StateStopped, env.bridge.State())
}
