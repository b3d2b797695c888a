package video

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClareAI/agent-bridge/internal/rtp"
	"github.com/ClareAI/agent-bridge/pkg/logger"
	"github.com/pion/rtp/codecs"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxBuckets bounds how many incomplete frames are held at once.
	DefaultMaxBuckets = 10
	// DefaultMaxDecodeErrors is how many consecutive decode failures force
	// a decoder reset and a fresh keyframe from the publisher.
	DefaultMaxDecodeErrors = 5
	// DefaultTargetFPS is how many frames per second reach the model.
	DefaultTargetFPS = 1.0
	// DefaultMaxWidth / DefaultMaxHeight bound the JPEG sent to the model.
	DefaultMaxWidth  = 1280
	DefaultMaxHeight = 720
	// DefaultJPEGQuality for emitted snapshots.
	DefaultJPEGQuality = 85
	// DefaultKeyframeMinInterval throttles forward restarts toward Janus.
	DefaultKeyframeMinInterval = 5 * time.Second
)

// AssemblerStats is a snapshot of the video pipeline counters.
type AssemblerStats struct {
	PacketsIn        uint64 `json:"packets_in"`
	PayloadErrors    uint64 `json:"payload_errors"`
	FramesAssembled  uint64 `json:"frames_assembled"`
	KeyframesSeen    uint64 `json:"keyframes_seen"`
	FramesDecoded    uint64 `json:"frames_decoded"`
	DecodeErrors     uint64 `json:"decode_errors"`
	FramesEmitted    uint64 `json:"frames_emitted"`
	BucketsDropped   uint64 `json:"buckets_dropped"`
	KeyframeRequests uint64 `json:"keyframe_requests"`
}

// Config configures an Assembler. Zero values take the defaults above.
type Config struct {
	TargetFPS           float64
	MaxWidth            int
	MaxHeight           int
	JPEGQuality         int
	MaxBuckets          int
	MaxDecodeErrors     int
	KeyframeMinInterval time.Duration

	// Decoder defaults to the built-in keyframe decoder.
	Decoder FrameDecoder
	// OnFrame receives each emitted JPEG.
	OnFrame func(jpegData []byte)
	// OnKeyframeNeeded is invoked (rate-limited) after repeated decode
	// failures so the caller can restart the publisher's RTP forward.
	OnKeyframeNeeded func()
}

// bucket collects the fragments of one RTP timestamp (one VP8 frame).
type bucket struct {
	fragments map[uint16][]byte
	base      uint16
}

func (b *bucket) add(seq uint16, frag []byte) {
	if _, dup := b.fragments[seq]; dup {
		return
	}
	if len(b.fragments) == 0 || seqBefore(seq, b.base) {
		b.base = seq
	}
	b.fragments[seq] = frag
}

func (b *bucket) assemble() []byte {
	seqs := make([]uint16, 0, len(b.fragments))
	for seq := range b.fragments {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool {
		return seqs[i]-b.base < seqs[j]-b.base
	})

	var size int
	for _, seq := range seqs {
		size += len(b.fragments[seq])
	}
	frame := make([]byte, 0, size)
	for _, seq := range seqs {
		frame = append(frame, b.fragments[seq]...)
	}
	return frame
}

// seqBefore reports whether a precedes b in u16 sequence space. A frame
// never spans more than half the sequence range.
func seqBefore(a, b uint16) bool {
	return a != b && b-a < 0x8000
}

// Assembler rebuilds VP8 frames from RTP fragments and emits JPEG
// snapshots at the target rate. HandlePacket is called from the video
// receiver's read loop; Stats may be read concurrently.
type Assembler struct {
	targetInterval time.Duration
	maxWidth       int
	maxHeight      int
	jpegQuality    int
	maxBuckets     int
	maxErrors      int

	onFrame          func([]byte)
	onKeyframeNeeded func()

	mu               sync.Mutex
	buckets          map[uint32]*bucket
	order            []uint32
	decoder          FrameDecoder
	awaitingKeyframe bool
	consecutiveErrs  int
	lastEmit         time.Time
	keyframeLimiter  *rate.Limiter

	packetsIn        atomic.Uint64
	payloadErrors    atomic.Uint64
	framesAssembled  atomic.Uint64
	keyframesSeen    atomic.Uint64
	framesDecoded    atomic.Uint64
	decodeErrors     atomic.Uint64
	framesEmitted    atomic.Uint64
	bucketsDropped   atomic.Uint64
	keyframeRequests atomic.Uint64
}

// NewAssembler builds an Assembler; nil callbacks are allowed.
func NewAssembler(cfg Config) *Assembler {
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = DefaultTargetFPS
	}
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = DefaultMaxWidth
	}
	if cfg.MaxHeight <= 0 {
		cfg.MaxHeight = DefaultMaxHeight
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = DefaultJPEGQuality
	}
	if cfg.MaxBuckets <= 0 {
		cfg.MaxBuckets = DefaultMaxBuckets
	}
	if cfg.MaxDecodeErrors <= 0 {
		cfg.MaxDecodeErrors = DefaultMaxDecodeErrors
	}
	if cfg.KeyframeMinInterval <= 0 {
		cfg.KeyframeMinInterval = DefaultKeyframeMinInterval
	}
	if cfg.Decoder == nil {
		cfg.Decoder = NewVP8Decoder()
	}

	return &Assembler{
		targetInterval:   time.Duration(float64(time.Second) / cfg.TargetFPS),
		maxWidth:         cfg.MaxWidth,
		maxHeight:        cfg.MaxHeight,
		jpegQuality:      cfg.JPEGQuality,
		maxBuckets:       cfg.MaxBuckets,
		maxErrors:        cfg.MaxDecodeErrors,
		onFrame:          cfg.OnFrame,
		onKeyframeNeeded: cfg.OnKeyframeNeeded,
		buckets:          make(map[uint32]*bucket),
		decoder:          cfg.Decoder,
		awaitingKeyframe: true,
		keyframeLimiter:  rate.NewLimiter(rate.Every(cfg.KeyframeMinInterval), 1),
	}
}

// HandlePacket ingests one video RTP packet. A packet with the marker bit
// completes its timestamp's frame.
func (a *Assembler) HandlePacket(pkt *rtp.Packet) {
	a.packetsIn.Add(1)

	vp8pkt := codecs.VP8Packet{}
	fragment, err := vp8pkt.Unmarshal(pkt.Payload)
	if err != nil || len(fragment) == 0 {
		a.payloadErrors.Add(1)
		return
	}

	a.mu.Lock()
	b, ok := a.buckets[pkt.Timestamp]
	if !ok {
		b = &bucket{fragments: make(map[uint16][]byte)}
		a.buckets[pkt.Timestamp] = b
		a.order = append(a.order, pkt.Timestamp)
		for len(a.order) > a.maxBuckets {
			oldest := a.order[0]
			a.order = a.order[1:]
			delete(a.buckets, oldest)
			a.bucketsDropped.Add(1)
		}
	}
	b.add(pkt.SequenceNumber, fragment)

	if !pkt.Marker {
		a.mu.Unlock()
		return
	}

	frame := b.assemble()
	delete(a.buckets, pkt.Timestamp)
	for i, ts := range a.order {
		if ts == pkt.Timestamp {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	a.framesAssembled.Add(1)
	a.processFrameLocked(frame)
	a.mu.Unlock()
}

// processFrameLocked runs the keyframe gate, the decoder and the 1 fps
// JPEG emission. Caller holds a.mu.
func (a *Assembler) processFrameLocked(frame []byte) {
	if len(frame) == 0 {
		return
	}

	keyframe := frame[0]&0x01 == 0
	if keyframe {
		a.keyframesSeen.Add(1)
		if a.awaitingKeyframe {
			logger.Base().Info("Video decoder initialized on keyframe",
				zap.Int("frame_bytes", len(frame)))
			a.awaitingKeyframe = false
		}
	} else if a.awaitingKeyframe {
		// Inter frames are useless until the decoder has a keyframe.
		return
	}

	img, err := a.decoder.Decode(frame)
	if err != nil {
		a.decodeErrors.Add(1)
		a.consecutiveErrs++
		if a.consecutiveErrs >= a.maxErrors {
			a.consecutiveErrs = 0
			a.decoder.Reset()
			a.awaitingKeyframe = true
			a.requestKeyframe()
		}
		return
	}

	a.consecutiveErrs = 0
	a.framesDecoded.Add(1)

	now := time.Now()
	if !a.lastEmit.IsZero() && now.Sub(a.lastEmit) < a.targetInterval {
		return
	}

	jpegData, err := EncodeJPEG(img, a.maxWidth, a.maxHeight, a.jpegQuality)
	if err != nil {
		logger.Base().Warn("JPEG encode failed", zap.Error(err))
		return
	}
	a.lastEmit = now
	a.framesEmitted.Add(1)

	if a.onFrame != nil {
		a.onFrame(jpegData)
	}
}

// requestKeyframe fires the recovery callback unless one fired recently.
func (a *Assembler) requestKeyframe() {
	if a.onKeyframeNeeded == nil {
		return
	}
	if !a.keyframeLimiter.Allow() {
		return
	}
	a.keyframeRequests.Add(1)
	logger.Base().Warn("Requesting fresh keyframe after repeated decode failures",
		zap.Int("error_threshold", a.maxErrors))
	a.onKeyframeNeeded()
}

// Stats returns a snapshot of the pipeline counters.
func (a *Assembler) Stats() AssemblerStats {
	return AssemblerStats{
		PacketsIn:        a.packetsIn.Load(),
		PayloadErrors:    a.payloadErrors.Load(),
		FramesAssembled:  a.framesAssembled.Load(),
		KeyframesSeen:    a.keyframesSeen.Load(),
		FramesDecoded:    a.framesDecoded.Load(),
		DecodeErrors:     a.decodeErrors.Load(),
		FramesEmitted:    a.framesEmitted.Load(),
		BucketsDropped:   a.bucketsDropped.Load(),
		KeyframeRequests: a.keyframeRequests.Load(),
	}
}

// PendingBuckets reports how many incomplete frames are buffered.
func (a *Assembler) PendingBuckets() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buckets)
}
