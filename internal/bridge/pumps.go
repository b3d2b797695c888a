package bridge

import (
	"net"
	"time"

	"github.com/ClareAI/agent-bridge/internal/janus"
	"github.com/ClareAI/agent-bridge/internal/rtp"
	"github.com/ClareAI/agent-bridge/pkg/logger"
	"go.uber.org/zap"
)

// offer enqueues data without ever blocking the caller. When the channel
// is full the oldest entry is evicted first; the return value reports
// whether an eviction happened.
func (b *Bridge) offer(ch chan []byte, data []byte) bool {
	select {
	case ch <- data:
		return false
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- data:
	default:
	}
	return true
}

// handleAudioPacket runs on the audio receiver's read loop. It parses,
// filters on payload type and SSRC, reorders through the jitter buffer
// and hands Opus payloads to the forward pump. No decode happens here.
func (b *Bridge) handleAudioPacket(data []byte, src *net.UDPAddr) {
	pkt, err := rtp.Parse(data)
	if err != nil {
		b.statsMu.Lock()
		b.stats.DecodeErrors++
		b.statsMu.Unlock()
		return
	}
	if pkt.PayloadType != janus.OpusPayloadType || pkt.SSRC != janus.ForwardSSRC {
		return
	}

	b.statsMu.Lock()
	b.stats.RTPPacketsReceived++
	b.stats.RTPBytesReceived += uint64(len(data))
	b.statsMu.Unlock()
	b.markActive()

	b.jitter.Put(pkt)
	for {
		next := b.jitter.Get()
		if next == nil {
			return
		}
		if b.offer(b.forwardCh, next.Payload) {
			b.statsMu.Lock()
			b.stats.ForwardQueueDrops++
			b.statsMu.Unlock()
		}
	}
}

// handleVideoPacket runs on the video receiver's read loop and feeds the
// frame assembler. Ordering is the assembler's problem.
func (b *Bridge) handleVideoPacket(data []byte, src *net.UDPAddr) {
	pkt, err := rtp.Parse(data)
	if err != nil {
		b.statsMu.Lock()
		b.stats.DecodeErrors++
		b.statsMu.Unlock()
		return
	}
	if pkt.PayloadType != janus.VP8PayloadType {
		return
	}
	b.statsMu.Lock()
	b.stats.RTPPacketsReceived++
	b.stats.RTPBytesReceived += uint64(len(data))
	b.statsMu.Unlock()
	b.assembler.HandlePacket(pkt)
}

// forwardPump drains the Janus-side FIFO, decodes Opus to 16 kHz PCM and
// accumulates until a model-sized chunk is ready.
func (b *Bridge) forwardPump() {
	defer b.wg.Done()
	buf := make([]byte, 0, 2*sendThresholdBytes)
	for {
		select {
		case <-b.ctx.Done():
			return
		case payload := <-b.forwardCh:
			pcm, err := b.codec.JanusToAI(payload)
			if err != nil {
				b.statsMu.Lock()
				b.stats.DecodeErrors++
				b.statsMu.Unlock()
				continue
			}
			if len(pcm) == 0 { // DTX filler
				continue
			}
			b.inDump.Write(pcm)
			buf = append(buf, pcm...)
			if len(buf) < sendThresholdBytes {
				continue
			}
			b.forwardChunk(buf)
			buf = buf[:0]
		}
	}
}

// forwardChunk pushes one accumulated chunk toward the model, applying
// the two gates in order: drop room audio while the agent is speaking,
// then drop chunks the voice detector scores as silence.
func (b *Bridge) forwardChunk(pcm []byte) {
	if b.ai.IsSpeaking() {
		b.statsMu.Lock()
		b.stats.DiscardedWhileSpeaking++
		b.statsMu.Unlock()
		return
	}
	if !b.vad.Process(pcm) {
		b.statsMu.Lock()
		b.stats.SilenceFiltered++
		b.statsMu.Unlock()
		return
	}
	if !b.ai.SendAudio(pcm) {
		return
	}
	b.statsMu.Lock()
	b.stats.AudioChunksToAI++
	b.stats.AudioBytesToAI += uint64(len(pcm))
	b.statsMu.Unlock()
}

// playbackPump drains model audio and paces it onto the RTP leg.
func (b *Bridge) playbackPump() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case pcm := <-b.playbackCh:
			b.playChunk(pcm)
		}
	}
}

// playChunk resamples and encodes one model chunk, then sends the frames
// at frame pace. An interruption observed mid-chunk abandons the rest.
func (b *Bridge) playChunk(pcm []byte) {
	gen := b.playGen.Load()

	frames, err := b.codec.AIToJanus(pcm)
	if err != nil {
		b.statsMu.Lock()
		b.stats.EncodeErrors++
		b.statsMu.Unlock()
		logger.Base().Debug("Playback encode", zap.Error(err))
	}
	for i, frame := range frames {
		if b.playGen.Load() != gen {
			return
		}
		if err := b.sender.SendFrame(frame, i == 0); err != nil {
			b.statsMu.Lock()
			b.stats.EncodeErrors++
			b.statsMu.Unlock()
			continue
		}
		b.statsMu.Lock()
		b.stats.RTPPacketsSent++
		b.stats.RTPBytesSent += uint64(len(frame))
		b.statsMu.Unlock()

		select {
		case <-b.ctx.Done():
			return
		case <-time.After(frameInterval):
		}
	}
}
