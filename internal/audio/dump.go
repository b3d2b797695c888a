package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ClareAI/agent-bridge/pkg/logger"
	"go.uber.org/zap"
)

const wavHeaderSize = 44

// WAVDumper captures raw PCM16 mono to a RIFF/WAVE file for offline
// listening. It is debug tooling: a write failure disables the dumper and
// never disturbs the bridge.
type WAVDumper struct {
	mu        sync.Mutex
	f         *os.File
	path      string
	dataBytes uint32
	failed    bool
}

// NewWAVDumper creates the file and writes a header with placeholder
// sizes; Close patches them.
func NewWAVDumper(dir, name string, sampleRate int) (*WAVDumper, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wav dumper: mkdir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_%s.wav", name, time.Now().Format("20060102_150405")))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wav dumper: create: %w", err)
	}

	if err := writeWAVHeader(f, sampleRate, 0); err != nil {
		_ = f.Close()
		return nil, err
	}

	logger.Base().Info("Debug audio capture started", zap.String("path", path))
	return &WAVDumper{f: f, path: path}, nil
}

// Write appends PCM16 little-endian bytes.
func (d *WAVDumper) Write(pcm []byte) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failed || d.f == nil {
		return
	}
	n, err := d.f.Write(pcm)
	if err != nil {
		d.failed = true
		logger.Base().Warn("Debug audio write failed, capture disabled",
			zap.String("path", d.path), zap.Error(err))
		return
	}
	d.dataBytes += uint32(n)
}

// Close patches the RIFF sizes and closes the file.
func (d *WAVDumper) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	f := d.f
	d.f = nil

	var sizes [4]byte
	binary.LittleEndian.PutUint32(sizes[:], 36+d.dataBytes)
	if _, err := f.WriteAt(sizes[:], 4); err == nil {
		binary.LittleEndian.PutUint32(sizes[:], d.dataBytes)
		_, _ = f.WriteAt(sizes[:], 40)
	}

	logger.Base().Info("Debug audio capture closed",
		zap.String("path", d.path),
		zap.Uint32("data_bytes", d.dataBytes))
	return f.Close()
}

// Path returns the capture file location.
func (d *WAVDumper) Path() string {
	if d == nil {
		return ""
	}
	return d.path
}

func writeWAVHeader(f *os.File, sampleRate int, dataLen uint32) error {
	var h [wavHeaderSize]byte
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], 36+dataLen)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)        // fmt chunk size
	binary.LittleEndian.PutUint16(h[20:22], 1)         // PCM
	binary.LittleEndian.PutUint16(h[22:24], 1)         // mono
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(sampleRate*2)) // byte rate
	binary.LittleEndian.PutUint16(h[32:34], 2)                    // block align
	binary.LittleEndian.PutUint16(h[34:36], 16)                   // bits per sample
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], dataLen)

	if _, err := f.Write(h[:]); err != nil {
		return fmt.Errorf("wav dumper: header: %w", err)
	}
	return nil
}
