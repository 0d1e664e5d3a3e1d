// Package mp3 wraps ffmpeg as an opaque streaming PCM-to-MP3 encoder:
// one long-lived ffmpeg subprocess per sink, fed interleaved 32-bit PCM on
// stdin and drained of whatever MP3 bytes it has produced so far on each
// Encode call.
package mp3

import (
	"bytes"
	"encoding/binary"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/tphakala/screamrouter/internal/dsp"
	screamerrors "github.com/tphakala/screamrouter/internal/errors"
)

// DefaultBitrate is used when Config.Bitrate is empty.
const DefaultBitrate = "192k"

// readChunkSize is the stdout read buffer size for the drain goroutine.
const readChunkSize = 4096

// Config configures one Encoder's ffmpeg invocation.
type Config struct {
	FFmpegPath string // defaults to "ffmpeg" (resolved via PATH)
	Input      dsp.AudioFormat
	Bitrate    string
}

// Encoder streams interleaved int32 PCM into libmp3lame via a persistent
// ffmpeg subprocess, implementing internal/sink.MP3Encoder.
type Encoder struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu     sync.Mutex
	outBuf bytes.Buffer
	stderr bytes.Buffer

	closeOnce sync.Once
	readDone  chan struct{}
}

// NewEncoder starts ffmpeg and begins draining its stdout in the
// background.
func NewEncoder(cfg Config) (*Encoder, error) {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.Bitrate == "" {
		cfg.Bitrate = DefaultBitrate
	}

	cmd := exec.Command(cfg.FFmpegPath, buildArgs(cfg)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, screamerrors.New(err).Component("mp3").
			Category(screamerrors.CategorySystem).Context("operation", "create_ffmpeg_stdin").Build()
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, screamerrors.New(err).Component("mp3").
			Category(screamerrors.CategorySystem).Context("operation", "create_ffmpeg_stdout").Build()
	}

	e := &Encoder{
		cmd:      cmd,
		stdin:    stdin,
		readDone: make(chan struct{}),
	}
	cmd.Stderr = &e.stderr

	if err := cmd.Start(); err != nil {
		return nil, screamerrors.New(err).Component("mp3").
			Category(screamerrors.CategorySystem).Context("operation", "start_ffmpeg").Build()
	}

	go e.drain(stdout)

	return e, nil
}

func buildArgs(cfg Config) []string {
	bitrate := cfg.Bitrate
	if bitrate == "" {
		bitrate = DefaultBitrate
	}
	return []string{
		"-f", "s32le",
		"-ar", strconv.Itoa(cfg.Input.SampleRate),
		"-ac", strconv.Itoa(cfg.Input.Channels),
		"-i", "-",
		"-c:a", "libmp3lame",
		"-b:a", bitrate,
		"-f", "mp3",
		"pipe:1",
	}
}

func (e *Encoder) drain(stdout io.ReadCloser) {
	defer close(e.readDone)
	buf := make([]byte, readChunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			e.mu.Lock()
			e.outBuf.Write(buf[:n])
			e.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// Encode writes pcm as little-endian s32le samples to ffmpeg's stdin and
// returns whatever MP3 bytes ffmpeg has produced since the previous call.
// A streaming encoder lags its input by ffmpeg's internal frame buffering,
// so a given call's return may be empty even on a healthy stream.
func (e *Encoder) Encode(pcm []int32) ([]byte, error) {
	raw := make([]byte, len(pcm)*4)
	for i, v := range pcm {
		binary.LittleEndian.PutUint32(raw[i*4:], uint32(v))
	}
	if _, err := e.stdin.Write(raw); err != nil {
		return nil, screamerrors.New(err).Component("mp3").
			Category(screamerrors.CategorySystem).Context("operation", "write_pcm_to_ffmpeg").Build()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outBuf.Len() == 0 {
		return nil, nil
	}
	out := make([]byte, e.outBuf.Len())
	copy(out, e.outBuf.Bytes())
	e.outBuf.Reset()
	return out, nil
}

// Close stops ffmpeg, closing stdin first so it flushes and exits
// cleanly, then waits for both the process and the drain goroutine.
func (e *Encoder) Close() error {
	var closeErr error
	e.closeOnce.Do(func() {
		_ = e.stdin.Close()
		<-e.readDone
		if err := e.cmd.Wait(); err != nil {
			closeErr = screamerrors.New(err).Component("mp3").
				Category(screamerrors.CategorySystem).
				Context("operation", "ffmpeg_exit").
				Context("stderr", e.stderr.String()).Build()
		}
	})
	return closeErr
}
