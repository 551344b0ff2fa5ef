package relay

import (
	"context"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/technosupport/ts-cloudcam/internal/camstream"
	"github.com/technosupport/ts-cloudcam/internal/gwerr"
)

// Job describes one stream to bring up: the granted endpoint plus the
// camera serial for the auth preamble.
type Job struct {
	StreamURL string
	Serial    string
}

// Handle is a running stream pipeline. Output carries remuxed fMP4
// segments; Ready closes once the first media bytes arrive.
type Handle interface {
	Ready() <-chan struct{}
	Output() <-chan []byte
	Done() <-chan struct{}
	Err() error
	Stop()
}

// Engine turns a Job into a running Handle. The production engine dials the
// camera stream and remuxes through ffmpeg; tests substitute fakes.
type Engine interface {
	Start(ctx context.Context, job Job) (Handle, error)
}

// FFmpegEngine pumps the proprietary camera stream into an ffmpeg child
// process and hands out fragmented MP4 suitable for progressive playback.
type FFmpegEngine struct {
	Path  string // ffmpeg binary, default "ffmpeg"
	Guard camstream.HostChecker
}

func (e *FFmpegEngine) Start(ctx context.Context, job Job) (Handle, error) {
	conn, err := camstream.Dial(ctx, job.StreamURL, job.Serial, e.Guard)
	if err != nil {
		return nil, err
	}

	binPath := e.Path
	if binPath == "" {
		binPath = "ffmpeg"
	}

	// MPEG-TS in on stdin, fragmented MP4 out on stdout. Copy codecs; the
	// cameras already emit h264/aac.
	args := []string{
		"-hide_banner", "-loglevel", "warning",
		"-f", "mpegts",
		"-i", "pipe:0",
		"-c", "copy",
		"-f", "mp4",
		"-movflags", "frag_keyframe+empty_moov+default_base_moof",
		"pipe:1",
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, binPath, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		conn.Close()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		conn.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		conn.Close()
		return nil, gwerr.New(gwerr.KindProcessFailure, "remux process failed to start", err)
	}

	h := &ffmpegHandle{
		cancel: cancel,
		conn:   conn,
		ready:  make(chan struct{}),
		out:    make(chan []byte, 64),
		done:   make(chan struct{}),
	}

	go h.pumpStream(stdin)
	go h.heartbeat(ctx)
	go h.pumpOutput(stdout)
	go func() {
		err := cmd.Wait()
		h.fail(gwerr.New(gwerr.KindProcessFailure, "remux process exited", err))
	}()

	return h, nil
}

type ffmpegHandle struct {
	cancel context.CancelFunc
	conn   *camstream.Conn

	ready     chan struct{}
	readyOnce sync.Once
	out       chan []byte
	done      chan struct{}

	mu       sync.Mutex
	err      error
	stopped  bool
	doneOnce sync.Once
}

func (h *ffmpegHandle) Ready() <-chan struct{} { return h.ready }
func (h *ffmpegHandle) Output() <-chan []byte  { return h.out }
func (h *ffmpegHandle) Done() <-chan struct{}  { return h.done }

func (h *ffmpegHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}
	return h.err
}

func (h *ffmpegHandle) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.shutdown()
}

func (h *ffmpegHandle) fail(err error) {
	h.mu.Lock()
	if h.err == nil && !h.stopped {
		h.err = err
	}
	h.mu.Unlock()
	h.shutdown()
}

func (h *ffmpegHandle) shutdown() {
	h.doneOnce.Do(func() {
		h.cancel()
		h.conn.Close()
		close(h.done)
	})
}

// pumpStream copies camera media frames into the remuxer. Control frames
// (latency echoes, keepalive acks) are dropped here.
func (h *ffmpegHandle) pumpStream(stdin io.WriteCloser) {
	defer stdin.Close()
	for {
		h.conn.SetReadDeadline(time.Now().Add(20 * time.Second))
		msgType, payload, err := h.conn.ReadPacket()
		if err != nil {
			h.fail(gwerr.New(gwerr.KindUpstreamUnavailable, "camera stream read failed", err))
			return
		}
		if !camstream.IsMediaPayload(msgType, payload) {
			continue
		}
		if _, err := stdin.Write(payload); err != nil {
			h.fail(gwerr.New(gwerr.KindProcessFailure, "remux stdin write failed", err))
			return
		}
	}
}

// heartbeat keeps the camera connection alive: latency stats every second,
// a keepalive every ten.
func (h *ffmpegHandle) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var seq uint32
	var ticks int
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.conn.WriteLatencyStats(); err != nil {
				return
			}
			ticks++
			if ticks%10 == 0 {
				seq++
				if err := h.conn.WriteKeepalive(seq); err != nil {
					return
				}
			}
		}
	}
}

func (h *ffmpegHandle) pumpOutput(stdout io.Reader) {
	defer close(h.out)
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			h.readyOnce.Do(func() { close(h.ready) })
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case h.out <- chunk:
			case <-h.done:
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("Relay: remux output read error: %v", err)
			}
			return
		}
	}
}
