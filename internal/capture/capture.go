// Package capture turns the desktop's system audio into a raw PCM byte stream.
//
// The default Source shells out to PulseAudio's pactl to find the monitor of
// the default output sink and to ffmpeg to record it as mono signed 16-bit
// little-endian PCM on stdout. The Stream returned by Open is an io.Reader over
// that pipe; Stop terminates the child process.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	// DefaultFallbackMonitor is used when the default sink cannot be detected.
	DefaultFallbackMonitor = "alsa_output.pci-0000_00_1f.3.analog-stereo.monitor"

	defaultSampleRate  = 16000
	defaultChannels    = 1
	defaultInputFormat = "pulse"
	detectTimeout      = 2 * time.Second

	// exitWait bounds how long Read waits for the exit status after EOF.
	exitWait = 500 * time.Millisecond

	// stderrLimit caps how much ffmpeg diagnostic output is retained.
	stderrLimit = 4096
)

// Source produces capture streams for a named input device.
type Source interface {
	// Detect returns the device to record from. It never fails: when detection
	// is impossible it returns the configured fallback.
	Detect(ctx context.Context) string

	// Open starts capturing from device. The caller must Stop the stream.
	Open(device string) (Stream, error)
}

// Stream is a live PCM byte stream backed by a child process.
type Stream interface {
	io.Reader

	// Stop asks the process to terminate, waits up to grace, then kills it.
	// Calling Stop more than once is safe.
	Stop(grace time.Duration) error
}

// Runner executes a short-lived command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Option configures an FFmpegSource.
type Option func(*FFmpegSource)

// WithFFmpegPath sets the ffmpeg binary (default "ffmpeg" from PATH).
func WithFFmpegPath(path string) Option {
	return func(s *FFmpegSource) {
		if path != "" {
			s.ffmpegPath = path
		}
	}
}

// WithPactlPath sets the pactl binary (default "pactl" from PATH).
func WithPactlPath(path string) Option {
	return func(s *FFmpegSource) {
		if path != "" {
			s.pactlPath = path
		}
	}
}

// WithFallbackMonitor sets the device used when detection fails.
func WithFallbackMonitor(device string) Option {
	return func(s *FFmpegSource) {
		if device != "" {
			s.fallback = device
		}
	}
}

// WithSampleRate sets the output sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(s *FFmpegSource) {
		if rate > 0 {
			s.sampleRate = rate
		}
	}
}

// WithChannels sets the number of output channels.
func WithChannels(n int) Option {
	return func(s *FFmpegSource) {
		if n > 0 {
			s.channels = n
		}
	}
}

// WithInputFormat sets ffmpeg's input demuxer (default "pulse").
func WithInputFormat(format string) Option {
	return func(s *FFmpegSource) {
		if format != "" {
			s.inputFormat = format
		}
	}
}

// WithRunner replaces the command runner used for device detection.
func WithRunner(r Runner) Option {
	return func(s *FFmpegSource) {
		if r != nil {
			s.run = r
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *FFmpegSource) {
		if l != nil {
			s.log = l
		}
	}
}

// FFmpegSource records a PulseAudio monitor through ffmpeg.
type FFmpegSource struct {
	ffmpegPath  string
	pactlPath   string
	fallback    string
	inputFormat string
	sampleRate  int
	channels    int
	run         Runner
	log         *slog.Logger
}

// NewFFmpegSource returns a Source with the given options applied.
func NewFFmpegSource(opts ...Option) *FFmpegSource {
	s := &FFmpegSource{
		ffmpegPath:  "ffmpeg",
		pactlPath:   "pactl",
		fallback:    DefaultFallbackMonitor,
		inputFormat: defaultInputFormat,
		sampleRate:  defaultSampleRate,
		channels:    defaultChannels,
		run:         execRunner,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Detect asks pactl for the default sink and returns its monitor source.
func (s *FFmpegSource) Detect(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	out, err := s.run(ctx, s.pactlPath, "info")
	if err != nil {
		s.log.Warn("capture: default sink detection failed, using fallback", "err", err, "fallback", s.fallback)
		return s.fallback
	}
	sink := parseDefaultSink(out)
	if sink == "" {
		s.log.Warn("capture: no default sink reported, using fallback", "fallback", s.fallback)
		return s.fallback
	}
	return sink + ".monitor"
}

// Open spawns ffmpeg recording device.
func (s *FFmpegSource) Open(device string) (Stream, error) {
	st, err := startProcess(s.ffmpegPath, s.args(device))
	if err != nil {
		return nil, fmt.Errorf("capture: start ffmpeg: %w", err)
	}
	s.log.Debug("capture: ffmpeg started", "device", device, "pid", st.pid())
	return st, nil
}

// args builds the ffmpeg command line for device.
func (s *FFmpegSource) args(device string) []string {
	return []string{
		"-f", s.inputFormat,
		"-i", device,
		"-ac", strconv.Itoa(s.channels),
		"-ar", strconv.Itoa(s.sampleRate),
		"-f", "s16le",
		"-loglevel", "error",
		"-",
	}
}

// parseDefaultSink extracts X from the "Default Sink: X" line of pactl info.
func parseDefaultSink(out []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if v, ok := strings.CutPrefix(line, "Default Sink:"); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ---- process stream ----

// limitedBuffer keeps the first stderrLimit bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := stderrLimit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}

// processStream reads the stdout of a running child process.
type processStream struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *limitedBuffer

	// done is closed once Wait has returned; waitErr is valid afterwards.
	done    chan struct{}
	waitErr error

	stopped  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// startProcess starts name with args and exposes its stdout.
func startProcess(name string, args []string) (*processStream, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(name, args...)
	stderr := &limitedBuffer{}
	cmd.Stdout = w
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	// The child holds its own copy of the write end.
	w.Close()

	ps := &processStream{
		cmd:    cmd,
		stdout: r,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go func() {
		ps.waitErr = cmd.Wait()
		close(ps.done)
	}()
	return ps, nil
}

func (p *processStream) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Read reads PCM bytes. At end of stream it reports a process failure, with
// whatever ffmpeg printed, instead of a bare io.EOF.
func (p *processStream) Read(b []byte) (int, error) {
	n, err := p.stdout.Read(b)
	if err == io.EOF {
		select {
		case <-p.done:
			if p.waitErr != nil && !p.stopped.Load() {
				return n, fmt.Errorf("capture: process exited: %w: %s", p.waitErr, p.stderr.String())
			}
		case <-time.After(exitWait):
		}
	}
	return n, err
}

// Stop sends SIGTERM, waits up to grace, then kills the process.
func (p *processStream) Stop(grace time.Duration) error {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		select {
		case <-p.done:
		default:
			if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
				slog.Debug("capture: terminate failed", "pid", p.pid(), "err", err)
			}
			select {
			case <-p.done:
			case <-time.After(grace):
				slog.Warn("capture: process ignored terminate, killing", "pid", p.pid(), "grace", grace)
				if err := p.cmd.Process.Kill(); err != nil {
					p.stopErr = fmt.Errorf("capture: kill: %w", err)
				}
				<-p.done
			}
		}
		p.stdout.Close()
	})
	return p.stopErr
}
