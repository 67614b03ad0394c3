package recorder

import (
	"bytes"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

const (
	chunkSize         = 64 * 1024
	firstFrameTimeout = 2 * time.Second
)

type FFmpegOptions struct {
	Binary string
	Codec  string
	Format string
}

// FFmpegSink pipes raw RGBA composites into an ffmpeg child process and
// hands the encoded container bytes back as chunks.
type FFmpegSink struct {
	opt    FFmpegOptions
	logger *slog.Logger

	// command builds the child process; tests swap it out
	command func(size image.Point, fps int) *exec.Cmd

	stderr   bytes.Buffer
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

func NewFFmpegSink(opt FFmpegOptions, logger *slog.Logger) *FFmpegSink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opt.Binary == "" {
		opt.Binary = "ffmpeg"
	}
	if opt.Codec == "" {
		opt.Codec = "libvpx"
	}
	if opt.Format == "" {
		opt.Format = "webm"
	}
	s := &FFmpegSink{opt: opt, logger: logger}
	s.command = s.ffmpegCommand
	return s
}

func (s *FFmpegSink) ffmpegCommand(size image.Point, fps int) *exec.Cmd {
	return exec.Command(s.opt.Binary,
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", strconv.Itoa(size.X)+"x"+strconv.Itoa(size.Y),
		"-r", strconv.Itoa(fps),
		"-i", "-",
		"-an",
		"-c:v", s.opt.Codec,
		"-deadline", "realtime",
		"-f", s.opt.Format,
		"-",
	)
}

func (s *FFmpegSink) Start(src FrameSource, fps int, h Handlers) error {
	if fps <= 0 {
		return errors.Errorf("invalid frame rate %d", fps)
	}
	first, err := waitFirstFrame(src, firstFrameTimeout)
	if err != nil {
		return err
	}
	size := first.Rect.Size()

	cmd := s.command(size, fps)
	cmd.Stderr = &s.stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "Can not create encoder stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "Can not create encoder stdout")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "Can not start encoder")
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.logger.Info("encoder started", "width", size.X, "height", size.Y, "fps", fps, "codec", s.opt.Codec)

	var wg sync.WaitGroup
	var writeErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer stdin.Close()
		writeErr = s.feed(stdin, src, first, fps)
	}()
	go func() {
		defer wg.Done()
		s.drain(stdout, h.OnChunk)
	}()

	go func() {
		wg.Wait()
		waitErr := cmd.Wait()

		stopped := false
		select {
		case <-s.stop:
			stopped = true
		default:
		}

		switch {
		case !stopped && writeErr != nil:
			s.err = &SinkError{Err: s.withLogs(errors.Wrap(writeErr, "encoder input closed"))}
		case !stopped:
			s.err = &SinkError{Err: s.withLogs(errors.New("encoder exited unexpectedly"))}
		case waitErr != nil:
			s.err = &SinkError{Err: s.withLogs(errors.Wrap(waitErr, "encoder failed"))}
		}
		close(s.done)

		if !stopped && h.OnError != nil {
			h.OnError(s.err)
		}
	}()
	return nil
}

// feed writes one frame per tick until stopped. Frames whose size changed
// since start are rescaled to the stream size.
func (s *FFmpegSink) feed(w io.Writer, src FrameSource, first *image.RGBA, fps int) error {
	size := first.Rect.Size()
	if _, err := w.Write(first.Pix); err != nil {
		return err
	}

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	buf := first
	for {
		select {
		case <-s.stop:
			return nil
		case <-ticker.C:
		}

		frame, _, ok := src.Snapshot(buf)
		if !ok {
			continue
		}
		buf = frame
		pix := frame.Pix
		if frame.Rect.Size() != size {
			pix = imaging.Resize(frame, size.X, size.Y, imaging.Linear).Pix
		}
		if _, err := w.Write(pix); err != nil {
			return err
		}
	}
}

func (s *FFmpegSink) drain(r io.Reader, onChunk func([]byte)) {
	for {
		buf := make([]byte, chunkSize)
		n, err := r.Read(buf)
		if n > 0 && onChunk != nil {
			onChunk(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Warn("encoder output read failed", "error", err)
			}
			return
		}
	}
}

func (s *FFmpegSink) Stop() error {
	if s.done == nil {
		return nil
	}
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return s.err
}

func (s *FFmpegSink) withLogs(err error) error {
	if s.stderr.Len() > 0 {
		return errors.Wrapf(err, "encoder stderr: %s", bytes.TrimSpace(s.stderr.Bytes()))
	}
	return err
}

func waitFirstFrame(src FrameSource, timeout time.Duration) (*image.RGBA, error) {
	deadline := time.Now().Add(timeout)
	for {
		frame, _, ok := src.Snapshot(nil)
		if ok {
			return frame, nil
		}
		if time.Now().After(deadline) {
			return nil, errors.New("no composited frame to record")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

var _ Sink = (*FFmpegSink)(nil)
