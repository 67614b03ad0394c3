package detect

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	maxMessageSize     = 16 * 1024 * 1024
	defaultLoadTimeout = 30 * time.Second
)

// Worker runs the detection engine as a child process. Frames go to its stdin
// as [uint32 length][JPEG]; replies come back on a side pipe (fd 3) as
// [uint32 length][JSON]. The first reply is a readiness handshake.
type Worker struct {
	Cmd      *exec.Cmd
	Stderr   *bytes.Buffer
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration
	// LoadTimeout bounds the readiness wait when Detect restarts a broken
	// worker. Zero falls back to Timeout.
	LoadTimeout time.Duration

	args   []string
	logger *slog.Logger

	mu     sync.Mutex
	ready  bool
	broken error
}

type workerReply struct {
	Ready  bool   `json:"ready"`
	Error  string `json:"error"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Faces  []Face `json:"faces"`
}

// NewWorker prepares a worker for the given command line. The process is
// started by LoadModels.
func NewWorker(args []string, timeout time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Worker{args: args, Timeout: timeout, logger: logger}
}

func (w *Worker) start() error {
	if len(w.args) == 0 {
		return errors.New("empty detector command")
	}
	cmd := exec.Command(w.args[0], w.args[1:]...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	r, wr, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "Can not create data pipe")
	}
	cmd.ExtraFiles = []*os.File{wr}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		wr.Close()
		r.Close()
		return errors.Wrap(err, "Can not create stdin pipe")
	}

	if err := cmd.Start(); err != nil {
		wr.Close()
		r.Close()
		return errors.Wrapf(err, "Can not start %s", w.args[0])
	}
	// only the child keeps the write end
	wr.Close()

	w.Cmd = cmd
	w.Stderr = stderr
	w.Stdin = stdin
	w.DataPipe = r
	return nil
}

// LoadModels starts the worker process if needed and waits for its readiness
// handshake.
func (w *Worker) LoadModels(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.load(ctx)
}

func (w *Worker) load(ctx context.Context) error {
	if w.ready {
		return nil
	}
	if w.Stdin == nil || w.DataPipe == nil || w.broken != nil {
		w.reset()
		if err := w.start(); err != nil {
			return &LoadError{Err: err}
		}
		w.broken = nil
	}

	reply, err := w.read(ctx, 0)
	if err != nil {
		w.fail(err)
		return &LoadError{Err: w.withLogs(err)}
	}
	if reply.Error != "" {
		err := errors.New(reply.Error)
		w.fail(err)
		return &LoadError{Err: err}
	}
	if !reply.Ready {
		err := errors.New("worker did not report readiness")
		w.fail(err)
		return &LoadError{Err: err}
	}

	w.ready = true
	w.logger.Info("detector ready")
	return nil
}

// Detect sends one frame and waits for the faces found in it. Coordinates in
// the result are in the frame's own resolution unless the worker says
// otherwise.
func (w *Worker) Detect(ctx context.Context, img image.Image) (Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken != nil && len(w.args) > 0 {
		// a crashed or desynced worker is restarted in place
		loadCtx, cancel := context.WithTimeout(ctx, w.restartTimeout())
		err := w.load(loadCtx)
		cancel()
		if err != nil {
			return Result{}, &DetectionError{Err: err}
		}
	}
	if w.broken != nil {
		return Result{}, &DetectionError{Err: w.broken}
	}
	if !w.ready {
		return Result{}, &DetectionError{Err: errors.New("models not loaded")}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, &DetectionError{Err: err}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return Result{}, &DetectionError{Err: errors.Wrap(err, "Can not encode frame")}
	}
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(buf.Len())); err != nil {
		w.fail(err)
		return Result{}, &DetectionError{Err: errors.Wrap(err, "Can not write frame header")}
	}
	if _, err := w.Stdin.Write(buf.Bytes()); err != nil {
		w.fail(err)
		return Result{}, &DetectionError{Err: errors.Wrap(err, "Can not write frame")}
	}

	reply, err := w.read(ctx, w.Timeout)
	if err != nil {
		w.fail(err)
		return Result{}, &DetectionError{Err: w.withLogs(err)}
	}
	if reply.Error != "" {
		return Result{}, &DetectionError{Err: errors.New(reply.Error)}
	}

	res := Result{Faces: reply.Faces, Width: reply.Width, Height: reply.Height}
	if res.Width == 0 || res.Height == 0 {
		b := img.Bounds()
		res.Width, res.Height = b.Dx(), b.Dy()
	}
	return res, nil
}

func (w *Worker) restartTimeout() time.Duration {
	switch {
	case w.LoadTimeout > 0:
		return w.LoadTimeout
	case w.Timeout > 0:
		return w.Timeout
	default:
		return defaultLoadTimeout
	}
}

// read waits for one reply. A reply that does not arrive in time leaves the
// pipe out of sync, so the caller must mark the worker broken.
func (w *Worker) read(ctx context.Context, timeout time.Duration) (*workerReply, error) {
	type result struct {
		reply *workerReply
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := readReply(w.DataPipe)
		done <- result{reply, err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-done:
		return res.reply, res.err
	case <-expired:
		return nil, errors.Errorf("no reply within %v", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func readReply(r io.Reader) (*workerReply, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, errors.Wrap(err, "Can not read reply header")
	}
	if size > maxMessageSize {
		return nil, errors.Errorf("reply too large (%d bytes)", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "Can not read reply")
	}
	reply := &workerReply{}
	if err := json.Unmarshal(body, reply); err != nil {
		return nil, errors.Wrap(err, "Malformed reply")
	}
	return reply, nil
}

func (w *Worker) fail(err error) {
	w.broken = err
	w.ready = false
	w.logger.Warn("detector worker broken", "error", err)
	w.reset()
}

func (w *Worker) withLogs(err error) error {
	if w.Stderr != nil && w.Stderr.Len() > 0 {
		return errors.Wrapf(err, "worker stderr: %s", w.Stderr.String())
	}
	return err
}

// reset tears the child process down. The next LoadModels starts a new one.
func (w *Worker) reset() {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
		w.Cmd.Wait()
	}
	w.Cmd = nil
	w.Stdin = nil
	w.DataPipe = nil
}

func (w *Worker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ready = false
	w.reset()
}
