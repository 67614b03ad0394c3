// Package recorder turns the live composite into a saved video file. The
// Controller is a two-state machine (idle, recording) that owns at most one
// Session at a time.
package recorder

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type State int

const (
	StateIdle State = iota
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	default:
		return "unknown"
	}
}

// ErrNoData is returned when a recording stopped before any data was encoded.
var ErrNoData = errors.New("recording produced no data")

type Options struct {
	Filename    string
	ContentType string
	FPS         int
}

// Artifact is a saved recording.
type Artifact struct {
	SessionID   string
	Path        string
	ContentType string
	Size        int
	Started     time.Time
	Duration    time.Duration
	Incomplete  bool
}

type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeWarn  NoticeLevel = "warn"
	NoticeError NoticeLevel = "error"
)

// Notice is a message meant for the user, such as a recording that ended on
// its own.
type Notice struct {
	Time      time.Time
	Level     NoticeLevel
	Message   string
	SessionID string
	Artifact  *Artifact
}

type Status struct {
	State     State
	SessionID string
	Started   time.Time
	Chunks    int
	Bytes     int
	Last      *Artifact
}

type Controller struct {
	src     FrameSource
	newSink SinkFactory
	saver   Saver
	opt     Options
	logger  *slog.Logger

	mu         sync.Mutex
	state      State
	session    *Session
	sink       Sink
	pending    *Session
	pendingErr error
	stopping   bool
	last       *Artifact
	notify     func(Notice)
}

func NewController(src FrameSource, newSink SinkFactory, saver Saver, opt Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opt.Filename == "" {
		opt.Filename = "face_recording.webm"
	}
	if opt.ContentType == "" {
		opt.ContentType = "video/webm"
	}
	if opt.FPS <= 0 {
		opt.FPS = 30
	}
	return &Controller{src: src, newSink: newSink, saver: saver, opt: opt, logger: logger}
}

// OnNotice registers fn to receive user-facing notices.
func (c *Controller) OnNotice(fn func(Notice)) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state, Last: c.last}
	if c.session != nil {
		st.SessionID = c.session.ID
		st.Started = c.session.Started
		st.Chunks, st.Bytes = c.session.Len()
	}
	return st
}

// Start begins a recording. It reports false when a recording is already
// running or starting, in which case nothing changes. The lock is not held
// while the sink starts, so Status stays responsive.
func (c *Controller) Start() (bool, error) {
	c.mu.Lock()
	if c.state == StateRecording || c.pending != nil {
		c.logger.Debug("start ignored, already recording")
		c.mu.Unlock()
		return false, nil
	}
	sess := newSession()
	c.pending = sess
	c.pendingErr = nil
	c.mu.Unlock()

	sink := c.newSink()
	h := Handlers{
		OnChunk: func(chunk []byte) {
			if !sess.Append(chunk) && len(chunk) > 0 {
				c.logger.Warn("chunk after session closed", "session", sess.ID, "bytes", len(chunk))
			}
		},
		OnError: func(err error) {
			c.sinkFailed(sess, err)
		},
	}
	startErr := sink.Start(c.src, c.opt.FPS, h)

	c.mu.Lock()
	failed := c.pendingErr
	c.pending = nil
	c.pendingErr = nil
	if startErr != nil {
		c.mu.Unlock()
		return false, &SinkError{Err: startErr}
	}
	c.state = StateRecording
	c.session = sess
	c.sink = sink
	if failed != nil {
		// the sink died or the input went away before this commit
		c.stopping = true
	}
	c.mu.Unlock()

	c.logger.Info("recording started", "session", sess.ID, "fps", c.opt.FPS)
	if failed != nil {
		c.logger.Error("recording stream ended unexpectedly", "session", sess.ID, "error", failed)
		sink.Stop()
		c.finalize(sess, failed)
	}
	return true, nil
}

// Stop ends the recording and saves it. Stopping while idle, or while another
// stop is already finishing, does nothing and returns a nil artifact.
func (c *Controller) Stop() (*Artifact, error) {
	c.mu.Lock()
	if c.state != StateRecording || c.stopping {
		c.mu.Unlock()
		return nil, nil
	}
	c.stopping = true
	sess, sink := c.session, c.sink
	c.mu.Unlock()

	stopErr := sink.Stop()
	return c.finalize(sess, stopErr)
}

// Toggle stops a running recording or starts a new one.
func (c *Controller) Toggle() (State, *Artifact, error) {
	if c.State() == StateRecording {
		art, err := c.Stop()
		return c.State(), art, err
	}
	_, err := c.Start()
	return c.State(), nil, err
}

// Abort ends the recording because its input went away. The session is saved
// as incomplete and a warning notice is sent, as when the sink itself fails.
func (c *Controller) Abort(cause error) (*Artifact, error) {
	c.mu.Lock()
	if c.pending != nil && c.pendingErr == nil {
		c.pendingErr = cause
	}
	if c.state != StateRecording || c.stopping {
		c.mu.Unlock()
		return nil, nil
	}
	c.stopping = true
	sess, sink := c.session, c.sink
	c.mu.Unlock()

	c.logger.Error("recording aborted", "session", sess.ID, "error", cause)
	if err := sink.Stop(); err != nil {
		c.logger.Warn("sink stop after abort", "session", sess.ID, "error", err)
	}
	return c.finalize(sess, cause)
}

func (c *Controller) sinkFailed(sess *Session, err error) {
	c.mu.Lock()
	if c.pending == sess {
		c.pendingErr = err
		c.mu.Unlock()
		return
	}
	if c.session != sess || c.stopping {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	c.mu.Unlock()

	c.logger.Error("recording stream ended unexpectedly", "session", sess.ID, "error", err)
	c.finalize(sess, err)
}

func (c *Controller) finalize(sess *Session, cause error) (*Artifact, error) {
	data := sess.close()

	var art *Artifact
	var err error
	if len(data) == 0 {
		err = ErrNoData
	} else {
		path, saveErr := c.saver.Save(c.opt.Filename, c.opt.ContentType, data)
		if saveErr != nil {
			err = errors.Wrap(saveErr, "Can not save recording")
		} else {
			art = &Artifact{
				SessionID:   sess.ID,
				Path:        path,
				ContentType: c.opt.ContentType,
				Size:        len(data),
				Started:     sess.Started,
				Duration:    time.Since(sess.Started),
				Incomplete:  cause != nil,
			}
		}
	}
	if err == nil && cause != nil {
		err = cause
		if _, ok := cause.(*SinkError); !ok {
			err = &SinkError{Err: cause}
		}
	}

	c.mu.Lock()
	c.state = StateIdle
	c.session = nil
	c.sink = nil
	c.stopping = false
	if art != nil {
		c.last = art
	}
	notify := c.notify
	c.mu.Unlock()

	n := Notice{Time: time.Now(), SessionID: sess.ID, Artifact: art}
	switch {
	case art != nil && art.Incomplete:
		n.Level = NoticeWarn
		n.Message = "recording stopped unexpectedly, saved file may be incomplete: " + art.Path
		c.logger.Warn("recording saved incomplete", "session", sess.ID, "path", art.Path, "bytes", art.Size, "error", cause)
	case art != nil:
		n.Level = NoticeInfo
		n.Message = "recording saved: " + art.Path
		c.logger.Info("recording stopped", "session", sess.ID, "path", art.Path, "bytes", art.Size)
	default:
		n.Level = NoticeError
		n.Message = "recording lost: " + err.Error()
		c.logger.Error("recording lost", "session", sess.ID, "error", err)
	}
	if notify != nil {
		notify(n)
	}
	return art, err
}
