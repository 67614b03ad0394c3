package main

import (
	"encoding/json"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/abihf/facecam"
	"github.com/abihf/facecam/protocol"
	"github.com/abihf/facecam/recorder"
)

type recorderControl interface {
	Start() (bool, error)
	Stop() (*recorder.Artifact, error)
	Toggle() (recorder.State, *recorder.Artifact, error)
	Status() recorder.Status
}

// control serves socket requests against the recorder and remembers the last
// notice so clients polling STATUS see it.
type control struct {
	rec   recorderControl
	stats func() facecam.Stats

	mu     sync.Mutex
	latest *recorder.Notice
}

func (c *control) notice(n recorder.Notice) {
	c.mu.Lock()
	c.latest = &n
	c.mu.Unlock()
	if n.Level == recorder.NoticeInfo {
		logger.Info(n.Message, "session", n.SessionID)
	} else {
		logger.Warn(n.Message, "session", n.SessionID)
	}
}

func (c *control) respond(req *protocol.Req) (map[string]string, error) {
	switch req.Action {
	case protocol.ActionStart:
		changed, err := c.rec.Start()
		extras := c.status()
		extras[protocol.ExtraChanged] = strconv.FormatBool(changed)
		return extras, err

	case protocol.ActionStop:
		art, err := c.rec.Stop()
		extras := c.status()
		extras[protocol.ExtraChanged] = strconv.FormatBool(art != nil || err != nil)
		addArtifact(extras, art)
		return extras, err

	case protocol.ActionToggle:
		_, art, err := c.rec.Toggle()
		extras := c.status()
		addArtifact(extras, art)
		return extras, err

	case protocol.ActionStatus:
		return c.status(), nil

	default:
		return nil, errors.Errorf("unknown action %q", req.Action)
	}
}

func (c *control) status() map[string]string {
	st := c.rec.Status()
	extras := map[string]string{
		protocol.ExtraState: st.State.String(),
	}
	if st.SessionID != "" {
		extras[protocol.ExtraSession] = st.SessionID
		extras[protocol.ExtraStarted] = st.Started.Format(time.RFC3339)
		extras[protocol.ExtraChunks] = strconv.Itoa(st.Chunks)
		extras[protocol.ExtraBytes] = strconv.Itoa(st.Bytes)
	}
	if c.stats != nil {
		ps := c.stats()
		extras[protocol.ExtraComposites] = strconv.FormatUint(ps.Composites, 10)
		extras[protocol.ExtraDropped] = strconv.FormatUint(ps.FramesDropped, 10)
		extras[protocol.ExtraDetections] = strconv.FormatUint(ps.Detection.Cycles, 10)
	}
	c.mu.Lock()
	if c.latest != nil {
		extras[protocol.ExtraNotice] = c.latest.Message
	}
	c.mu.Unlock()
	return extras
}

func addArtifact(extras map[string]string, art *recorder.Artifact) {
	if art == nil {
		return
	}
	extras[protocol.ExtraPath] = art.Path
	extras[protocol.ExtraSize] = strconv.Itoa(art.Size)
	extras[protocol.ExtraIncomplete] = strconv.FormatBool(art.Incomplete)
}

func handle(ctl *control, c net.Conn) {
	defer c.Close()

	dec := json.NewDecoder(c)
	for {
		req := &protocol.Req{}
		err := dec.Decode(req)
		if err != nil {
			if err != io.EOF {
				logger.Warn("Can not read request", "error", err)
			}
			return
		}

		logger.Debug("control request", "action", req.Action)
		extras, err := ctl.respond(req)
		if err != nil {
			logger.Warn("control request failed", "action", req.Action, "error", err)
			err = protocol.WriteErrorRes(c, err, extras)
		} else {
			err = protocol.WriteSuccessRes(c, extras)
		}
		if err != nil {
			logger.Warn("Can not write response", "error", err)
			return
		}
	}
}
