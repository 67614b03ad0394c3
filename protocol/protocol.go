// Package protocol is the line-delimited JSON exchange spoken on the daemon's
// control socket.
package protocol

import (
	"encoding/json"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

type Action string

const (
	ActionStart  Action = "START"
	ActionStop   Action = "STOP"
	ActionToggle Action = "TOGGLE"
	ActionStatus Action = "STATUS"
)

type Req struct {
	Action Action            `json:"action"`
	Params map[string]string `json:"params,omitempty"`
}

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

// Extras keys used in responses.
const (
	ExtraState      = "state"
	ExtraSession    = "session"
	ExtraStarted    = "started"
	ExtraChunks     = "chunks"
	ExtraBytes      = "bytes"
	ExtraPath       = "path"
	ExtraSize       = "size"
	ExtraIncomplete = "incomplete"
	ExtraChanged    = "changed"
	ExtraNotice     = "notice"
	ExtraComposites = "composites"
	ExtraDropped    = "frames_dropped"
	ExtraDetections = "detections"
)

type Res struct {
	Status Status            `json:"status"`
	Error  string            `json:"error,omitempty"`
	Extras map[string]string `json:"extras,omitempty"`
}

func (r *Res) Err() error {
	if r.Status == StatusSuccess {
		return nil
	}
	if r.Error == "" {
		return errors.New("request failed")
	}
	return errors.New(r.Error)
}

func ReadReq(r io.Reader) (*Req, error) {
	var req Req
	err := json.NewDecoder(r).Decode(&req)
	return &req, err
}

func ReadRes(r io.Reader) (*Res, error) {
	var res Res
	err := json.NewDecoder(r).Decode(&res)
	return &res, err
}

func WriteReq(w io.Writer, action Action, params map[string]string) error {
	return json.NewEncoder(w).Encode(&Req{Action: action, Params: params})
}

func WriteSuccessRes(w io.Writer, extras map[string]string) error {
	res := Res{
		Status: StatusSuccess,
		Extras: extras,
	}
	return json.NewEncoder(w).Encode(&res)
}

func WriteErrorRes(w io.Writer, err error, extras map[string]string) error {
	res := Res{
		Status: StatusError,
		Error:  err.Error(),
		Extras: extras,
	}
	return json.NewEncoder(w).Encode(&res)
}

// Call sends a single request to the daemon listening on socket and waits for
// its answer.
func Call(socket string, action Action, timeout time.Duration) (*Res, error) {
	conn, err := net.DialTimeout("unix", socket, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "Can not connect to %s", socket)
	}
	defer conn.Close()
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	if err := WriteReq(conn, action, nil); err != nil {
		return nil, errors.Wrap(err, "Can not send request")
	}
	res, err := ReadRes(conn)
	if err != nil {
		return nil, errors.Wrap(err, "Can not read response")
	}
	return res, nil
}
