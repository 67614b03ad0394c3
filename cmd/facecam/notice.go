package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/abihf/facecam/recorder"
)

// noticeLog prints recorder notices and remembers the last one that lost the
// recording, so the command can exit non-zero.
type noticeLog struct {
	w io.Writer

	mu     sync.Mutex
	failed *recorder.Notice
}

func (l *noticeLog) handle(n recorder.Notice) {
	fmt.Fprintf(l.w, "%s: %s\n", n.Level, n.Message)
	if n.Level != recorder.NoticeError {
		return
	}
	l.mu.Lock()
	l.failed = &n
	l.mu.Unlock()
}

func (l *noticeLog) err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failed == nil {
		return nil
	}
	return errors.New(l.failed.Message)
}
