package recorder

import (
	"bytes"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"
)

type fakeSink struct {
	mu       sync.Mutex
	h        Handlers
	fps      int
	startErr error
	stopErr  error
	started  int
	stopped  int
	onStop   []byte
	// entered is signalled when Start is called; block holds Start until closed
	entered chan struct{}
	block   chan struct{}
	// failOnStart reports an error through OnError right after Start
	failOnStart error
}

func (s *fakeSink) Start(src FrameSource, fps int, h Handlers) error {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	if s.failOnStart != nil {
		defer func() { go h.OnError(s.failOnStart) }()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.h = h
	s.fps = fps
	s.started++
	return nil
}

func (s *fakeSink) Stop() error {
	s.mu.Lock()
	s.stopped++
	h, last := s.h, s.onStop
	s.mu.Unlock()
	if last != nil {
		h.OnChunk(last)
	}
	return s.stopErr
}

func (s *fakeSink) emit(chunk []byte) {
	s.mu.Lock()
	h := s.h
	s.mu.Unlock()
	h.OnChunk(chunk)
}

func (s *fakeSink) fail(err error) {
	s.mu.Lock()
	h := s.h
	s.mu.Unlock()
	h.OnError(err)
}

type memSaver struct {
	mu    sync.Mutex
	saved map[string][]byte
	order []string
	err   error
}

func (m *memSaver) Save(name, contentType string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if m.saved == nil {
		m.saved = map[string][]byte{}
	}
	m.saved[name] = data
	m.order = append(m.order, name)
	return "/mem/" + name, nil
}

func (m *memSaver) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

type nopFrames struct{}

func (nopFrames) Snapshot(dst *image.RGBA) (*image.RGBA, uint64, bool) { return nil, 0, false }

func newTestController(sinks ...*fakeSink) (*Controller, *memSaver, *[]*fakeSink) {
	saver := &memSaver{}
	created := []*fakeSink{}
	i := 0
	factory := func() Sink {
		var s *fakeSink
		if i < len(sinks) {
			s = sinks[i]
		} else {
			s = &fakeSink{}
		}
		i++
		created = append(created, s)
		return s
	}
	c := NewController(nopFrames{}, factory, saver, Options{}, nil)
	return c, saver, &created
}

func TestStopWhileIdle(t *testing.T) {
	c, saver, created := newTestController()
	art, err := c.Stop()
	if art != nil || err != nil {
		t.Fatalf("expected no-op, got %v %v", art, err)
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %s", c.State())
	}
	if saver.count() != 0 || len(*created) != 0 {
		t.Fatal("stop while idle must not touch sink or saver")
	}
}

func TestStartTwiceSingleSession(t *testing.T) {
	c, saver, created := newTestController()

	ok, err := c.Start()
	if !ok || err != nil {
		t.Fatalf("first start: %v %v", ok, err)
	}
	id := c.Status().SessionID

	ok, err = c.Start()
	if ok || err != nil {
		t.Fatalf("second start should be a no-op, got %v %v", ok, err)
	}
	if len(*created) != 1 {
		t.Fatalf("expected one sink, got %d", len(*created))
	}
	if c.Status().SessionID != id {
		t.Fatal("session replaced by second start")
	}

	(*created)[0].emit([]byte("abc"))
	art, err := c.Stop()
	if err != nil {
		t.Fatal(err)
	}
	if art == nil || art.SessionID != id {
		t.Fatalf("unexpected artifact %+v", art)
	}
	if saver.count() != 1 {
		t.Fatalf("expected one artifact, got %d", saver.count())
	}
}

func TestChunksConcatenatedInOrder(t *testing.T) {
	sink := &fakeSink{onStop: []byte("-tail")}
	c, saver, _ := newTestController(sink)
	if _, err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if sink.fps != 30 {
		t.Fatalf("fps = %d", sink.fps)
	}

	sink.emit([]byte("C1"))
	sink.emit(nil)
	sink.emit([]byte{})
	sink.emit([]byte("C2"))

	st := c.Status()
	if st.State != StateRecording || st.Chunks != 2 || st.Bytes != 4 {
		t.Fatalf("unexpected status %+v", st)
	}

	art, err := c.Stop()
	if err != nil {
		t.Fatal(err)
	}
	got := saver.saved["face_recording.webm"]
	if string(got) != "C1C2-tail" {
		t.Fatalf("artifact = %q", got)
	}
	if art.Path != "/mem/face_recording.webm" || art.Size != len(got) || art.ContentType != "video/webm" {
		t.Fatalf("unexpected artifact %+v", art)
	}
	if art.Incomplete {
		t.Fatal("clean stop marked incomplete")
	}
	if c.State() != StateIdle || c.Status().Last != art {
		t.Fatal("controller not idle after stop")
	}
}

func TestStopWithoutData(t *testing.T) {
	c, saver, _ := newTestController()
	c.Start()
	art, err := c.Stop()
	if art != nil || !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v %v", art, err)
	}
	if saver.count() != 0 {
		t.Fatal("empty recording saved")
	}
	if c.State() != StateIdle {
		t.Fatal("not idle")
	}
}

func TestSinkFailure(t *testing.T) {
	sink := &fakeSink{}
	c, saver, _ := newTestController(sink)

	var notices []Notice
	c.OnNotice(func(n Notice) { notices = append(notices, n) })

	c.Start()
	sink.emit([]byte("partial"))
	sink.fail(errors.New("device lost"))

	if c.State() != StateIdle {
		t.Fatalf("state = %s", c.State())
	}
	if len(notices) != 1 {
		t.Fatalf("expected one notice, got %d", len(notices))
	}
	n := notices[0]
	if n.Level != NoticeWarn || n.Artifact == nil || !n.Artifact.Incomplete {
		t.Fatalf("unexpected notice %+v", n)
	}
	if string(saver.saved["face_recording.webm"]) != "partial" {
		t.Fatal("partial data not saved")
	}
	if sink.stopped != 0 {
		t.Fatal("failed sink should not be stopped again")
	}

	// nothing left to stop
	if art, err := c.Stop(); art != nil || err != nil {
		t.Fatalf("stop after failure: %v %v", art, err)
	}

	// a late chunk from the dead sink is ignored
	sink.emit([]byte("late"))
	if string(saver.saved["face_recording.webm"]) != "partial" {
		t.Fatal("late chunk leaked into artifact")
	}
}

func TestSinkFailureDuringStop(t *testing.T) {
	sink := &fakeSink{stopErr: &SinkError{Err: errors.New("broken pipe")}}
	c, _, _ := newTestController(sink)
	c.Start()
	sink.emit([]byte("x"))

	art, err := c.Stop()
	var se *SinkError
	if !errors.As(err, &se) {
		t.Fatalf("expected SinkError, got %v", err)
	}
	if art == nil || !art.Incomplete {
		t.Fatalf("expected incomplete artifact, got %+v", art)
	}
}

func TestSinkStartFailure(t *testing.T) {
	c, _, _ := newTestController(&fakeSink{startErr: errors.New("no frames")})
	ok, err := c.Start()
	var se *SinkError
	if ok || !errors.As(err, &se) {
		t.Fatalf("expected SinkError, got %v %v", ok, err)
	}
	if c.State() != StateIdle {
		t.Fatal("controller left recording after failed start")
	}
}

func TestSaveFailureKeepsIdle(t *testing.T) {
	sink := &fakeSink{}
	c, saver, _ := newTestController(sink)
	saver.err = errors.New("disk full")
	c.Start()
	sink.emit([]byte("x"))
	art, err := c.Stop()
	if art != nil || err == nil {
		t.Fatalf("expected save error, got %v %v", art, err)
	}
	if c.State() != StateIdle {
		t.Fatal("not idle")
	}
}

func TestToggle(t *testing.T) {
	sink := &fakeSink{}
	c, _, _ := newTestController(sink)
	st, art, err := c.Toggle()
	if st != StateRecording || art != nil || err != nil {
		t.Fatalf("toggle on: %s %v %v", st, art, err)
	}
	sink.emit([]byte("x"))
	st, art, err = c.Toggle()
	if st != StateIdle || art == nil || err != nil {
		t.Fatalf("toggle off: %s %v %v", st, art, err)
	}
}

func TestRestartAfterStop(t *testing.T) {
	a, b := &fakeSink{}, &fakeSink{}
	c, saver, _ := newTestController(a, b)
	c.Start()
	a.emit([]byte("one"))
	first, _ := c.Stop()
	c.Start()
	b.emit([]byte("two"))
	second, _ := c.Stop()
	if first.SessionID == second.SessionID {
		t.Fatal("sessions share an id")
	}
	if saver.count() != 2 {
		t.Fatalf("saved %d", saver.count())
	}
}

func TestFileSaverCollision(t *testing.T) {
	dir := t.TempDir()
	s := &FileSaver{Dir: dir}

	first, err := s.Save("face_recording.webm", "video/webm", []byte("one"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Save("face_recording.webm", "video/webm", []byte("two"))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(first) != "face_recording.webm" {
		t.Fatalf("first = %s", first)
	}
	if filepath.Base(second) != "face_recording (1).webm" {
		t.Fatalf("second = %s", second)
	}
	data, _ := os.ReadFile(second)
	if !bytes.Equal(data, []byte("two")) {
		t.Fatalf("second content = %q", data)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".part" {
			t.Fatalf("temporary file left behind: %s", e.Name())
		}
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 files, got %d", len(entries))
	}
}

func TestCandidateName(t *testing.T) {
	cases := map[int]string{0: "a.webm", 1: "a (1).webm", 12: "a (12).webm"}
	for n, want := range cases {
		if got := candidateName("a.webm", n); got != want {
			t.Errorf("candidateName(%d) = %s, want %s", n, got, want)
		}
	}
	if got := candidateName("noext", 2); got != "noext (2)" {
		t.Errorf("got %s", got)
	}
}

func TestAbortSavesIncomplete(t *testing.T) {
	sink := &fakeSink{}
	c, saver, _ := newTestController(sink)
	var notices []Notice
	c.OnNotice(func(n Notice) { notices = append(notices, n) })

	c.Start()
	sink.emit([]byte("frozen"))
	art, err := c.Abort(errors.New("camera unplugged"))

	var se *SinkError
	if !errors.As(err, &se) {
		t.Fatalf("expected SinkError, got %v", err)
	}
	if art == nil || !art.Incomplete {
		t.Fatalf("expected incomplete artifact, got %+v", art)
	}
	if string(saver.saved["face_recording.webm"]) != "frozen" {
		t.Fatal("collected data not saved")
	}
	if sink.stopped != 1 {
		t.Fatalf("sink stopped %d times", sink.stopped)
	}
	if c.State() != StateIdle {
		t.Fatal("not idle after abort")
	}
	if len(notices) != 1 || notices[0].Level != NoticeWarn {
		t.Fatalf("notices = %+v", notices)
	}
	if art, err := c.Abort(errors.New("again")); art != nil || err != nil {
		t.Fatal("abort while idle should be a no-op")
	}
}

func TestStatusWhileSinkStarting(t *testing.T) {
	sink := &fakeSink{entered: make(chan struct{}, 1), block: make(chan struct{})}
	c, _, _ := newTestController(sink)

	started := make(chan bool)
	go func() {
		ok, _ := c.Start()
		started <- ok
	}()

	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never started")
	}

	statusDone := make(chan Status)
	go func() { statusDone <- c.Status() }()
	select {
	case st := <-statusDone:
		if st.State != StateIdle {
			t.Fatalf("state = %s before the sink started", st.State)
		}
	case <-time.After(time.Second):
		t.Fatal("Status blocked while the sink was starting")
	}

	if ok, err := c.Start(); ok || err != nil {
		t.Fatalf("second start during startup: %v %v", ok, err)
	}

	close(sink.block)
	if !<-started {
		t.Fatal("first start did not commit")
	}
	if c.State() != StateRecording {
		t.Fatal("not recording")
	}
}

func TestSinkFailureRightAfterStart(t *testing.T) {
	sink := &fakeSink{failOnStart: errors.New("encoder died")}
	c, _, _ := newTestController(sink)
	notices := make(chan Notice, 1)
	c.OnNotice(func(n Notice) { notices <- n })

	if _, err := c.Start(); err != nil {
		t.Fatal(err)
	}
	select {
	case n := <-notices:
		if n.Level != NoticeError {
			t.Fatalf("notice = %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failure right after start was lost")
	}
	if c.State() != StateIdle {
		t.Fatal("controller stuck recording on a dead sink")
	}
}

func TestFileSaverWithoutHardLinks(t *testing.T) {
	orig := linkFile
	linkFile = func(oldname, newname string) error {
		return &os.LinkError{Op: "link", Old: oldname, New: newname, Err: syscall.EPERM}
	}
	defer func() { linkFile = orig }()

	dir := t.TempDir()
	s := &FileSaver{Dir: dir}
	first, err := s.Save("face_recording.webm", "video/webm", []byte("one"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Save("face_recording.webm", "video/webm", []byte("two"))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(first) != "face_recording.webm" || filepath.Base(second) != "face_recording (1).webm" {
		t.Fatalf("saved as %s and %s", first, second)
	}
	if data, _ := os.ReadFile(first); string(data) != "one" {
		t.Fatalf("first file overwritten: %q", data)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Fatalf("expected 2 files, got %d", len(entries))
	}
}
