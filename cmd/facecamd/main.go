package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"

	"github.com/abihf/facecam"
	"github.com/abihf/facecam/config"
)

var (
	conf   = config.Load()
	logger = facecam.NewLogger(os.Stderr)
)

func main() {
	if err := serve(); err != nil {
		logger.Error("facecamd failed", "error", err)
		os.Exit(1)
	}
}

func serve() error {
	if isAlreadyRun(conf.PidFile) {
		return errors.New("already run")
	}

	if err := os.MkdirAll(filepath.Dir(conf.PidFile), 0755); err != nil {
		return errors.Wrap(err, "Can not create run directory")
	}
	if err := writeLockFile(conf.PidFile); err != nil {
		return errors.Wrap(err, "Can not write pid file")
	}
	defer os.Remove(conf.PidFile)

	pipeline := facecam.New(conf, logger)
	ctl := &control{rec: pipeline.Recorder, stats: pipeline.Stats}
	pipeline.Recorder.OnNotice(ctl.notice)

	os.MkdirAll(filepath.Dir(conf.Socket), 0755)
	os.Remove(conf.Socket)

	ln, err := net.Listen("unix", conf.Socket)
	if err != nil {
		return errors.Wrap(err, "Listen error")
	}
	defer ln.Close()
	defer os.Remove(conf.Socket)

	os.Chmod(conf.Socket, 0666)

	go func() {
		for {
			fd, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logger.Error("Accept error", "error", err)
				return
			}
			go handle(ctl, fd)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- pipeline.Run(ctx) }()

	select {
	case <-pipeline.Ready():
		daemon.SdNotify(false, daemon.SdNotifyReady)
		logger.Info("facecamd ready", "socket", conf.Socket, "device", conf.Device)
	case err := <-runErr:
		pipeline.Close()
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("Caught signal, shutting down")
		err = <-runErr
	case err = <-runErr:
	}

	daemon.SdNotify(false, daemon.SdNotifyStopping)
	st := pipeline.Stats()
	logger.Info("pipeline stats", "frames", st.FramesIn, "dropped", st.FramesDropped,
		"composites", st.Composites, "detections", st.Detection.Cycles, "failed_detections", st.Detection.Failed)
	if art, stopErr := pipeline.Close(); art != nil {
		logger.Info("recording saved on shutdown", "path", art.Path, "incomplete", art.Incomplete)
	} else if stopErr != nil {
		logger.Warn("recording lost on shutdown", "error", stopErr)
	}
	return err
}

func isAlreadyRun(path string) bool {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false
	}

	pidStr, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("Can not read pid file", "error", err)
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidStr)))
	if err != nil {
		logger.Warn("Invalid existing pid file", "error", err)
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		logger.Warn("Can not find current process", "error", err)
		return false
	}

	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

func writeLockFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(f, "%d", os.Getpid())
	return f.Close()
}
