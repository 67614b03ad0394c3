package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/abihf/facecam"
	"github.com/abihf/facecam/config"
)

var (
	configPath string
	duration   time.Duration
	outputDir  string
	device     string
)

var rootCmd = &cobra.Command{
	Use:          "facecam",
	Short:        "Record the annotated webcam feed to a file",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         record,
}

func record(cmd *cobra.Command, args []string) error {
	conf := config.Load()
	if configPath != "" {
		conf = config.LoadFile(configPath)
	}
	if outputDir != "" {
		conf.OutputDir = outputDir
	}
	if device != "" {
		conf.Device = device
	}
	logger := facecam.NewLogger(os.Stderr)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	p := facecam.New(conf, logger)
	notices := &noticeLog{w: os.Stderr}
	p.Recorder.OnNotice(notices.handle)
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	select {
	case <-p.Ready():
	case err := <-runErr:
		p.Close()
		return err
	case <-ctx.Done():
		p.Close()
		return nil
	}

	if _, err := p.Recorder.Start(); err != nil {
		p.Close()
		return errors.Wrap(err, "Can not start recording")
	}

	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription("Recording"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSpinnerType(14),
	)

	var deadline <-chan time.Time
	if duration > 0 {
		deadline = time.After(duration)
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var pipeErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-deadline:
			break loop
		case pipeErr = <-runErr:
			if pipeErr != nil {
				logger.Error("pipeline stopped", "error", pipeErr)
			}
			break loop
		case <-ticker.C:
			st := p.Recorder.Status()
			if st.SessionID == "" {
				// recording ended on its own
				break loop
			}
			bar.Describe(fmt.Sprintf("Recording (%d frames)", p.Stats().Composites))
			bar.Set64(int64(st.Bytes))
		}
	}
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	art, err := p.Recorder.Stop()
	if art == nil && err == nil {
		art = p.Recorder.Status().Last
	}
	cancel()
	p.Close()

	if art != nil {
		fmt.Println(art.Path)
		fmt.Fprintf(os.Stderr, "saved %s in %s\n", humanize.Bytes(uint64(art.Size)), art.Duration.Round(time.Second))
		if art.Incomplete {
			fmt.Fprintln(os.Stderr, "warning: recording stopped unexpectedly, the file may be incomplete")
		}
	}
	if err == nil {
		err = notices.err()
	}
	if err == nil {
		err = pipeErr
	}
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "config file (default $FACECAM_CONFIG or /etc/facecam/config.json)")
	rootCmd.Flags().DurationVarP(&duration, "duration", "d", 0, "stop after this long (default until interrupted)")
	rootCmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory")
	rootCmd.Flags().StringVar(&device, "device", "", "video device")
}
