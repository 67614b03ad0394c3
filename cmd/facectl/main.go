package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/abihf/facecam/config"
	"github.com/abihf/facecam/protocol"
)

var (
	socket  string
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "facectl",
	Short:         "Control a running facecamd",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func actionCmd(use, short string, action protocol.Action) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := protocol.Call(socket, action, timeout)
			if err != nil {
				return err
			}
			printExtras(res.Extras)
			return res.Err()
		},
	}
}

func printExtras(extras map[string]string) {
	keys := make([]string, 0, len(extras))
	for k := range extras {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-10s %s\n", k+":", extras[k])
	}
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
	rootCmd.PersistentFlags().StringVar(&socket, "socket", "", "control socket (default from config)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if socket == "" {
			socket = config.Load().Socket
		}
	}

	rootCmd.AddCommand(
		actionCmd("start", "Start recording", protocol.ActionStart),
		actionCmd("stop", "Stop recording and save the file", protocol.ActionStop),
		actionCmd("toggle", "Start or stop recording", protocol.ActionToggle),
		actionCmd("status", "Show recorder state", protocol.ActionStatus),
	)
}
