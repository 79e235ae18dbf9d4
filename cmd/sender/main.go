// Command sender streams one file to a receiver.
//
// Exit codes: 0 success, 1 argument/IO error, 2 handshake failure,
// 3 transfer retries exhausted, 4 FIN unacknowledged.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Muteeb-Haider/udp-reliable-transfer/internal/config"
	"github.com/Muteeb-Haider/udp-reliable-transfer/internal/logging"
	"github.com/Muteeb-Haider/udp-reliable-transfer/internal/proto"
	"github.com/Muteeb-Haider/udp-reliable-transfer/internal/sender"
	"github.com/Muteeb-Haider/udp-reliable-transfer/internal/transport"
)

const processName = "sender"

type args struct {
	host       string
	port       int
	file       string
	chunk      int
	window     int
	timeoutMs  int
	maxRetries int
}

func main() {
	ctx := context.Background()
	env, err := config.LoadEnv(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", processName, err)
		os.Exit(1)
	}
	ctx = logging.MakeBaseLogger(ctx, env.LogLevel)
	ctx = dgroup.WithGoroutineName(ctx, "/"+processName)

	var a args
	cmd := &cobra.Command{
		Use:           processName,
		Short:         "Send one file to a receiver over reliable UDP",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Flags().VisitAll(func(f *pflag.Flag) {
				dlog.Debugf(cmd.Context(), "flag %s=%s", f.Name, f.Value.String())
			})
			return run(cmd.Context(), a)
		},
	}
	cmd.Flags().StringVar(&a.host, "host", "127.0.0.1", "receiver host")
	cmd.Flags().IntVar(&a.port, "port", 9000, "receiver port")
	cmd.Flags().StringVar(&a.file, "file", "", "path of the file to send")
	cmd.Flags().IntVar(&a.chunk, "chunk", 1024, "payload bytes per DATA packet")
	cmd.Flags().IntVar(&a.window, "window", 8, "send window in packets")
	cmd.Flags().IntVar(&a.timeoutMs, "timeout", 300, "retransmission timeout in milliseconds")
	cmd.Flags().IntVar(&a.maxRetries, "max-retries", 20, "retry attempts before giving up")
	_ = cmd.MarkFlagRequired("file")

	err = cmd.ExecuteContext(ctx)
	if err != nil {
		dlog.Errorf(ctx, "quit: %v", err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, sender.ErrHandshakeFailed):
		return 2
	case errors.Is(err, sender.ErrTransferFailed):
		return 3
	case errors.Is(err, sender.ErrFinFailed):
		return 4
	default:
		return 1
	}
}

func run(ctx context.Context, a args) error {
	if a.chunk < 1 || a.chunk > proto.MaxPayload {
		return fmt.Errorf("--chunk must be in [1,%d], got %d", proto.MaxPayload, a.chunk)
	}
	if a.window < 1 || a.window > 1<<16-1 {
		return fmt.Errorf("--window must be in [1,%d], got %d", 1<<16-1, a.window)
	}
	if a.timeoutMs < 1 || a.maxRetries < 1 {
		return fmt.Errorf("--timeout and --max-retries must be positive")
	}
	blob, err := os.ReadFile(a.file)
	if err != nil {
		return errors.Wrap(err, "error reading source file")
	}
	peer, err := net.ResolveUDPAddr("udp", net.JoinHostPort(a.host, strconv.Itoa(a.port)))
	if err != nil {
		return errors.Wrap(err, "error resolving receiver address")
	}
	conn, err := transport.Listen(0)
	if err != nil {
		return errors.Wrap(err, "error binding local socket")
	}
	defer conn.Close()

	s := sender.New(conn, peer, proto.Basename(a.file), blob, sender.Config{
		ChunkSize:  a.chunk,
		Window:     a.window,
		Timeout:    time.Duration(a.timeoutMs) * time.Millisecond,
		MaxRetries: a.maxRetries,
	})
	return s.Run(ctx)
}
