// Command receiver accepts transfers and reassembles them on disk,
// one file per session under the output directory.
//
// Exit codes: 0 on clean shutdown, 1 on bind/argument error.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Muteeb-Haider/udp-reliable-transfer/internal/config"
	"github.com/Muteeb-Haider/udp-reliable-transfer/internal/logging"
	"github.com/Muteeb-Haider/udp-reliable-transfer/internal/receiver"
	"github.com/Muteeb-Haider/udp-reliable-transfer/internal/transport"
)

const processName = "receiver"

type args struct {
	port   int
	out    string
	window int
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
		Short:         "Receive files over reliable UDP",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Flags().VisitAll(func(f *pflag.Flag) {
				dlog.Debugf(cmd.Context(), "flag %s=%s", f.Name, f.Value.String())
			})
			return run(cmd.Context(), a, env)
		},
	}
	cmd.Flags().IntVar(&a.port, "port", 9000, "UDP port to listen on")
	cmd.Flags().StringVar(&a.out, "out", "./server_data", "output directory for received files")
	cmd.Flags().IntVar(&a.window, "window", 8, "advertised window in packets (advisory)")

	if err := cmd.ExecuteContext(ctx); err != nil {
		dlog.Errorf(ctx, "quit: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, a args, env config.Env) error {
	if a.window < 1 || a.window > 1<<16-1 {
		return fmt.Errorf("--window must be in [1,%d], got %d", 1<<16-1, a.window)
	}
	conn, err := transport.Listen(a.port)
	if err != nil {
		return errors.Wrap(err, "error binding")
	}
	defer conn.Close()
	dlog.Infof(ctx, "listening on %s", conn.LocalAddr())

	rx := receiver.New(conn, afero.NewOsFs(), receiver.Config{
		OutDir:        a.out,
		Window:        a.window,
		MaxSessions:   env.MaxSessions,
		IdleTimeout:   env.IdleTimeout,
		SweepInterval: env.SweepInterval,
	})

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
	})
	grp.Go("ingress", rx.Run)
	return grp.Wait()
}
