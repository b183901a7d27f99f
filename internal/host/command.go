package host

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	daemon "github.com/sevlyar/go-daemon"
	"github.com/spf13/cobra"

	"github.com/xscopehub/toolhost/internal/config"
)

const defaultFlushTimeout = 5 * time.Second

type flags struct {
	config    string
	transport string
	listen    string
	framing   string
	opsListen string
	logLevel  string
	manifest  string
	daemon    bool
}

// NewCommand builds the root command of a host process.
func NewCommand(def Definition) *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          def.Name,
		Short:        def.Description,
		Version:      def.Version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(f.config)
			if err != nil {
				return err
			}
			f.apply(cmd, &cfg)

			if f.daemon {
				if cfg.Transport.Kind != config.TransportHTTP {
					return fmt.Errorf("--daemon requires the http transport")
				}
				cntxt := &daemon.Context{
					PidFileName: def.Name + ".pid",
					PidFilePerm: 0644,
					LogFileName: def.Name + ".log",
					LogFilePerm: 0640,
				}
				child, err := cntxt.Reborn()
				if err != nil {
					return err
				}
				if child != nil {
					return nil
				}
				defer cntxt.Release()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := Build(ctx, def, cfg, Options{
				Stdin:  cmd.InOrStdin(),
				Stdout: cmd.OutOrStdout(),
				Stderr: cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			return rt.Run(ctx)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&f.config, "config", "", "path to configuration file")
	fs.StringVar(&f.transport, "transport", "", "transport: stdio or http")
	fs.StringVar(&f.listen, "listen", "", "listen address for the http transport")
	fs.StringVar(&f.framing, "framing", "", "stdio framing: line or content-length")
	fs.StringVar(&f.opsListen, "ops-listen", "", "listen address for /healthz and /metrics")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&f.manifest, "manifest", "", "path to a manifest JSON file")
	fs.BoolVar(&f.daemon, "daemon", false, "run in background (http transport only)")
	return cmd
}

func (f flags) apply(cmd *cobra.Command, cfg *config.Config) {
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("transport", &cfg.Transport.Kind, f.transport)
	set("listen", &cfg.Transport.Listen, f.listen)
	set("framing", &cfg.Transport.Framing, f.framing)
	set("ops-listen", &cfg.Ops.Listen, f.opsListen)
	set("log-level", &cfg.Log.Level, f.logLevel)
	set("manifest", &cfg.Manifest, f.manifest)
}

// Main runs the host and exits 1 on a startup or transport fault.
func Main(def Definition) {
	if err := NewCommand(def).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
