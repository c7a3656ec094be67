package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hypernetix/fullmoon-go/internal/config"
	"github.com/hypernetix/fullmoon-go/pkg/lmstudio"
	"github.com/hypernetix/fullmoon-go/pkg/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

type rootOptions struct {
	configPath string
	host       string
	port       int
	verbose    bool
	trace      bool
}

// run executes the command line in args and releases everything the
// command opened.
func run(ctx context.Context, args []string, out, errOut io.Writer) error {
	a := &app{out: out, errOut: errOut}
	defer a.close()
	root := newRootCommand(a)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCommand(a *app) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "fullmoon",
		Short:         "Chat with on-device and remote language models",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.init(opts)
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	root.SetVersionTemplate("fullmoon version {{.Version}}\n")

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", fmt.Sprintf("config file (default: %s)", config.DefaultPath()))
	pf.StringVar(&opts.host, "host", "", fmt.Sprintf("LM Studio API host (default: %s)", lmstudio.LMStudioAPIHosts[0]))
	pf.IntVar(&opts.port, "port", 0, fmt.Sprintf("LM Studio API port (default: %d)", lmstudio.LMStudioAPIPorts[0]))
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVar(&opts.trace, "vv", false, "enable trace logging")

	root.AddCommand(
		newModelsCommand(a),
		newRemoteModelsCommand(a),
		newLoadCommand(a),
		newChatCommand(a),
		newStatusCommand(a),
		newServeCommand(a),
	)
	return root
}

// init loads the configuration and applies the global flags.
func (a *app) init(opts *rootOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.host != "" {
		cfg.LMStudio.Host = opts.host
	}
	if opts.port != 0 {
		cfg.LMStudio.Port = opts.port
	}
	a.cfg = cfg

	logger := cfg.NewLogger(a.errOut, "fullmoon")
	if opts.verbose {
		logger.SetLevel(logging.LogLevelDebug)
	}
	if opts.trace {
		logger.SetLevel(logging.LogLevelTrace)
	}
	a.logger = logger
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
