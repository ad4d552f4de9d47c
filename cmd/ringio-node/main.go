// Command ringio-node runs one side of a processor link and moves data
// through ring instances on it.
//
//	ringio-node run      -config node.json
//	ringio-node write    -config node.json -name pcm -bytes 1048576
//	ringio-node read     -config node.json -name pcm
//	ringio-node snapshot -config node.json -peer 0 -out region.br
//	ringio-node journal  -config node.json
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nmxmxh/dsplink/kernel/config"
	"github.com/nmxmxh/dsplink/kernel/node"
	"github.com/nmxmxh/dsplink/kernel/utils"
)

const flagErrorHandling = flag.ContinueOnError

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, args []string) error
}

var commands = []command{
	{"run", "serve the links until interrupted", runNode},
	{"write", "stream generated data into a ring", runWriter},
	{"read", "drain a ring and report what arrived", runReader},
	{"snapshot", "dump a link region, brotli-compressed", runSnapshot},
	{"journal", "print recent lifecycle events", runJournal},
}

// env is what every subcommand shares: the loaded config and the logger
// built from it.
type env struct {
	cfg    config.Config
	logger *utils.Logger
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var cmd *command
	for i := range commands {
		if commands[i].name == os.Args[1] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.run(ctx, os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd.name, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ringio-node <command> [flags]")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-9s %s\n", c.name, c.usage)
	}
}

// parse adds the shared -config and -log-level flags, parses args and
// loads the config.
func parse(fs *flag.FlagSet, args []string) (*env, error) {
	path := fs.String("config", "", "JSON config file; defaults apply when empty")
	level := fs.String("log-level", "", "override node.log_level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			return nil, err
		}
	}
	if *level != "" {
		cfg.Node.LogLevel = *level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &env{
		cfg: cfg,
		logger: utils.NewLogger(utils.LoggerConfig{
			Level:      cfg.LogLevel(),
			Component:  "ringio-node",
			Output:     os.Stderr,
			Colorize:   true,
			TimeFormat: "15:04:05.000",
		}),
	}, nil
}

// boot starts a node and, when a metrics address is configured, serves
// its metrics. The returned stop function tears both down.
func boot(ctx context.Context, e *env) (*node.Node, func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	n, err := node.New(e.cfg, node.WithRegisterer(reg), node.WithLogger(e.logger))
	if err != nil {
		return nil, nil, err
	}
	if err := n.Boot(ctx); err != nil {
		return nil, nil, err
	}

	var srv *http.Server
	if e.cfg.Node.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			if n.State() != node.StateRunning {
				http.Error(w, n.StateName(), http.StatusServiceUnavailable)
				return
			}
			fmt.Fprintln(w, n.StateName())
		})
		srv = &http.Server{Addr: e.cfg.Node.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Error("metrics server stopped", utils.Err(err))
			}
		}()
		e.logger.Info("serving metrics", utils.String("addr", e.cfg.Node.MetricsAddr))
	}

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Node.ShutdownTimeout)
		defer cancel()
		if srv != nil {
			_ = srv.Shutdown(ctx)
		}
		if err := n.Shutdown(ctx); err != nil {
			e.logger.Error("shutdown", utils.Err(err))
		}
		_ = e.logger.Sync()
	}
	return n, stop, nil
}

func runNode(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flagErrorHandling)
	e, err := parse(fs, args)
	if err != nil {
		return err
	}
	n, stop, err := boot(ctx, e)
	if err != nil {
		return err
	}
	defer stop()

	e.logger.Info("node up; waiting for interrupt", utils.String("session", n.Session().String()))
	<-ctx.Done()
	return nil
}
