package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/fzft/go-evserver/config"
	"github.com/fzft/go-evserver/evloop"
	"github.com/fzft/go-evserver/log"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "TCP port to listen on, 0 for any")
	flag.IntVar(&cfg.Backlog, "backlog", cfg.Backlog, "listen backlog")
	flag.IntVar(&cfg.MaxEvents, "max-events", cfg.MaxEvents, "events per epoll_wait")
	flag.IntVar(&cfg.MaxHandlers, "max-handlers", cfg.MaxHandlers, "concurrent handler bound, 0 is unbounded")
	flag.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "how long a write waits on a slow peer, 0 forever")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flag.BoolVar(&cfg.LogDev, "log-dev", cfg.LogDev, "human readable logs")
	flag.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "append logs to this file instead of stderr")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "how long to wait for running handlers on exit, 0 skips")
	flag.DurationVar(&cfg.EchoDelayMin, "echo-delay-min", cfg.EchoDelayMin, "minimum simulated work per message")
	flag.DurationVar(&cfg.EchoDelayMax, "echo-delay-max", cfg.EchoDelayMax, "maximum simulated work per message")
	flag.Parse()

	if *showVersion {
		fmt.Println(versionString())
		return
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := log.InitLogger(cfg.LogLevel, cfg.LogDev, cfg.LogFile); err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(2)
	}
	defer log.Sync()

	s := evloop.NewServer(cfg)
	s.SetAcceptHandler(evloop.LogAcceptHandler(log.Logger))
	if err := s.Run(context.Background()); err != nil {
		log.Logger.Error("server stopped", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}
