// livepush-agent is the on-device agent. It joins a room on a coordination
// server, installs the bundles pushed to that room and relaunches into them.
//
// The agent runs a headless host: the relaunch a real application would do
// by restarting its process is done here by rebuilding the session in place.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/livepush/agent/internal/agent"
	"github.com/livepush/agent/internal/config"
	"github.com/livepush/agent/internal/host"
	"github.com/livepush/agent/internal/kv"
	"github.com/livepush/agent/internal/logbuf"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	bundleURL  string
}

func parseFlags(args []string) (*config.Config, options, error) {
	var opts options
	var room, name, hostName, token, logLevel string
	var port int

	flagSet := pflag.NewFlagSet("livepush-agent", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "livepush.yaml", "path to config file")
	flagSet.StringVar(&room, "room", "", "room to join")
	flagSet.StringVar(&name, "name", "", "client name shown to the server")
	flagSet.StringVar(&hostName, "host", "", "coordination server host")
	flagSet.IntVar(&port, "port", 0, "coordination server port")
	flagSet.StringVar(&token, "token", "", "bearer token for the server")
	flagSet.StringVar(&opts.bundleURL, "bundle-url", "", "install this bundle (livepush://host/path/Name.zip) at start")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	if err := flagSet.Parse(args); err != nil {
		return nil, opts, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, opts, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		return nil, opts, fmt.Errorf("loading config: %w", err)
	}
	if flagSet.Changed("room") {
		cfg.Room = room
	}
	if flagSet.Changed("name") {
		cfg.Name = name
	}
	if flagSet.Changed("host") {
		cfg.Server.Host = hostName
	}
	if flagSet.Changed("port") {
		cfg.Server.Port = port
	}
	if flagSet.Changed("token") {
		cfg.Server.Token = token
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, opts, err
	}
	return cfg, opts, nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

func run(args []string) error {
	cfg, opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level, err := parseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	forward, err := parseLevel(cfg.Log.ForwardLevel)
	if err != nil {
		return err
	}
	sink := logbuf.NewSink()
	console := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(logbuf.NewHandler(console, sink, forward))
	slog.SetDefault(logger)

	props, err := kv.Open(cfg.App.StateDir)
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}
	if cfg.App.Version != "" {
		if err := props.SetString(kv.KeyAppVersion, cfg.App.Version); err != nil {
			return fmt.Errorf("storing app version: %w", err)
		}
	}

	identity := host.DetectIdentity(host.Identity{OSName: cfg.Device.OSName, OSVersion: cfg.Device.OSVersion})
	h := host.NewHeadless(host.HeadlessOptions{
		Entry:         cfg.App.Entry,
		FrameSource:   cfg.Device.ScreenshotSource,
		DisplayWidth:  cfg.Device.DisplayWidth,
		DisplayHeight: cfg.Device.DisplayHeight,
		Logger:        logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting agent", "room", cfg.Room, "server", cfg.SocketURL(), "os", identity.OSName, "state", props.Path())
	s := &supervisor{cfg: cfg, props: props, host: h, identity: identity, sink: sink, log: logger}
	return s.run(ctx, opts.bundleURL)
}

// supervisor plays the role of the host process: every relaunch builds a
// fresh controller after running the launch path again.
type supervisor struct {
	cfg      *config.Config
	props    kv.Properties
	host     *host.Headless
	identity host.Identity
	sink     *logbuf.Sink
	log      *slog.Logger
}

func (s *supervisor) run(ctx context.Context, bundleURL string) error {
	for {
		launcher := &agent.Launcher{Props: s.props, Runtime: s.host, DataDir: s.cfg.App.DataDir, Logger: s.log}
		res := launcher.Resume(ctx)

		drops := make(chan error, 1)
		notify := func(err error) {
			select {
			case drops <- err:
			default:
			}
		}
		c, err := agent.New(agent.Options{
			Room:           s.cfg.Room,
			Name:           s.cfg.Name,
			SocketURL:      s.cfg.SocketURL(),
			BundleURL:      s.cfg.BundleURL(),
			Token:          s.cfg.Server.Token,
			RestrictTo:     s.cfg.App.RestrictTo,
			DataDir:        s.cfg.App.DataDir,
			PrivateDocsDir: s.cfg.App.PrivateDocsDir,
			FetchTimeout:   s.cfg.Fetch.Timeout,
			Identity:       s.identity,
			App:            res.App,
			Props:          s.props,
			Host:           s.host,
			Sink:           s.sink,
			Logger:         s.log,
			OnError:        notify,
			OnDisconnected: notify,
		})
		if err != nil {
			return err
		}

		if bundleURL != "" {
			c.LoadRemoteBundle(ctx, bundleURL)
			bundleURL = ""
		}

		relaunch := s.session(ctx, c, drops)
		c.Close()
		if !relaunch {
			s.log.Info("shutting down")
			return nil
		}
	}
}

// session keeps c connected until the host asks for a relaunch (true) or
// ctx ends (false).
func (s *supervisor) session(ctx context.Context, c *agent.Controller, drops <-chan error) bool {
	rc := s.cfg.Reconnect
	delay := rc.BaseDelay
	for {
		select {
		case <-s.host.Relaunches():
			return true
		default:
		}

		err := c.Connect(ctx)
		switch {
		case errors.Is(err, agent.ErrRestarting):
		case err == nil:
			delay = rc.BaseDelay
			select {
			case <-ctx.Done():
				return false
			case <-s.host.Relaunches():
				return true
			case err := <-drops:
				s.log.Warn("connection lost", "error", err)
			}
		default:
			// Already reported through OnError.
			select {
			case <-drops:
			default:
			}
		}

		if !rc.Enabled || errors.Is(err, agent.ErrRestarting) {
			select {
			case <-ctx.Done():
				return false
			case <-s.host.Relaunches():
				return true
			}
		}

		s.log.Info("reconnecting", "in", delay)
		select {
		case <-ctx.Done():
			return false
		case <-s.host.Relaunches():
			return true
		case <-time.After(delay):
		}
		delay = nextDelay(delay, rc.MaxDelay)
	}
}

func nextDelay(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		return limit
	}
	return d
}
