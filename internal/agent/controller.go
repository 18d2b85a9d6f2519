// Package agent ties the pieces together: it owns the session with the
// coordination server, dispatches commands to the bundle fetcher, cache and
// host, and drives the restart that activates a new bundle.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/livepush/agent/internal/bundle"
	"github.com/livepush/agent/internal/cache"
	"github.com/livepush/agent/internal/host"
	"github.com/livepush/agent/internal/kv"
	"github.com/livepush/agent/internal/logbuf"
	"github.com/livepush/agent/internal/protocol"
	"github.com/livepush/agent/internal/target"
	"github.com/livepush/agent/internal/transport"
)

// ErrRestarting is returned by Connect once the controller has begun a
// restart. A fresh controller must be built after the relaunch.
var ErrRestarting = errors.New("agent is restarting")

// Options configures a Controller.
type Options struct {
	Room string
	Name string
	// SocketURL is the WebSocket endpoint, e.g. ws://host:port/ws.
	SocketURL string
	// BundleURL is the bundle endpoint base, e.g. http://host:port/bundle.
	BundleURL string
	Token     string
	// RestrictTo, when set, ignores bundles for any other app name.
	RestrictTo     string
	DataDir        string
	PrivateDocsDir string
	// AppVersion overrides the persisted host app version in the join.
	AppVersion   string
	FetchTimeout time.Duration
	Identity     host.Identity
	// App is the app the launcher loaded before connecting.
	App AppSlot

	Props  kv.Properties
	Host   host.Host
	Sink   *logbuf.Sink
	Logger *slog.Logger

	// Reconnection is the caller's policy; these only report.
	OnConnected    func()
	OnError        func(err error)
	OnDisconnected func(err error)
}

// Controller is the session controller. At most one should be live per
// process.
type Controller struct {
	opts    Options
	props   kv.Properties
	host    host.Host
	sink    *logbuf.Sink
	filter  target.Filter
	fetcher *bundle.Fetcher
	cache   *cache.Manager
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	session  Session
	app      AppSlot
	specApp  string
	channel  *transport.Channel
	buffer   *logbuf.Buffer
	shutdown []func()
}

// New builds a controller. The installation UUID is created if missing.
func New(opts Options) (*Controller, error) {
	if opts.Props == nil {
		return nil, errors.New("agent: Props is required")
	}
	if opts.Host == nil {
		return nil, errors.New("agent: Host is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = logbuf.NewSink()
	}
	id, err := kv.EnsureUUID(opts.Props)
	if err != nil {
		return nil, fmt.Errorf("agent: storing uuid: %w", err)
	}
	appVersion := opts.AppVersion
	if appVersion == "" {
		appVersion = opts.Props.GetString(kv.KeyAppVersion, "")
	}

	filter := target.New(opts.Identity.OSName)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		opts:   opts,
		props:  opts.Props,
		host:   opts.Host,
		sink:   sink,
		filter: filter,
		log:    logger.With("component", "agent"),
		ctx:    ctx,
		cancel: cancel,
		app:    opts.App,
		session: Session{
			Room:       opts.Room,
			ClientName: opts.Name,
			UUID:       id,
			OSName:     opts.Identity.OSName,
			OSVersion:  opts.Identity.OSVersion,
			AppVersion: appVersion,
		},
	}
	c.fetcher = bundle.New(bundle.Options{
		DataDir: opts.DataDir,
		Timeout: opts.FetchTimeout,
		Token:   opts.Token,
		Props:   opts.Props,
		Alert:   opts.Host,
		Logger:  logger,
	})
	c.cache = cache.New(cache.Options{
		Props:  opts.Props,
		Dirs:   cache.Directories(opts.DataDir, opts.PrivateDocsDir, filter.Family()),
		Closer: c,
		Logger: logger,
	})
	return c, nil
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a snapshot of the session description.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// App returns the loaded app slot.
func (c *Controller) App() AppSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.app
}

// SpecApp returns the app whose test suite last ran, if any.
func (c *Controller) SpecApp() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.specApp
}

// OnShutdown registers fn to run when a restart begins, before the socket is
// closed.
func (c *Controller) OnShutdown(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = append(c.shutdown, fn)
}

// Connect tears down any existing channel and opens a new one. The join
// carries the version last installed for this room.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Restarting {
		c.mu.Unlock()
		return ErrRestarting
	}
	old := c.channel
	c.channel = nil
	c.mu.Unlock()
	if old != nil {
		old.Disconnect()
	}

	id, err := kv.EnsureUUID(c.props)
	if err != nil {
		return fmt.Errorf("storing uuid: %w", err)
	}

	var header http.Header
	if c.opts.Token != "" {
		header = http.Header{"Authorization": {"Bearer " + c.opts.Token}}
	}

	// Events logged once this channel is gone queue up for the next join.
	buf := c.sink.Renew()
	var ch *transport.Channel
	ch = transport.New(c.opts.SocketURL, transport.Handlers{
		Connected: func() { c.onConnected(ch) },
		Failed: func(err error) {
			c.sink.Retire(buf)
			c.onFailed(ch, err)
		},
		Disconnected: func(err error) {
			c.sink.Retire(buf)
			c.onDisconnected(ch, err)
		},
		Message: c.dispatch,
	}, transport.Options{
		Header: header,
		Buffer: buf,
		Logger: c.log,
	})

	c.mu.Lock()
	c.channel = ch
	c.buffer = buf
	c.state = Joining
	c.session.UUID = id
	c.session.Conn = Connecting
	s := c.session
	c.mu.Unlock()

	join := protocol.Join{
		Name:      s.ClientName,
		UUID:      s.UUID,
		OSName:    s.OSName,
		OSVersion: s.OSVersion,
		Room:      s.Room,
		Version:   kv.Version(c.props, s.Room),
	}
	if s.AppVersion != "" {
		v := s.AppVersion
		join.AppVersion = &v
	}
	return ch.Connect(ctx, join)
}

// Close disconnects without restarting. Nothing is reported afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	ch, buf := c.channel, c.buffer
	c.channel = nil
	if c.state != Restarting {
		c.state = Idle
	}
	c.session.Conn = Disconnected
	c.mu.Unlock()
	c.cancel()
	if ch != nil {
		ch.Disconnect()
	}
	c.sink.Retire(buf)
}

func (c *Controller) onConnected(ch *transport.Channel) {
	c.mu.Lock()
	if c.channel != ch {
		c.mu.Unlock()
		return
	}
	c.session.Conn = Connected
	if c.state == Joining {
		c.state = Joined
		if !c.app.Empty() {
			c.state = Running
		}
	}
	s := c.session
	c.mu.Unlock()
	c.log.Info("joined", "room", s.Room, "name", s.ClientName, "uuid", s.UUID)
	if c.opts.OnConnected != nil {
		c.opts.OnConnected()
	}
}

func (c *Controller) onFailed(ch *transport.Channel, err error) {
	c.mu.Lock()
	if c.channel != ch {
		c.mu.Unlock()
		return
	}
	c.session.Conn = Failed
	if c.state != Restarting {
		c.state = Idle
	}
	c.mu.Unlock()
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}

func (c *Controller) onDisconnected(ch *transport.Channel, err error) {
	c.mu.Lock()
	if c.channel != ch {
		c.mu.Unlock()
		return
	}
	c.session.Conn = Disconnected
	restarting := c.state == Restarting
	if !restarting {
		c.state = Idle
	}
	c.mu.Unlock()
	if restarting {
		return
	}
	if c.opts.OnDisconnected != nil {
		c.opts.OnDisconnected(err)
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Restarting {
		c.state = s
	}
}

// settle returns to the joined state after a command that did not restart.
func (c *Controller) settle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Restarting || c.session.Conn != Connected {
		return
	}
	c.state = Joined
	if !c.app.Empty() {
		c.state = Running
	}
}

// dispatch handles one inbound command. It runs on the channel's read loop,
// so commands are handled strictly in arrival order.
func (c *Controller) dispatch(env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("command handler panicked", "type", env.Type, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if c.State() == Restarting {
		c.log.Debug("restarting, dropping command", "type", env.Type)
		return
	}

	switch env.Type {
	case protocol.MsgMessage:
		var ev protocol.Eval
		if !c.decode(env, &ev) || !c.targeted(env.Type, ev.Platform) {
			return
		}
		if err := c.host.Eval(c.ctx, ev.Code); err != nil {
			c.log.Error("eval failed", "op", "message", "error", err)
		}

	case protocol.MsgBundle:
		var d protocol.BundleDescriptor
		if !c.decode(env, &d) || !c.targeted(env.Type, d.Platform) {
			return
		}
		c.handleBundle(&d)

	case protocol.MsgClear:
		var cmd protocol.Command
		if !c.decode(env, &cmd) || !c.targeted(env.Type, cmd.Platform) {
			return
		}
		c.ClearCache(true)

	case protocol.MsgClose:
		var cmd protocol.Command
		if !c.decode(env, &cmd) || !c.targeted(env.Type, cmd.Platform) {
			return
		}
		c.CloseApp()

	case protocol.MsgScreenshot:
		var cmd protocol.Command
		if !c.decode(env, &cmd) || !c.targeted(env.Type, cmd.Platform) {
			return
		}
		if err := c.screenshot(cmd.Scale); err != nil {
			c.log.Error("screenshot failed", "op", "screenshot", "error", err)
		}

	default:
		c.log.Debug("ignoring message", "type", env.Type)
	}
}

func (c *Controller) decode(env protocol.Envelope, out any) bool {
	if err := env.Decode(out); err != nil {
		c.log.Warn("dropping command", "type", env.Type, "error", err)
		return false
	}
	return true
}

func (c *Controller) targeted(t protocol.MessageType, p protocol.PlatformFilter) bool {
	if c.filter.IsTarget(p) {
		return true
	}
	c.log.Debug("not targeted at this device", "type", t, "platform", []string(p))
	return false
}

func (c *Controller) handleBundle(d *protocol.BundleDescriptor) {
	if r := c.opts.RestrictTo; r != "" && r != d.Name {
		c.log.Info(fmt.Sprintf("App Bundle %s is not for this app: %s", d.Name, r))
		return
	}
	if d.Locale != "" {
		if err := c.props.SetString(kv.KeyLocale, d.Locale); err != nil {
			c.log.Warn("storing locale", "error", err)
		}
	}

	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	out := c.fetcher.Fetch(c.ctx, bundle.Request{
		Name:       d.Name,
		BaseURL:    c.opts.BundleURL,
		Room:       s.Room,
		UUID:       s.UUID,
		Descriptor: d,
	})
	c.apply(out)
}

// apply routes an installed bundle: a spec run, a hot patch or a relaunch
// into the new app. A failed outcome changes nothing.
func (c *Controller) apply(out bundle.Outcome) {
	if !out.OK() {
		c.log.Warn("bundle not installed", "app", out.App, "error", out.Err)
		return
	}
	d := out.Descriptor
	switch d.Action() {
	case protocol.ActionSpec:
		c.mu.Lock()
		if c.state != Restarting {
			c.state = SpecRunning
		}
		c.specApp = out.App
		c.mu.Unlock()
		c.log.Info("running specs", "app", out.App)
		if err := c.host.RunSpec(c.ctx, out.Path, *d.Spec); err != nil {
			c.log.Error("spec run failed", "op", "spec", "app", out.App, "error", err)
		}
		c.settle()

	case protocol.ActionPatch:
		c.host.Invalidate(d.Patch.Files)
		c.log.Info("patched", "app", out.App, "files", len(d.Patch.Files))

	default:
		c.NextApp(out.App)
	}
}

// LoadRemoteBundle installs a bundle from a direct link and relaunches into
// it. It does not need a live session.
func (c *Controller) LoadRemoteBundle(ctx context.Context, rawURL string) bundle.Outcome {
	c.mu.Lock()
	room := c.session.Room
	c.mu.Unlock()
	out := c.fetcher.FetchURL(ctx, rawURL, room)
	if out.OK() {
		c.NextApp(out.App)
	}
	return out
}

// ClearCache wipes agent state and app data. With restartAfter the app is
// closed and the host relaunched.
func (c *Controller) ClearCache(restartAfter bool) cache.Report {
	c.setState(Clearing)
	rep := c.cache.Clear(restartAfter)
	if !restartAfter {
		c.settle()
	}
	return rep
}

// CloseApp unloads the current app and restarts into no app.
func (c *Controller) CloseApp() {
	if err := c.props.SetString(kv.KeyCurrentApp, ""); err != nil {
		c.log.Warn("clearing current app", "error", err)
	}
	c.mu.Lock()
	c.app = AppSlot{}
	c.mu.Unlock()
	c.restart()
}

// NextApp makes name the current app and restarts into it.
func (c *Controller) NextApp(name string) {
	app := bundle.PathName(name)
	if err := c.props.SetString(kv.KeyCurrentApp, app); err != nil {
		c.log.Warn("storing current app", "error", err)
	}
	c.mu.Lock()
	c.app = AppSlot{Name: app, Dir: filepath.Join(c.opts.DataDir, app)}
	c.mu.Unlock()
	c.restart()
}

// restart is terminal for this controller. Android hosts tear their own UI
// down on relaunch, so UI and app state are only cleared elsewhere.
func (c *Controller) restart() {
	c.mu.Lock()
	if c.state == Restarting {
		c.mu.Unlock()
		return
	}
	c.state = Restarting
	hooks := append([]func(){}, c.shutdown...)
	ch, buf := c.channel, c.buffer
	c.mu.Unlock()

	if err := c.props.SetBool(kv.KeyReconnect, true); err != nil {
		c.log.Warn("storing reconnect flag", "error", err)
	}
	for _, fn := range hooks {
		fn()
	}
	if ch != nil {
		ch.Disconnect()
	}
	c.sink.Retire(buf)
	if c.filter.Family() != "android" {
		c.host.CloseAllUI()
		c.host.ClearAppState()
	}
	c.log.Info("relaunching", "app", c.App().Name)
	c.host.Relaunch()
}

func (c *Controller) screenshot(scale float64) error {
	img, err := c.host.Capture()
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if scale > 0 {
		w, h := c.host.DisplaySize()
		img = c.host.Resize(img, int(float64(w)*scale), int(float64(h)*scale))
	}
	data, err := c.host.EncodeBase64(img)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return transport.ErrNotConnected
	}
	return ch.Send(protocol.MsgScreenshotTaken, protocol.ScreenshotTaken{Image: data})
}
