// Package bundle downloads application bundles from the coordination server,
// verifies them and installs them into the app data directory.
//
// Installing never crashes the caller: every failure is logged and reported
// as a Failed outcome.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/livepush/agent/internal/host"
	"github.com/livepush/agent/internal/kv"
	"github.com/livepush/agent/internal/protocol"
)

// DefaultTimeout bounds a bundle download.
const DefaultTimeout = 10 * time.Second

var (
	ErrFetch      = errors.New("bundle fetch failed")
	ErrDigest     = errors.New("bundle digest mismatch")
	ErrInstall    = errors.New("bundle install failed")
	ErrInvalidURL = errors.New("invalid bundle url")
)

// Status is the result kind of a fetch.
type Status int

const (
	Failed Status = iota
	Installed
)

func (s Status) String() string {
	if s == Installed {
		return "installed"
	}
	return "failed"
}

// Outcome reports what a fetch did.
type Outcome struct {
	Status Status
	// App is the filesystem-safe app name.
	App string
	// Path is the directory the bundle was extracted into.
	Path       string
	Descriptor *protocol.BundleDescriptor
	Digest     string
	// Err explains a Failed outcome; it wraps ErrFetch, ErrDigest or
	// ErrInstall.
	Err error
}

// OK reports whether the bundle was installed.
func (o Outcome) OK() bool { return o.Status == Installed }

// Options configures a Fetcher.
type Options struct {
	DataDir string
	Timeout time.Duration
	// Token, when set, is sent as a bearer token.
	Token  string
	Client *http.Client
	Props  kv.Properties
	Alert  host.Alerter
	Codec  Extractor
	Logger *slog.Logger
}

// Fetcher downloads and installs bundles.
type Fetcher struct {
	dataDir string
	token   string
	client  *http.Client
	props   kv.Properties
	alert   host.Alerter
	codec   Extractor
	log     *slog.Logger
}

// New returns a Fetcher writing into opts.DataDir.
func New(opts Options) *Fetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	codec := opts.Codec
	if codec == nil {
		codec = ZipCodec{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		dataDir: opts.DataDir,
		token:   opts.Token,
		client:  client,
		props:   opts.Props,
		alert:   opts.Alert,
		codec:   codec,
		log:     logger.With("component", "bundle"),
	}
}

// PathName turns a bundle name into a filesystem-safe app name.
func PathName(name string) string {
	return strings.ReplaceAll(name, " ", "_")
}

// Dir returns the extraction directory for the app called name.
func (f *Fetcher) Dir(name string) string {
	return filepath.Join(f.dataDir, PathName(name))
}

// Request identifies a bundle on the coordination server.
type Request struct {
	Name string
	// BaseURL is the server's bundle endpoint, e.g. http://host:port/bundle.
	BaseURL    string
	Room       string
	UUID       string
	Descriptor *protocol.BundleDescriptor
}

// URL returns BaseURL/room/uuid.
func (r Request) URL() string {
	return strings.TrimSuffix(r.BaseURL, "/") + "/" + url.PathEscape(r.Room) + "/" + url.PathEscape(r.UUID)
}

// Fetch downloads the bundle for req, installs it and records its version
// for req.Room.
func (f *Fetcher) Fetch(ctx context.Context, req Request) Outcome {
	return f.install(ctx, req.Name, req.URL(), req.Room, req.Descriptor)
}

// FetchURL installs a bundle addressed by a direct link such as
// livepush://host:port/path/Demo_App.zip. The app name is taken from the
// file name. Version bookkeeping applies to room when it is non-empty.
func (f *Fetcher) FetchURL(ctx context.Context, raw, room string) Outcome {
	name, u, err := ParseBundleURL(raw)
	if err != nil {
		f.showAlert("Bundle", "Invalid Bundle")
		f.log.Warn("rejected bundle url", "op", "fetch_url", "url", raw, "error", err)
		return Outcome{Status: Failed, Err: err}
	}
	return f.install(ctx, name, u, room, &protocol.BundleDescriptor{Name: name})
}

// ParseBundleURL validates a direct bundle link and returns the app name and
// the http(s) URL to download.
func ParseBundleURL(raw string) (name, httpURL string, err error) {
	if !strings.Contains(raw, ".zip") {
		return "", "", fmt.Errorf("%w: %q has no .zip", ErrInvalidURL, raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "livepush":
		u.Scheme = "http"
	case "livepushs":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	name = strings.TrimSuffix(path.Base(u.Path), ".zip")
	if name == "" || name == "." || name == "/" {
		return "", "", fmt.Errorf("%w: missing file name", ErrInvalidURL)
	}
	return name, u.String(), nil
}

func (f *Fetcher) install(ctx context.Context, name, src, room string, desc *protocol.BundleDescriptor) (out Outcome) {
	app := PathName(name)
	log := f.log.With("app", app, "url", src)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: panic: %v", ErrInstall, r)
			log.Error("bundle install panicked", "op", "install", "error", err)
			out = Outcome{Status: Failed, App: app, Descriptor: desc, Err: err}
		}
	}()

	body, err := f.download(ctx, src)
	if err != nil {
		f.showAlert("Bundle download", "Error: "+err.Error())
		log.Error("bundle download failed", "op", "download", "error", err)
		return Outcome{Status: Failed, App: app, Descriptor: desc, Err: err}
	}
	digest := Digest(body.data)
	if body.digest != "" && !strings.EqualFold(body.digest, digest) {
		err := fmt.Errorf("%w: server sent %s, got %s", ErrDigest, body.digest, digest)
		f.showAlert("Bundle download", "Error: "+err.Error())
		log.Error("bundle verification failed", "op", "verify", "error", err)
		return Outcome{Status: Failed, App: app, Descriptor: desc, Err: err}
	}

	log.Info("unpacking new bundle", "bytes", len(body.data))
	dir, err := f.unpack(app, body.data, desc.Action() == protocol.ActionPatch)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrInstall, err)
		log.Error("bundle install failed", "op", "extract", "error", err)
		return Outcome{Status: Failed, App: app, Descriptor: desc, Err: err}
	}

	if err := f.record(room, desc, digest); err != nil {
		err = fmt.Errorf("%w: %w", ErrInstall, err)
		log.Error("bundle bookkeeping failed", "op", "record", "error", err)
		return Outcome{Status: Failed, App: app, Path: dir, Descriptor: desc, Err: err}
	}

	return Outcome{Status: Installed, App: app, Path: dir, Descriptor: desc, Digest: digest}
}

type payload struct {
	data   []byte
	digest string
}

func (f *Fetcher) download(ctx context.Context, src string) (*payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: GET %s: %d %s", ErrFetch, src, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrFetch, err)
	}
	return &payload{data: data, digest: resp.Header.Get(DigestHeader)}, nil
}

// unpack writes the archive next to the app directory and extracts it. A
// patch is overlaid onto the existing directory; a full bundle is extracted
// into a staging directory that then replaces the old one, so no stale
// files survive and a failed extract leaves the previous install intact.
func (f *Fetcher) unpack(app string, data []byte, overlay bool) (string, error) {
	if err := os.MkdirAll(f.dataDir, 0o755); err != nil {
		return "", fmt.Errorf("creating data dir: %w", err)
	}
	archive := filepath.Join(f.dataDir, app+".zip")
	if err := writeFile(archive, data); err != nil {
		return "", err
	}

	target := filepath.Join(f.dataDir, app)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", target, err)
	}

	if overlay {
		if err := f.codec.Extract(archive, target, true); err != nil {
			return "", err
		}
		return target, nil
	}

	staging, err := os.MkdirTemp(f.dataDir, "."+app+".staging-*")
	if err != nil {
		return "", fmt.Errorf("creating staging dir: %w", err)
	}
	if err := f.codec.Extract(archive, staging, true); err != nil {
		os.RemoveAll(staging)
		return "", err
	}
	if err := swapDir(target, staging); err != nil {
		os.RemoveAll(staging)
		return "", err
	}
	return target, nil
}

func swapDir(target, staging string) error {
	retired := staging + ".old"
	if err := os.Rename(target, retired); err != nil {
		return fmt.Errorf("retiring %s: %w", target, err)
	}
	if err := os.Rename(staging, target); err != nil {
		if rerr := os.Rename(retired, target); rerr != nil {
			return fmt.Errorf("installing %s: %w (restore failed: %v)", target, err, rerr)
		}
		return fmt.Errorf("installing %s: %w", target, err)
	}
	return os.RemoveAll(retired)
}

func writeFile(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".archive-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing archive: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("saving archive: %w", err)
	}
	return nil
}

func (f *Fetcher) record(room string, desc *protocol.BundleDescriptor, digest string) error {
	if f.props == nil {
		return nil
	}
	if room != "" {
		key := kv.VersionKey(room)
		if desc != nil && desc.Version != "" {
			if err := f.props.SetString(key, desc.Version); err != nil {
				return err
			}
		} else if err := f.props.Remove(key); err != nil {
			return err
		}
	}
	inspector := desc != nil && desc.Inspector
	if err := f.props.SetBool(kv.KeyInspector, inspector); err != nil {
		return err
	}
	return f.props.SetString(kv.KeyDigest, digest)
}

func (f *Fetcher) showAlert(title, msg string) {
	if f.alert != nil {
		f.alert.Alert(title, msg)
	}
}
