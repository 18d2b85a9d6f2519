package host

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/livepush/agent/internal/protocol"
)

// ErrEvalUnsupported is returned by the headless evaluator.
var ErrEvalUnsupported = errors.New("script evaluation not supported by headless host")

// HeadlessOptions configures a Headless host.
type HeadlessOptions struct {
	// Entry is the bundle's entry module, relative to the app directory.
	Entry string
	// FrameSource is a PNG used as the captured frame. Empty captures a
	// blank frame of the display size.
	FrameSource   string
	DisplayWidth  int
	DisplayHeight int
	Logger        *slog.Logger
}

// Headless is a host without a UI. Relaunch requests are delivered on the
// channel returned by Relaunches so the caller can rebuild the agent.
type Headless struct {
	opts     HeadlessOptions
	log      *slog.Logger
	relaunch chan struct{}

	mu          sync.Mutex
	loaded      string
	locale      string
	invalidated [][]string
}

// NewHeadless returns a headless host.
func NewHeadless(opts HeadlessOptions) *Headless {
	if opts.Entry == "" {
		opts.Entry = "app.js"
	}
	if opts.DisplayWidth <= 0 {
		opts.DisplayWidth = 1080
	}
	if opts.DisplayHeight <= 0 {
		opts.DisplayHeight = 1920
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Headless{
		opts:     opts,
		log:      logger.With("component", "host"),
		relaunch: make(chan struct{}, 1),
	}
}

// Relaunches delivers one value per relaunch request.
func (h *Headless) Relaunches() <-chan struct{} { return h.relaunch }

func (h *Headless) Relaunch() {
	h.log.Info("relaunch requested")
	select {
	case h.relaunch <- struct{}{}:
	default:
	}
}

func (h *Headless) CloseAllUI()    { h.log.Debug("closing all UI") }
func (h *Headless) ClearAppState() { h.log.Debug("clearing in-memory app state") }

func (h *Headless) Capture() (image.Image, error) {
	if h.opts.FrameSource == "" {
		img := image.NewRGBA(image.Rect(0, 0, h.opts.DisplayWidth, h.opts.DisplayHeight))
		for i := range img.Pix {
			img.Pix[i] = 0xff
		}
		return img, nil
	}
	f, err := os.Open(h.opts.FrameSource)
	if err != nil {
		return nil, fmt.Errorf("opening frame source: %w", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding frame source: %w", err)
	}
	return img, nil
}

// Resize scales img to width x height with nearest-neighbour sampling.
func (h *Headless) Resize(img image.Image, width, height int) image.Image {
	if width <= 0 || height <= 0 {
		return img
	}
	src := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		sy := src.Min.Y + y*src.Dy()/height
		for x := range width {
			sx := src.Min.X + x*src.Dx()/width
			dst.Set(x, y, color.RGBAModel.Convert(img.At(sx, sy)))
		}
	}
	return dst
}

func (h *Headless) EncodeBase64(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encoding png: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (h *Headless) DisplaySize() (int, int) {
	return h.opts.DisplayWidth, h.opts.DisplayHeight
}

func (h *Headless) Eval(_ context.Context, code string) error {
	h.log.Info("eval requested", "bytes", len(code))
	return ErrEvalUnsupported
}

func (h *Headless) Alert(title, message string) {
	h.log.Warn(message, "alert", title)
}

func (h *Headless) Load(_ context.Context, appDir string) error {
	entry := filepath.Join(appDir, h.opts.Entry)
	if _, err := os.Stat(entry); err != nil {
		return fmt.Errorf("loading entry module: %w", err)
	}
	h.mu.Lock()
	h.loaded = appDir
	h.mu.Unlock()
	h.log.Info("entry module loaded", "entry", entry)
	return nil
}

func (h *Headless) Invalidate(files []string) {
	h.mu.Lock()
	h.invalidated = append(h.invalidated, append([]string(nil), files...))
	h.mu.Unlock()
	if len(files) == 0 {
		h.log.Debug("module cache cleared")
		return
	}
	h.log.Info("module cache invalidated", "files", files)
}

func (h *Headless) RunSpec(_ context.Context, appDir string, opts protocol.SpecOptions) error {
	if _, err := os.Stat(appDir); err != nil {
		return fmt.Errorf("running spec: %w", err)
	}
	h.log.Info("spec run requested",
		"app_dir", appDir,
		"type", opts.Type,
		"junitxml", opts.JUnitXML,
		"coverage", opts.RunCoverage,
	)
	return nil
}

func (h *Headless) SetLocale(locale string) {
	h.mu.Lock()
	h.locale = locale
	h.mu.Unlock()
}

// Loaded returns the directory of the last loaded app.
func (h *Headless) Loaded() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loaded
}

// Locale returns the locale last applied.
func (h *Headless) Locale() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.locale
}
