package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/livepush/agent/internal/protocol"
)

var (
	colorDimmed = lipgloss.Color("#6b7280")
	colorJoin   = lipgloss.Color("#7c3aed")
	colorLog    = lipgloss.Color("#2563eb")
	colorShot   = lipgloss.Color("#16a34a")
	colorWarn   = lipgloss.Color("#d97706")
	colorError  = lipgloss.Color("#dc2626")
)

const maxMessage = 160

// Console prints agent events as one styled line each. Colors are dropped
// automatically when w is not a terminal.
type Console struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time

	dimmed lipgloss.Style
	kind   lipgloss.Style
	r      *lipgloss.Renderer
}

// NewConsole returns a Console writing to w.
func NewConsole(w io.Writer) *Console {
	r := lipgloss.NewRenderer(w)
	return &Console{
		w:      w,
		now:    time.Now,
		r:      r,
		dimmed: r.NewStyle().Foreground(colorDimmed),
		kind:   r.NewStyle().Width(5),
	}
}

// Run prints events until ctx ends or events is closed.
func (c *Console) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.Print(ev)
		}
	}
}

// Print writes one event.
func (c *Console) Print(ev Event) {
	line := c.format(ev)
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, line)
}

func (c *Console) format(ev Event) string {
	ts := c.dimmed.Render(c.now().Format("15:04:05.000"))
	who := c.dimmed.Render(ev.Room + "/" + shortID(ev.UUID))

	var kind, body string
	switch ev.Type {
	case protocol.MsgJoin:
		var j protocol.Join
		json.Unmarshal(ev.Payload, &j)
		kind = c.kind.Foreground(colorJoin).Render("join")
		body = fmt.Sprintf("%s (%s %s)", j.Name, j.OSName, j.OSVersion)
		if j.Version != nil {
			body += " version=" + *j.Version
		}
	case protocol.MsgLog:
		var le protocol.LogEvent
		json.Unmarshal(ev.Payload, &le)
		kind = c.kind.Foreground(colorLog).Render("log")
		level := strings.ToUpper(le.Level)
		if color, ok := levelColor(le.Level); ok {
			level = c.r.NewStyle().Foreground(color).Render(level)
		}
		body = level + " " + truncate(le.Message, maxMessage)
	case protocol.MsgScreenshotTaken:
		var s protocol.ScreenshotTaken
		json.Unmarshal(ev.Payload, &s)
		kind = c.kind.Foreground(colorShot).Render("shot")
		body = fmt.Sprintf("%d bytes base64", len(s.Image))
	default:
		kind = c.kind.Foreground(colorDimmed).Render(truncate(string(ev.Type), 5))
		body = truncate(string(ev.Payload), maxMessage)
	}
	return ts + " " + kind + " " + who + " " + body
}

func levelColor(level string) (lipgloss.Color, bool) {
	switch strings.ToLower(level) {
	case "warn", "warning":
		return colorWarn, true
	case "error":
		return colorError, true
	}
	return "", false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
