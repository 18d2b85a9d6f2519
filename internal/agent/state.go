package agent

// State is where the controller is in its lifecycle.
type State int

const (
	Idle State = iota
	Joining
	Joined
	// Running means an app is loaded and the session is joined.
	Running
	SpecRunning
	Clearing
	// Restarting is terminal: the controller ignores every later command.
	Restarting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Running:
		return "running"
	case SpecRunning:
		return "spec_running"
	case Clearing:
		return "clearing"
	case Restarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// ConnState is the state of the session's socket.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Failed
)

func (c ConnState) String() string {
	switch c {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session describes this agent to the coordination server.
type Session struct {
	Room       string
	ClientName string
	UUID       string
	OSName     string
	OSVersion  string
	AppVersion string
	Conn       ConnState
}

// AppSlot is the app currently loaded, if any.
type AppSlot struct {
	// Name is the filesystem-safe app name.
	Name string
	Dir  string
}

// Empty reports whether no app is loaded.
func (a AppSlot) Empty() bool { return a.Name == "" }
