package eventbus

import "time"

// LogLevel mirrors the original's custom level set, including FULL (between
// DEBUG and INFO) — see core/logging.py.
type LogLevel int

const (
	LevelDebug    LogLevel = 10
	LevelFull     LogLevel = 15
	LevelInfo     LogLevel = 20
	LevelWarning  LogLevel = 30
	LevelError    LogLevel = 40
	LevelCritical LogLevel = 50
)

// String renders the level the way log records name it.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelFull:
		return "FULL"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Kind distinguishes the three Event variants (spec.md §3).
type Kind string

const (
	KindLog        Kind = "log"
	KindProgress   Kind = "progress"
	KindConnection Kind = "connection"
)

// Event is the tagged variant published on the bus. Exactly one of the
// payload fields is meaningful, selected by Kind.
type Event struct {
	Kind      Kind
	Timestamp time.Time

	// Log fields.
	Level   LogLevel
	Job     string
	Host    string
	Message string
	Context map[string]any

	// Progress fields.
	Percent   *float64 // nil means "undef"
	Current   int
	Total     int
	Item      string
	Heartbeat bool

	// Connection fields.
	Status  string // "connected" | "disconnected"
	Latency *float64
}

// NewLog builds a Log event.
func NewLog(level LogLevel, job, host, message string, ctx map[string]any) Event {
	return Event{
		Kind:      KindLog,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Job:       job,
		Host:      host,
		Message:   message,
		Context:   ctx,
	}
}

// NewProgress builds a Progress event. percent == nil means undefined.
func NewProgress(job string, percent *float64, current, total int, item string, heartbeat bool) Event {
	return Event{
		Kind:      KindProgress,
		Timestamp: time.Now().UTC(),
		Job:       job,
		Percent:   percent,
		Current:   current,
		Total:     total,
		Item:      item,
		Heartbeat: heartbeat,
	}
}

// NewConnection builds a Connection event.
func NewConnection(status string, latency *float64) Event {
	return Event{
		Kind:      KindConnection,
		Timestamp: time.Now().UTC(),
		Status:    status,
		Latency:   latency,
	}
}
