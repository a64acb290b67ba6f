package transport

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"lovebridge/bridge/command"
	"lovebridge/bridge/common"
)

const (
	// DefaultNamespace is the namespace whose region names carry no namespace segment.
	DefaultNamespace = "default"
	// DefaultPollInterval is roughly one frame at 60Hz.
	DefaultPollInterval = 16 * time.Millisecond
	// DefaultReadyInterval is how often a polled transport checks the ready marker.
	DefaultReadyInterval = 50 * time.Millisecond
	// DefaultIOTimeout bounds a single medium operation.
	DefaultIOTimeout = 2 * time.Second
)

// Options configures the polled and stream transports.
type Options struct {
	// Namespace selects the region names on a shared medium.
	Namespace string
	// PollInterval is the cadence of outbox polls once the host is ready.
	PollInterval time.Duration
	// ReadyInterval is the cadence of ready-marker checks before the host is ready.
	ReadyInterval time.Duration
	// IOTimeout bounds each medium operation.
	IOTimeout time.Duration
	// Format is the encoding used for blobs on a byte medium.
	Format command.EncodingFormat
	// Clock drives tickers. Tests use a mock clock.
	Clock clock.Clock
	// Logger receives transport diagnostics.
	Logger *zap.Logger
	// ErrorSink receives poll and decode failures.
	ErrorSink common.ErrorSink
	// OnTick runs after each outbox poll, outside any transport lock.
	OnTick func()
	// CloseMedium makes Close also close the medium.
	CloseMedium bool
}

// NewOptions creates Options with default values.
func NewOptions() *Options {
	return &Options{
		Namespace:     DefaultNamespace,
		PollInterval:  DefaultPollInterval,
		ReadyInterval: DefaultReadyInterval,
		IOTimeout:     DefaultIOTimeout,
		Format:        command.EncodingFormatJSON,
		Clock:         clock.New(),
		Logger:        zap.NewNop(),
	}
}

// normalize fills zero fields with defaults.
func (o *Options) normalize() *Options {
	out := *o
	def := NewOptions()
	if out.Namespace == "" {
		out.Namespace = def.Namespace
	}
	if out.PollInterval <= 0 {
		out.PollInterval = def.PollInterval
	}
	if out.ReadyInterval <= 0 {
		out.ReadyInterval = def.ReadyInterval
	}
	if out.IOTimeout <= 0 {
		out.IOTimeout = def.IOTimeout
	}
	if out.Clock == nil {
		out.Clock = def.Clock
	}
	if out.Logger == nil {
		out.Logger = def.Logger
	}
	if out.ErrorSink == nil {
		out.ErrorSink = common.LogSink{Logger: out.Logger}
	}
	return &out
}

// tick runs OnTick, reporting a panic instead of propagating it.
func (o *Options) tick() {
	if o.OnTick == nil {
		return
	}
	if err := common.SafeCall(func() error {
		o.OnTick()
		return nil
	}); err != nil {
		o.ErrorSink.Report(err, "tick hook")
	}
}
