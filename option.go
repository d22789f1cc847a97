package blueberry

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Defaults documented in the command protocol notes.
const (
	defaultConnectTimeout  = 10 * time.Second
	defaultResponseTimeout = 5 * time.Second
	defaultEraseTimeout    = 10 * time.Second
	defaultWriteRetries    = 3
	defaultBackoff         = 200 * time.Millisecond
	defaultDFUSettle       = 2 * time.Second
)

type options struct {
	connectTimeout  time.Duration
	responseTimeout time.Duration
	eraseTimeout    time.Duration
	writeRetries    int
	backoff         time.Duration
	dfuSettle       time.Duration
	connMinRaw      uint16
	connMaxRaw      uint16
	passcode        string
	chunkSize       int // 0 = derive from MTU
	gapHandler      func(Gap)
	log             logrus.FieldLogger
}

func defaultOptions() options {
	return options{
		connectTimeout:  defaultConnectTimeout,
		responseTimeout: defaultResponseTimeout,
		eraseTimeout:    defaultEraseTimeout,
		writeRetries:    defaultWriteRetries,
		backoff:         defaultBackoff,
		dfuSettle:       defaultDFUSettle,
		connMinRaw:      connIntervalMinRaw,
		connMaxRaw:      connIntervalMaxRaw,
		log:             logrus.StandardLogger(),
	}
}

// An Option configures a Client.
type Option func(*options)

// WithConnectTimeout overrides the default 10 s connect timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithResponseTimeout overrides the timeout used when waiting for a command
// response or acknowledgement notification.
func WithResponseTimeout(d time.Duration) Option {
	return func(o *options) { o.responseTimeout = d }
}

// WithEraseTimeout overrides the timeout for the DFU flash erase phase.
func WithEraseTimeout(d time.Duration) Option {
	return func(o *options) { o.eraseTimeout = d }
}

// WithConnParams overrides the connection interval requested after
// connecting, in raw 1.25 ms units.
func WithConnParams(minRaw, maxRaw uint16) Option {
	return func(o *options) {
		o.connMinRaw = minRaw
		o.connMaxRaw = maxRaw
	}
}

// WithPasscode supplies the device passcode. Operations that require an
// unlocked device present it when the device reports unverified status.
func WithPasscode(pw string) Option {
	return func(o *options) { o.passcode = pw }
}

// WithDFUChunkSize overrides the MTU-derived DFU data chunk size.
func WithDFUChunkSize(n int) Option {
	return func(o *options) { o.chunkSize = n }
}

// WithGapHandler registers a callback invoked for every sequence gap seen
// while streaming real-time data.
func WithGapHandler(h func(Gap)) Option {
	return func(o *options) { o.gapHandler = h }
}

// WithLogger directs session logging to l instead of the logrus standard
// logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.log = l }
}
