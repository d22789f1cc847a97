package blueberry

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// NotificationHandler is called for each value notification received on a
// subscribed characteristic. The slice is only valid for the duration of
// the call.
type NotificationHandler func(data []byte)

// Advertisement is a single advertising report seen during a scan.
type Advertisement struct {
	Addr     string
	Name     string
	RSSI     int
	Services []uuid.UUID
}

// AdvHandler is called for each advertisement seen during a scan.
type AdvHandler func(a Advertisement)

// A Transport provides access to the host Bluetooth adapter. The core never
// talks to the OS stack directly; implementations live outside this package
// (see the linux package).
type Transport interface {
	// Scan reports advertising devices until ctx is done or d elapses.
	Scan(ctx context.Context, d time.Duration, h AdvHandler) error

	// Dial connects to the device at addr. The returned Link is owned
	// exclusively by the caller.
	Dial(ctx context.Context, addr string) (Link, error)
}

// A Link is one established connection to a device. It is owned by exactly
// one session at a time and is closed deterministically at the end of every
// command, whatever the outcome.
type Link interface {
	// Characteristics returns the UUIDs of all characteristics discovered
	// on the device. The session derives its capability set from this,
	// never from runtime probing.
	Characteristics() []uuid.UUID

	// Read reads the current value of a characteristic.
	Read(u uuid.UUID) ([]byte, error)

	// Write writes to a characteristic using write-with-response; it
	// returns once the device has acknowledged the write.
	Write(u uuid.UUID, b []byte) error

	// Subscribe enables value notifications on a characteristic. The
	// handler is invoked from the transport's delivery goroutine; it must
	// not block.
	Subscribe(u uuid.UUID, h NotificationHandler) error

	// Unsubscribe disables notifications previously enabled by Subscribe.
	// At the GATT level this is a CCCD write.
	Unsubscribe(u uuid.UUID) error

	// RequestConnParams asks the host to renegotiate the connection
	// interval (milliseconds). Best effort: false means the request was
	// not honored, which degrades throughput but is not an error.
	RequestConnParams(minMS, maxMS uint16) bool

	// MTU returns the negotiated ATT MTU.
	MTU() int

	// Disconnect tears down the connection. Idempotent.
	Disconnect() error
}
