// Package linux implements the blueberry Transport on top of the BlueZ
// HCI socket, via the rigado/ble central stack.
package linux

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rigado/ble"
	"github.com/rigado/ble/linux"
	"github.com/rigado/ble/linux/hci/cmd"
	"github.com/sirupsen/logrus"

	blueberry "github.com/lohmega/jamble"
)

// Transport owns one HCI device. A single Transport can dial multiple
// devices, but each Link belongs to exactly one session.
type Transport struct {
	dev        *linux.Device
	connMinRaw uint16
	connMaxRaw uint16
	log        logrus.FieldLogger
}

type config struct {
	hciID      int
	dialTO     time.Duration
	connMinRaw uint16
	connMaxRaw uint16
	log        logrus.FieldLogger
}

// An Option configures the Transport.
type Option func(*config)

// WithDeviceID selects the HCI device (hciN). -1 picks the first usable one.
func WithDeviceID(n int) Option {
	return func(c *config) { c.hciID = n }
}

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) { c.dialTO = d }
}

// WithConnParams sets the connection interval used when dialing, in raw
// 1.25 ms units. The logger firmware expects 80-160 (100-200 ms).
func WithConnParams(minRaw, maxRaw uint16) Option {
	return func(c *config) {
		c.connMinRaw = minRaw
		c.connMaxRaw = maxRaw
	}
}

// WithLogger directs adapter logging to l.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *config) { c.log = l }
}

// NewTransport opens the HCI device. The connection interval is fixed at
// dial time: BlueZ offers no portable per-link renegotiation, so the
// desired interval is part of the LE create-connection command.
func NewTransport(opts ...Option) (*Transport, error) {
	c := config{
		hciID:      -1,
		dialTO:     10 * time.Second,
		connMinRaw: 80,
		connMaxRaw: 160,
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(&c)
	}

	dev, err := linux.NewDevice(
		ble.OptTransportHCISocket(c.hciID),
		ble.OptDialerTimeout(c.dialTO),
		ble.OptConnParams(cmd.LECreateConnection{
			LEScanInterval:        0x0060,
			LEScanWindow:          0x0060,
			InitiatorFilterPolicy: 0x00,
			PeerAddressType:       0x00,
			OwnAddressType:        0x00,
			ConnIntervalMin:       c.connMinRaw,
			ConnIntervalMax:       c.connMaxRaw,
			ConnLatency:           0x0000,
			SupervisionTimeout:    0x0100,
			MinimumCELength:       0x0000,
			MaximumCELength:       0x0000,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("open hci device: %w", err)
	}
	return &Transport{
		dev:        dev,
		connMinRaw: c.connMinRaw,
		connMaxRaw: c.connMaxRaw,
		log:        c.log,
	}, nil
}

// Close releases the HCI device.
func (t *Transport) Close() error { return t.dev.Stop() }

// Scan reports advertising devices until d elapses or ctx is done.
func (t *Transport) Scan(ctx context.Context, d time.Duration, h blueberry.AdvHandler) error {
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	err := t.dev.Scan(ctx, false, func(a ble.Advertisement) {
		h(blueberry.Advertisement{
			Addr:     a.Addr().String(),
			Name:     a.LocalName(),
			RSSI:     a.RSSI(),
			Services: fromBLEUUIDs(a.Services()),
		})
	})
	// Scan ends by deadline or cancellation; neither is a failure.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Dial connects to addr, negotiates the MTU and discovers the GATT
// profile. The returned Link carries the full characteristic inventory.
func (t *Transport) Dial(ctx context.Context, addr string) (blueberry.Link, error) {
	cln, err := t.dev.Dial(ctx, ble.NewAddr(addr))
	if err != nil {
		return nil, err
	}

	// Larger MTU speeds up log transfer and DFU. Best effort; the default
	// of 23 still works.
	if _, err := cln.ExchangeMTU(247); err != nil {
		t.log.WithError(err).Debug("MTU exchange failed, using default")
	}

	profile, err := cln.DiscoverProfile(true)
	if err != nil {
		cln.CancelConnection()
		return nil, fmt.Errorf("gatt discovery: %w", err)
	}

	l := &link{
		cln:        cln,
		connMinRaw: t.connMinRaw,
		connMaxRaw: t.connMaxRaw,
		chars:      make(map[uuid.UUID]*ble.Characteristic),
		log:        t.log.WithField("addr", addr),
	}
	for _, svc := range profile.Services {
		for _, chr := range svc.Characteristics {
			l.chars[fromBLEUUID(chr.UUID)] = chr
		}
	}
	return l, nil
}

// link adapts one ble.Client connection to the blueberry Link contract.
type link struct {
	cln        ble.Client
	connMinRaw uint16
	connMaxRaw uint16
	chars      map[uuid.UUID]*ble.Characteristic
	log        logrus.FieldLogger
}

func (l *link) Characteristics() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(l.chars))
	for u := range l.chars {
		out = append(out, u)
	}
	return out
}

func (l *link) find(u uuid.UUID) (*ble.Characteristic, error) {
	c, ok := l.chars[u]
	if !ok {
		return nil, fmt.Errorf("characteristic %s not present", u)
	}
	return c, nil
}

func (l *link) Read(u uuid.UUID) ([]byte, error) {
	c, err := l.find(u)
	if err != nil {
		return nil, err
	}
	b, err := l.cln.ReadCharacteristic(c)
	if err != nil {
		return nil, mapErr(err, blueberry.ErrReadTimeout)
	}
	return b, nil
}

func (l *link) Write(u uuid.UUID, b []byte) error {
	c, err := l.find(u)
	if err != nil {
		return err
	}
	if err := l.cln.WriteCharacteristic(c, b, false); err != nil {
		return mapErr(err, blueberry.ErrWriteTimeout)
	}
	return nil
}

func (l *link) Subscribe(u uuid.UUID, h blueberry.NotificationHandler) error {
	c, err := l.find(u)
	if err != nil {
		return err
	}
	return l.cln.Subscribe(c, false, func(_ uint, b []byte) { h(b) })
}

func (l *link) Unsubscribe(u uuid.UUID) error {
	c, err := l.find(u)
	if err != nil {
		return err
	}
	return l.cln.Unsubscribe(c, false)
}

// RequestConnParams reports whether the interval negotiated at dial time
// already satisfies the request. HCI exposes no per-link renegotiation
// from here; hosts needing other values reconfigure the adapter before
// connecting.
func (l *link) RequestConnParams(minMS, maxMS uint16) bool {
	haveMin := uint16(float64(l.connMinRaw) * 1.25)
	haveMax := uint16(float64(l.connMaxRaw) * 1.25)
	ok := haveMin >= minMS && haveMax <= maxMS
	if !ok {
		l.log.Debugf("dial-time conn interval %d-%d ms outside requested %d-%d ms",
			haveMin, haveMax, minMS, maxMS)
	}
	return ok
}

func (l *link) MTU() int {
	return l.cln.Conn().TxMTU()
}

func (l *link) Disconnect() error {
	return l.cln.CancelConnection()
}

// mapErr folds transport timeouts into the protocol error the session
// retry policy understands.
func mapErr(err error, timeout error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", timeout, err)
	}
	return err
}

// fromBLEUUID converts a ble byte-reversed UUID to canonical form. 16-bit
// SIG UUIDs are expanded onto the Bluetooth base.
func fromBLEUUID(u ble.UUID) uuid.UUID {
	s := u.String()
	if len(s) == 4 {
		s = "0000" + s + "-0000-1000-8000-00805f9b34fb"
	}
	out, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return out
}

func fromBLEUUIDs(us []ble.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(us))
	for _, u := range us {
		out = append(out, fromBLEUUID(u))
	}
	return out
}
