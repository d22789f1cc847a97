package blueberry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Phase is the session engine state. One session exists per command
// invocation; phases advance strictly forward except for the jump to
// PhaseError.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseNegotiating
	PhaseReady
	PhaseExecuting
	PhaseDisconnecting
	PhaseClosed
	PhaseError
)

var phaseName = map[Phase]string{
	PhaseIdle:          "idle",
	PhaseConnecting:    "connecting",
	PhaseConnected:     "connected",
	PhaseNegotiating:   "negotiating",
	PhaseReady:         "ready",
	PhaseExecuting:     "executing",
	PhaseDisconnecting: "disconnecting",
	PhaseClosed:        "closed",
	PhaseError:         "error",
}

func (p Phase) String() string { return phaseName[p] }

// notifTimeout bounds the wait for the next stream notification during a
// fetch. The device pushes continuously while a transfer is active, so a
// silent link this long means the transfer died.
const notifTimeout = 10 * time.Second

// advNameHint matches devices that advertise no service list.
const advNameHint = "BlueBerry"

// A Client executes logger commands over a Transport. It holds no mutable
// state across invocations; every command runs its own session on its own
// Link.
type Client struct {
	tr  Transport
	opt options
}

// New returns a Client using the given transport.
func New(tr Transport, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{tr: tr, opt: o}
}

// session is the per-invocation protocol state machine.
type session struct {
	c     *Client
	op    string
	addr  string
	link  Link
	caps  map[uuid.UUID]bool
	phase Phase
	log   *logrus.Entry
}

// run executes fn inside a fully managed session: connect, negotiate
// connection parameters, execute, disconnect. The Link is released on
// every path, and disconnect is attempted exactly once whatever the
// outcome of fn.
func (c *Client) run(ctx context.Context, op, addr string, fn func(context.Context, *session) error) error {
	s := &session{
		c:     c,
		op:    op,
		addr:  addr,
		phase: PhaseIdle,
		log:   c.opt.log.WithFields(logrus.Fields{"op": op, "addr": addr}),
	}

	s.phase = PhaseConnecting
	dialCtx, cancel := context.WithTimeout(ctx, c.opt.connectTimeout)
	link, err := c.tr.Dial(dialCtx, addr)
	cancel()
	if err != nil {
		s.phase = PhaseError
		return s.wrap(fmt.Errorf("%w: %v", ErrConnectFailed, err))
	}
	s.link = link

	s.phase = PhaseConnected
	s.caps = make(map[uuid.UUID]bool)
	for _, u := range link.Characteristics() {
		s.caps[u] = true
	}

	// Best effort: a failed negotiation degrades throughput, it does not
	// abort the session.
	s.phase = PhaseNegotiating
	minMS := uint16(float64(c.opt.connMinRaw) * connIntervalUnitMS)
	maxMS := uint16(float64(c.opt.connMaxRaw) * connIntervalUnitMS)
	if !link.RequestConnParams(minMS, maxMS) {
		s.log.Warnf("connection parameter update (%d-%d ms) not honored", minMS, maxMS)
	}

	s.phase = PhaseReady
	s.phase = PhaseExecuting
	err = fn(ctx, s)

	s.phase = PhaseDisconnecting
	if derr := link.Disconnect(); derr != nil {
		// Cleanup is never fatal to the reported result.
		s.log.WithError(derr).Warn("disconnect failed")
	}

	if err != nil {
		s.phase = PhaseError
		return s.wrap(err)
	}
	s.phase = PhaseClosed
	return nil
}

func (s *session) wrap(err error) error {
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Op: s.op, Addr: s.addr, Phase: s.phase, Err: err}
}

// require resolves op and checks it against the capability set discovered
// at connect time. Older firmware lacking a characteristic yields
// ErrUnsupportedByDevice before any write is attempted.
func (s *session) require(op Operation) (Descriptor, error) {
	d, err := Resolve(op)
	if err != nil {
		return Descriptor{}, err
	}
	if !s.caps[d.UUID] {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnsupportedByDevice, op)
	}
	return d, nil
}

// write performs an acknowledged characteristic write, retrying transient
// timeouts with exponential backoff. Validation errors are not retried.
func (s *session) write(ctx context.Context, d Descriptor, b []byte) error {
	backoff := s.c.opt.backoff
	var err error
	for attempt := 0; ; attempt++ {
		err = s.link.Write(d.UUID, b)
		if err == nil || !retryable(err) || attempt >= s.c.opt.writeRetries {
			return err
		}
		s.log.WithError(err).Warnf("write %s failed, retry in %v", d.Op, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}

// read reads a characteristic, retrying transient timeouts like write.
func (s *session) read(ctx context.Context, d Descriptor) ([]byte, error) {
	backoff := s.c.opt.backoff
	for attempt := 0; ; attempt++ {
		b, err := s.link.Read(d.UUID)
		if err == nil || !retryable(err) || attempt >= s.c.opt.writeRetries {
			return b, err
		}
		s.log.WithError(err).Warnf("read %s failed, retry in %v", d.Op, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
}

func (s *session) readU32(ctx context.Context, op Operation) (uint32, error) {
	d, err := s.require(op)
	if err != nil {
		return 0, err
	}
	b, err := s.read(ctx, d)
	if err != nil {
		return 0, err
	}
	return decodeU32(b)
}

func (s *session) writeU32(ctx context.Context, op Operation, v uint32) error {
	d, err := s.require(op)
	if err != nil {
		return err
	}
	return s.write(ctx, d, encodeU32(v))
}

// writeVerifyU32 implements the config-write sub-protocol: write, read the
// same characteristic back, compare. On mismatch the single write is
// retried once, then ErrConfigNotApplied.
func (s *session) writeVerifyU32(ctx context.Context, op Operation, v uint32) error {
	for attempt := 0; attempt < 2; attempt++ {
		if err := s.writeU32(ctx, op, v); err != nil {
			return err
		}
		got, err := s.readU32(ctx, op)
		if err != nil {
			return err
		}
		if got == v {
			return nil
		}
		s.log.Warnf("%s read back %d, want %d", op, got, v)
	}
	return fmt.Errorf("%w: %s", ErrConfigNotApplied, op)
}

// command writes an opcode frame to the command TX characteristic. With
// respLen > 0 it subscribes to command RX first and waits for the response
// notification, which must echo the opcode with the high bit set.
func (s *session) command(ctx context.Context, opcode byte, payload []byte, respLen int) ([]byte, error) {
	tx, err := s.require(OpCmdTX)
	if err != nil {
		return nil, err
	}
	frame := append([]byte{opcode}, payload...)

	if respLen == 0 {
		return nil, s.write(ctx, tx, frame)
	}

	rx, err := s.require(OpCmdRX)
	if err != nil {
		return nil, err
	}
	ch := make(chan []byte, 8)
	err = s.link.Subscribe(rx.UUID, func(b []byte) {
		data := make([]byte, len(b))
		copy(data, b)
		select {
		case ch <- data:
		default:
			s.log.Warn("command response dropped, buffer full")
		}
	})
	if err != nil {
		return nil, err
	}
	defer s.link.Unsubscribe(rx.UUID)

	if err := s.write(ctx, tx, frame); err != nil {
		return nil, err
	}

	var resp []byte
	select {
	case resp = <-ch:
	case <-time.After(s.c.opt.responseTimeout):
		return nil, fmt.Errorf("%w: command 0x%02x response", ErrReadTimeout, opcode)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if len(resp) != respLen {
		return nil, fmt.Errorf("%w: command 0x%02x response is %d bytes, want %d",
			ErrMalformedPayload, opcode, len(resp), respLen)
	}
	if resp[0] != opcode|cmdRespFlag {
		return nil, fmt.Errorf("%w: unexpected command id 0x%02x in response",
			ErrMalformedPayload, resp[0])
	}
	return resp, nil
}

// passcodeStatus queries the device passcode state.
func (s *session) passcodeStatus(ctx context.Context) (PasscodeStatus, error) {
	resp, err := s.command(ctx, cmdGetPasscodeState, nil, 2)
	if err != nil {
		return 0, err
	}
	return PasscodeStatus(resp[1]), nil
}

// unlock presents the configured passcode when the device requires one.
// Mutating operations call this before touching device state.
func (s *session) unlock(ctx context.Context) error {
	st, err := s.passcodeStatus(ctx)
	if err != nil {
		return err
	}
	if st != PasscodeUnverified {
		return nil
	}
	if s.c.opt.passcode == "" {
		return ErrAccessDenied
	}
	return s.writePasscode(ctx, s.c.opt.passcode)
}

func (s *session) writePasscode(ctx context.Context, pw string) error {
	if len(pw) != passcodeLen || !isASCII(pw) {
		return fmt.Errorf("%w: passcode must be %d ASCII characters",
			ErrMalformedPayload, passcodeLen)
	}
	_, err := s.command(ctx, cmdSetPasscode, []byte(pw), 0)
	return err
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}

// readString reads a UTF-8 device information characteristic. Absence is
// not an error; older firmware omits some of them.
func (s *session) readString(ctx context.Context, op Operation) string {
	d, err := s.require(op)
	if err != nil {
		return ""
	}
	b, err := s.read(ctx, d)
	if err != nil {
		s.log.WithError(err).Debugf("read %s", op)
		return ""
	}
	return strings.TrimRight(string(b), "\x00")
}

// Scan reports BlueBerry devices advertising nearby. Devices are matched
// on the advertised log service UUID, falling back to the advertised name.
func (c *Client) Scan(ctx context.Context, d time.Duration) ([]DeviceInfo, error) {
	var found []DeviceInfo
	seen := make(map[string]bool)
	err := c.tr.Scan(ctx, d, func(a Advertisement) {
		if seen[a.Addr] {
			return
		}
		match := strings.Contains(a.Name, advNameHint)
		for _, u := range a.Services {
			if u == svcLog {
				match = true
				break
			}
		}
		if !match {
			c.opt.log.Debugf("scan: ignoring %s (%s)", a.Addr, a.Name)
			return
		}
		seen[a.Addr] = true
		found = append(found, DeviceInfo{Address: a.Addr, Name: a.Name, RSSI: a.RSSI})
	})
	if err != nil {
		return nil, &OpError{Op: "scan", Err: err}
	}
	return found, nil
}

// Info connects to a device and reads its device information service plus
// the capability set discovered during connection.
func (c *Client) Info(ctx context.Context, addr string) (DeviceInfo, error) {
	var info DeviceInfo
	err := c.run(ctx, "device-info", addr, func(ctx context.Context, s *session) error {
		info = DeviceInfo{
			Address:         addr,
			SerialNumber:    s.readString(ctx, OpSerialNumber),
			FirmwareVersion: s.readString(ctx, OpSoftwareRev),
			HardwareModel:   s.readString(ctx, OpHardwareModel),
			Manufacturer:    s.readString(ctx, OpManufacturer),
			HasRTD:          s.caps[chrSensorsRTD],
			HasDFU:          s.caps[chrDFUControl],
		}
		return nil
	})
	return info, err
}

// ConfigRead returns the current device configuration. The device is read
// directly; nothing is cached.
func (c *Client) ConfigRead(ctx context.Context, addr string) (ConfigRecord, error) {
	var cfg ConfigRecord
	err := c.run(ctx, "config-read", addr, func(ctx context.Context, s *session) error {
		var err error
		cfg, err = s.configRead(ctx)
		return err
	})
	return cfg, err
}

func (s *session) configRead(ctx context.Context) (ConfigRecord, error) {
	var cfg ConfigRecord

	v, err := s.readU32(ctx, OpCfgLogEnable)
	if err != nil {
		return cfg, err
	}
	cfg.Logging = v != 0

	if cfg.Interval, err = s.readU32(ctx, OpCfgInterval); err != nil {
		return cfg, err
	}

	v, err = s.readU32(ctx, OpCfgSensorEnable)
	if err != nil {
		return cfg, err
	}
	cfg.Sensors = SensorMask(v)

	// Newer firmware only.
	if s.caps[chrCfgRTImu] {
		if cfg.RTImu, err = s.readU32(ctx, OpCfgRTImu); err != nil {
			return cfg, err
		}
	}
	if s.caps[chrCfgConnMin] {
		if v, err = s.readU32(ctx, OpCfgConnMin); err != nil {
			return cfg, err
		}
		cfg.ConnMin = uint16(v)
		if v, err = s.readU32(ctx, OpCfgConnMax); err != nil {
			return cfg, err
		}
		cfg.ConnMax = uint16(v)
	}

	if cfg.Passcode, err = s.passcodeStatus(ctx); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ConfigWrite applies u and returns the configuration as subsequently read
// back from the device. Each written field is verified by read-back; a
// field that does not stick after one retry fails with ErrConfigNotApplied.
func (c *Client) ConfigWrite(ctx context.Context, addr string, u ConfigUpdate) (ConfigRecord, error) {
	var cfg ConfigRecord
	err := c.run(ctx, "config-write", addr, func(ctx context.Context, s *session) error {
		if err := s.unlock(ctx); err != nil {
			return err
		}

		if u.Logging != nil {
			v := uint32(0)
			if *u.Logging {
				v = 1
			}
			if err := s.writeVerifyU32(ctx, OpCfgLogEnable, v); err != nil {
				return err
			}
		}
		if u.Interval != nil {
			if err := s.writeVerifyU32(ctx, OpCfgInterval, *u.Interval); err != nil {
				return err
			}
		}
		if u.RTImu != nil {
			if _, err := s.require(OpCfgRTImu); err != nil {
				return err
			}
			if err := s.writeVerifyU32(ctx, OpCfgRTImu, *u.RTImu); err != nil {
				return err
			}
		}
		if u.ConnMin != nil {
			if err := s.writeVerifyU32(ctx, OpCfgConnMin, uint32(*u.ConnMin)); err != nil {
				return err
			}
		}
		if u.ConnMax != nil {
			if err := s.writeVerifyU32(ctx, OpCfgConnMax, uint32(*u.ConnMax)); err != nil {
				return err
			}
		}
		if u.Enable != 0 || u.Disable != 0 {
			old, err := s.readU32(ctx, OpCfgSensorEnable)
			if err != nil {
				return err
			}
			mask := (SensorMask(old) &^ u.Disable) | u.Enable
			s.log.Debugf("enabled sensors old=0x%04x new=0x%04x", old, uint32(mask))
			if err := s.writeVerifyU32(ctx, OpCfgSensorEnable, uint32(mask)); err != nil {
				return err
			}
		}

		var err error
		cfg, err = s.configRead(ctx)
		return err
	})
	return cfg, err
}

// SampleFunc receives samples as they are decoded. A non-nil error stops
// the stream and is returned to the caller.
type SampleFunc func(SensorSample) error

// FetchRTD streams real-time sensor data. The stream stops after max
// samples (0 = unlimited), after dur (0 = unbounded), or when ctx is
// cancelled, whichever comes first. Sequence gaps are expected radio loss:
// they are reported to the gap handler, never fatal. Returns the number of
// samples delivered.
func (c *Client) FetchRTD(ctx context.Context, addr string, max int, dur time.Duration, fn SampleFunc) (int, error) {
	n := 0
	err := c.run(ctx, "fetch-rtd", addr, func(ctx context.Context, s *session) error {
		if err := s.unlock(ctx); err != nil {
			return err
		}
		// Firmware restriction: real-time data is only produced while
		// logging is enabled.
		v, err := s.readU32(ctx, OpCfgLogEnable)
		if err != nil {
			return err
		}
		if v == 0 {
			return ErrLoggingDisabled
		}
		n, err = s.stream(ctx, OpSensorsRTD, RealTime, max, dur, fn)
		return err
	})
	return n, err
}

// FetchLog drains historical samples from device flash. The device
// guarantees completeness within the requested range, so a sequence gap
// fails with ErrLogIntegrity.
func (c *Client) FetchLog(ctx context.Context, addr string, rng LogRange) (LogChunk, error) {
	chunk := LogChunk{Start: rng.Start}
	err := c.run(ctx, "fetch-log", addr, func(ctx context.Context, s *session) error {
		if err := s.unlock(ctx); err != nil {
			return err
		}
		// Start transfer at the requested read pointer.
		start, err := schemaU32.Encode(Record{"value": int64(rng.Start)})
		if err != nil {
			return err
		}
		if _, err := s.command(ctx, cmdUpdateReadPtr, start, 0); err != nil {
			return err
		}
		_, err = s.stream(ctx, OpSensorsLog, LogTransfer, int(rng.Count), 0,
			func(smp SensorSample) error {
				chunk.Samples = append(chunk.Samples, smp)
				return nil
			})
		return err
	})
	return chunk, err
}

// stream subscribes to a sample characteristic and decodes notifications
// until the transfer-end sentinel, the max sample count, the duration
// limit or cancellation. The stop (unsubscribe) is issued exactly once and
// always wins: notifications arriving after it are discarded.
func (s *session) stream(ctx context.Context, op Operation, mode StreamMode, max int, dur time.Duration, fn SampleFunc) (int, error) {
	d, err := s.require(op)
	if err != nil {
		return 0, err
	}

	dec := NewStreamDecoder(mode)
	ch := make(chan []byte, 64)
	err = s.link.Subscribe(d.UUID, func(b []byte) {
		data := make([]byte, len(b))
		copy(data, b)
		select {
		case ch <- data:
		default:
			s.log.Warn("notification dropped, buffer full")
		}
	})
	if err != nil {
		return 0, err
	}

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		if uerr := s.link.Unsubscribe(d.UUID); uerr != nil {
			s.log.WithError(uerr).Debug("unsubscribe failed")
		}
	}
	defer stop()

	var deadline <-chan time.Time
	if dur > 0 {
		t := time.NewTimer(dur)
		defer t.Stop()
		deadline = t.C
	}

	n := 0
	for {
		select {
		case b := <-ch:
			samples, gaps, err := dec.Feed(b)
			for _, g := range gaps {
				s.log.Warnf("sequence gap: expected %d, got %d", g.Expected, g.Actual)
				if s.c.opt.gapHandler != nil {
					s.c.opt.gapHandler(g)
				}
			}
			for _, smp := range samples {
				if max > 0 && n >= max {
					break
				}
				n++
				if fn != nil {
					if ferr := fn(smp); ferr != nil {
						stop()
						return n, ferr
					}
				}
			}
			if err != nil {
				stop()
				return n, err
			}
			if dec.Done() {
				s.log.Debugf("end of transfer, %d samples", n)
				stop()
				return n, nil
			}
			if max > 0 && n >= max {
				stop()
				return n, nil
			}
		case <-deadline:
			stop()
			return n, nil
		case <-time.After(notifTimeout):
			stop()
			return n, fmt.Errorf("%w: no notification within %v", ErrReadTimeout, notifTimeout)
		case <-ctx.Done():
			stop()
			return n, ctx.Err()
		}
	}
}

// Blink flashes the device LED n times for physical identification.
func (c *Client) Blink(ctx context.Context, addr string, n int) error {
	if n < 1 {
		n = 1
	}
	return c.run(ctx, "blink", addr, func(ctx context.Context, s *session) error {
		for i := 0; i < n; i++ {
			if _, err := s.command(ctx, cmdBlinkLED, nil, 0); err != nil {
				return err
			}
			if i < n-1 {
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		return nil
	})
}

// PasscodeStatus reports the device passcode state.
func (c *Client) PasscodeStatus(ctx context.Context, addr string) (PasscodeStatus, error) {
	var st PasscodeStatus
	err := c.run(ctx, "passcode-status", addr, func(ctx context.Context, s *session) error {
		var err error
		st, err = s.passcodeStatus(ctx)
		return err
	})
	return st, err
}

// SetPasscode sets a new passcode on a device in init state, or unlocks a
// device in unverified state.
func (c *Client) SetPasscode(ctx context.Context, addr string, pw string) error {
	return c.run(ctx, "set-passcode", addr, func(ctx context.Context, s *session) error {
		st, err := s.passcodeStatus(ctx)
		if err != nil {
			return err
		}
		switch st {
		case PasscodeInit, PasscodeUnverified:
			return s.writePasscode(ctx, pw)
		default:
			return fmt.Errorf("%w: device passcode state is %s", ErrAccessDenied, st)
		}
	})
}
