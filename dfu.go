package blueberry

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"net"
	"strings"
	"time"
)

// Firmware package layout: a fixed header followed by the raw image.
//
//	magic "BBFW" | image length u32 | image CRC32 u32 | version len u16 | version | image
//
// Full archive formats are unpacked by the caller; the engine only needs
// header fields plus raw bytes.
const fwMagic = "BBFW"

const fwHeaderMin = 4 + 4 + 4 + 2

// FirmwarePackage is a validated firmware image ready for transfer.
type FirmwarePackage struct {
	Version string
	CRC     uint32
	Image   []byte
}

// ParseFirmwarePackage validates b and extracts the image. Any
// inconsistency fails with ErrInvalidFirmware before a device is touched.
func ParseFirmwarePackage(b []byte) (*FirmwarePackage, error) {
	if len(b) < fwHeaderMin || string(b[:4]) != fwMagic {
		return nil, fmt.Errorf("%w: missing %s header", ErrInvalidFirmware, fwMagic)
	}
	size := binary.LittleEndian.Uint32(b[4:8])
	crc := binary.LittleEndian.Uint32(b[8:12])
	vlen := int(binary.LittleEndian.Uint16(b[12:14]))
	if len(b) != fwHeaderMin+vlen+int(size) {
		return nil, fmt.Errorf("%w: truncated package", ErrInvalidFirmware)
	}
	version := string(b[fwHeaderMin : fwHeaderMin+vlen])
	image := b[fwHeaderMin+vlen:]
	if crc32.ChecksumIEEE(image) != crc {
		return nil, fmt.Errorf("%w: image checksum mismatch", ErrInvalidFirmware)
	}
	return &FirmwarePackage{Version: version, CRC: crc, Image: image}, nil
}

// DfuPhase is the firmware update state.
type DfuPhase int

const (
	DfuPrepared DfuPhase = iota
	DfuErasing
	DfuTransferring
	DfuVerifying
	DfuActivating
	DfuDone
	DfuAborted
)

var dfuPhaseName = map[DfuPhase]string{
	DfuPrepared:     "prepared",
	DfuErasing:      "erasing",
	DfuTransferring: "transferring",
	DfuVerifying:    "verifying",
	DfuActivating:   "activating",
	DfuDone:         "done",
	DfuAborted:      "aborted",
}

func (p DfuPhase) String() string { return dfuPhaseName[p] }

// Bootloader control point opcodes and the shared response layout:
// the response notification is [opcode|0x80, status].
const (
	dfuOpErase    = 0x01
	dfuOpFinalize = 0x02
	dfuOpActivate = 0x03
	dfuOpAbort    = 0x04
)

// ProgressFunc is called after every acknowledged chunk.
type ProgressFunc func(sent, total int)

// dfuChunkMin is the smallest usable data chunk: default ATT MTU (23)
// minus the 3 byte write header.
const dfuChunkMin = 20

// dfuSession tracks one in-flight update.
type dfuSession struct {
	*session
	phase DfuPhase
	sent  int
	total int
	crc   uint32
}

// DFU performs a firmware update: validate the package, reboot the device
// into its bootloader, erase, transfer ack-gated chunks in strict order,
// verify length and CRC, then activate the new image. On verification
// failure the device keeps its prior image. Cancellation is honored at any
// point before activation and leaves the device in the erased state.
func (c *Client) DFU(ctx context.Context, addr string, pkg []byte, progress ProgressFunc) (DfuResult, error) {
	started := time.Now()
	var res DfuResult

	fw, err := ParseFirmwarePackage(pkg)
	if err != nil {
		return res, &OpError{Op: "dfu", Addr: addr, Err: err}
	}
	res.Version = fw.Version

	// Reboot the running application into the bootloader. The device
	// drops the connection as it resets; the disconnect is part of the
	// protocol, not a failure.
	err = c.run(ctx, "dfu-enter", addr, func(ctx context.Context, s *session) error {
		if err := s.unlock(ctx); err != nil {
			return err
		}
		_, err := s.command(ctx, cmdEnterDFU, nil, 0)
		return err
	})
	if err != nil {
		return res, err
	}

	// The bootloader advertises at the application address plus one. Give
	// the device a moment to reboot into it before dialing.
	bootAddr := dfuAddress(addr)
	select {
	case <-time.After(c.opt.dfuSettle):
	case <-ctx.Done():
		return res, &OpError{Op: "dfu", Addr: addr, Err: ctx.Err()}
	}

	err = c.run(ctx, "dfu", bootAddr, func(ctx context.Context, s *session) error {
		d := &dfuSession{session: s, phase: DfuPrepared, total: len(fw.Image)}
		err := d.upload(ctx, fw, progress)
		res.BytesSent = d.sent
		res.CRC = d.crc
		return err
	})
	res.Elapsed = time.Since(started)
	if err != nil {
		return res, err
	}
	return res, nil
}

func (d *dfuSession) upload(ctx context.Context, fw *FirmwarePackage, progress ProgressFunc) error {
	ctrl, err := d.require(OpDFUControl)
	if err != nil {
		return err
	}
	data, err := d.require(OpDFUData)
	if err != nil {
		return err
	}

	// Erase. The bootloader acknowledges on the control point once the
	// flash bank is clear, which takes several seconds.
	d.phase = DfuErasing
	d.log.Info("erasing flash bank")
	if err := d.control(ctx, ctrl, dfuOpErase, nil, d.c.opt.eraseTimeout); err != nil {
		if retryable(err) {
			return d.abort(ctx, ctrl, ErrEraseTimeout)
		}
		return d.abort(ctx, ctrl, err)
	}

	// Transfer. Strictly in order, one chunk per acknowledged write: the
	// bootloader writes to flash synchronously, so pipelining corrupts.
	d.phase = DfuTransferring
	chunkSize := d.c.opt.chunkSize
	if chunkSize <= 0 {
		chunkSize = d.link.MTU() - 3
	}
	if chunkSize < dfuChunkMin {
		chunkSize = dfuChunkMin
	}
	d.log.Infof("transferring %d bytes in %d byte chunks", d.total, chunkSize)

	for off := 0; off < len(fw.Image); off += chunkSize {
		select {
		case <-ctx.Done():
			return d.abort(ctx, ctrl, ctx.Err())
		default:
		}
		end := off + chunkSize
		if end > len(fw.Image) {
			end = len(fw.Image)
		}
		chunk := fw.Image[off:end]
		// Unacknowledged chunk writes are not retried: resuming
		// mid-image risks flashing out of order.
		if err := d.link.Write(data.UUID, chunk); err != nil {
			return d.abort(ctx, ctrl, err)
		}
		d.crc = crc32.Update(d.crc, crc32.IEEETable, chunk)
		d.sent += len(chunk)
		if progress != nil {
			progress(d.sent, d.total)
		}
	}

	// Verify. The bootloader checks total length and CRC against what
	// landed in flash; on mismatch it keeps the prior image.
	d.phase = DfuVerifying
	fin := make([]byte, 8)
	binary.LittleEndian.PutUint32(fin[0:4], uint32(d.total))
	binary.LittleEndian.PutUint32(fin[4:8], d.crc)
	if err := d.control(ctx, ctrl, dfuOpFinalize, fin, d.c.opt.responseTimeout); err != nil {
		return d.abort(ctx, ctrl, err)
	}

	// Activate. The device resets into the new image immediately, so the
	// write may complete without a response or even error out as the
	// link drops. Either is success.
	d.phase = DfuActivating
	if err := d.link.Write(ctrl.UUID, []byte{dfuOpActivate}); err != nil {
		d.log.WithError(err).Debug("link dropped during activation")
	}
	d.phase = DfuDone
	d.log.Info("firmware activated, device rebooting")
	return nil
}

// control issues a control point command and waits for its status
// response.
func (d *dfuSession) control(ctx context.Context, ctrl Descriptor, opcode byte, payload []byte, timeout time.Duration) error {
	ch := make(chan []byte, 4)
	err := d.link.Subscribe(ctrl.UUID, func(b []byte) {
		data := make([]byte, len(b))
		copy(data, b)
		select {
		case ch <- data:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer d.link.Unsubscribe(ctrl.UUID)

	if err := d.link.Write(ctrl.UUID, append([]byte{opcode}, payload...)); err != nil {
		return err
	}

	var resp []byte
	select {
	case resp = <-ch:
	case <-time.After(timeout):
		return fmt.Errorf("%w: dfu op 0x%02x response", ErrReadTimeout, opcode)
	case <-ctx.Done():
		return ctx.Err()
	}

	if len(resp) < 2 || resp[0] != opcode|cmdRespFlag {
		return fmt.Errorf("%w: dfu op 0x%02x response % x", ErrMalformedPayload, opcode, resp)
	}
	if resp[1] != respSuccess {
		if d.phase == DfuVerifying {
			return fmt.Errorf("%w: bootloader status %s", ErrVerifyFailed, respString(resp[1]))
		}
		return fmt.Errorf("dfu op 0x%02x: bootloader status %s", opcode, respString(resp[1]))
	}
	return nil
}

// abort marks the session aborted and tells the bootloader to stop, best
// effort. The device stays in the erased state; the caller decides whether
// to retry the whole update.
func (d *dfuSession) abort(ctx context.Context, ctrl Descriptor, reason error) error {
	phase := d.phase
	d.phase = DfuAborted
	if werr := d.link.Write(ctrl.UUID, []byte{dfuOpAbort}); werr != nil {
		d.log.WithError(werr).Debug("dfu abort command failed")
	}
	return fmt.Errorf("%w in %s: %w", ErrAborted, phase, reason)
}

// dfuAddress returns the bootloader address for a device: public MAC plus
// one. Opaque platform identifiers (macOS device UUIDs) are returned
// unchanged.
func dfuAddress(addr string) string {
	hw, err := net.ParseMAC(addr)
	if err != nil || len(hw) != 6 {
		return addr
	}
	v := uint64(0)
	for _, b := range hw {
		v = v<<8 | uint64(b)
	}
	v = (v + 1) & 0xffffffffffff
	out := make([]string, 6)
	for i := 5; i >= 0; i-- {
		out[i] = fmt.Sprintf("%02x", byte(v))
		v >>= 8
	}
	return strings.Join(out, ":")
}
