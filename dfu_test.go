package blueberry

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"

	"github.com/google/uuid"
)

func mkFirmware(t *testing.T, version string, image []byte) []byte {
	t.Helper()
	b := make([]byte, fwHeaderMin)
	copy(b, fwMagic)
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(image)))
	binary.LittleEndian.PutUint32(b[8:12], crc32.ChecksumIEEE(image))
	binary.LittleEndian.PutUint16(b[12:14], uint16(len(version)))
	b = append(b, version...)
	return append(b, image...)
}

func mkImage(n int) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i)
	}
	return img
}

func TestParseFirmwarePackage(t *testing.T) {
	img := mkImage(100)
	pkg := mkFirmware(t, "1.2.3", img)

	fw, err := ParseFirmwarePackage(pkg)
	if err != nil {
		t.Fatal(err)
	}
	if fw.Version != "1.2.3" {
		t.Errorf("version = %q", fw.Version)
	}
	if fw.CRC != crc32.ChecksumIEEE(img) {
		t.Errorf("crc = %08x", fw.CRC)
	}
	if len(fw.Image) != len(img) {
		t.Errorf("image is %d bytes, want %d", len(fw.Image), len(img))
	}
}

func TestParseFirmwarePackageRejects(t *testing.T) {
	img := mkImage(32)
	good := mkFirmware(t, "1.0.0", img)

	badMagic := append([]byte(nil), good...)
	copy(badMagic, "XXXX")

	badCRC := append([]byte(nil), good...)
	badCRC[len(badCRC)-1] ^= 0xff

	cases := []struct {
		name string
		pkg  []byte
	}{
		{"empty", nil},
		{"short header", []byte("BBFW")},
		{"bad magic", badMagic},
		{"truncated", good[:len(good)-1]},
		{"trailing garbage", append(append([]byte(nil), good...), 0)},
		{"crc mismatch", badCRC},
	}
	for _, tt := range cases {
		if _, err := ParseFirmwarePackage(tt.pkg); !errors.Is(err, ErrInvalidFirmware) {
			t.Errorf("%s: err = %v, want ErrInvalidFirmware", tt.name, err)
		}
	}
}

func TestDfuAddress(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"ca:fe:f0:0d:00:01", "ca:fe:f0:0d:00:02"},
		{"c0:ff:ee:00:00:ff", "c0:ff:ee:00:01:00"},
		{"ff:ff:ff:ff:ff:ff", "00:00:00:00:00:00"},
		// Opaque platform identifiers pass through untouched.
		{"8e2b0f00-1111-2222-3333-444455556666", "8e2b0f00-1111-2222-3333-444455556666"},
	}
	for _, tt := range cases {
		if got := dfuAddress(tt.in); got != tt.want {
			t.Errorf("dfuAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// fakeBootloader emulates the DFU service: it collects data chunks and
// answers control point commands on the control notification.
type fakeBootloader struct {
	link    *fakeLink
	image   []byte
	erased  bool
	aborted bool

	ackErase        bool
	forceVerifyFail bool
}

func newFakeBootloader() *fakeBootloader {
	b := &fakeBootloader{ackErase: true}
	l := newFakeLink(chrDFUControl, chrDFUData)
	l.onWrite = func(l *fakeLink, u uuid.UUID, p []byte) { b.handle(l, u, p) }
	b.link = l
	return b
}

func (b *fakeBootloader) handle(l *fakeLink, u uuid.UUID, p []byte) {
	switch u {
	case chrDFUData:
		b.image = append(b.image, p...)
	case chrDFUControl:
		switch p[0] {
		case dfuOpErase:
			b.erased = true
			b.image = nil
			if b.ackErase {
				l.notify(chrDFUControl, []byte{dfuOpErase | cmdRespFlag, respSuccess})
			}
		case dfuOpFinalize:
			st := byte(respError)
			if !b.forceVerifyFail && len(p) == 9 {
				size := binary.LittleEndian.Uint32(p[1:5])
				crc := binary.LittleEndian.Uint32(p[5:9])
				if int(size) == len(b.image) && crc == crc32.ChecksumIEEE(b.image) {
					st = respSuccess
				}
			}
			l.notify(chrDFUControl, []byte{dfuOpFinalize | cmdRespFlag, st})
		case dfuOpAbort:
			b.aborted = true
		}
	}
}

// dfuFixture wires an application device and its bootloader, reachable at
// the application address plus one.
func dfuFixture(st PasscodeStatus, opts ...Option) (*Client, *fakeLink, *fakeBootloader) {
	app := newLoggerLink(st)
	app.chars = append(app.chars, chrDFUControl)
	boot := newFakeBootloader()
	c, tr := newTestClient(app, opts...)
	tr.links[dfuAddress(testAddr)] = boot.link
	return c, app, boot
}

func TestDFU(t *testing.T) {
	img := mkImage(50)
	c, app, boot := dfuFixture(PasscodeDisabled)

	var progress []int
	res, err := c.DFU(context.Background(), testAddr, mkFirmware(t, "2.0.1", img),
		func(sent, total int) {
			progress = append(progress, sent)
			if total != len(img) {
				t.Errorf("progress total = %d, want %d", total, len(img))
			}
		})
	if err != nil {
		t.Fatal(err)
	}

	if res.Version != "2.0.1" || res.BytesSent != len(img) || res.CRC != crc32.ChecksumIEEE(img) {
		t.Errorf("result = %+v", res)
	}
	if string(boot.image) != string(img) {
		t.Errorf("bootloader received %d bytes, want the full image", len(boot.image))
	}
	if !boot.erased || boot.aborted {
		t.Errorf("erased=%v aborted=%v", boot.erased, boot.aborted)
	}

	// Default MTU of 23 gives 20 byte chunks.
	want := []int{20, 40, 50}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Fatalf("progress = %v, want %v", progress, want)
		}
	}

	// The application must have been told to reboot into the bootloader.
	var sawEnter bool
	for _, w := range app.writesTo(chrCmdTX) {
		if w[0] == cmdEnterDFU {
			sawEnter = true
		}
	}
	if !sawEnter {
		t.Error("enter-DFU command never written to the application")
	}

	// Control point ordering: erase, finalize, activate.
	ctrl := boot.link.writesTo(chrDFUControl)
	if len(ctrl) != 3 || ctrl[0][0] != dfuOpErase || ctrl[1][0] != dfuOpFinalize || ctrl[2][0] != dfuOpActivate {
		t.Errorf("control writes %v", ctrl)
	}
	if app.disconnects != 1 || boot.link.disconnects != 1 {
		t.Errorf("disconnects app=%d boot=%d, want 1 each", app.disconnects, boot.link.disconnects)
	}
}

func TestDFUChunkSizeOption(t *testing.T) {
	img := mkImage(100)
	c, _, boot := dfuFixture(PasscodeDisabled, WithDFUChunkSize(40))

	if _, err := c.DFU(context.Background(), testAddr, mkFirmware(t, "2.0.1", img), nil); err != nil {
		t.Fatal(err)
	}
	data := boot.link.writesTo(chrDFUData)
	if len(data) != 3 || len(data[0]) != 40 || len(data[1]) != 40 || len(data[2]) != 20 {
		t.Errorf("chunk sizes %v", chunkLens(data))
	}
}

func chunkLens(bs [][]byte) []int {
	out := make([]int, len(bs))
	for i, b := range bs {
		out[i] = len(b)
	}
	return out
}

func TestDFUMissingChunkAckAborts(t *testing.T) {
	img := mkImage(200) // ten 20 byte chunks
	c, _, boot := dfuFixture(PasscodeDisabled)
	boot.link.writeErrs[chrDFUData] = []error{nil, nil, ErrWriteTimeout}

	res, err := c.DFU(context.Background(), testAddr, mkFirmware(t, "2.0.1", img), nil)
	if !errors.Is(err, ErrAborted) || !errors.Is(err, ErrWriteTimeout) {
		t.Fatalf("err = %v, want ErrAborted wrapping ErrWriteTimeout", err)
	}
	// Strictly in order, no retry: the failed third chunk ends the
	// transfer, chunks four through ten are never written.
	if n := len(boot.link.writesTo(chrDFUData)); n != 3 {
		t.Errorf("data write attempts = %d, want 3", n)
	}
	if len(boot.image) != 40 {
		t.Errorf("bootloader holds %d bytes, want 40", len(boot.image))
	}
	if !boot.aborted {
		t.Error("bootloader never told to abort")
	}
	if res.BytesSent != 40 {
		t.Errorf("result reports %d bytes sent, want 40", res.BytesSent)
	}
}

func TestDFUEraseTimeoutAborts(t *testing.T) {
	c, _, boot := dfuFixture(PasscodeDisabled)
	boot.ackErase = false

	_, err := c.DFU(context.Background(), testAddr, mkFirmware(t, "2.0.1", mkImage(20)), nil)
	if !errors.Is(err, ErrAborted) || !errors.Is(err, ErrEraseTimeout) {
		t.Fatalf("err = %v, want ErrAborted wrapping ErrEraseTimeout", err)
	}
	if n := len(boot.link.writesTo(chrDFUData)); n != 0 {
		t.Errorf("data written %d times before erase completed", n)
	}
}

func TestDFUVerifyFailAborts(t *testing.T) {
	c, _, boot := dfuFixture(PasscodeDisabled)
	boot.forceVerifyFail = true

	_, err := c.DFU(context.Background(), testAddr, mkFirmware(t, "2.0.1", mkImage(20)), nil)
	if !errors.Is(err, ErrAborted) || !errors.Is(err, ErrVerifyFailed) {
		t.Fatalf("err = %v, want ErrAborted wrapping ErrVerifyFailed", err)
	}
	if !boot.aborted {
		t.Error("bootloader never told to abort")
	}
}

func TestDFUActivateLinkDropIsSuccess(t *testing.T) {
	img := mkImage(20)
	c, _, boot := dfuFixture(PasscodeDisabled)
	// Erase and finalize acknowledged, activation write fails as the
	// device resets out from under the link.
	boot.link.writeErrs[chrDFUControl] = []error{nil, nil, ErrWriteTimeout}

	res, err := c.DFU(context.Background(), testAddr, mkFirmware(t, "2.0.1", img), nil)
	if err != nil {
		t.Fatalf("err = %v, want success", err)
	}
	if res.BytesSent != len(img) {
		t.Errorf("result = %+v", res)
	}
}

func TestDFUInvalidPackage(t *testing.T) {
	c, app, boot := dfuFixture(PasscodeDisabled)

	_, err := c.DFU(context.Background(), testAddr, []byte("not a firmware package"), nil)
	if !errors.Is(err, ErrInvalidFirmware) {
		t.Fatalf("err = %v, want ErrInvalidFirmware", err)
	}
	// Validation happens before any device is touched.
	if len(app.writes) != 0 || boot.erased {
		t.Error("device touched with an invalid package")
	}
}

func TestDFULockedDevice(t *testing.T) {
	c, _, boot := dfuFixture(PasscodeUnverified)

	_, err := c.DFU(context.Background(), testAddr, mkFirmware(t, "2.0.1", mkImage(20)), nil)
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
	if boot.erased {
		t.Error("bootloader reached despite locked application")
	}
}
