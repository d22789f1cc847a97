package blueberry

import (
	"errors"
	"testing"
)

func TestUUIDBases(t *testing.T) {
	cases := []struct {
		got  string
		want string
	}{
		{bbUUID(0x0022).String(), "c9f60022-9f9b-fba4-5847-7fd701bf59f2"},
		{stdUUID(0x2a25).String(), "00002a25-0000-1000-8000-00805f9b34fb"},
		{dfuUUID(0x0001).String(), "8ec90001-f315-4f60-9fb8-838830daea50"},
	}
	for _, tt := range cases {
		if tt.got != tt.want {
			t.Errorf("uuid = %s, want %s", tt.got, tt.want)
		}
	}
}

func TestResolve(t *testing.T) {
	cases := []struct {
		op  Operation
		dir Direction
	}{
		{OpCfgLogEnable, DirRead | DirWrite},
		{OpCfgSensorEnable, DirRead | DirWrite},
		{OpCmdTX, DirWrite},
		{OpCmdRX, DirNotify},
		{OpSensorsRTD, DirNotify},
		{OpSensorsLog, DirNotify},
		{OpSerialNumber, DirRead},
		{OpDFUControl, DirWrite | DirNotify},
		{OpDFUData, DirWrite},
	}
	for _, tt := range cases {
		d, err := Resolve(tt.op)
		if err != nil {
			t.Errorf("%s: %v", tt.op, err)
			continue
		}
		if d.Op != tt.op || d.Dir != tt.dir {
			t.Errorf("%s: descriptor %+v", tt.op, d)
		}
	}
}

func TestResolveUnknown(t *testing.T) {
	if _, err := Resolve("flux-capacitor"); !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("err = %v, want ErrUnknownOperation", err)
	}
}

func TestResolveUnambiguous(t *testing.T) {
	// Each operation owns its characteristic; no two resolve to the same
	// UUID except where the table says so.
	seen := make(map[string]Operation)
	for op := range charTable {
		d, err := Resolve(op)
		if err != nil {
			t.Fatal(err)
		}
		if prev, dup := seen[d.UUID.String()]; dup {
			t.Errorf("%s and %s share characteristic %s", prev, op, d.UUID)
		}
		seen[d.UUID.String()] = op
	}
}

func TestDirectionString(t *testing.T) {
	if s := (DirRead | DirWrite | DirNotify).String(); s != "rwn" {
		t.Errorf("direction string %q", s)
	}
	if s := DirNotify.String(); s != "n" {
		t.Errorf("direction string %q", s)
	}
}
