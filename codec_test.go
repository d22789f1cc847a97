package blueberry

import (
	"bytes"
	"errors"
	"testing"
)

func TestSchemaRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		schema *Schema
		rec    Record
	}{
		{"u32 zero", schemaU32, Record{"value": 0}},
		{"u32 one", schemaU32, Record{"value": 1}},
		{"u32 max", schemaU32, Record{"value": 0xffffffff}},
		{"sample", schemaSample, Record{"seq": 1, "ts": 1000, "kind": int64(Temperature), "value": 21500}},
		{"sample negative", schemaSample, Record{"seq": 7, "ts": 42, "kind": int64(AccelZ), "value": -32768}},
		{"sample min value", schemaSample, Record{"seq": 0, "ts": 0, "kind": int64(Pressure), "value": -2147483648}},
		{"sentinel", schemaSentinel, Record{"ts": 123456}},
	}
	for _, tt := range cases {
		b, err := tt.schema.Encode(tt.rec)
		if err != nil {
			t.Errorf("%s: encode: %v", tt.name, err)
			continue
		}
		if len(b) != tt.schema.Size() {
			t.Errorf("%s: encoded %d bytes, want %d", tt.name, len(b), tt.schema.Size())
		}
		got, err := tt.schema.Decode(b)
		if err != nil {
			t.Errorf("%s: decode: %v", tt.name, err)
			continue
		}
		for k, v := range tt.rec {
			if got[k] != v {
				t.Errorf("%s: field %s = %d, want %d", tt.name, k, got[k], v)
			}
		}
		// Byte exact both directions.
		b2, err := tt.schema.Encode(got)
		if err != nil {
			t.Errorf("%s: re-encode: %v", tt.name, err)
			continue
		}
		if !bytes.Equal(b, b2) {
			t.Errorf("%s: re-encode % x, want % x", tt.name, b2, b)
		}
	}
}

func TestSchemaDecodeWrongLength(t *testing.T) {
	cases := []struct {
		name   string
		schema *Schema
		n      int
	}{
		{"u32 empty", schemaU32, 0},
		{"u32 short", schemaU32, 3},
		{"u32 long", schemaU32, 5},
		{"sample short", schemaSample, schemaSample.Size() - 1},
		{"sample long", schemaSample, schemaSample.Size() + 1},
	}
	for _, tt := range cases {
		r, err := tt.schema.Decode(make([]byte, tt.n))
		if !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("%s: err = %v, want ErrMalformedPayload", tt.name, err)
		}
		if r != nil {
			t.Errorf("%s: partial record %v returned on failure", tt.name, r)
		}
	}
}

func TestSchemaDecodeEnumOutOfRange(t *testing.T) {
	rec := Record{"seq": 1, "ts": 1, "kind": int64(Battery), "value": 0}
	b, err := schemaSample.Encode(rec)
	if err != nil {
		t.Fatal(err)
	}
	b[8] = byte(numSensorKinds) // kind field offset
	r, err := schemaSample.Decode(b)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("err = %v, want ErrMalformedPayload", err)
	}
	if r != nil {
		t.Fatalf("partial record %v returned on failure", r)
	}
}

func TestSchemaEncodeRejects(t *testing.T) {
	cases := []struct {
		name   string
		schema *Schema
		rec    Record
	}{
		{"missing field", schemaU32, Record{}},
		{"negative unsigned", schemaU32, Record{"value": -1}},
		{"enum too large", schemaSample, Record{"seq": 1, "ts": 1, "kind": 255, "value": 0}},
	}
	for _, tt := range cases {
		if _, err := tt.schema.Encode(tt.rec); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("%s: err = %v, want ErrMalformedPayload", tt.name, err)
		}
	}
}

func TestDecodeSampleScaling(t *testing.T) {
	cases := []struct {
		kind SensorKind
		raw  int32
		want float64
	}{
		{Temperature, 21500, 21.5},
		{Humidity, 455, 45.5},
		{Pressure, 101325, 1013.25},
		{Battery, 2970, 2.97},
		{Lux, 12000, 12.0},
	}
	for _, tt := range cases {
		b, err := encodeSample(SensorSample{Seq: 1, TimestampMS: 10, Kind: tt.kind, Raw: tt.raw})
		if err != nil {
			t.Fatalf("%s: %v", tt.kind, err)
		}
		s, err := decodeSample(b)
		if err != nil {
			t.Fatalf("%s: %v", tt.kind, err)
		}
		if s.Value != tt.want {
			t.Errorf("%s: value = %v, want %v", tt.kind, s.Value, tt.want)
		}
		if s.Raw != tt.raw {
			t.Errorf("%s: raw = %d, want %d", tt.kind, s.Raw, tt.raw)
		}
	}
}

func TestU32Codec(t *testing.T) {
	for _, v := range []uint32{0, 1, 80, 160, 0xffffffff} {
		got, err := decodeU32(encodeU32(v))
		if err != nil {
			t.Fatalf("%d: %v", v, err)
		}
		if got != v {
			t.Errorf("decodeU32(encodeU32(%d)) = %d", v, got)
		}
	}
	if _, err := decodeU32([]byte{1, 2}); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("short buffer: err = %v, want ErrMalformedPayload", err)
	}
}
