package blueberry

import (
	"encoding/binary"
	"fmt"
)

// The codec is pure and total over well-formed input: a decode either
// returns a fully valid record or fails with ErrMalformedPayload. All
// integer fields are little-endian.

// FieldKind is the interpretation of a fixed-width integer field.
type FieldKind int

const (
	// Unsigned is a plain unsigned integer.
	Unsigned FieldKind = iota
	// Signed is a two's-complement signed integer.
	Signed
	// Enum is an unsigned integer whose value must be below Max.
	Enum
)

// A Field is one fixed-width slot in a wire record.
type Field struct {
	Name  string
	Width int // bytes: 1, 2 or 4
	Kind  FieldKind
	Max   int64 // exclusive upper bound, Enum fields only
}

// A Schema is a fixed ordered list of fields describing one wire record.
type Schema struct {
	Name   string
	Fields []Field
}

// Size returns the exact encoded length in bytes.
func (s *Schema) Size() int {
	n := 0
	for _, f := range s.Fields {
		n += f.Width
	}
	return n
}

// A Record holds decoded raw field values keyed by field name. Values are
// unscaled; physical-unit conversion is applied by the sensor layer.
type Record map[string]int64

// Decode decodes b against the schema. The byte length must match the
// schema width exactly and every Enum field must be in range; otherwise
// ErrMalformedPayload is returned and no partial record.
func (s *Schema) Decode(b []byte) (Record, error) {
	if len(b) != s.Size() {
		return nil, fmt.Errorf("%w: %s: got %d bytes, want %d",
			ErrMalformedPayload, s.Name, len(b), s.Size())
	}
	r := make(Record, len(s.Fields))
	off := 0
	for _, f := range s.Fields {
		raw := getUint(b[off : off+f.Width])
		off += f.Width
		v := int64(raw)
		switch f.Kind {
		case Signed:
			v = signExtend(raw, f.Width)
		case Enum:
			if v >= f.Max {
				return nil, fmt.Errorf("%w: %s.%s: value %d out of range",
					ErrMalformedPayload, s.Name, f.Name, v)
			}
		}
		r[f.Name] = v
	}
	return r, nil
}

// Encode encodes r against the schema. Every schema field must be present
// and fit its declared width.
func (s *Schema) Encode(r Record) ([]byte, error) {
	b := make([]byte, 0, s.Size())
	for _, f := range s.Fields {
		v, ok := r[f.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s: missing field %q",
				ErrMalformedPayload, s.Name, f.Name)
		}
		if !fits(v, f) {
			return nil, fmt.Errorf("%w: %s.%s: value %d does not fit %d bytes",
				ErrMalformedPayload, s.Name, f.Name, v, f.Width)
		}
		b = putUint(b, uint64(v), f.Width)
	}
	return b, nil
}

func getUint(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	default:
		return uint64(binary.LittleEndian.Uint32(b))
	}
}

func putUint(b []byte, v uint64, width int) []byte {
	switch width {
	case 1:
		return append(b, byte(v))
	case 2:
		return binary.LittleEndian.AppendUint16(b, uint16(v))
	default:
		return binary.LittleEndian.AppendUint32(b, uint32(v))
	}
}

func signExtend(raw uint64, width int) int64 {
	shift := 64 - 8*width
	return int64(raw<<shift) >> shift
}

func fits(v int64, f Field) bool {
	bits := 8 * f.Width
	if f.Kind == Signed {
		min := int64(-1) << (bits - 1)
		max := int64(1)<<(bits-1) - 1
		return v >= min && v <= max
	}
	if v < 0 {
		return false
	}
	if f.Kind == Enum && v >= f.Max {
		return false
	}
	return bits < 64 && v <= int64(1)<<bits-1
}

// Wire schemas.
var (
	// schemaU32 is a single little-endian uint32, the layout of every
	// config characteristic.
	schemaU32 = &Schema{
		Name:   "u32",
		Fields: []Field{{Name: "value", Width: 4, Kind: Unsigned}},
	}

	// schemaSample is one sensor sample as streamed on the RTD and log
	// characteristics, inside length-prefixed framing.
	schemaSample = &Schema{
		Name: "sample",
		Fields: []Field{
			{Name: "seq", Width: 4, Kind: Unsigned},
			{Name: "ts", Width: 4, Kind: Unsigned},
			{Name: "kind", Width: 1, Kind: Enum, Max: int64(numSensorKinds)},
			{Name: "value", Width: 4, Kind: Signed},
		},
	}

	// schemaSentinel is the end-of-log marker: a record carrying only the
	// timestamp.
	schemaSentinel = &Schema{
		Name:   "sentinel",
		Fields: []Field{{Name: "ts", Width: 4, Kind: Unsigned}},
	}
)

// encodeU32 packs a config characteristic value.
func encodeU32(v uint32) []byte {
	b, _ := schemaU32.Encode(Record{"value": int64(v)})
	return b
}

// decodeU32 unpacks a config characteristic value.
func decodeU32(b []byte) (uint32, error) {
	r, err := schemaU32.Decode(b)
	if err != nil {
		return 0, err
	}
	return uint32(r["value"]), nil
}

// decodeSample decodes one framed sample payload into a typed SensorSample.
func decodeSample(b []byte) (SensorSample, error) {
	r, err := schemaSample.Decode(b)
	if err != nil {
		return SensorSample{}, err
	}
	kind := SensorKind(r["kind"])
	raw := int32(r["value"])
	return SensorSample{
		Seq:         uint32(r["seq"]),
		TimestampMS: uint32(r["ts"]),
		Kind:        kind,
		Raw:         raw,
		Value:       kind.Convert(raw),
	}, nil
}

// encodeSample is the inverse of decodeSample.
func encodeSample(s SensorSample) ([]byte, error) {
	return schemaSample.Encode(Record{
		"seq":   int64(s.Seq),
		"ts":    int64(s.TimestampMS),
		"kind":  int64(s.Kind),
		"value": int64(s.Raw),
	})
}
