package blueberry

import "fmt"

// StreamMode selects the gap policy for a decoder.
type StreamMode int

const (
	// RealTime tolerates sequence gaps: wireless loss is expected while
	// streaming live data. Gaps are reported, not fatal.
	RealTime StreamMode = iota
	// LogTransfer is used when draining device flash, where the firmware
	// guarantees completeness within the requested range. A gap is an
	// integrity violation.
	LogTransfer
)

// StreamDecoder reassembles length-prefixed sample records from raw
// notification payloads. Notifications may split a record at any byte
// boundary (MTU fragmentation); the decoder buffers partials and never
// emits an incomplete sample.
type StreamDecoder struct {
	mode    StreamMode
	buf     []byte
	lastSeq uint32
	primed  bool // lastSeq valid
	done    bool
	count   int
}

// NewStreamDecoder returns a decoder with the given gap policy.
func NewStreamDecoder(mode StreamMode) *StreamDecoder {
	return &StreamDecoder{mode: mode}
}

// Feed consumes one notification payload and returns the samples completed
// by it plus any sequence gaps detected. In LogTransfer mode a gap returns
// ErrLogIntegrity and the decoder emits nothing past the gap. A record of
// unexpected size returns ErrMalformedPayload.
func (d *StreamDecoder) Feed(b []byte) ([]SensorSample, []Gap, error) {
	if d.done {
		return nil, nil, nil
	}
	d.buf = append(d.buf, b...)

	var samples []SensorSample
	var gaps []Gap
	for {
		if len(d.buf) == 0 {
			return samples, gaps, nil
		}
		n := int(d.buf[0])
		if len(d.buf)-1 < n {
			// Record split across notifications; wait for the rest.
			return samples, gaps, nil
		}
		payload := d.buf[1 : 1+n]

		if n == schemaSentinel.Size() {
			// End of transfer: a record carrying only the timestamp.
			d.done = true
			d.buf = nil
			return samples, gaps, nil
		}

		s, err := decodeSample(payload)
		if err != nil {
			return samples, gaps, err
		}
		d.buf = d.buf[1+n:]

		if d.primed && s.Seq != d.lastSeq+1 {
			g := Gap{Expected: d.lastSeq + 1, Actual: s.Seq}
			if d.mode == LogTransfer {
				d.done = true
				return samples, gaps, fmt.Errorf(
					"%w: expected seq %d, got %d", ErrLogIntegrity, g.Expected, g.Actual)
			}
			gaps = append(gaps, g)
		}
		d.lastSeq = s.Seq
		d.primed = true
		d.count++
		samples = append(samples, s)
	}
}

// Done reports whether the end-of-transfer sentinel has been seen.
func (d *StreamDecoder) Done() bool { return d.done }

// Count returns the number of samples decoded so far.
func (d *StreamDecoder) Count() int { return d.count }

// frameSample encodes a sample with its length prefix, as the firmware
// puts it on the wire. Used by the session's loopback tests and by
// simulated devices.
func frameSample(s SensorSample) ([]byte, error) {
	payload, err := encodeSample(s)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(len(payload))}, payload...), nil
}

// frameSentinel encodes the end-of-log marker.
func frameSentinel(ts uint32) []byte {
	payload, _ := schemaSentinel.Encode(Record{"ts": int64(ts)})
	return append([]byte{byte(len(payload))}, payload...)
}
