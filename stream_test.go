package blueberry

import (
	"errors"
	"testing"
)

func mkSample(seq uint32) SensorSample {
	return SensorSample{Seq: seq, TimestampMS: seq * 1000, Kind: Temperature, Raw: int32(20000 + seq)}
}

func mkFrame(t *testing.T, seq uint32) []byte {
	t.Helper()
	b, err := frameSample(mkSample(seq))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func feedAll(t *testing.T, d *StreamDecoder, chunks ...[]byte) ([]SensorSample, []Gap, error) {
	t.Helper()
	var samples []SensorSample
	var gaps []Gap
	for _, c := range chunks {
		s, g, err := d.Feed(c)
		samples = append(samples, s...)
		gaps = append(gaps, g...)
		if err != nil {
			return samples, gaps, err
		}
	}
	return samples, gaps, nil
}

func TestStreamDecoderWhole(t *testing.T) {
	d := NewStreamDecoder(RealTime)
	samples, gaps, err := feedAll(t, d, mkFrame(t, 1), mkFrame(t, 2), mkFrame(t, 3))
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 3 || len(gaps) != 0 {
		t.Fatalf("got %d samples, %d gaps, want 3, 0", len(samples), len(gaps))
	}
	for i, s := range samples {
		if s.Seq != uint32(i+1) {
			t.Errorf("sample %d: seq = %d", i, s.Seq)
		}
	}
}

func TestStreamDecoderFragmentation(t *testing.T) {
	whole := mkFrame(t, 1)
	want, err := decodeSample(whole[1:])
	if err != nil {
		t.Fatal(err)
	}

	// Split a single record at every possible notification boundary,
	// including three-way splits.
	for cut := 1; cut < len(whole); cut++ {
		d := NewStreamDecoder(RealTime)
		samples, _, err := feedAll(t, d, whole[:cut], whole[cut:])
		if err != nil {
			t.Fatalf("cut %d: %v", cut, err)
		}
		if len(samples) != 1 {
			t.Fatalf("cut %d: got %d samples, want 1", cut, len(samples))
		}
		if samples[0] != want {
			t.Errorf("cut %d: sample = %+v, want %+v", cut, samples[0], want)
		}
	}

	d := NewStreamDecoder(RealTime)
	samples, _, err := feedAll(t, d, whole[:3], whole[3:7], whole[7:])
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 1 || samples[0] != want {
		t.Fatalf("three-way split: %+v", samples)
	}
}

func TestStreamDecoderMultipleRecordsPerNotification(t *testing.T) {
	b := append(mkFrame(t, 1), mkFrame(t, 2)...)
	b = append(b, mkFrame(t, 3)...)
	d := NewStreamDecoder(RealTime)
	samples, _, err := d.Feed(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 3 {
		t.Fatalf("got %d samples, want 3", len(samples))
	}
}

func TestStreamDecoderGapRealTime(t *testing.T) {
	d := NewStreamDecoder(RealTime)
	samples, gaps, err := feedAll(t, d,
		mkFrame(t, 1), mkFrame(t, 2), mkFrame(t, 4), mkFrame(t, 5))
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 4 {
		t.Fatalf("got %d samples, want 4", len(samples))
	}
	if len(gaps) != 1 || gaps[0] != (Gap{Expected: 3, Actual: 4}) {
		t.Fatalf("gaps = %+v, want [{3 4}]", gaps)
	}
}

func TestStreamDecoderGapLogMode(t *testing.T) {
	d := NewStreamDecoder(LogTransfer)
	samples, _, err := feedAll(t, d,
		mkFrame(t, 1), mkFrame(t, 2), mkFrame(t, 4), mkFrame(t, 5))
	if !errors.Is(err, ErrLogIntegrity) {
		t.Fatalf("err = %v, want ErrLogIntegrity", err)
	}
	// Nothing emitted past the gap.
	if len(samples) != 2 {
		t.Fatalf("got %d samples, want 2", len(samples))
	}
	s, _, err := d.Feed(mkFrame(t, 6))
	if err != nil || len(s) != 0 {
		t.Fatalf("decoder emitted %d samples after integrity failure", len(s))
	}
}

func TestStreamDecoderSentinel(t *testing.T) {
	d := NewStreamDecoder(LogTransfer)
	b := append(mkFrame(t, 1), mkFrame(t, 2)...)
	b = append(b, frameSentinel(3000)...)
	b = append(b, mkFrame(t, 3)...) // trailing data after EOF is discarded

	samples, _, err := d.Feed(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 2 {
		t.Fatalf("got %d samples, want 2", len(samples))
	}
	if !d.Done() {
		t.Fatal("decoder not done after sentinel")
	}
	if d.Count() != 2 {
		t.Fatalf("count = %d, want 2", d.Count())
	}
}

func TestStreamDecoderBadRecordSize(t *testing.T) {
	d := NewStreamDecoder(RealTime)
	// Length prefix announces 7 bytes: not a sample, not a sentinel.
	_, _, err := d.Feed([]byte{7, 1, 2, 3, 4, 5, 6, 7})
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("err = %v, want ErrMalformedPayload", err)
	}
}
