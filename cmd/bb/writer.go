package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	blueberry "github.com/lohmega/jamble"
)

// A sampleWriter renders samples as they arrive.
type sampleWriter interface {
	Write(s blueberry.SensorSample) error
	Flush() error
}

func newSampleWriter(w io.Writer, format string) (sampleWriter, error) {
	switch format {
	case "txt":
		return &txtWriter{w: w}, nil
	case "csv":
		return &csvWriter{w: csv.NewWriter(w)}, nil
	case "json":
		return &jsonWriter{enc: json.NewEncoder(w)}, nil
	}
	return nil, fmt.Errorf("unknown output format %q", format)
}

const txtColWidth = 12

// txtWriter prints columnized text for terminal output.
type txtWriter struct {
	w      io.Writer
	header bool
}

func (t *txtWriter) Write(s blueberry.SensorSample) error {
	if !t.header {
		t.header = true
		fmt.Fprintf(t.w, "%-*s%-*s%-*s%-*s\n", txtColWidth, "TS", txtColWidth, "sensor",
			txtColWidth, "value", txtColWidth, "(unit)")
	}
	unit := s.Kind.Unit()
	if unit != "" {
		unit = "(" + unit + ")"
	}
	_, err := fmt.Fprintf(t.w, "%-*d%-*s%-*.3f%-*s\n",
		txtColWidth, s.TimestampMS, txtColWidth, s.Kind, txtColWidth, s.Value, txtColWidth, unit)
	return err
}

func (t *txtWriter) Flush() error { return nil }

type csvWriter struct {
	w      *csv.Writer
	header bool
}

func (c *csvWriter) Write(s blueberry.SensorSample) error {
	if !c.header {
		c.header = true
		if err := c.w.Write([]string{"seq", "ts_ms", "sensor", "value", "unit"}); err != nil {
			return err
		}
	}
	return c.w.Write([]string{
		strconv.FormatUint(uint64(s.Seq), 10),
		strconv.FormatUint(uint64(s.TimestampMS), 10),
		s.Kind.String(),
		strconv.FormatFloat(s.Value, 'f', -1, 64),
		s.Kind.Unit(),
	})
}

func (c *csvWriter) Flush() error {
	c.w.Flush()
	return c.w.Error()
}

type jsonWriter struct {
	enc *json.Encoder
}

type jsonSample struct {
	Seq    uint32  `json:"seq"`
	TsMS   uint32  `json:"ts_ms"`
	Sensor string  `json:"sensor"`
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
}

func (j *jsonWriter) Write(s blueberry.SensorSample) error {
	return j.enc.Encode(jsonSample{
		Seq:    s.Seq,
		TsMS:   s.TimestampMS,
		Sensor: s.Kind.String(),
		Value:  s.Value,
		Unit:   s.Kind.Unit(),
	})
}

func (j *jsonWriter) Flush() error { return nil }
