package blueberry

import "time"

// DeviceInfo is a read-only snapshot of an advertising or connected device.
type DeviceInfo struct {
	Address         string
	Name            string
	RSSI            int
	SerialNumber    string
	FirmwareVersion string
	HardwareModel   string
	Manufacturer    string

	// Capabilities discovered from the GATT database at connect time.
	HasRTD bool
	HasDFU bool
}

// ConfigRecord is the device configuration as read back from the device.
// The device is the authority; the engine never assumes a local copy is
// current.
type ConfigRecord struct {
	Logging  bool
	Interval uint32 // log interval, seconds
	Sensors  SensorMask
	RTImu    uint32 // real time IMU mode
	ConnMin  uint16 // preferred connection interval, raw 1.25 ms units
	ConnMax  uint16
	Passcode PasscodeStatus
}

// ConfigUpdate selects the configuration fields to change. Nil pointers and
// zero masks leave the corresponding device value untouched. Enable and
// Disable adjust the sensor bitfield relative to the value currently on
// the device.
type ConfigUpdate struct {
	Logging  *bool
	Interval *uint32
	Enable   SensorMask
	Disable  SensorMask
	RTImu    *uint32
	ConnMin  *uint16
	ConnMax  *uint16
}

// Empty reports whether the update changes nothing.
func (u ConfigUpdate) Empty() bool {
	return u.Logging == nil && u.Interval == nil && u.RTImu == nil &&
		u.ConnMin == nil && u.ConnMax == nil && u.Enable == 0 && u.Disable == 0
}

// SensorSample is one decoded measurement. Immutable once decoded.
type SensorSample struct {
	Seq         uint32
	TimestampMS uint32 // monotonic device clock, milliseconds
	Kind        SensorKind
	Raw         int32
	Value       float64 // Raw converted to Kind.Unit()
}

// A Gap marks a hole in the sample sequence numbering: dropped
// notifications in real-time mode, an integrity violation in log mode.
type Gap struct {
	Expected uint32
	Actual   uint32
}

// LogRange selects a slice of the on-device historical log.
// Count == 0 means "until end of log".
type LogRange struct {
	Start uint32
	Count uint32
}

// LogChunk is a batch of samples drained from device flash.
type LogChunk struct {
	Start   uint32
	Samples []SensorSample
}

// DfuResult reports a completed firmware update.
type DfuResult struct {
	Version   string
	BytesSent int
	CRC       uint32
	Elapsed   time.Duration
}
