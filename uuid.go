package blueberry

import (
	"fmt"

	"github.com/google/uuid"
)

// bbUUID returns a characteristic or service UUID from the BlueBerry vendor
// base c9f6xxxx-9f9b-fba4-5847-7fd701bf59f2.
func bbUUID(n uint16) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("c9f6%04x-9f9b-fba4-5847-7fd701bf59f2", n))
}

// stdUUID returns a Bluetooth SIG assigned UUID.
func stdUUID(n uint16) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("0000%04x-0000-1000-8000-00805f9b34fb", n))
}

// dfuUUID returns a UUID from the Nordic secure DFU base
// 8ec9xxxx-f315-4f60-9fb8-838830daea50.
func dfuUUID(n uint16) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("8ec9%04x-f315-4f60-9fb8-838830daea50", n))
}

// GATT services and characteristics exposed by the logger firmware.
var (
	// Log service.
	svcLog = bbUUID(0x0002)
	// Real time sensor data (notify).
	chrSensorsRTD = bbUUID(0x0022)
	// Stored log data (notify).
	chrSensorsLog = bbUUID(0x0021)
	// Command TX: opcode plus optional payload (write).
	chrCmdTX = bbUUID(0x001a)
	// Command RX: response code plus optional payload (notify).
	chrCmdRX = bbUUID(0x0023)
	// Logging on/off, uint32 (read/write).
	chrCfgLogEnable = bbUUID(0x0000)
	// Enabled sensors bitfield, uint32 (read/write).
	chrCfgSensorEnable = bbUUID(0x0001)
	// Log interval in seconds, uint32 (read/write).
	chrCfgInterval = bbUUID(0x0002)
	// Real time IMU mode, uint32 (read/write).
	chrCfgRTImu = bbUUID(0x0003)
	// Preferred connection interval min/max, raw 1.25 ms units, uint32.
	chrCfgConnMin = bbUUID(0x0004)
	chrCfgConnMax = bbUUID(0x0005)

	// Device information service.
	svcDeviceInfo    = stdUUID(0x180a)
	chrSerialNumber  = stdUUID(0x2a25)
	chrSoftwareRev   = stdUUID(0x2a28)
	chrManufacturer  = stdUUID(0x2a29)
	chrHardwareModel = stdUUID(0x2a24)

	// Nordic secure DFU. svcNordicDFU is advertised by devices already in
	// the bootloader.
	svcNordicDFU  = stdUUID(0xfe59)
	chrDFUControl = dfuUUID(0x0001)
	chrDFUData    = dfuUUID(0x0002)
)

// Direction describes how a characteristic is accessed.
type Direction int

const (
	DirRead Direction = 1 << iota
	DirWrite
	DirNotify
)

func (d Direction) String() string {
	s := ""
	if d&DirRead != 0 {
		s += "r"
	}
	if d&DirWrite != 0 {
		s += "w"
	}
	if d&DirNotify != 0 {
		s += "n"
	}
	return s
}

// Operation is a logical device operation resolvable to a characteristic.
type Operation string

const (
	OpCfgLogEnable    Operation = "cfg-log-enable"
	OpCfgSensorEnable Operation = "cfg-sensor-enable"
	OpCfgInterval     Operation = "cfg-interval"
	OpCfgRTImu        Operation = "cfg-rt-imu"
	OpCfgConnMin      Operation = "cfg-conn-min"
	OpCfgConnMax      Operation = "cfg-conn-max"
	OpCmdTX           Operation = "cmd-tx"
	OpCmdRX           Operation = "cmd-rx"
	OpSensorsRTD      Operation = "sensors-rtd"
	OpSensorsLog      Operation = "sensors-log"
	OpSerialNumber    Operation = "serial-number"
	OpSoftwareRev     Operation = "software-rev"
	OpManufacturer    Operation = "manufacturer"
	OpHardwareModel   Operation = "hardware-model"
	OpDFUControl      Operation = "dfu-control"
	OpDFUData         Operation = "dfu-data"
)

// A Descriptor binds an operation to its characteristic UUID, access
// direction and wire schema (nil for free-form payloads such as UTF-8
// device information strings).
type Descriptor struct {
	Op     Operation
	UUID   uuid.UUID
	Dir    Direction
	Schema *Schema
}

var charTable = map[Operation]Descriptor{
	OpCfgLogEnable:    {OpCfgLogEnable, chrCfgLogEnable, DirRead | DirWrite, schemaU32},
	OpCfgSensorEnable: {OpCfgSensorEnable, chrCfgSensorEnable, DirRead | DirWrite, schemaU32},
	OpCfgInterval:     {OpCfgInterval, chrCfgInterval, DirRead | DirWrite, schemaU32},
	OpCfgRTImu:        {OpCfgRTImu, chrCfgRTImu, DirRead | DirWrite, schemaU32},
	OpCfgConnMin:      {OpCfgConnMin, chrCfgConnMin, DirRead | DirWrite, schemaU32},
	OpCfgConnMax:      {OpCfgConnMax, chrCfgConnMax, DirRead | DirWrite, schemaU32},
	OpCmdTX:           {OpCmdTX, chrCmdTX, DirWrite, nil},
	OpCmdRX:           {OpCmdRX, chrCmdRX, DirNotify, nil},
	OpSensorsRTD:      {OpSensorsRTD, chrSensorsRTD, DirNotify, schemaSample},
	OpSensorsLog:      {OpSensorsLog, chrSensorsLog, DirNotify, schemaSample},
	OpSerialNumber:    {OpSerialNumber, chrSerialNumber, DirRead, nil},
	OpSoftwareRev:     {OpSoftwareRev, chrSoftwareRev, DirRead, nil},
	OpManufacturer:    {OpManufacturer, chrManufacturer, DirRead, nil},
	OpHardwareModel:   {OpHardwareModel, chrHardwareModel, DirRead, nil},
	OpDFUControl:      {OpDFUControl, chrDFUControl, DirWrite | DirNotify, nil},
	OpDFUData:         {OpDFUData, chrDFUData, DirWrite, nil},
}

// Resolve maps a logical operation to its characteristic descriptor.
func Resolve(op Operation) (Descriptor, error) {
	d, ok := charTable[op]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	return d, nil
}
