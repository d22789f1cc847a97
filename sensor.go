package blueberry

// SensorKind identifies the source of one sample value. Three-axis sensors
// report one sample per axis.
type SensorKind uint8

const (
	Pressure SensorKind = iota
	Humidity
	Temperature
	CompassX
	CompassY
	CompassZ
	AccelX
	AccelY
	AccelZ
	GyroX
	GyroY
	GyroZ
	Lux
	UVIndex
	Battery

	numSensorKinds
)

// SensorMask is the enabled-sensors bitfield stored on the device. Axes of
// a three-axis sensor share one bit.
type SensorMask uint32

const (
	MaskPressure SensorMask = 0x0001
	MaskHumidity SensorMask = 0x0002
	MaskTemp     SensorMask = 0x0004
	MaskCompass  SensorMask = 0x0008
	MaskAccel    SensorMask = 0x0010
	MaskGyro     SensorMask = 0x0020
	MaskLux      SensorMask = 0x0040
	MaskUVI      SensorMask = 0x0100
	MaskBattery  SensorMask = 0x0200
)

// sensorInfo describes how a raw wire value converts to a physical unit.
// The device reports scaled integers; scale is defined by the firmware.
type sensorInfo struct {
	name  string
	unit  string
	mask  SensorMask
	scale float64 // physical = raw * scale
}

var sensorTable = [numSensorKinds]sensorInfo{
	Pressure:    {"pressure", "hPa", MaskPressure, 1.0 / 100},
	Humidity:    {"humid", "%", MaskHumidity, 1.0 / 10},
	Temperature: {"temp", "C", MaskTemp, 1.0 / 1000},
	CompassX:    {"m_x", "uT", MaskCompass, 4915.0 / 32768},
	CompassY:    {"m_y", "uT", MaskCompass, 4915.0 / 32768},
	CompassZ:    {"m_z", "uT", MaskCompass, 4915.0 / 32768},
	AccelX:      {"a_x", "m/s^2", MaskAccel, 2.0 * 9.81 / 32768},
	AccelY:      {"a_y", "m/s^2", MaskAccel, 2.0 * 9.81 / 32768},
	AccelZ:      {"a_z", "m/s^2", MaskAccel, 2.0 * 9.81 / 32768},
	GyroX:       {"g_x", "dps", MaskGyro, 250.0 / 32768},
	GyroY:       {"g_y", "dps", MaskGyro, 250.0 / 32768},
	GyroZ:       {"g_z", "dps", MaskGyro, 250.0 / 32768},
	Lux:         {"lux", "lux", MaskLux, 1.0 / 1000},
	UVIndex:     {"uvi", "", MaskUVI, 1.0 / 1000},
	Battery:     {"batvolt", "V", MaskBattery, 1.0 / 1000},
}

// Valid reports whether k is a kind this firmware generation can emit.
func (k SensorKind) Valid() bool { return k < numSensorKinds }

func (k SensorKind) String() string {
	if !k.Valid() {
		return "unknown"
	}
	return sensorTable[k].name
}

// Unit returns the physical unit of converted values for this kind.
func (k SensorKind) Unit() string {
	if !k.Valid() {
		return ""
	}
	return sensorTable[k].unit
}

// Mask returns the enable bit controlling this kind.
func (k SensorKind) Mask() SensorMask {
	if !k.Valid() {
		return 0
	}
	return sensorTable[k].mask
}

// Convert applies the firmware's fixed-point scale to a raw wire value.
func (k SensorKind) Convert(raw int32) float64 {
	if !k.Valid() {
		return 0
	}
	return float64(raw) * sensorTable[k].scale
}

// SensorNames maps configurable sensor names (as used on the command line)
// to their enable masks.
var SensorNames = map[string]SensorMask{
	"pressure": MaskPressure,
	"humid":    MaskHumidity,
	"temp":     MaskTemp,
	"compass":  MaskCompass,
	"accel":    MaskAccel,
	"gyro":     MaskGyro,
	"lux":      MaskLux,
	"uvi":      MaskUVI,
	"batvolt":  MaskBattery,
}

// Names returns the sensor names enabled in m, in wire bit order.
func (m SensorMask) Names() []string {
	var out []string
	seen := SensorMask(0)
	for k := SensorKind(0); k < numSensorKinds; k++ {
		info := sensorTable[k]
		if m&info.mask != 0 && seen&info.mask == 0 {
			seen |= info.mask
			name := info.name
			switch info.mask {
			case MaskCompass:
				name = "compass"
			case MaskAccel:
				name = "accel"
			case MaskGyro:
				name = "gyro"
			}
			out = append(out, name)
		}
	}
	return out
}
