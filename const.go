package blueberry

// This file includes constants from the BlueBerry command protocol.

// Command opcodes written to the command TX characteristic.
const (
	cmdUpdateReadPtr     = 0x00
	cmdBlinkLED          = 0x01
	cmdEnterDFU          = 0x02
	cmdCalibrateGyro     = 0x03
	cmdCalibrateCompass  = 0x04
	cmdCalibrateEnd      = 0x05
	cmdSetPasscode       = 0x06
	cmdGetPasscodeState  = 0x07
	cmdSetDisableCalCorr = 0x08
	cmdGetDisableCalCorr = 0x09
)

// A response notification on the command RX characteristic echoes the
// request opcode with the high bit set.
const cmdRespFlag = 0x80

// Command response status codes.
const (
	respSuccess              = 0x00
	respError                = 0x01
	respErrorPasscodeFormat  = 0x02
	respErrorCompassNoMotion = 0x03
	respErrorCompassLargeMag = 0x04
	respErrorAccessDenied    = 0x05
	respErrorUnknownCmd      = 0x06
	respComplete             = 0x80
	respErrorCalibration     = 0x81
	respProgress             = 0x82
)

var respName = map[byte]string{
	respSuccess:              "success",
	respError:                "error",
	respErrorPasscodeFormat:  "bad passcode format",
	respErrorCompassNoMotion: "compass calibration, no motion",
	respErrorCompassLargeMag: "compass calibration, large magnet",
	respErrorAccessDenied:    "access denied",
	respErrorUnknownCmd:      "unknown command",
	respComplete:             "complete",
	respErrorCalibration:     "calibration error",
	respProgress:             "progress",
}

func respString(c byte) string {
	if s, ok := respName[c]; ok {
		return s
	}
	return "unknown status"
}

// PasscodeStatus is the device passcode state as reported by the
// get-passcode-state command.
type PasscodeStatus byte

const (
	// PasscodeInit means the unit has not been configured yet.
	PasscodeInit PasscodeStatus = 0x00
	// PasscodeUnverified means the correct passcode has not been entered.
	PasscodeUnverified PasscodeStatus = 0x01
	// PasscodeVerified means the correct passcode has been entered.
	PasscodeVerified PasscodeStatus = 0x02
	// PasscodeDisabled means no passcode is needed.
	PasscodeDisabled PasscodeStatus = 0x03
)

func (p PasscodeStatus) String() string {
	switch p {
	case PasscodeInit:
		return "init"
	case PasscodeUnverified:
		return "unverified"
	case PasscodeVerified:
		return "verified"
	case PasscodeDisabled:
		return "disabled"
	}
	return "unknown"
}

// passcodeLen is fixed by the firmware: 8 ASCII characters.
const passcodeLen = 8

// Connection interval expected by the device, in raw 1.25 ms units.
// Narrower host defaults make the device drop the connection eventually,
// so the session requests an update after connecting.
const (
	connIntervalMinRaw = 80  // 100 ms
	connIntervalMaxRaw = 160 // 200 ms
	connIntervalUnitMS = 1.25
)
