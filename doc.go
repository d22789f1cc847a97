// Package blueberry is a Bluetooth Low Energy client for the Lohmega
// BlueBerry data logger.
//
// The logger is a battery powered sensor box: it samples its sensors on a
// configurable interval, stores the readings in flash, and exposes them
// over a vendor GATT service. This package speaks that protocol: it scans
// for loggers, reads and writes their configuration, streams real-time
// sensor data, drains the historical log, and performs firmware updates
// through the Nordic bootloader.
//
// # SETUP
//
// The package core is transport independent. A Transport implementation
// provides access to the host Bluetooth adapter; the linux subpackage
// implements one on top of the BlueZ HCI socket. Opening the HCI socket
// requires CAP_NET_ADMIN, so programs typically run as root or with the
// capability granted:
//
//	sudo setcap 'cap_net_raw,cap_net_admin=eip' yourprogram
//
// # USAGE
//
// Every operation is a single self-contained session: the client connects,
// negotiates connection parameters, executes, and disconnects. No
// connection state is held between calls.
//
//	tr, err := linux.NewTransport()
//	...
//	c := blueberry.New(tr, blueberry.WithPasscode("12345678"))
//	cfg, err := c.ConfigRead(ctx, addr)
//
// Devices configured with a passcode reject mutating operations until the
// passcode has been presented; supply it with WithPasscode.
package blueberry
