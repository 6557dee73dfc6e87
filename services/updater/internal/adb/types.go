package adb

// Device is one entry of a device enumeration.
type Device struct {
	Serial string `json:"serial"`
	State  string `json:"state"`
}

// Mode is the connectivity mode a device is currently reachable in.
type Mode string

const (
	ModeAbsent      Mode = "absent"
	ModeDebugBridge Mode = "debug-bridge"
	ModeBootloader  Mode = "bootloader"
)

// Target selects where Reboot sends the device.
type Target string

const (
	TargetRecovery   Target = "recovery"
	TargetBootloader Target = "bootloader"
	TargetNormal     Target = "normal"
)
