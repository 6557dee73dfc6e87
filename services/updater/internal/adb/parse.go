package adb

import (
	"bufio"
	"path"
	"regexp"
	"strings"
	"time"

	"fpupdate/services/updater/internal/fault"
)

// ProtocolVersion identifies the output grammar understood by this file.
// Bump it when adb or fastboot change their enumeration format.
const ProtocolVersion = 1

const (
	// MarkerDevice is the state adb reports for a booted, authorised device.
	MarkerDevice = "device"
	// MarkerFastboot is the state fastboot reports for a device in the bootloader.
	MarkerFastboot = "fastboot"

	devicesHeader = "List of devices attached"
)

var deviceLine = regexp.MustCompile(`^(\S+)\s+(\S.*)$`)

// ParseDevices parses the output of `adb devices` or `fastboot devices`.
//
// Grammar (one entry per line):
//
//	<serial> <whitespace> <state>
//
// The adb header line, blank lines and daemon status lines starting with "*"
// are skipped. Anything else is rejected with fault.ErrParse.
func ParseDevices(output string) ([]Device, error) {
	var devices []Device
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == devicesHeader || strings.HasPrefix(line, "*") {
			continue
		}
		m := deviceLine.FindStringSubmatch(line)
		if m == nil {
			return nil, fault.Parsef("parse devices", "unrecognised line %q", line)
		}
		devices = append(devices, Device{Serial: m[1], State: strings.TrimSpace(m[2])})
	}
	if err := scanner.Err(); err != nil {
		return nil, fault.Parsef("parse devices", "%v", err)
	}
	return devices, nil
}

// WithState returns the devices whose state equals marker.
func WithState(devices []Device, marker string) []Device {
	var out []Device
	for _, d := range devices {
		if d.State == marker {
			out = append(out, d)
		}
	}
	return out
}

// single resolves a filtered device list to its one member. Zero devices
// yields ok=false; more than one is a precondition failure.
func single(op string, devices []Device) (Device, bool, error) {
	switch len(devices) {
	case 0:
		return Device{}, false, nil
	case 1:
		return devices[0], true, nil
	default:
		serials := make([]string, 0, len(devices))
		for _, d := range devices {
			serials = append(serials, d.Serial)
		}
		return Device{}, false, fault.Preconditionf(op, "%d devices attached (%s); connect exactly one", len(devices), strings.Join(serials, ", "))
	}
}

// ParseBuildDate extracts the calendar date from `getprop ro.system.build.date`,
// e.g. "Mon May  1 12:00:00 UTC 2023".
func ParseBuildDate(output string) (time.Time, error) {
	fields := strings.Fields(output)
	if len(fields) < 6 {
		return time.Time{}, fault.Parsef("parse build date", "unexpected value %q", strings.TrimSpace(output))
	}
	month, day, year := fields[1], fields[2], fields[len(fields)-1]
	date, err := time.Parse("2 Jan 2006", day+" "+month+" "+year)
	if err != nil {
		return time.Time{}, fault.Parsef("parse build date", "unexpected value %q: %v", strings.TrimSpace(output), err)
	}
	return date, nil
}

// PatchedImagePattern builds the basename grammar for patched boot images:
// <prefix><5 digits>_<token><ext>. The suffix group is the run correlation key.
func PatchedImagePattern(prefix, ext string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `(\d{5}_[^/\s]+?)` + regexp.QuoteMeta(ext) + `$`)
}

// FindPatchedSuffixes returns the suffix of every listing entry matching pattern.
// Entries may be bare names or absolute device paths.
func FindPatchedSuffixes(listing string, pattern *regexp.Regexp) []string {
	var suffixes []string
	for _, line := range strings.Split(listing, "\n") {
		name := path.Base(strings.TrimSpace(line))
		if m := pattern.FindStringSubmatch(name); m != nil {
			suffixes = append(suffixes, m[1])
		}
	}
	return suffixes
}
