package sdr

import (
	"fmt"
	"strings"
)

// DeviceInfo describes an attached radio as reported by enumeration.
type DeviceInfo struct {
	Driver string `json:"driver"`
	Index  int    `json:"index"`
	Serial string `json:"serial"`
	Label  string `json:"label"`
}

// Args renders the descriptor as device arguments that reopen the same unit.
func (d DeviceInfo) Args() Args {
	a := Args{d.Driver: fmt.Sprintf("%d", d.Index)}
	if d.Label != "" {
		a["label"] = d.Label
	}
	if d.Serial != "" {
		a["serial"] = d.Serial
	}
	return a
}

// String formats the descriptor as driver=index,label='...',serial=...
func (d DeviceInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s=%d", d.Driver, d.Index)
	if d.Label != "" {
		fmt.Fprintf(&b, ",label='%s'", d.Label)
	}
	if d.Serial != "" {
		fmt.Fprintf(&b, ",serial=%s", d.Serial)
	}
	return b.String()
}

// AbbreviateSerial shortens 32 character serials to "abcd...wxyz".
func AbbreviateSerial(serial string) string {
	if len(serial) == 32 {
		return serial[:4] + "..." + serial[28:]
	}
	return serial
}
