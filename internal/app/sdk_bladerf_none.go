//go:build !(bladerf && cgo)

package app

import "github.com/rjboer/sdrsource/internal/bladerf"

func bladerfLib() bladerf.Driver { return nil }
