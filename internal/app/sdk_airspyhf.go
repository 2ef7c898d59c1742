//go:build airspyhf && cgo

package app

import "github.com/rjboer/sdrsource/internal/airspyhf"

func airspyhfLib() airspyhf.Driver { return airspyhf.Lib{} }
