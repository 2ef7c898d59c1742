package airspyhf

import "math"

const (
	// AttStepDB is the attenuator grid; steps 0..AttMaxStep cover 0..48 dB.
	AttStepDB  = 6.0
	AttMaxStep = 8
	// LNAGainDB is the single preamp increment.
	LNAGainDB = 6.0
)

// AttenuationStep maps an attenuation request in dB (0, -6, ... -48) to the
// nearest device step, rounding half away from zero. The result is not
// clamped; callers validate it against the advertised range.
func AttenuationStep(db float64) int {
	return int(math.Round(-db / AttStepDB))
}

// AttenuationDB is the exact inverse of AttenuationStep for valid steps.
func AttenuationDB(step int) float64 {
	if step == 0 {
		return 0
	}
	return float64(step) * -AttStepDB
}

// PreampFlag enables the preamp for requests at or above half the increment.
func PreampFlag(db float64) uint8 {
	if db >= LNAGainDB/2 {
		return 1
	}
	return 0
}

// PreampDB returns the gain contributed by the preamp flag.
func PreampDB(flag uint8) float64 {
	if flag != 0 {
		return LNAGainDB
	}
	return 0
}

func clampStep(step int) uint8 {
	if step < 0 {
		return 0
	}
	if step > AttMaxStep {
		return AttMaxStep
	}
	return uint8(step)
}
