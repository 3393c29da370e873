// Package numutil implements the rounding rules imposed by exchange
// symbol filters. Prices must land on a tick boundary and quantities on
// a step boundary, always rounded downward.
package numutil

import (
	"math"
	"strconv"
	"strings"
)

// FloorToTick floors v to a multiple of tickSize and repairs the binary
// floating-point drift introduced by the multiplication. The exchange
// rejects prices whose decimal expansion has more digits than the tick,
// so the result is reformatted at the tick's own precision.
func FloorToTick(v, tickSize float64) float64 {
	return floorTo(v, tickSize)
}

// FloorToStep floors v to a multiple of stepSize, see FloorToTick.
func FloorToStep(v, stepSize float64) float64 {
	return floorTo(v, stepSize)
}

func floorTo(v, incr float64) float64 {
	if incr <= 0 {
		return v
	}
	// Binary division can land a hair under an exact multiple, e.g.
	// 2/0.00001 = 199999.9999…; without the nudge an exact quantity
	// would lose one whole step.
	ratio := v / incr
	n := math.Floor(ratio)
	if ratio-n > 1-1e-8 {
		n++
	}
	floored := n * incr
	fixed := strconv.FormatFloat(floored, 'f', Precision(incr), 64)
	out, err := strconv.ParseFloat(fixed, 64)
	if err != nil {
		return floored
	}
	return out
}

// Precision returns the number of fractional digits in the shortest
// decimal form of incr. A tick of 0.01 has precision 2, a tick of 1 has
// precision 0.
func Precision(incr float64) int {
	s := strconv.FormatFloat(incr, 'f', -1, 64)
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	return len(s) - i - 1
}

// WithinHalf reports whether a and b differ by less than half an
// increment. Used to match filled buys against counter sells and to
// decide whether a take-profit order needs replacing.
func WithinHalf(a, b, incr float64) bool {
	if incr <= 0 {
		return a == b
	}
	return math.Abs(a-b) < incr/2
}
