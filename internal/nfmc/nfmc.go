// Package nfmc computes the network friendly retry delays (tempos) derived
// from the operator supplied base values and the SIM identity.
package nfmc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// TempoCount is the number of back-off slots.
const TempoCount = 7

// DefaultBase are the operator base values in milliseconds used when no
// cellular params override them.
var DefaultBase = [TempoCount]uint32{60000, 120000, 240000, 480000, 960000, 1920000, 3840000}

var ErrInvalidIMSI = errors.New("invalid imsi")

// Context holds the computed tempos of the current power cycle.
type Context struct {
	Active bool
	Tempo  [TempoCount]uint32
}

// Modulo64 returns (hi<<32 | lo) mod div using only 32-bit operations.
// It follows a shift and subtract long division over the high/low halves so
// the result is identical to firmware lacking a 64-bit divider.
// div must not be zero.
func Modulo64(div, hi, lo uint32) uint32 {
	divM := div
	divL := uint32(0)
	tmpM := hi % divM
	tmpL := lo

	for tmpM > 0 {
		switch {
		case divM > tmpM || (divM == tmpM && divL > tmpL):
			// divisor larger than remainder
		case divL > tmpL:
			tmpL -= divL
			tmpM--
			tmpM -= divM
		default:
			tmpM -= divM
			tmpL -= divL
		}
		divL >>= 1
		if divM&1 == 1 {
			divL |= 0x80000000
		}
		divM >>= 1
	}

	return tmpL % div
}

// Tempo returns the delay for one base value: (imsi mod base) + base, or the
// low 32 bits of the imsi when base is zero.
func Tempo(base, hi, lo uint32) uint32 {
	if base == 0 {
		return lo
	}
	return Modulo64(base, hi, lo) + base
}

// ComputeTempos derives the seven delays for the given imsi halves.
func ComputeTempos(base [TempoCount]uint32, hi, lo uint32) [TempoCount]uint32 {
	var out [TempoCount]uint32
	for i, v := range base {
		out[i] = Tempo(v, hi, lo)
	}
	return out
}

// ParseIMSI reads the imsi string as a hexadecimal number, with or without
// a 0x prefix, and splits it into its high and low 32-bit halves.
func ParseIMSI(imsi string) (hi, lo uint32, err error) {
	s := strings.TrimSpace(imsi)
	if len(s) > 2 && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if s == "" || len(s) > 16 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidIMSI, imsi)
	}

	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q: %v", ErrInvalidIMSI, imsi, err)
	}

	return uint32(v >> 32), uint32(v), nil
}

// Fill recomputes the context. An inactive configuration clears the tempos.
func (c *Context) Fill(active bool, base [TempoCount]uint32, hi, lo uint32) {
	c.Active = active
	if !active {
		c.Tempo = [TempoCount]uint32{}
		return
	}
	c.Tempo = ComputeTempos(base, hi, lo)
}
