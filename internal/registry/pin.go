package registry

import (
	"math/rand/v2"
	"strconv"
)

const (
	minPIN = 100000
	// PINSpace is the number of distinct PINs (100000..999999).
	PINSpace = 900000
)

// PINGenerator proposes candidate PINs. The registry rejects and resamples
// candidates that collide with a live room.
type PINGenerator interface {
	Next() string
}

// RandomPINs samples uniformly over the six digit space.
type RandomPINs struct{}

// Next implements PINGenerator.
func (RandomPINs) Next() string {
	return strconv.Itoa(minPIN + rand.IntN(PINSpace))
}
