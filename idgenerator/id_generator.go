// Package idgenerator issues connection identifiers. Identifiers are strictly
// increasing for the lifetime of a generator and are never handed out twice,
// even after the connection that held one is gone.
package idgenerator

import (
	"errors"
	"math"
	"sync/atomic"
)

// ErrExhausted is returned once every identifier above the start value has
// been issued. The generator refuses to wrap around instead of reusing ids.
var ErrExhausted = errors.New("idgenerator: identifier space exhausted")

// IdGenerator generates monotonically increasing uint32 IDs in a
// concurrency-safe manner. Zero is never issued, so callers may use it to
// mean "no id".
type IdGenerator struct {
	last atomic.Uint32
}

// NewIdGenerator creates an IdGenerator whose first Next returns
// startValue+1.
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint32) *IdGenerator {
	gen := &IdGenerator{}
	gen.last.Store(startValue)
	return gen
}

// Next returns the next identifier.
//
// Returns:
//   - The next uint32 identifier
//   - ErrExhausted if the counter already reached math.MaxUint32
func (g *IdGenerator) Next() (uint32, error) {
	for {
		cur := g.last.Load()
		if cur == math.MaxUint32 {
			return 0, ErrExhausted
		}

		if g.last.CompareAndSwap(cur, cur+1) {
			return cur + 1, nil
		}
	}
}

// Last returns the most recently issued identifier, or the start value if
// none has been issued yet.
func (g *IdGenerator) Last() uint32 {
	return g.last.Load()
}
