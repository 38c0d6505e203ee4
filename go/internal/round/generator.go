package round

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand/v2"

	"github.com/mcdev12/symbolduel/go/internal/models"
)

// seedStream distinguishes the second PCG word from the seed itself.
const seedStream = 0x9e3779b97f4a7c15

// Generator draws targets uniformly from every symbol and color pair. Two
// generators built from the same seed produce the same sequence.
type Generator struct {
	rng *mrand.Rand
}

// NewGenerator returns a generator seeded with seed.
func NewGenerator(seed uint64) *Generator {
	return &Generator{rng: mrand.New(mrand.NewPCG(seed, seed^seedStream))}
}

// Next returns a fresh target. Repeats are allowed.
func (g *Generator) Next() models.Target {
	n := g.rng.IntN(models.SymbolCount * models.ColorCount)
	return models.Target{
		Symbol: models.SymbolType(n/models.ColorCount + 1),
		Color:  models.Color(n%models.ColorCount + 1),
	}
}

// NewSeed draws a seed from the operating system's random source.
func NewSeed() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
