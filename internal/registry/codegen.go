package registry

import (
	"fmt"
	mrand "math/rand/v2"
	"strings"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// CodeAlphabet has 32 symbols and leaves out 0/O and 1/I so codes can be
// read aloud and typed by hand.
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeGenerator produces candidate room codes of the requested length.
// Uniqueness is checked by the Registry, not the generator.
type CodeGenerator interface {
	Generate(length int) string
}

type randomGenerator struct{}

// NewRandomGenerator returns a NanoID generator over CodeAlphabet.
func NewRandomGenerator() CodeGenerator {
	return randomGenerator{}
}

func (randomGenerator) Generate(length int) string {
	code, err := gonanoid.Generate(CodeAlphabet, length)
	if err != nil {
		// Only reachable with a non-positive length.
		panic(fmt.Sprintf("generate room code of length %d: %v", length, err))
	}
	return code
}

// SeededGenerator is a deterministic generator for tests and reproducible
// load runs.
type SeededGenerator struct {
	mu  sync.Mutex
	rng *mrand.Rand
}

// NewSeededGenerator creates a generator whose output depends only on seed.
func NewSeededGenerator(seed uint64) *SeededGenerator {
	return &SeededGenerator{rng: mrand.New(mrand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (g *SeededGenerator) Generate(length int) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var sb strings.Builder
	sb.Grow(length)
	for i := 0; i < length; i++ {
		sb.WriteByte(CodeAlphabet[g.rng.IntN(len(CodeAlphabet))])
	}
	return sb.String()
}

// NormalizeCode canonicalises user input so codes match case-insensitively.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
