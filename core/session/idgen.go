package session

import (
	crand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand/v2"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// IDGenerator produces session ids made of a random part, a per-generator
// counter and an optional worker name suffix. The counter keeps ids unique on
// one node even if the random source is weak; the worker name keeps them unique
// across nodes.
type IDGenerator struct {
	workerName string
	random     io.Reader
	counter    atomic.Uint64

	weakOnce sync.Once
	weakMu   sync.Mutex
	weak     *rand.Rand
}

// IDGeneratorOption configures an IDGenerator.
type IDGeneratorOption func(*IDGenerator)

// WithRandomSource replaces crypto/rand as the source of randomness.
// When the source fails, the generator falls back to a seeded PRNG.
func WithRandomSource(r io.Reader) IDGeneratorOption {
	return func(g *IDGenerator) {
		if r != nil {
			g.random = r
		}
	}
}

// NewIDGenerator creates a generator. An empty worker name produces ids without suffix.
// Dots are stripped from the worker name since a dot separates the suffix.
func NewIDGenerator(workerName string, opts ...IDGeneratorOption) *IDGenerator {
	g := &IDGenerator{
		workerName: strings.ReplaceAll(workerName, ".", ""),
		random:     crand.Reader,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WorkerName returns the id suffix.
func (g *IDGenerator) WorkerName() string {
	return g.workerName
}

// NewID returns a new session id.
func (g *IDGenerator) NewID() string {
	r0, r1 := g.randomPair()

	var b strings.Builder
	b.Grow(40 + len(g.workerName))
	b.WriteString(strconv.FormatUint(r0, 36))
	b.WriteString(strconv.FormatUint(r1, 36))
	b.WriteString(strconv.FormatUint(g.counter.Add(1), 36))
	if g.workerName != "" {
		b.WriteByte('.')
		b.WriteString(g.workerName)
	}
	return b.String()
}

func (g *IDGenerator) randomPair() (uint64, uint64) {
	var buf [16]byte
	if _, err := io.ReadFull(g.random, buf[:]); err == nil {
		return binary.BigEndian.Uint64(buf[:8]), binary.BigEndian.Uint64(buf[8:])
	}

	g.weakOnce.Do(g.seedWeak)
	g.weakMu.Lock()
	defer g.weakMu.Unlock()
	return g.weak.Uint64(), g.weak.Uint64()
}

// seedWeak seeds the fallback PRNG from the clock, heap statistics and the generator address.
func (g *IDGenerator) seedWeak() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	now := uint64(time.Now().UnixNano())
	addr := uint64(reflect.ValueOf(g).Pointer())
	g.weak = rand.New(rand.NewPCG(now^ms.HeapAlloc, addr^ms.TotalAlloc^(now<<17)))
}
