// Package ulid issues lexicographically sortable, time-prefixed identifiers.
//
// An id is 26 Crockford base-32 symbols: 10 for the millisecond timestamp and
// 16 random. Ids from one Generator strictly increase: when two ids share a
// millisecond (or the clock steps back) the random part of the previous id is
// incremented instead of drawn again.
package ulid

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// Alphabet is Crockford's base-32 alphabet (no I, L, O, U).
	Alphabet = ulid.Encoding

	TimeLen   = 10
	RandomLen = 16
	Len       = ulid.EncodedSize
)

var (
	// ErrOverflow is returned when one millisecond runs out of increments.
	// The caller may retry once the clock has moved on.
	ErrOverflow  = ulid.ErrMonotonicOverflow
	ErrTimeRange = ulid.ErrBigTime
	ErrInvalid   = errors.New("ulid: invalid id")
)

// Generator is safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	now     func() time.Time
	source  io.Reader
	entropy *ulid.MonotonicEntropy
	lastMS  uint64
}

type Option func(*Generator)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// WithEntropy overrides crypto/rand (tests).
func WithEntropy(r io.Reader) Option {
	return func(g *Generator) {
		if r != nil {
			g.source = r
		}
	}
}

func NewGenerator(opts ...Option) *Generator {
	g := &Generator{now: time.Now, source: rand.Reader}
	for _, o := range opts {
		o(g)
	}
	// Step by one so a millisecond holds 2^80 ids after the first draw.
	g.entropy = ulid.Monotonic(g.source, 1)
	return g
}

var std = NewGenerator()

// New returns an id from the process-wide generator. It panics only if the
// system entropy source fails or one millisecond runs out of increments.
func New() string {
	id, err := std.New()
	if err != nil {
		panic(err)
	}
	return id
}

func (g *Generator) New() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := ulid.Timestamp(g.now())
	if ms < g.lastMS {
		// Clock skew: stay on the previous millisecond and bump.
		ms = g.lastMS
	}
	id, err := ulid.New(ms, g.entropy)
	if err != nil {
		return "", err
	}
	g.lastMS = ms
	return id.String(), nil
}

// Valid reports whether id has the ULID shape. Lower-case ids are accepted.
func Valid(id string) bool {
	_, err := ulid.ParseStrict(id)
	return err == nil
}

// Time decodes the timestamp prefix.
func Time(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return u.Timestamp(), nil
}
