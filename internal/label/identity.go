package label

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// CodeAlphabet is the set of characters a human code is drawn from.
// The letter O is excluded so codes cannot be confused with the digit zero.
const CodeAlphabet = "ABCDEFGHIJKLMNPQRSTUVWXYZ0123456789"

// CodeLength is the fixed length of a human code.
const CodeLength = 8

// rejection bound: largest multiple of len(CodeAlphabet) that fits in a byte
const codeByteLimit = 256 - 256%len(CodeAlphabet)

var ErrEntropyUnavailable = errors.New("entropy source unavailable")

// Identity identifies one physical label.
type Identity struct {
	ID   uuid.UUID
	Code string
}

func (i Identity) String() string {
	return fmt.Sprintf("%s (%s)", i.Code, i.ID)
}

// Generator produces label identities. It is safe for concurrent use,
// although labels are normally generated from a single goroutine.
type Generator struct {
	mu   sync.Mutex
	rand io.Reader
	buf  [CodeLength * 2]byte
}

// NewGenerator returns a generator reading from r, or crypto/rand when r is nil.
// The source is probed once; a failure here is fatal for the process.
func NewGenerator(r io.Reader) (*Generator, error) {
	if r == nil {
		r = rand.Reader
	}

	var probe [16]byte
	if _, err := io.ReadFull(r, probe[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
	}

	return &Generator{rand: r}, nil
}

// Next returns a fresh identity. It panics if the entropy source fails after
// startup, which is not a condition the caller can recover from.
func (g *Generator) Next() Identity {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := uuid.NewV7FromReader(g.rand)
	if err != nil {
		panic(fmt.Errorf("%w: %v", ErrEntropyUnavailable, err))
	}

	code, err := g.code()
	if err != nil {
		panic(fmt.Errorf("%w: %v", ErrEntropyUnavailable, err))
	}

	return Identity{ID: id, Code: code}
}

func (g *Generator) code() (string, error) {
	var sb strings.Builder
	sb.Grow(CodeLength)

	for sb.Len() < CodeLength {
		if _, err := io.ReadFull(g.rand, g.buf[:]); err != nil {
			return "", err
		}
		for _, b := range g.buf {
			if int(b) >= codeByteLimit {
				continue
			}
			sb.WriteByte(CodeAlphabet[int(b)%len(CodeAlphabet)])
			if sb.Len() == CodeLength {
				break
			}
		}
	}

	return sb.String(), nil
}

// ValidCode reports whether s has the shape of a human code.
func ValidCode(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(CodeAlphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
