// Package id generates identifiers for recordings and monitored objects.
package id

import (
	"strconv"
	"sync/atomic"

	"github.com/rs/xid"
)

// A Generator returns a new identifier on every call.
type Generator interface {
	Generate() string
}

// NewSequentialGenerator returns a Generator yielding "1", "2", ... It is
// safe for concurrent use and deterministic for a single goroutine.
func NewSequentialGenerator() Generator {
	return &sequentialGenerator{}
}

// NewXIDGenerator returns a Generator of globally unique xids. The IDs are
// not deterministic.
func NewXIDGenerator() Generator {
	return xidGenerator{}
}

type sequentialGenerator struct {
	nextID atomic.Uint64
}

func (g *sequentialGenerator) Generate() string {
	return strconv.FormatUint(g.nextID.Add(1), 10)
}

type xidGenerator struct{}

func (xidGenerator) Generate() string {
	return xid.New().String()
}
