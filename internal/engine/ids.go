package engine

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"tipoff/pkg/types"
)

// IDGenerator allocates correlation ids of the form <run>-<seq>. The run
// prefix is random per process so confirmations addressed to a previous run
// never match; seq is monotonic for the life of the generator.
type IDGenerator struct {
	prefix string
	seq    atomic.Uint64
}

// NewIDGenerator creates a generator with a fresh random run prefix.
func NewIDGenerator() *IDGenerator {
	return NewIDGeneratorWithPrefix(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// NewIDGeneratorWithPrefix creates a generator with a fixed prefix.
func NewIDGeneratorWithPrefix(prefix string) *IDGenerator {
	return &IDGenerator{prefix: prefix}
}

// Next returns a new id and its sequence number. Safe for concurrent use.
func (g *IDGenerator) Next() (types.CorrelationID, uint64) {
	n := g.seq.Add(1)
	return types.CorrelationID(fmt.Sprintf("%s-%d", g.prefix, n)), n
}
