package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"coupon/pkg/clock"
)

const (
	// Epoch is 2024-01-01T00:00:00Z in milliseconds
	Epoch int64 = 1704067200000

	NodeBits uint8 = 10
	StepBits uint8 = 12

	MaxNode int64 = -1 ^ (-1 << NodeBits)

	stepMask  int64 = -1 ^ (-1 << StepBits)
	timeShift       = NodeBits + StepBits
	nodeShift       = StepBits
)

// ErrClockMovedBackwards is returned when the wall clock runs behind the last issued id
var ErrClockMovedBackwards = errors.New("snowflake: clock moved backwards")

// Generator produces roughly time-ordered 63-bit ids that are unique per node.
type Generator struct {
	mu     sync.Mutex
	clock  clock.Clock
	nodeID int64
	lastMs int64
	step   int64
}

// New creates a generator for nodeID using the system clock
func New(nodeID int64) (*Generator, error) {
	return NewWithClock(nodeID, clock.NewSystem())
}

// NewWithClock creates a generator reading time from c
func NewWithClock(nodeID int64, c clock.Clock) (*Generator, error) {
	if nodeID < 0 || nodeID > MaxNode {
		return nil, fmt.Errorf("snowflake: node id %d out of range [0, %d]", nodeID, MaxNode)
	}
	return &Generator{clock: c, nodeID: nodeID}, nil
}

// Next returns the next id
func (g *Generator) Next() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now().UnixMilli()
	if now < g.lastMs {
		return 0, fmt.Errorf("%w: %dms", ErrClockMovedBackwards, g.lastMs-now)
	}

	if now == g.lastMs {
		g.step = (g.step + 1) & stepMask
		if g.step == 0 {
			// sequence exhausted for this millisecond
			for now <= g.lastMs {
				time.Sleep(100 * time.Microsecond)
				now = g.clock.Now().UnixMilli()
			}
		}
	} else {
		g.step = 0
	}
	g.lastMs = now

	return ((now - Epoch) << timeShift) | (g.nodeID << nodeShift) | g.step, nil
}

// ID is a decomposed id
type ID struct {
	Time   time.Time
	NodeID int64
	Step   int64
}

// Decompose splits id into its parts
func Decompose(id int64) ID {
	return ID{
		Time:   time.UnixMilli((id >> timeShift) + Epoch),
		NodeID: (id >> nodeShift) & MaxNode,
		Step:   id & stepMask,
	}
}
