package hlc

import (
	"sync"
	"time"
)

// Clock implements a Hybrid Logical Clock. Repair completion times are HLC
// timestamps so that history comparisons stay monotonic even when peer wall
// clocks drift.
type Clock struct {
	nodeID   uint64
	wallTime int64
	logical  int32
	mu       sync.Mutex
}

// Timestamp represents a point in time across the cluster.
type Timestamp struct {
	WallTime int64  `msgpack:"w"`
	Logical  int32  `msgpack:"l"`
	NodeID   uint64 `msgpack:"n"`
}

// Zero is the timestamp before all others.
var Zero = Timestamp{}

// NewClock creates a new HLC instance for the given node.
func NewClock(nodeID uint64) *Clock {
	return &Clock{
		nodeID:   nodeID,
		wallTime: time.Now().UnixNano(),
	}
}

// Now generates a new timestamp for a local event.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := time.Now().UnixNano()
	if physicalNow > c.wallTime {
		c.wallTime = physicalNow
		c.logical = 0
	} else {
		c.logical++
	}

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		NodeID:   c.nodeID,
	}
}

// Update advances the clock past a timestamp received from a peer and
// returns the updated current time. Used when a follower reports its repair
// completion time so the coordinator's history entry dominates both sides.
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := time.Now().UnixNano()

	maxWall := c.wallTime
	if remote.WallTime > maxWall {
		maxWall = remote.WallTime
	}
	if physicalNow > maxWall {
		maxWall = physicalNow
	}

	switch {
	case maxWall == c.wallTime && maxWall == remote.WallTime:
		if remote.Logical > c.logical {
			c.logical = remote.Logical
		}
		c.logical++
	case maxWall == remote.WallTime:
		c.logical = remote.Logical + 1
	case maxWall == physicalNow:
		c.logical = 0
	default:
		c.logical++
	}
	c.wallTime = maxWall

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		NodeID:   c.nodeID,
	}
}

// Compare returns -1 if a < b, 0 if a == b, 1 if a > b.
func Compare(a, b Timestamp) int {
	if a.WallTime != b.WallTime {
		if a.WallTime < b.WallTime {
			return -1
		}
		return 1
	}
	if a.Logical != b.Logical {
		if a.Logical < b.Logical {
			return -1
		}
		return 1
	}
	// Node ID as tiebreaker so ordering is total.
	if a.NodeID != b.NodeID {
		if a.NodeID < b.NodeID {
			return -1
		}
		return 1
	}
	return 0
}

// Less returns true if a happened before b.
func Less(a, b Timestamp) bool {
	return Compare(a, b) < 0
}

// After returns true if a happened after b.
func After(a, b Timestamp) bool {
	return Compare(a, b) > 0
}

// Max returns the later of a and b.
func Max(a, b Timestamp) Timestamp {
	if Compare(a, b) >= 0 {
		return a
	}
	return b
}

// IsZero reports whether t is the zero timestamp.
func (t Timestamp) IsZero() bool {
	return t.WallTime == 0 && t.Logical == 0 && t.NodeID == 0
}

// PhysicalTime returns the physical time component as time.Time.
func (t Timestamp) PhysicalTime() time.Time {
	return time.Unix(0, t.WallTime)
}

// String returns a human-readable representation.
func (t Timestamp) String() string {
	return t.PhysicalTime().Format(time.RFC3339Nano)
}
