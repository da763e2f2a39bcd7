package topology

import "fmt"

// Token is a position on the partition-key hash ring.
type Token = uint64

// Range is a half-open interval [Start, End) over the token space.
// End <= Start means the range wraps around the top of the ring.
// Ranges from different tables are repaired independently even when
// numerically identical, so a Range is always paired with a table id.
type Range struct {
	Start Token `msgpack:"s"`
	End   Token `msgpack:"e"`
}

// Contains reports whether tok falls inside the range.
func (r Range) Contains(tok Token) bool {
	if r.Start < r.End {
		return tok >= r.Start && tok < r.End
	}
	// Wrapping range
	return tok >= r.Start || tok < r.End
}

// IsWrapping reports whether the range wraps around the ring.
func (r Range) IsWrapping() bool {
	return r.End <= r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Peer identifies a cluster member by node id and transport address.
type Peer struct {
	NodeID     uint64 `msgpack:"id"`
	Addr       string `msgpack:"addr"`
	Datacenter string `msgpack:"dc"`
	Rack       string `msgpack:"rack"`
}

func (p Peer) String() string {
	return fmt.Sprintf("node-%d(%s)", p.NodeID, p.Addr)
}
