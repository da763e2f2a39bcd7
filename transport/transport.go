package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/caulkdb/caulk/topology"
)

// ErrPeerUnavailable is returned when a peer cannot be reached or its
// outstanding calls were dropped via DropPeer.
var ErrPeerUnavailable = errors.New("peer unavailable")

// Handler receives inbound repair messages. The repair service implements
// it; transports dispatch to it on their receive path.
type Handler interface {
	HandleSessionCreate(ctx context.Context, req SessionCreateRequest) (SessionCreateResponse, error)
	HandleSessionRemove(ctx context.Context, req SessionRemoveRequest) (SessionRemoveResponse, error)
	HandleGetHashes(ctx context.Context, req HashesRequest) (HashesResponse, error)
	HandleGetRows(ctx context.Context, req RowsRequest) (RowsResponse, error)
	HandlePushRows(ctx context.Context, req RowsPushRequest) (RowsPushResponse, error)
	HandleSystemTableUpdate(ctx context.Context, req SystemTableUpdateRequest) (SystemTableUpdateResponse, error)
	HandleFlush(ctx context.Context, req FlushRequest) (FlushResponse, error)
}

// Transport sends typed requests to peers and awaits typed responses.
// Within one session, calls to a given peer are issued sequentially by the
// synchronizer, so ordering per peer follows from call order.
type Transport interface {
	SessionCreate(ctx context.Context, peer topology.Peer, req SessionCreateRequest) (SessionCreateResponse, error)
	SessionRemove(ctx context.Context, peer topology.Peer, req SessionRemoveRequest) (SessionRemoveResponse, error)
	GetHashes(ctx context.Context, peer topology.Peer, req HashesRequest) (HashesResponse, error)
	GetRows(ctx context.Context, peer topology.Peer, req RowsRequest) (RowsResponse, error)
	PushRows(ctx context.Context, peer topology.Peer, req RowsPushRequest) (RowsPushResponse, error)
	SystemTableUpdate(ctx context.Context, peer topology.Peer, req SystemTableUpdateRequest) (SystemTableUpdateResponse, error)
	Flush(ctx context.Context, peer topology.Peer, req FlushRequest) (FlushResponse, error)

	// RegisterHandler wires inbound dispatch. Must be called before the
	// transport starts receiving.
	RegisterHandler(h Handler)

	// DropPeer cancels all outstanding calls to a peer and fails new ones
	// until the peer's address is observed again.
	DropPeer(nodeID uint64)

	Close()
}

// Loopback is an in-process Transport connecting handlers by node id.
// Tests and single-process clusters register each node's handler on the
// same Loopback and messages are delivered as direct calls.
type Loopback struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler
	dropped  map[uint64]bool
}

// NewLoopback creates an empty loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{
		handlers: make(map[uint64]Handler),
		dropped:  make(map[uint64]bool),
	}
}

// Register wires up a node's handler.
func (l *Loopback) Register(nodeID uint64, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[nodeID] = h
	delete(l.dropped, nodeID)
}

// RegisterHandler registers the local handler under node id 0; tests that
// need multiple nodes use Register directly.
func (l *Loopback) RegisterHandler(h Handler) {
	l.Register(0, h)
}

func (l *Loopback) handler(peer topology.Peer) (Handler, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.dropped[peer.NodeID] {
		return nil, ErrPeerUnavailable
	}
	h, ok := l.handlers[peer.NodeID]
	if !ok {
		return nil, ErrPeerUnavailable
	}
	return h, nil
}

func (l *Loopback) SessionCreate(ctx context.Context, peer topology.Peer, req SessionCreateRequest) (SessionCreateResponse, error) {
	h, err := l.handler(peer)
	if err != nil {
		return SessionCreateResponse{}, err
	}
	return h.HandleSessionCreate(ctx, req)
}

func (l *Loopback) SessionRemove(ctx context.Context, peer topology.Peer, req SessionRemoveRequest) (SessionRemoveResponse, error) {
	h, err := l.handler(peer)
	if err != nil {
		return SessionRemoveResponse{}, err
	}
	return h.HandleSessionRemove(ctx, req)
}

func (l *Loopback) GetHashes(ctx context.Context, peer topology.Peer, req HashesRequest) (HashesResponse, error) {
	h, err := l.handler(peer)
	if err != nil {
		return HashesResponse{}, err
	}
	return h.HandleGetHashes(ctx, req)
}

func (l *Loopback) GetRows(ctx context.Context, peer topology.Peer, req RowsRequest) (RowsResponse, error) {
	h, err := l.handler(peer)
	if err != nil {
		return RowsResponse{}, err
	}
	return h.HandleGetRows(ctx, req)
}

func (l *Loopback) PushRows(ctx context.Context, peer topology.Peer, req RowsPushRequest) (RowsPushResponse, error) {
	h, err := l.handler(peer)
	if err != nil {
		return RowsPushResponse{}, err
	}
	return h.HandlePushRows(ctx, req)
}

func (l *Loopback) SystemTableUpdate(ctx context.Context, peer topology.Peer, req SystemTableUpdateRequest) (SystemTableUpdateResponse, error) {
	h, err := l.handler(peer)
	if err != nil {
		return SystemTableUpdateResponse{}, err
	}
	return h.HandleSystemTableUpdate(ctx, req)
}

func (l *Loopback) Flush(ctx context.Context, peer topology.Peer, req FlushRequest) (FlushResponse, error) {
	h, err := l.handler(peer)
	if err != nil {
		return FlushResponse{}, err
	}
	return h.HandleFlush(ctx, req)
}

// DropPeer fails calls to the peer until it re-registers.
func (l *Loopback) DropPeer(nodeID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropped[nodeID] = true
}

func (l *Loopback) Close() {}
