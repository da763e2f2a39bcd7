package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/caulkdb/caulk/encoding"
	"github.com/caulkdb/caulk/topology"
)

const (
	kindSessionCreate = "session.create"
	kindSessionRemove = "session.remove"
	kindGetHashes     = "hashes.get"
	kindGetRows       = "rows.get"
	kindPushRows      = "rows.push"
	kindSystemTable   = "systable.update"
	kindFlush         = "flush"
)

// envelope wraps every reply so handler errors travel back typed-enough to
// distinguish "peer said no" from "peer unreachable".
type envelope struct {
	Err  string `msgpack:"err"`
	Data []byte `msgpack:"data"`
}

// NatsTransport implements Transport over NATS request/reply. Each node
// subscribes on caulk.repair.<node_id>.<kind>; payloads are msgpack,
// zstd-compressed.
type NatsTransport struct {
	nc      *nats.Conn
	nodeID  uint64
	timeout time.Duration

	handler Handler
	subs    []*nats.Subscription

	mu       sync.Mutex
	nextCall uint64
	inflight map[uint64]map[uint64]context.CancelFunc // peer -> call id -> cancel
}

// NewNatsTransport connects to the NATS cluster and returns an unstarted
// transport. Call RegisterHandler then Serve before exchanging messages.
func NewNatsTransport(url string, nodeID uint64, requestTimeout time.Duration) (*NatsTransport, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NatsTransport{
		nc:       nc,
		nodeID:   nodeID,
		timeout:  requestTimeout,
		inflight: make(map[uint64]map[uint64]context.CancelFunc),
	}, nil
}

// RegisterHandler wires inbound dispatch.
func (t *NatsTransport) RegisterHandler(h Handler) {
	t.handler = h
}

func subject(nodeID uint64, kind string) string {
	return fmt.Sprintf("caulk.repair.%d.%s", nodeID, kind)
}

// Serve subscribes to every inbound message kind for this node.
func (t *NatsTransport) Serve() error {
	if t.handler == nil {
		return errors.New("transport handler not registered")
	}

	type route struct {
		kind string
		fn   func(ctx context.Context, data []byte) (any, error)
	}

	routes := []route{
		{kindSessionCreate, func(ctx context.Context, data []byte) (any, error) {
			var req SessionCreateRequest
			if err := encoding.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return t.handler.HandleSessionCreate(ctx, req)
		}},
		{kindSessionRemove, func(ctx context.Context, data []byte) (any, error) {
			var req SessionRemoveRequest
			if err := encoding.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return t.handler.HandleSessionRemove(ctx, req)
		}},
		{kindGetHashes, func(ctx context.Context, data []byte) (any, error) {
			var req HashesRequest
			if err := encoding.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return t.handler.HandleGetHashes(ctx, req)
		}},
		{kindGetRows, func(ctx context.Context, data []byte) (any, error) {
			var req RowsRequest
			if err := encoding.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return t.handler.HandleGetRows(ctx, req)
		}},
		{kindPushRows, func(ctx context.Context, data []byte) (any, error) {
			var req RowsPushRequest
			if err := encoding.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return t.handler.HandlePushRows(ctx, req)
		}},
		{kindSystemTable, func(ctx context.Context, data []byte) (any, error) {
			var req SystemTableUpdateRequest
			if err := encoding.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return t.handler.HandleSystemTableUpdate(ctx, req)
		}},
		{kindFlush, func(ctx context.Context, data []byte) (any, error) {
			var req FlushRequest
			if err := encoding.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return t.handler.HandleFlush(ctx, req)
		}},
	}

	for _, r := range routes {
		r := r
		sub, err := t.nc.Subscribe(subject(t.nodeID, r.kind), func(msg *nats.Msg) {
			go t.dispatch(msg, r.fn)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", r.kind, err)
		}
		t.subs = append(t.subs, sub)
	}

	log.Info().Uint64("node_id", t.nodeID).Msg("Repair transport serving")
	return nil
}

func (t *NatsTransport) dispatch(msg *nats.Msg, fn func(ctx context.Context, data []byte) (any, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	var env envelope
	data, err := decompress(msg.Data)
	if err == nil {
		var resp any
		resp, err = fn(ctx, data)
		if err == nil {
			env.Data, err = encoding.Marshal(resp)
		}
	}
	if err != nil {
		env.Err = err.Error()
		env.Data = nil
	}

	reply, err := encoding.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode reply envelope")
		return
	}
	if err := msg.Respond(compress(reply)); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("Failed to respond")
	}
}

// request performs one compressed msgpack request/reply exchange.
func (t *NatsTransport) request(ctx context.Context, peer topology.Peer, kind string, req, resp any) error {
	data, err := encoding.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", kind, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	callID := t.trackCall(peer.NodeID, cancel)
	defer t.untrackCall(peer.NodeID, callID)
	defer cancel()

	msg, err := t.nc.RequestWithContext(callCtx, subject(peer.NodeID, kind), compress(data))
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: node %d: %v", ErrPeerUnavailable, peer.NodeID, err)
		}
		return fmt.Errorf("request %s to node %d failed: %w", kind, peer.NodeID, err)
	}

	raw, err := decompress(msg.Data)
	if err != nil {
		return fmt.Errorf("failed to decompress %s reply: %w", kind, err)
	}

	var env envelope
	if err := encoding.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", kind, err)
	}
	if env.Err != "" {
		return fmt.Errorf("peer %d rejected %s: %s", peer.NodeID, kind, env.Err)
	}
	return encoding.Unmarshal(env.Data, resp)
}

func (t *NatsTransport) trackCall(nodeID uint64, cancel context.CancelFunc) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextCall++
	id := t.nextCall
	if t.inflight[nodeID] == nil {
		t.inflight[nodeID] = make(map[uint64]context.CancelFunc)
	}
	t.inflight[nodeID][id] = cancel
	return id
}

func (t *NatsTransport) untrackCall(nodeID, callID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight[nodeID], callID)
	if len(t.inflight[nodeID]) == 0 {
		delete(t.inflight, nodeID)
	}
}

// DropPeer cancels every outstanding call to the peer. Used when the
// liveness oracle declares a peer gone.
func (t *NatsTransport) DropPeer(nodeID uint64) {
	t.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(t.inflight[nodeID]))
	for _, c := range t.inflight[nodeID] {
		cancels = append(cancels, c)
	}
	delete(t.inflight, nodeID)
	t.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	if len(cancels) > 0 {
		log.Info().Uint64("peer", nodeID).Int("calls", len(cancels)).Msg("Dropped outstanding calls to peer")
	}
}

func (t *NatsTransport) SessionCreate(ctx context.Context, peer topology.Peer, req SessionCreateRequest) (SessionCreateResponse, error) {
	var resp SessionCreateResponse
	err := t.request(ctx, peer, kindSessionCreate, req, &resp)
	return resp, err
}

func (t *NatsTransport) SessionRemove(ctx context.Context, peer topology.Peer, req SessionRemoveRequest) (SessionRemoveResponse, error) {
	var resp SessionRemoveResponse
	err := t.request(ctx, peer, kindSessionRemove, req, &resp)
	return resp, err
}

func (t *NatsTransport) GetHashes(ctx context.Context, peer topology.Peer, req HashesRequest) (HashesResponse, error) {
	var resp HashesResponse
	err := t.request(ctx, peer, kindGetHashes, req, &resp)
	return resp, err
}

func (t *NatsTransport) GetRows(ctx context.Context, peer topology.Peer, req RowsRequest) (RowsResponse, error) {
	var resp RowsResponse
	err := t.request(ctx, peer, kindGetRows, req, &resp)
	return resp, err
}

func (t *NatsTransport) PushRows(ctx context.Context, peer topology.Peer, req RowsPushRequest) (RowsPushResponse, error) {
	var resp RowsPushResponse
	err := t.request(ctx, peer, kindPushRows, req, &resp)
	return resp, err
}

func (t *NatsTransport) SystemTableUpdate(ctx context.Context, peer topology.Peer, req SystemTableUpdateRequest) (SystemTableUpdateResponse, error) {
	var resp SystemTableUpdateResponse
	err := t.request(ctx, peer, kindSystemTable, req, &resp)
	return resp, err
}

func (t *NatsTransport) Flush(ctx context.Context, peer topology.Peer, req FlushRequest) (FlushResponse, error) {
	var resp FlushResponse
	err := t.request(ctx, peer, kindFlush, req, &resp)
	return resp, err
}

// Close drains subscriptions and closes the connection.
func (t *NatsTransport) Close() {
	for _, sub := range t.subs {
		_ = sub.Unsubscribe()
	}
	t.nc.Close()
}
