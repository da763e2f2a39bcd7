package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caulkdb/caulk/storage"
	"github.com/caulkdb/caulk/topology"
)

// echoHandler records requests and returns canned responses.
type echoHandler struct {
	created []SessionCreateRequest
	removed []SessionRemoveRequest
	hashes  []uint64
	rows    []storage.Fragment
	fail    error
}

func (h *echoHandler) HandleSessionCreate(_ context.Context, req SessionCreateRequest) (SessionCreateResponse, error) {
	if h.fail != nil {
		return SessionCreateResponse{}, h.fail
	}
	h.created = append(h.created, req)
	return SessionCreateResponse{SchemaVersion: req.SchemaVersion}, nil
}

func (h *echoHandler) HandleSessionRemove(_ context.Context, req SessionRemoveRequest) (SessionRemoveResponse, error) {
	h.removed = append(h.removed, req)
	return SessionRemoveResponse{}, nil
}

func (h *echoHandler) HandleGetHashes(_ context.Context, _ HashesRequest) (HashesResponse, error) {
	return HashesResponse{Hashes: h.hashes}, nil
}

func (h *echoHandler) HandleGetRows(_ context.Context, _ RowsRequest) (RowsResponse, error) {
	return RowsResponse{Rows: h.rows}, nil
}

func (h *echoHandler) HandlePushRows(_ context.Context, req RowsPushRequest) (RowsPushResponse, error) {
	return RowsPushResponse{Applied: len(req.Rows)}, nil
}

func (h *echoHandler) HandleSystemTableUpdate(_ context.Context, _ SystemTableUpdateRequest) (SystemTableUpdateResponse, error) {
	return SystemTableUpdateResponse{}, nil
}

func (h *echoHandler) HandleFlush(_ context.Context, _ FlushRequest) (FlushResponse, error) {
	return FlushResponse{}, nil
}

func TestLoopbackRoundTrip(t *testing.T) {
	lb := NewLoopback()
	h := &echoHandler{hashes: []uint64{1, 2, 3}}
	lb.Register(7, h)

	peer := topology.Peer{NodeID: 7}
	ctx := context.Background()

	resp, err := lb.SessionCreate(ctx, peer, SessionCreateRequest{SessionID: 1, Table: "t1", SchemaVersion: "v1"})
	require.NoError(t, err)
	assert.Equal(t, "v1", resp.SchemaVersion)
	require.Len(t, h.created, 1)

	hashes, err := lb.GetHashes(ctx, peer, HashesRequest{SessionID: 1})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, hashes.Hashes)

	push, err := lb.PushRows(ctx, peer, RowsPushRequest{Rows: []storage.Fragment{{Token: 1}}})
	require.NoError(t, err)
	assert.Equal(t, 1, push.Applied)
}

func TestLoopbackUnknownPeer(t *testing.T) {
	lb := NewLoopback()
	_, err := lb.Flush(context.Background(), topology.Peer{NodeID: 99}, FlushRequest{})
	assert.ErrorIs(t, err, ErrPeerUnavailable)
}

func TestLoopbackDropPeer(t *testing.T) {
	lb := NewLoopback()
	lb.Register(7, &echoHandler{})

	lb.DropPeer(7)
	_, err := lb.Flush(context.Background(), topology.Peer{NodeID: 7}, FlushRequest{})
	assert.ErrorIs(t, err, ErrPeerUnavailable)

	// Re-registering restores delivery.
	lb.Register(7, &echoHandler{})
	_, err = lb.Flush(context.Background(), topology.Peer{NodeID: 7}, FlushRequest{})
	assert.NoError(t, err)
}

func TestLoopbackHandlerErrorPropagates(t *testing.T) {
	lb := NewLoopback()
	failErr := errors.New("schema mismatch")
	lb.Register(7, &echoHandler{fail: failErr})

	_, err := lb.SessionCreate(context.Background(), topology.Peer{NodeID: 7}, SessionCreateRequest{})
	assert.ErrorIs(t, err, failErr)
}

func TestCompressRoundTrip(t *testing.T) {
	payload := make([]byte, 0, 4096)
	for i := 0; i < 512; i++ {
		payload = append(payload, []byte("rowdata-")...)
	}

	packed := compress(payload)
	assert.Less(t, len(packed), len(payload))

	out, err := decompress(packed)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestReasonDirections(t *testing.T) {
	cases := []struct {
		reason   Reason
		inbound  bool
		outbound bool
	}{
		{ReasonRepair, true, true},
		{ReasonBootstrap, true, false},
		{ReasonReplace, true, false},
		{ReasonRebuild, true, false},
		{ReasonDecommission, false, true},
		{ReasonRemovenode, false, true},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.inbound, tc.reason.Inbound(), "%s inbound", tc.reason)
		assert.Equal(t, tc.outbound, tc.reason.Outbound(), "%s outbound", tc.reason)
		assert.Equal(t, tc.inbound && tc.outbound, tc.reason.Bidirectional(), "%s bidirectional", tc.reason)
	}
}
