package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// jsonCodec lets the gateway push RPC carry plain JSON-tagged structs
// instead of requiring generated protobuf types, since the gateway fleet's
// .proto contracts live in a separate repository this module doesn't own.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// PushRequest is the payload delivered to a gateway's fast-path push RPC.
type PushRequest struct {
	MsgID     string            `json:"msg_id"`
	Sender    string            `json:"sender"`
	Recipient string            `json:"recipient"`
	Content   string            `json:"content"`
	Sequence  int64             `json:"sequence"`
	TS        time.Time         `json:"ts"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	DeviceID  string            `json:"device_id"`
}

// PushResponse is the gateway's acknowledgement.
type PushResponse struct {
	Delivered bool `json:"delivered"`
}

const gatewayPushMethod = "/imrouter.Gateway/Push"

// GatewayPusher delivers a message directly to one connected gateway
// instance over a bounded-timeout unary RPC. Narrowed so tests can fake it
// without a live gRPC server.
type GatewayPusher interface {
	Push(ctx context.Context, gatewayID, deviceID string, req PushRequest) (PushResponse, error)
}

// GRPCPusher dials one *grpc.ClientConn per gatewayID and reuses it across
// calls, the connection-pooling idiom grpc.NewClient is built around.
type GRPCPusher struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	// dial resolves a gatewayID to a dial target (host:port); production
	// wiring plugs in service discovery, tests plug in an in-memory map.
	dial func(gatewayID string) (string, error)
}

// NewGRPCPusher constructs a GRPCPusher. dial resolves a gateway_id to a
// network address to connect to.
func NewGRPCPusher(dial func(gatewayID string) (string, error)) *GRPCPusher {
	return &GRPCPusher{conns: make(map[string]*grpc.ClientConn), dial: dial}
}

func (p *GRPCPusher) connFor(gatewayID string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[gatewayID]; ok {
		return conn, nil
	}

	target, err := p.dial(gatewayID)
	if err != nil {
		return nil, fmt.Errorf("resolving gateway %s: %w", gatewayID, err)
	}

	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing gateway %s at %s: %w", gatewayID, target, err)
	}

	p.conns[gatewayID] = conn
	return conn, nil
}

// Push delivers req to gatewayID over a unary RPC.
func (p *GRPCPusher) Push(ctx context.Context, gatewayID, deviceID string, req PushRequest) (PushResponse, error) {
	conn, err := p.connFor(gatewayID)
	if err != nil {
		return PushResponse{}, err
	}

	req.DeviceID = deviceID
	var resp PushResponse
	if err := conn.Invoke(ctx, gatewayPushMethod, &req, &resp); err != nil {
		return PushResponse{}, fmt.Errorf("pushing to gateway %s: %w", gatewayID, err)
	}
	return resp, nil
}

// Close tears down all pooled connections.
func (p *GRPCPusher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for id, conn := range p.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing connection to gateway %s: %w", id, err)
		}
	}
	return firstErr
}
