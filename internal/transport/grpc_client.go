package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/statetransfer/internal/errors"
	"github.com/devrev/pairdb/statetransfer/internal/model"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// GRPCClient sends RPCs to members over gRPC, keeping one connection per target
type GRPCClient struct {
	connections map[model.Address]*grpc.ClientConn
	mu          sync.RWMutex
	timeout     time.Duration
	dialOptions []grpc.DialOption
	logger      *zap.Logger
}

// NewGRPCClient creates a client. Extra dial options are appended to the defaults.
func NewGRPCClient(timeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) *GRPCClient {
	dialOptions := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	return &GRPCClient{
		connections: make(map[model.Address]*grpc.ClientConn),
		timeout:     timeout,
		dialOptions: append(dialOptions, opts...),
		logger:      logger,
	}
}

func (c *GRPCClient) StartStateTransfer(ctx context.Context, target model.Address, req *StateRequest) error {
	return c.invoke(ctx, target, "StartStateTransfer", req, &Ack{})
}

func (c *GRPCClient) CancelStateTransfer(ctx context.Context, target model.Address, req *StateRequest) error {
	return c.invoke(ctx, target, "CancelStateTransfer", req, &Ack{})
}

func (c *GRPCClient) GetTransactions(ctx context.Context, target model.Address, req *StateRequest) (*TransactionsReply, error) {
	out := &TransactionsReply{}
	if err := c.invoke(ctx, target, "GetTransactions", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GRPCClient) PushState(ctx context.Context, target model.Address, push *StatePush) error {
	return c.invoke(ctx, target, "PushState", push, &Ack{})
}

func (c *GRPCClient) InstallTopology(ctx context.Context, target model.Address, update *TopologyUpdate) error {
	return c.invoke(ctx, target, "InstallTopology", update, &Ack{})
}

func (c *GRPCClient) ConfirmPhase(ctx context.Context, target model.Address, confirm *PhaseConfirm) error {
	return c.invoke(ctx, target, "ConfirmPhase", confirm, &Ack{})
}

func (c *GRPCClient) GetStatus(ctx context.Context, target model.Address, req *StatusRequest) (*NodeStatus, error) {
	out := &NodeStatus{}
	if err := c.invoke(ctx, target, "GetStatus", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GRPCClient) invoke(ctx context.Context, target model.Address, method string, in, out any) error {
	conn, err := c.getConnection(target)
	if err != nil {
		return errors.TransportFailure(string(target), err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return errors.FromGRPC(string(target), err)
	}
	return nil
}

func (c *GRPCClient) getConnection(target model.Address) (*grpc.ClientConn, error) {
	c.mu.RLock()
	conn, exists := c.connections[target]
	c.mu.RUnlock()

	if exists {
		return conn, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, exists := c.connections[target]; exists {
		return conn, nil
	}

	conn, err := grpc.NewClient("passthrough:///"+string(target), c.dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}

	c.connections[target] = conn
	return conn, nil
}

// CloseConnection drops the connection to a member that left the cluster
func (c *GRPCClient) CloseConnection(target model.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, exists := c.connections[target]; exists {
		delete(c.connections, target)
		return conn.Close()
	}
	return nil
}

// Close closes every connection
func (c *GRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	for addr, conn := range c.connections {
		if closeErr := conn.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", addr, closeErr))
		}
	}
	c.connections = make(map[model.Address]*grpc.ClientConn)
	return err
}
