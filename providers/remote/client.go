package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stackr-io/stackr/pkg/provider"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a provider backed by a remote gRPC server.
type Client struct {
	conn   *grpc.ClientConn
	target string
}

var _ provider.Provider = (*Client)(nil)

// Dial connects to target. Without options the connection is plaintext.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to provider at %s: %w", target, err)
	}
	return &Client{conn: conn, target: target}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Create(ctx context.Context, kind ir.Kind, spec map[string]any) (string, error) {
	req, err := newRequest(kind, "", spec)
	if err != nil {
		return "", err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodCreate, req, resp); err != nil {
		return "", c.fromStatus(provider.OpCreate, err)
	}
	id, _ := resp.AsMap()[fieldExternalID].(string)
	if id == "" {
		return "", provider.Permanentf("remote %s: create returned no external id", c.target)
	}
	return id, nil
}

func (c *Client) Update(ctx context.Context, kind ir.Kind, externalID string, spec map[string]any) error {
	req, err := newRequest(kind, externalID, spec)
	if err != nil {
		return err
	}
	if err := c.conn.Invoke(ctx, methodUpdate, req, new(structpb.Struct)); err != nil {
		return c.fromStatus(provider.OpUpdate, err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, kind ir.Kind, externalID string) error {
	req, err := newRequest(kind, externalID, nil)
	if err != nil {
		return err
	}
	if err := c.conn.Invoke(ctx, methodDelete, req, new(structpb.Struct)); err != nil {
		return c.fromStatus(provider.OpDelete, err)
	}
	return nil
}

// fromStatus restores the error class from the status code.
func (c *Client) fromStatus(op provider.Op, err error) error {
	wrapped := fmt.Errorf("remote %s %s: %w", c.target, op, err)
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.Transient(wrapped)
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return provider.Transient(wrapped)
	default:
		return provider.Permanent(wrapped)
	}
}
