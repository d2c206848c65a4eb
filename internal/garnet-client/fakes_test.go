package client

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

type fakeClient struct {
	addr       string
	pingErr    error
	closed     int32
	tReplicate func(ctx context.Context, primaryID string) error
}

func (c *fakeClient) Ping(ctx context.Context) error { return c.pingErr }
func (c *fakeClient) Address() string                { return c.addr }

func (c *fakeClient) ResetHard(ctx context.Context) error                   { return nil }
func (c *fakeClient) MyID(ctx context.Context) (string, error)              { return "id", nil }
func (c *fakeClient) SetConfigEpoch(ctx context.Context, epoch int64) error { return nil }
func (c *fakeClient) AddSlotsRange(ctx context.Context, min, max int) error { return nil }
func (c *fakeClient) Meet(ctx context.Context, host string, port int) error { return nil }
func (c *fakeClient) ReplicaOfNoOne(ctx context.Context) error              { return nil }
func (c *fakeClient) Forget(ctx context.Context, id string) error           { return nil }

func (c *fakeClient) Replicate(ctx context.Context, primaryID string) error {
	if c.tReplicate != nil {
		return c.tReplicate(ctx, primaryID)
	}
	return nil
}

func (c *fakeClient) MigrateSlotsRange(ctx context.Context, host string, port int, min, max int, timeout time.Duration) error {
	return nil
}

func (c *fakeClient) Info(ctx context.Context) (ClusterInfo, error)  { return ClusterInfo{}, nil }
func (c *fakeClient) Nodes(ctx context.Context) ([]ClusterNode, error) { return nil, nil }
func (c *fakeClient) Shards(ctx context.Context) ([]Shard, error)     { return nil, nil }

func (c *fakeClient) Close() error {
	atomic.AddInt32(&c.closed, 1)
	return nil
}

func (c *fakeClient) isClosed() bool {
	return atomic.LoadInt32(&c.closed) > 0
}

var errConnectionRefused = errors.New("connection refused")
