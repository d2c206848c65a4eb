package client

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Client is the administrative command surface of a single Garnet node.
type Client interface {
	Ping(ctx context.Context) error
	Address() string

	ResetHard(ctx context.Context) error
	MyID(ctx context.Context) (string, error)
	SetConfigEpoch(ctx context.Context, epoch int64) error
	AddSlotsRange(ctx context.Context, min, max int) error
	Meet(ctx context.Context, host string, port int) error
	Replicate(ctx context.Context, primaryID string) error
	ReplicaOfNoOne(ctx context.Context) error
	Forget(ctx context.Context, id string) error
	MigrateSlotsRange(ctx context.Context, host string, port int, min, max int, timeout time.Duration) error

	Info(ctx context.Context) (ClusterInfo, error)
	Nodes(ctx context.Context) ([]ClusterNode, error)
	Shards(ctx context.Context) ([]Shard, error)

	Close() error
}

// GarnetClient talks RESP to one node through go-redis.
type GarnetClient struct {
	addr string
	rdb  *redis.Client
}

// NewClient creates a client for addr ("host:port"). Connections are opened lazily.
func NewClient(addr string, timeout time.Duration) *GarnetClient {
	return &GarnetClient{
		addr: addr,
		rdb: redis.NewClient(&redis.Options{
			Addr:         addr,
			Protocol:     2,
			DialTimeout:  timeout,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
			PoolSize:     2,
			MaxRetries:   1,
		}),
	}
}

func (c *GarnetClient) Address() string {
	return c.addr
}

func (c *GarnetClient) Ping(ctx context.Context) error {
	return errors.Wrapf(c.rdb.Ping(ctx).Err(), "ping %s", c.addr)
}

func (c *GarnetClient) ResetHard(ctx context.Context) error {
	// The reply is informational; only transport and error replies matter.
	return c.wrap(c.rdb.Do(ctx, "CLUSTER", "RESET", "HARD").Err(), "CLUSTER RESET HARD")
}

func (c *GarnetClient) MyID(ctx context.Context) (string, error) {
	id, err := c.rdb.Do(ctx, "CLUSTER", "MYID").Text()
	if err != nil {
		return "", c.wrap(err, "CLUSTER MYID")
	}
	return id, nil
}

func (c *GarnetClient) SetConfigEpoch(ctx context.Context, epoch int64) error {
	return c.expectOK(c.rdb.Do(ctx, "CLUSTER", "SET-CONFIG-EPOCH", epoch), "CLUSTER SET-CONFIG-EPOCH")
}

func (c *GarnetClient) AddSlotsRange(ctx context.Context, min, max int) error {
	return c.expectOK(c.rdb.Do(ctx, "CLUSTER", "ADDSLOTSRANGE", min, max), "CLUSTER ADDSLOTSRANGE")
}

func (c *GarnetClient) Meet(ctx context.Context, host string, port int) error {
	return c.expectOK(c.rdb.Do(ctx, "CLUSTER", "MEET", host, port), "CLUSTER MEET")
}

func (c *GarnetClient) Replicate(ctx context.Context, primaryID string) error {
	return c.expectOK(c.rdb.Do(ctx, "CLUSTER", "REPLICATE", primaryID), "CLUSTER REPLICATE")
}

func (c *GarnetClient) ReplicaOfNoOne(ctx context.Context) error {
	return c.expectOK(c.rdb.Do(ctx, "REPLICAOF", "NO", "ONE"), "REPLICAOF NO ONE")
}

// Forget removes id from the node's membership table. A node that does not
// know id answers with an error matching ErrUnknownNode.
func (c *GarnetClient) Forget(ctx context.Context, id string) error {
	return c.expectOK(c.rdb.Do(ctx, "CLUSTER", "FORGET", id), "CLUSTER FORGET")
}

func (c *GarnetClient) MigrateSlotsRange(ctx context.Context, host string, port int, min, max int, timeout time.Duration) error {
	cmd := c.rdb.Do(ctx, "MIGRATE", host, port, "", 0, timeout.Milliseconds(), "SLOTSRANGE", min, max)
	return c.expectOK(cmd, "MIGRATE SLOTSRANGE "+strconv.Itoa(min)+" "+strconv.Itoa(max))
}

func (c *GarnetClient) Info(ctx context.Context) (ClusterInfo, error) {
	raw, err := c.rdb.Do(ctx, "CLUSTER", "INFO").Text()
	if err != nil {
		return nil, c.wrap(err, "CLUSTER INFO")
	}
	return ParseClusterInfo(raw), nil
}

func (c *GarnetClient) Nodes(ctx context.Context) ([]ClusterNode, error) {
	raw, err := c.rdb.Do(ctx, "CLUSTER", "NODES").Text()
	if err != nil {
		return nil, c.wrap(err, "CLUSTER NODES")
	}
	nodes, err := ParseClusterNodes(raw)
	return nodes, errors.Wrapf(err, "CLUSTER NODES on %s", c.addr)
}

func (c *GarnetClient) Shards(ctx context.Context) ([]Shard, error) {
	raw, err := c.rdb.Do(ctx, "CLUSTER", "SHARDS").Slice()
	if err != nil {
		return nil, c.wrap(err, "CLUSTER SHARDS")
	}
	shards, err := ParseShards(raw)
	return shards, errors.Wrapf(err, "CLUSTER SHARDS on %s", c.addr)
}

func (c *GarnetClient) Close() error {
	return c.rdb.Close()
}

func (c *GarnetClient) expectOK(cmd *redis.Cmd, command string) error {
	reply, err := cmd.Text()
	if err != nil {
		return c.wrap(err, command)
	}
	if reply != "OK" {
		return &CommandError{Command: command, Address: c.addr, Reply: reply}
	}
	return nil
}

func (c *GarnetClient) wrap(err error, command string) error {
	if err == nil {
		return nil
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		if isUnknownNodeReply(redisErr.Error()) {
			return errors.Wrapf(ErrUnknownNode, "%s on %s: %s", command, c.addr, redisErr.Error())
		}
		return &CommandError{Command: command, Address: c.addr, Reply: redisErr.Error()}
	}
	return errors.Wrapf(err, "%s on %s", command, c.addr)
}

// Self returns the entry of the node the client is connected to.
func Self(ctx context.Context, c Client) (ClusterNode, error) {
	nodes, err := c.Nodes(ctx)
	if err != nil {
		return ClusterNode{}, err
	}
	for _, n := range nodes {
		if n.Myself() {
			return n, nil
		}
	}
	return ClusterNode{}, errors.Errorf("CLUSTER NODES on %s did not report myself", c.Address())
}
