package garnet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	garnetv1alpha1 "github.com/garnet-k8s/garnet-operator/api/v1alpha1"
	garnetclient "github.com/garnet-k8s/garnet-operator/internal/garnet-client"
	n "github.com/garnet-k8s/garnet-operator/internal/naming"
	"github.com/garnet-k8s/garnet-operator/internal/slots"
)

// fakeGarnet is an in-memory Garnet cluster. Nodes are addressed by pod IP and
// gossip is instantaneous: a MEET merges the known node sets of both sides.
type fakeGarnet struct {
	mu        sync.Mutex
	nodes     map[string]*fakeNode
	idSeq     int
	mutations int
	migrated  []string
}

type fakeNode struct {
	ip     string
	id     string
	epoch  int64
	slots  map[int]struct{}
	master string
	known  map[string]struct{}
}

func newFakeGarnet() *fakeGarnet {
	return &fakeGarnet{nodes: map[string]*fakeNode{}}
}

// addNode starts a node on ip, it knows nobody but itself.
func (w *fakeGarnet) addNode(ip string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.nodes[ip]; ok {
		return
	}
	node := &fakeNode{ip: ip, slots: map[int]struct{}{}}
	w.reset(node)
	w.nodes[ip] = node
}

func (w *fakeGarnet) reset(node *fakeNode) {
	w.idSeq++
	node.id = fmt.Sprintf("%040d", w.idSeq)
	node.epoch = 0
	node.master = ""
	node.slots = map[int]struct{}{}
	node.known = map[string]struct{}{node.id: {}}
}

func (w *fakeGarnet) byID(id string) (*fakeNode, bool) {
	for _, node := range w.nodes {
		if node.id == id {
			return node, true
		}
	}
	return nil, false
}

func (w *fakeGarnet) mutationCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mutations
}

// slotOwner returns the pod IP of the node owning slot.
func (w *fakeGarnet) slotOwner(slot int) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ip, node := range w.nodes {
		if _, ok := node.slots[slot]; ok {
			return ip
		}
	}
	return ""
}

func (w *fakeGarnet) masterOf(ip string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nodes[ip].master
}

func (w *fakeGarnet) knows(ip, id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.nodes[ip].known[id]
	return ok
}

// addGhost makes the node on ip know about an id no live node carries.
func (w *fakeGarnet) addGhost(ip, id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nodes[ip].known[id] = struct{}{}
}

// failover stops the node on primaryIP and lets the replica on replicaIP take
// over its slots, as the cluster does when a primary stops answering.
func (w *fakeGarnet) failover(primaryIP, replicaIP string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	primary, replica := w.nodes[primaryIP], w.nodes[replicaIP]
	replica.master = ""
	for slot := range primary.slots {
		replica.slots[slot] = struct{}{}
	}
	delete(w.nodes, primaryIP)
}

// moveSlots hands slots min..max from one node to another without a MIGRATE,
// as if a migration finished right before its pass was interrupted.
func (w *fakeGarnet) moveSlots(fromIP, toIP string, min, max int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	from, to := w.nodes[fromIP], w.nodes[toIP]
	for slot := min; slot <= max; slot++ {
		delete(from.slots, slot)
		to.slots[slot] = struct{}{}
	}
}

// fakeRegistry hands out clients bound to a node of the fake cluster.
type fakeRegistry struct {
	world   *fakeGarnet
	mu      sync.Mutex
	deleted []string
}

func (r *fakeRegistry) GetOrCreate(ctx context.Context, node *garnetv1alpha1.GarnetNode) (garnetclient.Client, error) {
	if node.PodIP == "" {
		return nil, errors.Errorf("pod %s has no address yet", node.PodName)
	}
	c := &fakeNodeClient{world: r.world, ip: node.PodIP}
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *fakeRegistry) Delete(podName, namespace string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, garnetclient.RegistryKey(podName, namespace))
}

type fakeNodeClient struct {
	world *fakeGarnet
	ip    string
}

// do runs f on the node under the world lock.
func (c *fakeNodeClient) do(mutating bool, f func(node *fakeNode) error) error {
	c.world.mu.Lock()
	defer c.world.mu.Unlock()
	node, ok := c.world.nodes[c.ip]
	if !ok {
		return errors.Errorf("dial %s: connection refused", c.ip)
	}
	if mutating {
		c.world.mutations++
	}
	return f(node)
}

func (c *fakeNodeClient) Ping(ctx context.Context) error {
	return c.do(false, func(node *fakeNode) error { return nil })
}

func (c *fakeNodeClient) Address() string {
	return fmt.Sprintf("%s:%d", c.ip, n.DefaultGarnetPort)
}

func (c *fakeNodeClient) ResetHard(ctx context.Context) error {
	return c.do(true, func(node *fakeNode) error {
		c.world.reset(node)
		return nil
	})
}

func (c *fakeNodeClient) MyID(ctx context.Context) (id string, err error) {
	err = c.do(false, func(node *fakeNode) error {
		id = node.id
		return nil
	})
	return id, err
}

func (c *fakeNodeClient) SetConfigEpoch(ctx context.Context, epoch int64) error {
	return c.do(true, func(node *fakeNode) error {
		if epoch <= 0 {
			return &garnetclient.CommandError{Command: "CLUSTER SET-CONFIG-EPOCH", Reply: "ERR invalid config epoch specified"}
		}
		if len(node.known) > 1 {
			return &garnetclient.CommandError{Command: "CLUSTER SET-CONFIG-EPOCH", Reply: "ERR the node knows other nodes already"}
		}
		node.epoch = epoch
		return nil
	})
}

func (c *fakeNodeClient) AddSlotsRange(ctx context.Context, min, max int) error {
	return c.do(true, func(node *fakeNode) error {
		for slot := min; slot <= max; slot++ {
			for id := range node.known {
				if owner, ok := c.world.byID(id); ok {
					if _, busy := owner.slots[slot]; busy {
						return &garnetclient.CommandError{Command: "CLUSTER ADDSLOTSRANGE", Reply: fmt.Sprintf("ERR Slot %d is already busy", slot)}
					}
				}
			}
		}
		for slot := min; slot <= max; slot++ {
			node.slots[slot] = struct{}{}
		}
		return nil
	})
}

func (c *fakeNodeClient) Meet(ctx context.Context, host string, port int) error {
	return c.do(true, func(node *fakeNode) error {
		other, ok := c.world.nodes[host]
		if !ok {
			return &garnetclient.CommandError{Command: "CLUSTER MEET", Reply: "ERR Invalid node address specified: " + host}
		}
		union := map[string]struct{}{}
		for id := range node.known {
			union[id] = struct{}{}
		}
		for id := range other.known {
			union[id] = struct{}{}
		}
		for _, peer := range c.world.nodes {
			if _, ok := union[peer.id]; !ok {
				continue
			}
			for id := range union {
				peer.known[id] = struct{}{}
			}
		}
		return nil
	})
}

func (c *fakeNodeClient) Replicate(ctx context.Context, primaryID string) error {
	return c.do(true, func(node *fakeNode) error {
		if _, ok := node.known[primaryID]; !ok {
			return errors.Wrap(garnetclient.ErrUnknownNode, "CLUSTER REPLICATE")
		}
		if len(node.slots) > 0 {
			return &garnetclient.CommandError{Command: "CLUSTER REPLICATE", Reply: "ERR To set a master the node must be empty"}
		}
		node.master = primaryID
		return nil
	})
}

func (c *fakeNodeClient) ReplicaOfNoOne(ctx context.Context) error {
	return c.do(true, func(node *fakeNode) error {
		node.master = ""
		return nil
	})
}

func (c *fakeNodeClient) Forget(ctx context.Context, id string) error {
	return c.do(true, func(node *fakeNode) error {
		if id == node.id {
			return &garnetclient.CommandError{Command: "CLUSTER FORGET", Reply: "ERR I tried hard but I can't forget myself..."}
		}
		if id == node.master {
			return &garnetclient.CommandError{Command: "CLUSTER FORGET", Reply: "ERR Can't forget my master!"}
		}
		if _, ok := node.known[id]; !ok {
			return errors.Wrap(garnetclient.ErrUnknownNode, "CLUSTER FORGET")
		}
		delete(node.known, id)
		return nil
	})
}

func (c *fakeNodeClient) MigrateSlotsRange(ctx context.Context, host string, port int, min, max int, timeout time.Duration) error {
	return c.do(true, func(node *fakeNode) error {
		dest, ok := c.world.nodes[host]
		if !ok {
			return &garnetclient.CommandError{Command: "MIGRATE", Reply: "IOERR error or timeout connecting to the client"}
		}
		for slot := min; slot <= max; slot++ {
			if _, owned := node.slots[slot]; !owned {
				return &garnetclient.CommandError{Command: "MIGRATE", Reply: fmt.Sprintf("ERR I'm not the owner of hash slot %d", slot)}
			}
		}
		for slot := min; slot <= max; slot++ {
			delete(node.slots, slot)
			dest.slots[slot] = struct{}{}
		}
		c.world.migrated = append(c.world.migrated, fmt.Sprintf("%s->%s %d-%d", node.ip, host, min, max))
		return nil
	})
}

func (c *fakeNodeClient) Info(ctx context.Context) (info garnetclient.ClusterInfo, err error) {
	err = c.do(false, func(node *fakeNode) error {
		covered := map[int]struct{}{}
		var epoch int64
		for _, peer := range c.world.nodes {
			if peer.epoch > epoch {
				epoch = peer.epoch
			}
			if _, ok := node.known[peer.id]; !ok {
				continue
			}
			for slot := range peer.slots {
				covered[slot] = struct{}{}
			}
		}
		state := "fail"
		if len(covered) == n.TotalSlots {
			state = "ok"
		}
		info = garnetclient.ParseClusterInfo(fmt.Sprintf("cluster_state:%s\r\ncluster_current_epoch:%d\r\ncluster_my_epoch:%d\r\ncluster_known_nodes:%d\r\n",
			state, epoch, node.epoch, len(node.known)))
		return nil
	})
	return info, err
}

func (c *fakeNodeClient) Nodes(ctx context.Context) (nodes []garnetclient.ClusterNode, err error) {
	err = c.do(false, func(node *fakeNode) error {
		ids := make([]string, 0, len(node.known))
		for id := range node.known {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			peer, live := c.world.byID(id)
			if !live {
				nodes = append(nodes, garnetclient.ClusterNode{ID: id, Flags: []string{"master", "fail"}, LinkState: "disconnected"})
				continue
			}
			cn := garnetclient.ClusterNode{
				ID:          id,
				IP:          peer.ip,
				Port:        n.DefaultGarnetPort,
				MasterID:    peer.master,
				ConfigEpoch: peer.epoch,
				LinkState:   "connected",
				Slots:       slots.Flatten(slots.Compress(peer.slots)),
			}
			if peer == node {
				cn.Flags = append(cn.Flags, "myself")
			}
			if peer.master != "" {
				cn.Flags = append(cn.Flags, "slave")
			} else {
				cn.Flags = append(cn.Flags, "master")
			}
			nodes = append(nodes, cn)
		}
		return nil
	})
	return nodes, err
}

func (c *fakeNodeClient) Shards(ctx context.Context) ([]garnetclient.Shard, error) {
	nodes, err := c.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	var shards []garnetclient.Shard
	for _, cn := range nodes {
		if !cn.IsPrimary() || len(cn.Slots) == 0 {
			continue
		}
		shard := garnetclient.Shard{Slots: cn.Slots, Nodes: []garnetclient.ShardNode{{ID: cn.ID, IP: cn.IP, Port: int64(cn.Port), Role: "master"}}}
		for _, r := range nodes {
			if r.MasterID == cn.ID {
				shard.Nodes = append(shard.Nodes, garnetclient.ShardNode{ID: r.ID, IP: r.IP, Port: int64(r.Port), Role: "replica"})
			}
		}
		shards = append(shards, shard)
	}
	return shards, nil
}

func (c *fakeNodeClient) Close() error {
	return nil
}
