package v1alpha1

import (
	"sort"
)

// NumSlots is the number of slots covered by the node's ranges.
func (n *GarnetNode) NumSlots() int {
	total := 0
	for i := 0; i+1 < len(n.Slots); i += 2 {
		total += n.Slots[i+1] - n.Slots[i] + 1
	}
	return total
}

// GetSlots expands the node's ranges into individual slots.
func (n *GarnetNode) GetSlots() []int {
	result := make([]int, 0, n.NumSlots())
	for i := 0; i+1 < len(n.Slots); i += 2 {
		for s := n.Slots[i]; s <= n.Slots[i+1]; s++ {
			result = append(result, s)
		}
	}
	return result
}

// OwnsSlot reports whether slot falls inside one of the node's ranges.
func (n *GarnetNode) OwnsSlot(slot int) bool {
	for i := 0; i+1 < len(n.Slots); i += 2 {
		if slot >= n.Slots[i] && slot <= n.Slots[i+1] {
			return true
		}
	}
	return false
}

func (n *GarnetNode) HasSlots() bool {
	return n.NumSlots() > 0
}

// FirstSlot returns the lowest owned slot, or -1 when the node owns nothing.
func (n *GarnetNode) FirstSlot() int {
	first := -1
	for i := 0; i+1 < len(n.Slots); i += 2 {
		if first == -1 || n.Slots[i] < first {
			first = n.Slots[i]
		}
	}
	return first
}

// EnsureInitialized allocates the maps so stages can write into them.
func (c *ClusterState) EnsureInitialized() {
	if c.Nodes == nil {
		c.Nodes = map[string]*GarnetNode{}
	}
	if c.ReplicaCountByPrimary == nil {
		c.ReplicaCountByPrimary = map[string]int{}
	}
}

// WithRole returns the nodes holding role, ordered by pod name.
func (c *ClusterState) WithRole(role NodeRole) []*GarnetNode {
	return c.filter(func(n *GarnetNode) bool { return n.Role == role })
}

func (c *ClusterState) Primaries() []*GarnetNode {
	return c.WithRole(RolePrimary)
}

func (c *ClusterState) Replicas() []*GarnetNode {
	return c.WithRole(RoleReplica)
}

func (c *ClusterState) Leaving() []*GarnetNode {
	return c.WithRole(RoleLeaving)
}

func (c *ClusterState) Promoting() []*GarnetNode {
	return c.WithRole(RolePromoting)
}

func (c *ClusterState) Demoting() []*GarnetNode {
	return c.WithRole(RoleDemoting)
}

// Orphans are nodes with a pod but no role yet.
func (c *ClusterState) Orphans() []*GarnetNode {
	return c.WithRole(RoleNone)
}

// Active returns every node that is not leaving.
func (c *ClusterState) Active() []*GarnetNode {
	return c.filter(func(n *GarnetNode) bool { return n.Role != RoleLeaving })
}

// SlotOwners returns every node that currently owns at least one slot.
func (c *ClusterState) SlotOwners() []*GarnetNode {
	return c.filter(func(n *GarnetNode) bool { return n.HasSlots() })
}

// ReplicasOf returns the replicas attached to the node with the given protocol id.
func (c *ClusterState) ReplicasOf(id string) []*GarnetNode {
	if id == "" {
		return nil
	}
	return c.filter(func(n *GarnetNode) bool { return n.Role == RoleReplica && n.PrimaryID == id })
}

// NodeByID finds a tracked node by its protocol id.
func (c *ClusterState) NodeByID(id string) (*GarnetNode, bool) {
	if id == "" {
		return nil, false
	}
	for _, n := range c.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return nil, false
}

// HasID reports whether any tracked node carries the protocol id.
func (c *ClusterState) HasID(id string) bool {
	_, ok := c.NodeByID(id)
	return ok
}

func (c *ClusterState) RemoveNode(uid string) {
	delete(c.Nodes, uid)
	delete(c.ReplicaCountByPrimary, uid)
}

// ReplicaCount returns the indexed replica count of a primary.
func (c *ClusterState) ReplicaCount(primaryUID string) int {
	return c.ReplicaCountByPrimary[primaryUID]
}

// AddReplica increments the replica count of a primary.
func (c *ClusterState) AddReplica(primaryUID string) {
	c.EnsureInitialized()
	c.ReplicaCountByPrimary[primaryUID]++
}

// RemoveReplica decrements the replica count of a primary, never below zero.
func (c *ClusterState) RemoveReplica(primaryUID string) {
	if c.ReplicaCountByPrimary[primaryUID] > 0 {
		c.ReplicaCountByPrimary[primaryUID]--
	}
}

// CountByHost counts nodes per placement host.
func CountByHost(nodes []*GarnetNode) map[string]int {
	counts := make(map[string]int, len(nodes))
	for _, n := range nodes {
		counts[n.NodeHostName]++
	}
	return counts
}

func (c *ClusterState) filter(keep func(*GarnetNode) bool) []*GarnetNode {
	result := make([]*GarnetNode, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		if keep(n) {
			result = append(result, n)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].PodName != result[j].PodName {
			return result[i].PodName < result[j].PodName
		}
		return result[i].PodUID < result[j].PodUID
	})
	return result
}
