package client

import (
	"context"
	"fmt"
	"net"
	"strconv"

	cmap "github.com/orcaman/concurrent-map/v2"

	garnetv1alpha1 "github.com/garnet-k8s/garnet-operator/api/v1alpha1"
)

// ClientRegistry caches node clients per (pod, namespace).
type ClientRegistry interface {
	GetOrCreate(ctx context.Context, node *garnetv1alpha1.GarnetNode) (Client, error)
	Delete(podName, namespace string)
}

// DialFunc creates a client for a "host:port" address.
type DialFunc func(addr string) Client

type NodeClientRegistry struct {
	clients cmap.ConcurrentMap[string, Client]
	dial    DialFunc
}

func NewNodeClientRegistry(dial DialFunc) *NodeClientRegistry {
	return &NodeClientRegistry{
		clients: cmap.New[Client](),
		dial:    dial,
	}
}

// RegistryKey is the cache key of a node client.
func RegistryKey(podName, namespace string) string {
	return podName + "_" + namespace
}

// NodeAddr is the host:port a node is dialed at.
func NodeAddr(node *garnetv1alpha1.GarnetNode) string {
	host := node.Address
	if host == "" {
		host = node.PodIP
	}
	return net.JoinHostPort(host, strconv.Itoa(int(node.Port)))
}

// GetOrCreate returns the cached client for the node, replacing it when the
// node moved to another address or the connection no longer answers.
func (r *NodeClientRegistry) GetOrCreate(ctx context.Context, node *garnetv1alpha1.GarnetNode) (Client, error) {
	if node.Address == "" && node.PodIP == "" {
		return nil, fmt.Errorf("pod %s/%s has no address yet", node.Namespace, node.PodName)
	}
	key := RegistryKey(node.PodName, node.Namespace)
	addr := NodeAddr(node)

	if c, ok := r.clients.Get(key); ok {
		if c.Address() == addr && c.Ping(ctx) == nil {
			return c, nil
		}
		r.clients.Remove(key)
		c.Close() //nolint:errcheck
	}

	c := r.dial(addr)
	if err := c.Ping(ctx); err != nil {
		c.Close() //nolint:errcheck
		return nil, err
	}
	r.clients.Set(key, c)
	return c, nil
}

func (r *NodeClientRegistry) Delete(podName, namespace string) {
	if c, ok := r.clients.Pop(RegistryKey(podName, namespace)); ok {
		c.Close() //nolint:errcheck
	}
}

// Len is the number of cached clients.
func (r *NodeClientRegistry) Len() int {
	return r.clients.Count()
}
