package client

import (
	"fmt"
	"strconv"
	"strings"
)

// ClusterInfo is the key:value reply of CLUSTER INFO.
type ClusterInfo map[string]string

func ParseClusterInfo(raw string) ClusterInfo {
	info := ClusterInfo{}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			continue
		}
		info[kv[0]] = kv[1]
	}
	return info
}

func (i ClusterInfo) State() string {
	return i["cluster_state"]
}

func (i ClusterInfo) CurrentEpoch() int64 {
	return i.int64("cluster_current_epoch")
}

func (i ClusterInfo) MyEpoch() int64 {
	return i.int64("cluster_my_epoch")
}

func (i ClusterInfo) KnownNodes() int64 {
	return i.int64("cluster_known_nodes")
}

func (i ClusterInfo) int64(key string) int64 {
	v, err := strconv.ParseInt(i[key], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// ClusterNode is one line of CLUSTER NODES.
type ClusterNode struct {
	ID           string
	IP           string
	Port         int
	BusPort      int
	Hostname     string
	Flags        []string
	MasterID     string
	PingSent     int64
	PongReceived int64
	ConfigEpoch  int64
	LinkState    string
	// Owned slot ranges as consecutive [min,max] pairs.
	Slots []int
}

func (n ClusterNode) HasFlag(flag string) bool {
	for _, f := range n.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

func (n ClusterNode) Myself() bool {
	return n.HasFlag("myself")
}

func (n ClusterNode) IsPrimary() bool {
	return n.HasFlag("master")
}

func (n ClusterNode) IsReplica() bool {
	return n.HasFlag("slave") || n.HasFlag("replica")
}

// OwnsSlot reports whether slot falls inside one of the node's ranges.
func (n ClusterNode) OwnsSlot(slot int) bool {
	for i := 0; i+1 < len(n.Slots); i += 2 {
		if slot >= n.Slots[i] && slot <= n.Slots[i+1] {
			return true
		}
	}
	return false
}

// ParseClusterNodes parses the newline-delimited CLUSTER NODES reply.
func ParseClusterNodes(raw string) ([]ClusterNode, error) {
	var nodes []ClusterNode
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		n, err := ParseClusterNode(line)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// ParseClusterNode parses a single CLUSTER NODES record:
// <id> <ip:port@cport[,hostname]> <flags> <master> <ping-sent> <pong-recv> <config-epoch> <link-state> <slot> <slot> ...
func ParseClusterNode(line string) (ClusterNode, error) {
	parts := strings.Fields(line)
	if len(parts) < 8 {
		return ClusterNode{}, fmt.Errorf("malformed node record %q", line)
	}

	n := ClusterNode{
		ID:        parts[0],
		Flags:     strings.Split(parts[2], ","),
		LinkState: parts[7],
	}

	addr := parts[1]
	if i := strings.Index(addr, ","); i >= 0 {
		n.Hostname = addr[i+1:]
		addr = addr[:i]
	}
	if i := strings.Index(addr, "@"); i >= 0 {
		n.BusPort, _ = strconv.Atoi(addr[i+1:])
		addr = addr[:i]
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		port, err := strconv.Atoi(addr[i+1:])
		if err != nil {
			return ClusterNode{}, fmt.Errorf("malformed address in node record %q", line)
		}
		n.IP = addr[:i]
		n.Port = port
	}

	if parts[3] != "-" {
		n.MasterID = parts[3]
	}
	n.PingSent, _ = strconv.ParseInt(parts[4], 10, 64)
	n.PongReceived, _ = strconv.ParseInt(parts[5], 10, 64)
	n.ConfigEpoch, _ = strconv.ParseInt(parts[6], 10, 64)

	for _, s := range parts[8:] {
		// importing/migrating markers look like [slot->-id] and are not ownership
		if strings.HasPrefix(s, "[") {
			continue
		}
		bounds := strings.SplitN(s, "-", 2)
		min, err := strconv.Atoi(bounds[0])
		if err != nil {
			return ClusterNode{}, fmt.Errorf("malformed slot %q in node record %q", s, line)
		}
		max := min
		if len(bounds) == 2 {
			if max, err = strconv.Atoi(bounds[1]); err != nil {
				return ClusterNode{}, fmt.Errorf("malformed slot %q in node record %q", s, line)
			}
		}
		n.Slots = append(n.Slots, min, max)
	}
	return n, nil
}

// Shard is one entry of CLUSTER SHARDS.
type Shard struct {
	Slots []int
	Nodes []ShardNode
}

// Primary returns the node flagged as primary in the shard.
func (s Shard) Primary() (ShardNode, bool) {
	for _, n := range s.Nodes {
		if n.Role == "master" || n.Role == "primary" {
			return n, true
		}
	}
	return ShardNode{}, false
}

type ShardNode struct {
	ID                string
	Port              int64
	IP                string
	Endpoint          string
	Hostname          string
	Role              string
	ReplicationOffset int64
	Health            string
}

// ParseShards decodes the nested array reply of CLUSTER SHARDS.
func ParseShards(reply []interface{}) ([]Shard, error) {
	shards := make([]Shard, 0, len(reply))
	for _, raw := range reply {
		fields, err := pairs(raw)
		if err != nil {
			return nil, err
		}
		shard := Shard{}
		if v, ok := fields["slots"]; ok {
			list, ok := v.([]interface{})
			if !ok {
				return nil, fmt.Errorf("unexpected slots type %T", v)
			}
			for _, s := range list {
				slot, err := toInt64(s)
				if err != nil {
					return nil, err
				}
				shard.Slots = append(shard.Slots, int(slot))
			}
		}
		if v, ok := fields["nodes"]; ok {
			list, ok := v.([]interface{})
			if !ok {
				return nil, fmt.Errorf("unexpected nodes type %T", v)
			}
			for _, rn := range list {
				nf, err := pairs(rn)
				if err != nil {
					return nil, err
				}
				node := ShardNode{
					ID:       toString(nf["id"]),
					IP:       toString(nf["ip"]),
					Endpoint: toString(nf["endpoint"]),
					Hostname: toString(nf["hostname"]),
					Role:     toString(nf["role"]),
					Health:   toString(nf["health"]),
				}
				node.Port, _ = toInt64(nf["port"])
				node.ReplicationOffset, _ = toInt64(nf["replication-offset"])
				shard.Nodes = append(shard.Nodes, node)
			}
		}
		shards = append(shards, shard)
	}
	return shards, nil
}

func pairs(raw interface{}) (map[string]interface{}, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", raw)
	}
	if len(list)%2 != 0 {
		return nil, fmt.Errorf("expected key/value pairs, got %d elements", len(list))
	}
	result := make(map[string]interface{}, len(list)/2)
	for i := 0; i < len(list); i += 2 {
		result[toString(list[i])] = list[i+1]
	}
	return result, nil
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected integer type %T", v)
	}
}
