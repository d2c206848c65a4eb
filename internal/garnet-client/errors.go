package client

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnknownNode is returned when a node does not (yet) know the node id a command refers to.
var ErrUnknownNode = errors.New("unknown node")

// CommandError is a reply other than OK to a command that requires OK.
type CommandError struct {
	Command string
	Address string
	Reply   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s on %s failed: %s", e.Command, e.Address, e.Reply)
}

// IsUnknownNode reports whether err means the referenced node id is unknown to the receiver.
func IsUnknownNode(err error) bool {
	return errors.Is(err, ErrUnknownNode)
}

func isUnknownNodeReply(reply string) bool {
	r := strings.ToLower(reply)
	return strings.Contains(r, "unknown node") || strings.Contains(r, "don't know about node")
}
