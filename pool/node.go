package pool

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loadops/stampede/namegen"
)

type NodeStatus string

const (
	NodeStatusRequested    NodeStatus = "requested"
	NodeStatusBooting      NodeStatus = "booting"
	NodeStatusAvailable    NodeStatus = "available"
	NodeStatusInUse        NodeStatus = "in_use"
	NodeStatusUnresponsive NodeStatus = "unresponsive"
	NodeStatusTerminated   NodeStatus = "terminated"
)

// Node is a leased compute instance: identity and addresses assigned by the
// provider, plus an attachment bag where capability drivers park their remote
// handles (SSH client, docker client, sidecar addresses) during bring-up.
type Node struct {
	ID        string
	Name      namegen.ID
	PublicIP  string
	PrivateIP string
	Region    string
	Type      string
	ImageID   string
	CreatedAt time.Time

	Log *slog.Logger

	mu          sync.Mutex
	status      NodeStatus
	attachments map[string]any
}

func (n *Node) Status() NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

func (n *Node) SetStatus(status NodeStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status = status
}

// Attach stores a remote handle under key. Drivers attach what they open
// (SSH client, docker client) so that downstream capabilities and the
// workload controller can reuse the same connections.
func (n *Node) Attach(key string, value any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.attachments == nil {
		n.attachments = make(map[string]any)
	}
	n.attachments[key] = value
}

func (n *Node) Attachment(key string) (any, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	value, ok := n.attachments[key]
	return value, ok
}
