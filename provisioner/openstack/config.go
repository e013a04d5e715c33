package openstack

import (
	"log/slog"

	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
)

type Config struct {
	Logger *slog.Logger `json:"-"`

	Networks       []servers.Network `json:"networks"`
	SecurityGroups []string          `json:"security-groups"`

	// BootWait bounds how long a created server may take to reach ACTIVE,
	// in seconds.
	BootWait int `json:"boot-wait"`
}
