// Package openstack provides nodes from an OpenStack cloud.
package openstack

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/images"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/samber/lo"
	"golang.org/x/crypto/ssh"

	"github.com/loadops/stampede/namegen"
	"github.com/loadops/stampede/pool"
)

type Provisioner struct {
	name     namegen.ID
	config   Config
	provider *gophercloud.ProviderClient

	keyName string
	signer  ssh.Signer

	mu      sync.Mutex
	clients map[string]*gophercloud.ServiceClient
}

// Provisioner implements pool.Provider
var _ pool.Provider = (*Provisioner)(nil)

// New authenticates from the OS_* environment and provisions an SSH keypair
// that every node created by this instance boots with.
func New(config Config) (*Provisioner, error) {
	opts, err := openstack.AuthOptionsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to get auth options from env: %w", err)
	}

	provider, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get authenticated client: %w", err)
	}

	p := &Provisioner{
		name:     namegen.Get(),
		config:   config,
		provider: provider,
		clients:  make(map[string]*gophercloud.ServiceClient),
	}
	p.keyName = fmt.Sprintf("stampede-%s", p.name)

	client, err := p.compute("")
	if err != nil {
		return nil, err
	}

	keypair, err := keypairs.Create(client, keypairs.CreateOpts{Name: p.keyName}).Extract()
	if err != nil {
		return nil, fmt.Errorf("failed to create keypair: %w", err)
	}
	p.signer, err = ssh.ParsePrivateKey([]byte(keypair.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return p, nil
}

// Signer returns the private key nodes are reachable with.
func (p *Provisioner) Signer() ssh.Signer {
	return p.signer
}

// compute returns the compute client for a region, authenticating it on
// first use. The empty region means the deployment default.
func (p *Provisioner) compute(region string) (*gophercloud.ServiceClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[region]; ok {
		return client, nil
	}

	client, err := openstack.NewComputeV2(p.provider, gophercloud.EndpointOpts{Region: region})
	if err != nil {
		return nil, fmt.Errorf("failed to get compute client for region '%s': %w", region, err)
	}
	p.clients[region] = client
	return client, nil
}

func (p *Provisioner) Create(ctx context.Context, spec pool.NodeSpec) (*pool.Node, error) {
	client, err := p.compute(spec.Region)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("stampede-%s", spec.Name)
	server, err := servers.Create(client, keypairs.CreateOptsExt{
		CreateOptsBuilder: servers.CreateOpts{
			Name:           name,
			ImageRef:       spec.ImageID,
			FlavorRef:      spec.Type,
			Networks:       p.config.Networks,
			SecurityGroups: p.config.SecurityGroups,
			Metadata: map[string]string{
				"stampede-provisioner":    p.name.String(),
				"stampede-provisioned-at": time.Now().Format(time.RFC3339),
			},
		},
		KeyName: p.keyName,
	}).Extract()
	if err != nil {
		return nil, fmt.Errorf("failed to create server '%s': %w", name, err)
	}

	node := &pool.Node{
		ID:        server.ID,
		Name:      spec.Name,
		Region:    spec.Region,
		Type:      spec.Type,
		ImageID:   spec.ImageID,
		CreatedAt: time.Now(),
	}
	node.SetStatus(pool.NodeStatusBooting)

	if err := p.waitForAddresses(ctx, client, server.ID, node); err != nil {
		// The instance exists but never became usable: clean it up so a
		// failed boot doesn't leak compute.
		_ = servers.Delete(client, server.ID).ExtractErr()
		return nil, err
	}

	return node, nil
}

func (p *Provisioner) waitForAddresses(ctx context.Context, client *gophercloud.ServiceClient, serverID string, node *pool.Node) error {
	wait := p.config.BootWait
	if wait == 0 {
		wait = 120
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := int(time.Until(deadline).Seconds()); remaining < wait {
			wait = remaining
		}
	}

	if err := servers.WaitForStatus(client, serverID, "ACTIVE", wait); err != nil {
		return fmt.Errorf("failed while waiting for server to become ready after %ds: %w", wait, err)
	}

	pages, err := servers.ListAddresses(client, serverID).AllPages()
	if err != nil {
		return fmt.Errorf("failed to get server addresses: %w", err)
	}
	allAddresses, err := servers.ExtractAddresses(pages)
	if err != nil {
		return fmt.Errorf("failed to extract server addresses: %w", err)
	}

	for _, addresses := range allAddresses {
		for _, address := range addresses {
			if address.Version != 4 {
				continue
			}
			if ip := net.ParseIP(address.Address); ip != nil && ip.IsPrivate() {
				node.PrivateIP = address.Address
			} else {
				node.PublicIP = address.Address
			}
		}
	}
	if node.PublicIP == "" {
		node.PublicIP = node.PrivateIP
	}
	if node.PrivateIP == "" {
		node.PrivateIP = node.PublicIP
	}
	if node.PublicIP == "" {
		return fmt.Errorf("failed to find IPv4 address for server '%s'", serverID)
	}

	return nil
}

func (p *Provisioner) Terminate(ctx context.Context, node *pool.Node) error {
	client, err := p.compute(node.Region)
	if err != nil {
		return err
	}
	return servers.Delete(client, node.ID).ExtractErr()
}

// ResolveImage returns the id of the most recent image matching the name in
// the region. Instance type does not constrain image choice on OpenStack.
func (p *Provisioner) ResolveImage(ctx context.Context, region, instanceType, name string) (string, error) {
	client, err := p.compute(region)
	if err != nil {
		return "", err
	}

	pages, err := images.ListDetail(client, images.ListOpts{Name: name}).AllPages()
	if err != nil {
		return "", fmt.Errorf("failed to list images: %w", err)
	}
	list, err := images.ExtractImages(pages)
	if err != nil {
		return "", fmt.Errorf("failed to extract images: %w", err)
	}
	if len(list) == 0 {
		return "", fmt.Errorf("no image named '%s' in region '%s'", name, region)
	}
	// Created is RFC3339, so the lexicographic maximum is the newest image.
	latest := lo.MaxBy(list, func(a, b images.Image) bool {
		return a.Created > b.Created
	})
	return latest.ID, nil
}

// Shutdown removes the provisioner's keypair.
func (p *Provisioner) Shutdown() {
	client, err := p.compute("")
	if err != nil {
		return
	}
	if err := keypairs.Delete(client, p.keyName, nil).ExtractErr(); err != nil {
		p.config.Logger.Warn("Failed to delete keypair", "keypair", p.keyName, "error", err)
	}
}
