package remote

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/loadops/stampede/pipeline"
	"github.com/loadops/stampede/pool"
)

// ConnectivityDriver waits for the node's SSH port to accept TCP
// connections. It establishes nothing; readiness just means the network path
// is open.
type ConnectivityDriver struct {
	Port        int
	DialTimeout time.Duration
}

func (d *ConnectivityDriver) Start(ctx context.Context, node *pool.Node) error {
	return nil
}

func (d *ConnectivityDriver) Probe(ctx context.Context, node *pool.Node) error {
	port := d.Port
	if port == 0 {
		port = 22
	}
	timeout := d.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", node.PublicIP, port))
	if err != nil {
		return err
	}
	return conn.Close()
}

// ShellDriver establishes the node's SSH client and keeps it alive for the
// whole run. Long runs would otherwise lose idle connections to NAT
// timeouts, so a keepalive request goes out every 30 seconds until the node
// is terminated.
type ShellDriver struct {
	User        string
	Signer      ssh.Signer
	Port        int
	DialTimeout time.Duration
}

func (d *ShellDriver) Start(ctx context.Context, node *pool.Node) error {
	port := d.Port
	if port == 0 {
		port = 22
	}
	timeout := d.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", node.PublicIP, port), &ssh.ClientConfig{
		User:            d.User,
		Timeout:         timeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(d.Signer),
		},
	})
	if err != nil {
		return err
	}

	node.Attach(attachShell, client)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if node.Status() == pool.NodeStatusTerminated {
				return
			}
			if _, _, err := client.SendRequest("keepalive@stampede", true, nil); err != nil {
				node.Log.Warn("SSH keepalive failed", "error", err)
				return
			}
		}
	}()

	return nil
}

func (d *ShellDriver) Probe(ctx context.Context, node *pool.Node) error {
	client, err := Shell(node)
	if err != nil {
		return pipeline.Permanent(err)
	}

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	return session.Run("true")
}
