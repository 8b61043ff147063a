package vm

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/crypto/ssh"

	"github.com/projecteru2/burrow/types"
)

const loopback = "127.0.0.1"

// Prober decides whether a guest's SSH server is up.
type Prober interface {
	Probe(ctx context.Context, host string, port int) error
}

type sshProber struct {
	user    string
	keyPath string
	timeout time.Duration
}

// NewSSHProber logs in with the key at keyPath. Without a usable key it
// settles for the server's version banner.
func NewSSHProber(user, keyPath string, timeout time.Duration) Prober {
	return &sshProber{user: user, keyPath: keyPath, timeout: timeout}
}

func (p *sshProber) Probe(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck
	_ = conn.SetDeadline(time.Now().Add(p.timeout))

	signer, err := p.signer()
	if err != nil {
		return readBanner(conn)
	}
	cfg := &ssh.ClientConfig{
		User:            p.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // guests are ephemeral
		Timeout:         p.timeout,
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		return err
	}
	return ssh.NewClient(c, chans, reqs).Close()
}

func (p *sshProber) signer() (ssh.Signer, error) {
	key, err := os.ReadFile(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	return signer, nil
}

func readBanner(conn net.Conn) error {
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return err
	}
	if !strings.HasPrefix(line, "SSH-") {
		return fmt.Errorf("unexpected banner %q", strings.TrimSpace(line))
	}
	return nil
}

// SSHInfo tells how to reach the guest: guest_ip:22 for networked VMs,
// otherwise the host port on loopback.
func (m *Manager) SSHInfo(ctx context.Context, ref string) (*types.SSHInfo, error) {
	vm, err := m.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	info := &types.SSHInfo{
		Host:  loopback,
		Port:  vm.SSHPort,
		User:  m.conf.SSH.User,
		Ready: vm.Status == types.VMStateRunning,
	}
	if vm.Network.Networked() && vm.Network.GuestIP != "" {
		info.Host, info.Port = vm.Network.GuestIP, guestSSH
	}
	args := []string{"ssh", "-p", strconv.Itoa(info.Port),
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null"}
	if m.conf.SSH.PrivateKeyPath != "" {
		args = append(args, "-i", m.conf.SSH.PrivateKeyPath)
	}
	args = append(args, info.User+"@"+info.Host)
	info.Command = shellquote.Join(args...)
	return info, nil
}
