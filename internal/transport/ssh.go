package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"zfs-rotate/internal/config"
	appErrors "zfs-rotate/internal/errors"
	"zfs-rotate/internal/logging"
	"zfs-rotate/internal/zfs"
)

// SSHTransport streams snapshots to zfs receive on a remote host
type SSHTransport struct {
	source      Source
	cfg         config.SSHConfig
	compression Compression
	remoteZFS   string
	agentSocket string
	logger      *logging.Logger
}

// NewSSHTransport creates an SSH transport. The agent socket is taken from
// SSH_AUTH_SOCK when cfg.UseAgent is set.
func NewSSHTransport(source Source, cfg config.SSHConfig, compression Compression, logger *logging.Logger) *SSHTransport {
	t := &SSHTransport{
		source:      source,
		cfg:         cfg,
		compression: compression,
		remoteZFS:   "zfs",
		logger:      logger,
	}
	if cfg.UseAgent {
		t.agentSocket = os.Getenv("SSH_AUTH_SOCK")
	}
	return t
}

// Name implements Transport
func (t *SSHTransport) Name() string {
	return config.TransportSSH
}

// Transfer implements Transport. The connection is established before the
// send stream starts, so an unreachable host never spawns zfs send.
func (t *SSHTransport) Transfer(ctx context.Context, req TransferRequest) error {
	port := t.cfg.Port
	if port == 0 {
		port = config.DefaultSSHPort
	}
	addr := net.JoinHostPort(req.DestinationHost, strconv.Itoa(port))
	destination := fmt.Sprintf("%s@%s:%s", req.DestinationUser, addr, req.DestinationDataset)

	clientConfig, cleanup, err := t.clientConfig(req.DestinationUser)
	if err != nil {
		return err
	}
	defer cleanup()

	client, err := t.dial(ctx, addr, clientConfig)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return appErrors.NewTransportError("failed to connect to destination host", err).
			WithContext("host", addr).
			WithContext("user", req.DestinationUser)
	}
	defer client.Close()

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	command := RemoteReceiveCommand(t.remoteZFS, req.DestinationDataset, req.Recursive, t.compression.DecompressCommand())
	t.logger.LogCommand("ssh "+destination, []string{command})

	consume := func(ctx context.Context, body io.Reader) error {
		session, err := client.NewSession()
		if err != nil {
			return appErrors.NewTransportError("failed to open SSH session", err).WithContext("host", addr)
		}
		defer session.Close()

		var stderr bytes.Buffer
		session.Stdin = body
		session.Stderr = &stderr

		if err := session.Run(command); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", ctx.Err(), err)
			}
			return appErrors.NewTransportError("remote zfs receive failed", err).
				WithContext("host", addr).
				WithContext("command", command).
				WithContext("stderr", strings.TrimSpace(stderr.String()))
		}
		return nil
	}

	return stream(ctx, t.source, t.compression, req, consume, t.logger, destination)
}

func (t *SSHTransport) dial(ctx context.Context, addr string, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: clientConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if clientConfig.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(clientConfig.Timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

// clientConfig builds authentication and host key verification for user
func (t *SSHTransport) clientConfig(user string) (*ssh.ClientConfig, func(), error) {
	cleanup := func() {}
	var methods []ssh.AuthMethod

	if t.agentSocket != "" {
		conn, err := net.Dial("unix", t.agentSocket)
		if err != nil {
			t.logger.WithField("socket", t.agentSocket).Warnf("SSH agent unavailable: %v", err)
		} else {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			cleanup = func() { conn.Close() }
		}
	}

	var signers []ssh.Signer
	for _, keyFile := range t.cfg.KeyFiles {
		signer, err := loadSigner(expandHome(keyFile))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				t.logger.WithField("key_file", keyFile).Warnf("Skipping SSH key: %v", err)
			}
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if len(methods) == 0 {
		cleanup()
		return nil, nil, appErrors.NewConfigurationError("no usable SSH authentication method", nil).
			WithUserMessage("No SSH agent or readable private key found; set transport.ssh.key_files or SSH_AUTH_SOCK")
	}

	hostKeyCallback, err := t.hostKeyCallback()
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         t.cfg.Timeout,
	}, cleanup, nil
}

func (t *SSHTransport) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if t.cfg.InsecureIgnoreHostKey {
		t.logger.Warn("SSH host key verification is disabled")
		return ssh.InsecureIgnoreHostKey(), nil
	}

	callback, err := knownhosts.New(expandHome(t.cfg.KnownHosts))
	if err != nil {
		return nil, appErrors.NewConfigurationError("failed to load known_hosts", err).
			WithContext("known_hosts", t.cfg.KnownHosts)
	}
	return callback, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// RemoteReceiveCommand builds the shell command run on the destination host:
// [<decompress> |] zfs receive [-F] '<dataset>'
func RemoteReceiveCommand(zfsPath, dataset string, recursive bool, decompress string) string {
	args := zfs.ReceiveArgs(dataset, recursive)
	parts := append([]string{zfsPath}, args[:len(args)-1]...)
	parts = append(parts, shellQuote(dataset))

	command := strings.Join(parts, " ")
	if decompress != "" {
		command = decompress + " | " + command
	}
	return command
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
