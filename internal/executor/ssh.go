package executor

import (
	"bytes"
	"context"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"expose/logger"
)

type sshExecutor struct {
	dest   Destination
	config *ssh.ClientConfig
}

// NewSSH builds an executor that dials dest over ssh on every Run call.
// Authentication uses the given identity file if set, plus whatever keys the
// local ssh-agent holds. Host keys are accepted without verification, the
// same trust model the interactive workflow this replaces ends up with.
func NewSSH(dest Destination, identityFile string, connectTimeout time.Duration) (Executor, error) {
	auth, err := authMethods(identityFile)
	if err != nil {
		return nil, err
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh authentication available: provide an identity file or start an ssh-agent")
	}

	return &sshExecutor{
		dest: dest,
		config: &ssh.ClientConfig{
			User:            dest.User,
			Auth:            auth,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         connectTimeout,
		},
	}, nil
}

func authMethods(identityFile string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if identityFile != "" {
		key, err := os.ReadFile(identityFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read identity file")
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse identity file")
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		} else {
			logger.Warn("ssh-agent unavailable", zap.Error(err))
		}
	}

	return methods, nil
}

func (e *sshExecutor) Run(ctx context.Context, command string, stdin string) (*Result, error) {
	client, err := ssh.Dial("tcp", e.dest.Addr(), e.config)
	if err != nil {
		return nil, &TransportError{Op: "dial " + e.dest.String(), Err: err}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "open session", Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}

	logger.Debug("running remote command",
		zap.String("destination", e.dest.String()),
		zap.String("command", command))

	if err := session.Start(command); err != nil {
		return nil, &TransportError{Op: "start command", Err: err}
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		// Closing the connection unblocks Wait; the command's outcome is
		// unknown at this point, which is exactly what TransportError means.
		_ = client.Close()
		<-done
		return nil, &TransportError{Op: "command cancelled", Err: ctx.Err()}
	case err = <-done:
	}

	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			// Session ended without an exit status: the channel dropped
			// mid-command.
			return nil, &TransportError{Op: "wait for command", Err: err}
		}
		result.ExitCode = exitErr.ExitStatus()
	}

	return result, nil
}
