// Package readiness implements the two guest-boot handshakes: a vsock
// READY=1 frame for systemd >= 254, and an SSH-polling fallback for
// older guests. See SPEC_FULL.md 4.F.
package readiness

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-semver/semver"
	"golang.org/x/crypto/ssh"

	"github.com/coreos/bcvk-go/internal/bcvkerr"
	"github.com/coreos/bcvk-go/internal/bcvklog"
)

var plog = bcvklog.New("internal/readiness")

// vsockMinSystemd is the guest systemd version at which the
// vmm.notify_socket credential (and thus vsock readiness) is
// supported (SPEC_FULL.md 4.F).
var vsockMinSystemd = semver.Version{Major: 254}

// Mechanism is the handshake the supervisor picked for a given guest.
type Mechanism int

const (
	MechanismVsock Mechanism = iota
	MechanismSSHPolling
)

func (m Mechanism) String() string {
	if m == MechanismVsock {
		return "vsock"
	}
	return "ssh-polling"
}

// SelectMechanism picks vsock when the guest's systemd version is new
// enough, SSH polling otherwise.
func SelectMechanism(guestSystemdVersion semver.Version) Mechanism {
	if guestSystemdVersion.Compare(vsockMinSystemd) >= 0 {
		return MechanismVsock
	}
	return MechanismSSHPolling
}

// ParseSystemdVersion extracts the leading integer from `systemctl
// --version`'s first line, e.g. "systemd 254 (254.11-1)" -> {254,0,0}.
// systemd does not use semver, but go-semver's Major-only comparisons
// are sufficient for the >=254 cutoff.
func ParseSystemdVersion(output string) (semver.Version, error) {
	firstLine := output
	if idx := strings.IndexByte(output, '\n'); idx >= 0 {
		firstLine = output[:idx]
	}
	fields := strings.Fields(firstLine)
	if len(fields) < 2 || fields[0] != "systemd" {
		return semver.Version{}, fmt.Errorf("unrecognized systemctl --version output: %q", firstLine)
	}
	n, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return semver.Version{}, fmt.Errorf("parsing systemd version %q: %w", fields[1], err)
	}
	return semver.Version{Major: n}, nil
}

// WaitVsock listens on AF_VSOCK port, accepts one connection (from the
// guest, whose systemd sends a READY=1 frame once userspace is up),
// reads the frame and closes. timeout bounds the whole wait.
func WaitVsock(ctx context.Context, port uint32, timeout time.Duration) error {
	ln, err := vsockListen(port)
	if err != nil {
		return bcvkerr.Wrapf(bcvkerr.Preflight, err, "listening on vsock port %d", port)
	}
	defer ln.Close()

	type result struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		accepted <- result{conn, err}
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-ctx.Done():
		return bcvkerr.New(bcvkerr.ReadinessTimeout, fmt.Sprintf("no vsock READY=1 within %s; attach a console to diagnose", timeout))
	case r := <-accepted:
		if r.err != nil {
			return bcvkerr.Wrapf(bcvkerr.ReadinessTimeout, r.err, "accepting vsock connection")
		}
		defer r.conn.Close()
		line, err := bufio.NewReader(r.conn).ReadString('\n')
		if err != nil && line == "" {
			return bcvkerr.Wrapf(bcvkerr.ReadinessTimeout, err, "reading vsock readiness frame")
		}
		if strings.TrimSpace(line) != "READY=1" {
			return bcvkerr.New(bcvkerr.ReadinessTimeout, fmt.Sprintf("unexpected vsock frame %q", line))
		}
		plog.Debugf("vsock readiness frame received on port %d", port)
		return nil
	}
}

// WaitSSH polls addr with an SSH auth handshake (no command execution
// needed — a successful client handshake proves sshd, and therefore
// userspace, is up) every retryInterval until success or timeout.
func WaitSSH(ctx context.Context, addr string, signer ssh.Signer, timeout, retryInterval time.Duration) error {
	cfg := &ssh.ClientConfig{
		User:            "root",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		client, err := ssh.Dial("tcp", addr, cfg)
		if err == nil {
			client.Close()
			plog.Debugf("ssh readiness handshake succeeded against %s", addr)
			return nil
		}
		select {
		case <-ctx.Done():
			return bcvkerr.Wrapf(bcvkerr.ReadinessTimeout, err, fmt.Sprintf("no ssh handshake against %s within %s; attach a console to diagnose", addr, timeout))
		case <-ticker.C:
		}
	}
}

// ProbeGuestSystemdVersion dials addr over SSH and runs `systemctl
// --version` in a new session, used to pick Mechanism before the
// credential set is finalized.
func ProbeGuestSystemdVersion(ctx context.Context, addr string, signer ssh.Signer, timeout time.Duration) (semver.Version, error) {
	cfg := &ssh.ClientConfig{
		User:            "root",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return semver.Version{}, bcvkerr.Wrapf(bcvkerr.Preflight, err, "dialing ssh for systemd version probe")
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return semver.Version{}, bcvkerr.Wrapf(bcvkerr.Preflight, err, "opening ssh session")
	}
	defer session.Close()

	out, err := session.CombinedOutput("systemctl --version")
	if err != nil {
		return semver.Version{}, bcvkerr.Wrapf(bcvkerr.Preflight, err, "running systemctl --version")
	}
	return ParseSystemdVersion(string(out))
}
