// Package virtiofs supervises virtiofsd child processes: one per
// virtiofs export (the image root, storage bind, user binds). See
// SPEC_FULL.md 4.D.
package virtiofs

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/pkg/errors"

	"github.com/coreos/bcvk-go/internal/bcvkerr"
	"github.com/coreos/bcvk-go/internal/bcvklog"
	"github.com/coreos/bcvk-go/internal/sysexec"
)

var plog = bcvklog.New("internal/virtiofs")

// searchPath is the small, fixed list of locations virtiofsd is looked
// up in, tried in order (SPEC_FULL.md 4.D).
var searchPath = []string{
	"/usr/libexec",
	"/usr/bin",
	"/usr/local/bin",
}

// featureCache memoizes the one-time --help probe per resolved binary
// path, since re-exec'ing --help on every VM launch would be wasteful
// and the answer cannot change within a process lifetime.
var featureCache sync.Map // map[string]bool: binary path -> supports --readonly

// Locate finds the virtiofsd binary, trying searchPath in order and
// falling back to $PATH.
func Locate() (string, error) {
	for _, dir := range searchPath {
		candidate := filepath.Join(dir, "virtiofsd")
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, nil
		}
	}
	if path, err := exec.LookPath("virtiofsd"); err == nil {
		return path, nil
	}
	return "", bcvkerr.New(bcvkerr.Preflight, "virtiofsd not found in /usr/libexec, /usr/bin, /usr/local/bin, or $PATH; install virtiofsd")
}

// supportsReadonly probes binPath's --help output once, caching the
// result for the lifetime of the process.
func supportsReadonly(binPath string) bool {
	if v, ok := featureCache.Load(binPath); ok {
		return v.(bool)
	}
	out, _ := exec.Command(binPath, "--help").CombinedOutput()
	supported := strings.Contains(string(out), "--readonly")
	featureCache.Store(binPath, supported)
	return supported
}

// Export describes one directory to be served over virtiofs.
type Export struct {
	SharedDir  string
	SocketPath string
	ReadOnly   bool
	// LogFile, if non-nil, receives virtiofsd's stdout/stderr. If nil,
	// output is piped to this process's stderr.
	LogFile *os.File
}

// Daemon is a running virtiofsd child for one Export.
type Daemon struct {
	export Export
	cmd    sysexec.Cmd
}

// Spawn starts virtiofsd for export. The socket directory is created if
// missing; the shared directory must already exist and be readable.
func Spawn(binPath string, export Export) (*Daemon, error) {
	st, err := os.Stat(export.SharedDir)
	if err != nil {
		return nil, bcvkerr.Wrapf(bcvkerr.ConfigInvalid, err, "shared directory %s", export.SharedDir)
	}
	if !st.IsDir() {
		return nil, bcvkerr.New(bcvkerr.ConfigInvalid, "shared path "+export.SharedDir+" is not a directory")
	}

	if err := os.MkdirAll(filepath.Dir(export.SocketPath), 0755); err != nil {
		return nil, bcvkerr.Wrapf(bcvkerr.Spawn, err, "creating socket directory for %s", export.SocketPath)
	}

	args := []string{
		"--socket-path", export.SocketPath,
		"--shared-dir", export.SharedDir,
		"--cache=never",
		"--allow-mmap",
		"--sandbox=none",
		"--inode-file-handles=fallback",
	}
	if export.ReadOnly {
		if supportsReadonly(binPath) {
			args = append(args, "--readonly")
		} else {
			plog.Warningf("virtiofsd at %s does not support --readonly; exporting %s read-write", binPath, export.SharedDir)
		}
	}

	cmd := sysexec.Command(binPath, args...)
	if export.LogFile != nil {
		cmd.Stdout = export.LogFile
		cmd.Stderr = export.LogFile
	} else {
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, bcvkerr.Wrapf(bcvkerr.Spawn, err, "spawning %s %v", binPath, args)
	}

	plog.Debugf("virtiofsd started (pid %d) for %s -> %s", cmd.Pid(), export.SharedDir, export.SocketPath)
	return &Daemon{export: export, cmd: cmd}, nil
}

// Alive reports whether the virtiofsd process is still running, by
// signalling it with signal 0.
func (d *Daemon) Alive() bool {
	proc, err := os.FindProcess(d.cmd.Pid())
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Shutdown kills virtiofsd (sysexec's Kill, which delivers SIGKILL) and
// reaps it. The supervisor does not
// poll for socket readiness — QEMU connects to the socket lazily once
// it, too, has started (SPEC_FULL.md 4.D) — so Shutdown's only job is
// clean process teardown.
func (d *Daemon) Shutdown() error {
	err := d.cmd.Kill()
	if err != nil {
		return errors.Wrapf(err, "stopping virtiofsd for %s", d.export.SharedDir)
	}
	return nil
}

// Supervisor owns a set of Daemons spawned for one VM's exports.
type Supervisor struct {
	mu      sync.Mutex
	daemons []*Daemon
	binPath string
}

// NewSupervisor resolves the virtiofsd binary once for all exports this
// VM will need.
func NewSupervisor() (*Supervisor, error) {
	bin, err := Locate()
	if err != nil {
		return nil, err
	}
	return &Supervisor{binPath: bin}, nil
}

// Add spawns virtiofsd for export and tracks the resulting Daemon.
func (s *Supervisor) Add(export Export) (*Daemon, error) {
	d, err := Spawn(s.binPath, export)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.daemons = append(s.daemons, d)
	s.mu.Unlock()
	return d, nil
}

// AnyAlive reports whether at least one supervised daemon is still
// running — the invariant SPEC_FULL.md 8 requires while a VM is Ready.
func (s *Supervisor) AnyAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.daemons {
		if d.Alive() {
			return true
		}
	}
	return false
}

// Shutdown terminates every supervised daemon, collecting the first
// error (if any) but always attempting all of them.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, d := range s.daemons {
		if err := d.Shutdown(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
