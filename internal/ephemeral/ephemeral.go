// Package ephemeral implements the Running VM data model (SPEC_FULL.md
// 3) and the ephemeral-launch dataflow A -> (B) -> C -> D -> E -> F
// (SPEC_FULL.md 2): locate the guest kernel, augment its initramfs,
// encode credentials, spawn virtiofsd for the image root and any bind
// mounts, spawn QEMU, and wait for the readiness handshake before
// handing control back to the caller.
package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/coreos/bcvk-go/internal/bcvkerr"
	"github.com/coreos/bcvk-go/internal/bcvklog"
	"github.com/coreos/bcvk-go/internal/credential"
	"github.com/coreos/bcvk-go/internal/initramfs"
	"github.com/coreos/bcvk-go/internal/kernel"
	"github.com/coreos/bcvk-go/internal/qemu"
	"github.com/coreos/bcvk-go/internal/readiness"
	"github.com/coreos/bcvk-go/internal/sshkey"
	"github.com/coreos/bcvk-go/internal/virtiofs"
)

var plog = bcvklog.New("internal/ephemeral")

// State is the Running VM state enum from SPEC_FULL.md 3. No state
// besides Exited may outlive the owning *VM handle.
type State int32

const (
	StateSpawning State = iota
	StateReady
	StateExiting
	StateExited
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "Spawning"
	case StateReady:
		return "Ready"
	case StateExiting:
		return "Exiting"
	case StateExited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// Bind is one host-directory-to-guest-path mount request, carried
// through to both the credential encoder and the virtiofs supervisor
// (SPEC_FULL.md 3's MountRequest, shared by two consumers).
type Bind struct {
	HostPath  string
	GuestPath string
	ReadOnly  bool
}

// Options configures one ephemeral run.
type Options struct {
	ImageRoot          string // unpacked/mounted container root
	ImageRef           string
	Arch               qemu.Arch
	KernelArgs         string
	Memory             int
	Binds              []Bind
	BindHostStorage    bool // mount host container storage read-only at hoststorage
	Execute            string
	UsermodeNetworking bool
	SSHForwardPort     int // 0 picks an ephemeral port
	Console            bool
	ConsoleFile        string
	EnableJournal      bool
	ReadinessTimeout   time.Duration
	ShutdownTimeout    time.Duration
}

// VM is a Running VM: it exclusively owns its QEMU child and the
// virtiofsd children backing its exports (SPEC_FULL.md 3's ownership
// summary). Dropping it (Shutdown) terminates both, gracefully then
// forcefully, and removes its scratch directory.
type VM struct {
	opts       Options
	qemu       *qemu.Instance
	virtiofs   *virtiofs.Supervisor
	sshPair    *sshkey.Pair
	scratchDir string
	state      atomic.Int32
	exitCode   int
}

func (vm *VM) State() State { return State(vm.state.Load()) }

// Run performs the full A -> (B) -> C -> D -> E -> F dataflow and
// returns a VM in the Spawning state; callers should call
// WaitReady next.
func Run(ctx context.Context, opts Options) (*VM, error) {
	vm := &VM{opts: opts}
	vm.state.Store(int32(StateSpawning))

	scratchDir, err := os.MkdirTemp("", "bcvk-ephemeral")
	if err != nil {
		return nil, bcvkerr.Wrapf(bcvkerr.Spawn, err, "creating scratch directory")
	}
	vm.scratchDir = scratchDir
	cleanup := true
	defer func() {
		if cleanup {
			os.RemoveAll(scratchDir)
		}
	}()

	// A: Kernel Locator.
	kinfo, err := kernel.Locate(opts.ImageRoot)
	if err != nil {
		return nil, err
	}

	// B: Initramfs Augmenter.
	augPath, err := writeAugmentation(scratchDir, opts.EnableJournal)
	if err != nil {
		return nil, err
	}

	// C: Credential Encoder (SSH key + mount units + local-fs drop-in).
	pair, err := sshkey.Generate("bcvk-ephemeral")
	if err != nil {
		return nil, err
	}
	vm.sshPair = pair

	creds := []credential.Credential{credential.SSHKeyCredential(pair.PublicKeyLine)}

	// D: Virtiofs Supervisor — image root first, then binds, so the
	// sockets exist before E spawns QEMU (SPEC_FULL.md 5 ordering).
	vsup, err := virtiofs.NewSupervisor()
	if err != nil {
		return nil, err
	}
	vm.virtiofs = vsup
	cleanupVsup := true
	defer func() {
		if cleanupVsup {
			vsup.Shutdown()
		}
	}()

	rootSocket := socketPath(scratchDir, "rootfs")
	if _, err := vsup.Add(virtiofs.Export{SharedDir: opts.ImageRoot, SocketPath: rootSocket, ReadOnly: true}); err != nil {
		return nil, err
	}

	builder := qemu.NewBuilder(opts.Arch)
	if opts.Memory > 0 {
		builder.Memory = opts.Memory
	}
	builder.KernelPath = kinfo.KernelPath
	if !kinfo.IsUKI {
		builder.InitramfsPaths = append(builder.InitramfsPaths, kinfo.InitramfsPath)
	}
	builder.InitramfsPaths = append(builder.InitramfsPaths, augPath)
	// --execute has nowhere else to surface its output: there's no SSH
	// session to carry it back, so the serial console (forwarded to this
	// process's own stdio when ConsoleFile is unset) is the only path
	// from the guest's stdout to the caller's.
	builder.Console = opts.Console || opts.Execute != ""
	builder.ConsoleFile = opts.ConsoleFile
	if opts.ShutdownTimeout > 0 {
		builder.ShutdownTimeout = opts.ShutdownTimeout
	}
	builder.AddVirtiofsExport(qemu.VirtiofsDevice{SocketPath: rootSocket, Tag: "rootfs"})

	var mounts []credential.MountRequest
	for i, b := range opts.Binds {
		tag := fmt.Sprintf("bcvk-bind-%d", i)
		if b.ReadOnly {
			tag = fmt.Sprintf("bcvk-bind-ro-%d", i)
		}
		sock := socketPath(scratchDir, tag)
		if _, err := vsup.Add(virtiofs.Export{SharedDir: b.HostPath, SocketPath: sock, ReadOnly: b.ReadOnly}); err != nil {
			return nil, err
		}
		builder.AddVirtiofsExport(qemu.VirtiofsDevice{SocketPath: sock, Tag: tag})
		mounts = append(mounts, credential.MountRequest{HostPath: b.HostPath, GuestPath: b.GuestPath, ReadOnly: b.ReadOnly, Tag: tag})
	}
	if opts.BindHostStorage {
		sock := socketPath(scratchDir, "hoststorage")
		if _, err := vsup.Add(virtiofs.Export{SharedDir: "/var/lib/containers/storage", SocketPath: sock, ReadOnly: true}); err != nil {
			return nil, err
		}
		builder.AddVirtiofsExport(qemu.VirtiofsDevice{SocketPath: sock, Tag: "hoststorage"})
		creds = append(creds, credential.StorageEnvCredential())
	}
	for _, m := range mounts {
		creds = append(creds, credential.MountUnitCredential(m))
	}
	if len(mounts) > 0 {
		creds = append(creds, credential.LocalFSDropinCredential(mounts))
	}

	sshPort := opts.SSHForwardPort
	if opts.UsermodeNetworking {
		if sshPort == 0 {
			l, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				return nil, bcvkerr.Wrapf(bcvkerr.Spawn, err, "picking an ephemeral ssh forward port")
			}
			sshPort = l.Addr().(*net.TCPAddr).Port
			l.Close()
		}
		builder.EnableUsermodeNetworking([]qemu.HostForwardPort{{Service: "ssh", HostPort: sshPort, GuestPort: 22}})
	}

	if opts.Execute != "" {
		builder.KernelArgs = fmt.Sprintf("systemd.run=%s systemd.run_success_action=poweroff %s", shellquote.Join(opts.Execute), opts.KernelArgs)
	} else {
		builder.KernelArgs = opts.KernelArgs
	}

	for _, c := range creds {
		builder.AddCredential(c)
	}

	// E: QEMU Supervisor.
	inst, err := builder.Exec()
	if err != nil {
		return nil, err
	}
	vm.qemu = inst

	cleanupVsup = false
	cleanup = false
	return vm, nil
}

// WaitReady blocks on the Readiness Channel (F): SSH polling against
// the forwarded port, since the CLI-level invariants this package
// targets all run against pre-254 as well as modern images. Callers
// needing vsock readiness should use readiness.WaitVsock directly
// around a VM configured with EnableVsock.
func (vm *VM) WaitReady(ctx context.Context) error {
	timeout := vm.opts.ReadinessTimeout
	if timeout == 0 {
		timeout = 240 * time.Second
	}
	if !vm.opts.UsermodeNetworking {
		// No SSH path configured; the caller is relying on
		// systemd.run_success_action=poweroff plus exit-code
		// inspection instead of a readiness handshake.
		vm.state.Store(int32(StateReady))
		return nil
	}
	addr, err := vm.qemu.SSHAddress()
	if err != nil {
		return err
	}
	if err := readiness.WaitSSH(ctx, addr, vm.sshPair.Signer, timeout, time.Second); err != nil {
		vm.state.Store(int32(StateExiting))
		_ = vm.Shutdown(context.Background())
		return err
	}
	vm.state.Store(int32(StateReady))
	plog.Debugf("vm ready, ssh at %s", addr)
	return nil
}

// Wait blocks until the QEMU process exits and classifies the result
// per SPEC_FULL.md 4.E: exit 0, or exit 1 when poweroffKarg was part
// of the kernel command line, are both success.
func (vm *VM) Wait(poweroffKarg bool) error {
	err := vm.qemu.Wait()
	vm.state.Store(int32(StateExited))
	if err == nil {
		return nil
	}
	if poweroffKarg {
		if exitErr, ok := asExitCode(err); ok && exitErr == 1 {
			return nil
		}
	}
	return bcvkerr.Wrapf(bcvkerr.Runtime, err, "qemu exited with error")
}

// Shutdown gracefully terminates the QEMU process and all virtiofsd
// children, then removes the scratch directory (SPEC_FULL.md 3, 5).
func (vm *VM) Shutdown(ctx context.Context) error {
	vm.state.Store(int32(StateExiting))
	var firstErr error
	if vm.qemu != nil {
		if err := vm.qemu.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if vm.virtiofs != nil {
		if err := vm.virtiofs.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if vm.scratchDir != "" {
		os.RemoveAll(vm.scratchDir)
	}
	vm.state.Store(int32(StateExited))
	return firstErr
}

func writeAugmentation(scratchDir string, enableJournal bool) (string, error) {
	path := scratchDir + "/augment.cpio"
	if err := os.WriteFile(path, initramfs.Build(enableJournal), 0644); err != nil {
		return "", bcvkerr.Wrapf(bcvkerr.Spawn, err, "writing initramfs augmentation archive")
	}
	return path, nil
}

func socketPath(scratchDir, tag string) string {
	return scratchDir + "/" + tag + ".sock"
}

// asExitCode extracts the process exit code from err if it wraps an
// *exec.ExitError, used to implement the "exit 1 after
// poweroff.target is still success" rule (SPEC_FULL.md 4.E).
func asExitCode(err error) (int, bool) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}

