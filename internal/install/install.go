// Package install implements the Install Runner (SPEC_FULL.md 4.H): the
// diskcache.Producer that boots a full ephemeral VM running `bootc
// install to-disk` onto a scratch disk, and is invoked by
// diskcache.Cache.Create whenever a base disk needs to be built.
package install

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/coreos/bcvk-go/internal/bcvkerr"
	"github.com/coreos/bcvk-go/internal/bcvklog"
	"github.com/coreos/bcvk-go/internal/credential"
	"github.com/coreos/bcvk-go/internal/diskcache"
	"github.com/coreos/bcvk-go/internal/initramfs"
	"github.com/coreos/bcvk-go/internal/kernel"
	"github.com/coreos/bcvk-go/internal/qemu"
	"github.com/coreos/bcvk-go/internal/sshkey"
	"github.com/coreos/bcvk-go/internal/virtiofs"
)

var plog = bcvklog.New("internal/install")

// completionSentinel is the literal string the in-guest `bootc install
// to-disk` unit prints on success; the Install Runner scans the guest's
// serial console log file for it rather than trusting exit code alone
// (SPEC_FULL.md 4.H step 4).
const completionSentinel = "Installation complete"

// Request bundles everything the Install Runner needs to produce one
// base disk: the image root to boot from, the options to hash into the
// cache key and pass to `bootc install`, and the target architecture.
type Request struct {
	ImageRef    string
	ImageRoot   string // already-pulled/mounted container root, served over virtiofs
	Options     diskcache.InstallOptions
	KernelArgs  string
	Arch        qemu.Arch
	SizeBytes   int64
	BootTimeout time.Duration
}

// Producer returns a diskcache.Producer closing over req, suitable for
// diskcache.Cache.Create. The producer allocates tmpPath as a qcow2 of
// req.SizeBytes, launches an ephemeral VM whose `output` disk is
// tmpPath, and waits for the guest's `bootc install to-disk` unit to
// report success.
func Producer(req Request) diskcache.Producer {
	return func(tmpPath string) error {
		if err := createQcow2(tmpPath, req.SizeBytes); err != nil {
			return err
		}
		return runInstall(req, tmpPath)
	}
}

func createQcow2(path string, sizeBytes int64) error {
	cmd := exec.Command("qemu-img", "create", "-f", "qcow2", path, fmt.Sprintf("%d", sizeBytes))
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return bcvkerr.Wrapf(bcvkerr.Spawn, err, "creating scratch disk %s (%d bytes)", path, sizeBytes)
	}
	return nil
}

// bootcInstallCommand builds the in-guest install invocation
// (SPEC_FULL.md 4.H step 2), wrapped so it prints completionSentinel
// on success or "install-failed" on failure, then powers the guest off
// either way; the host tells the two apart by scanning the console log.
func bootcInstallCommand(req Request) string {
	args := []string{
		"bootc", "install", "to-disk",
		"--source-imgref", "containers-storage:" + req.ImageRef,
		"--filesystem", req.Options.Filesystem,
	}
	if req.Options.RootSizeBytes > 0 {
		args = append(args, "--root-size", fmt.Sprintf("%d", req.Options.RootSizeBytes))
	}
	if req.Options.ComposefsBackend {
		args = append(args, "--composefs-backend")
	}
	args = append(args, "/dev/disk/by-id/virtio-output")
	installCmd := strings.Join(args, " ")
	return fmt.Sprintf("/bin/sh -c '%s && echo %s || echo install-failed; poweroff'", installCmd, completionSentinel)
}

// runInstall assembles and runs one ephemeral VM the same way a normal
// `ephemeral run` would (kernel locate -> initramfs augment ->
// virtiofs root -> credentials -> qemu exec), with the scratch disk
// attached as the `output` serial and the guest command line set to
// bootcInstallCommand. Success requires exit 0 *and* the completion
// sentinel observed in the guest's forwarded output *and* a post-install
// xattr write, performed by the caller (diskcache.Cache.Create) once
// this function returns nil.
func runInstall(req Request, outputDiskPath string) (err error) {
	kinfo, err := kernel.Locate(req.ImageRoot)
	if err != nil {
		return bcvkerr.Wrapf(bcvkerr.ConfigInvalid, err, "locating kernel in image root for install")
	}

	rootfsSocket, err := tempSocketPath("bcvk-install-rootfs")
	if err != nil {
		return err
	}
	vsup, err := virtiofs.NewSupervisor()
	if err != nil {
		return err
	}
	defer vsup.Shutdown()

	if _, err := vsup.Add(virtiofs.Export{SharedDir: req.ImageRoot, SocketPath: rootfsSocket, ReadOnly: true}); err != nil {
		return bcvkerr.Wrapf(bcvkerr.Spawn, err, "spawning virtiofsd for image root")
	}

	pair, err := sshkey.Generate("bcvk-install")
	if err != nil {
		return err
	}

	consoleFile, err := os.CreateTemp("", "bcvk-install-console-*.log")
	if err != nil {
		return bcvkerr.Wrapf(bcvkerr.Spawn, err, "allocating console log")
	}
	consoleFile.Close()
	defer os.Remove(consoleFile.Name())

	builder := qemu.NewBuilder(req.Arch)
	builder.KernelPath = kinfo.KernelPath
	if !kinfo.IsUKI {
		builder.InitramfsPaths = append(builder.InitramfsPaths, kinfo.InitramfsPath)
	}
	builder.InitramfsPaths = append(builder.InitramfsPaths, writeAugmentationArchive())
	builder.KernelArgs = strings.TrimSpace(
		fmt.Sprintf("systemd.run=%s systemd.run_success_action=poweroff %s",
			shellquote.Join(bootcInstallCommand(req)), req.KernelArgs))
	builder.Console = true
	builder.ConsoleFile = consoleFile.Name()
	builder.AddVirtiofsExport(qemu.VirtiofsDevice{SocketPath: rootfsSocket, Tag: "rootfs"})
	builder.AddDisk(qemu.DiskDevice{Path: outputDiskPath, Serial: "output"})
	builder.AddCredential(credential.SSHKeyCredential(pair.PublicKeyLine))

	inst, err := builder.Exec()
	if err != nil {
		return bcvkerr.Wrapf(bcvkerr.Spawn, err, "launching install VM")
	}
	defer inst.Kill()

	timeout := req.BootTimeout
	if timeout == 0 {
		timeout = 20 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	exitErr := make(chan error, 1)
	go func() { exitErr <- inst.Wait() }()

	select {
	case <-ctx.Done():
		_ = inst.Shutdown(context.Background())
		return bcvkerr.New(bcvkerr.ReadinessTimeout, fmt.Sprintf("install did not complete within %s", timeout))
	case werr := <-exitErr:
		if werr != nil {
			return bcvkerr.Wrapf(bcvkerr.Runtime, werr, "install VM exited with error")
		}
	}

	log, err := os.Open(consoleFile.Name())
	if err != nil {
		return bcvkerr.Wrapf(bcvkerr.Runtime, err, "reopening console log to verify install")
	}
	defer log.Close()
	if err := scanForSentinel(log); err != nil {
		return err
	}

	plog.Infof("install VM for %s completed", req.ImageRef)
	return nil
}

// scanForSentinel reads r looking for completionSentinel, returning
// nil if found or an error describing the last line seen otherwise.
// Used when the caller has access to the guest's forwarded console/
// journal stream rather than relying on exit code alone.
func scanForSentinel(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	var last string
	for scanner.Scan() {
		line := scanner.Text()
		last = line
		if strings.Contains(line, completionSentinel) {
			return nil
		}
		if strings.Contains(line, "install-failed") {
			return bcvkerr.New(bcvkerr.Runtime, "guest reported install-failed: "+line)
		}
	}
	return bcvkerr.New(bcvkerr.Runtime, "completion sentinel not observed; last line: "+last)
}

func tempSocketPath(prefix string) (string, error) {
	f, err := os.CreateTemp("", prefix+"-*.sock")
	if err != nil {
		return "", bcvkerr.Wrapf(bcvkerr.Spawn, err, "allocating virtiofsd socket path")
	}
	path := f.Name()
	f.Close()
	os.Remove(path)
	return path, nil
}

func writeAugmentationArchive() string {
	data := initramfs.Build(true)
	f, err := os.CreateTemp("", "bcvk-install-augment-*.cpio")
	if err != nil {
		return ""
	}
	defer f.Close()
	f.Write(data)
	return f.Name()
}
