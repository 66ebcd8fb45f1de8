package qemu

import (
	"strings"
	"testing"

	"github.com/coreos/bcvk-go/internal/credential"
)

func TestMachineArgsRejectsUnsupportedArch(t *testing.T) {
	if _, err := machineArgs("riscv64"); err == nil {
		t.Fatal("expected error for unsupported architecture")
	}
}

func TestMachineArgsX8664(t *testing.T) {
	argv, err := machineArgs(ArchX8664)
	if err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "q35,accel=kvm") {
		t.Fatalf("expected q35,accel=kvm in %v", argv)
	}
}

func TestMachineArgsAarch64(t *testing.T) {
	argv, err := machineArgs(ArchAarch64)
	if err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "virt,accel=kvm") {
		t.Fatalf("expected virt,accel=kvm in %v", argv)
	}
}

func TestBuilderExecRejectsMissingKernel(t *testing.T) {
	b := NewBuilder(ArchX8664)
	if _, err := b.Exec(); err == nil {
		t.Fatal("expected error when KernelPath is unset")
	}
}

func TestAddDiskArgsIncludesSerial(t *testing.T) {
	b := NewBuilder(ArchX8664)
	b.addDiskArgs(0, DiskDevice{Path: "/tmp/x.qcow2", Serial: "output"})
	joined := strings.Join(b.argv, " ")
	if !strings.Contains(joined, "serial=output") {
		t.Fatalf("expected serial=output in args: %v", b.argv)
	}
}

func TestAddVirtiofsArgsIncludesTag(t *testing.T) {
	b := NewBuilder(ArchX8664)
	b.addVirtiofsArgs(0, VirtiofsDevice{SocketPath: "/tmp/vfs.sock", Tag: "rootfs"})
	joined := strings.Join(b.argv, " ")
	if !strings.Contains(joined, "tag=rootfs") {
		t.Fatalf("expected tag=rootfs in args: %v", b.argv)
	}
}

func TestHostProcessorsCapped(t *testing.T) {
	if n := hostProcessors(); n < 1 || n > 16 {
		t.Fatalf("hostProcessors() = %d, want [1,16]", n)
	}
}

func TestAddCredentialQueuesCredential(t *testing.T) {
	b := NewBuilder(ArchX8664)
	b.AddCredential(credential.SSHKeyCredential("ssh-ed25519 AAAA test"))
	if len(b.credentials) != 1 {
		t.Fatalf("expected 1 queued credential, got %d", len(b.credentials))
	}
}
