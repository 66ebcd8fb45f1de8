package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/coreos/bcvk-go/internal/bcvkerr"
	"github.com/coreos/bcvk-go/internal/diskcache"
	"github.com/coreos/bcvk-go/internal/install"
	"github.com/coreos/bcvk-go/internal/libvirtxml"
	"github.com/coreos/bcvk-go/internal/sshkey"
)

func newLibvirtCmd() *cobra.Command {
	var connectURI string

	cmd := &cobra.Command{
		Use:   "libvirt",
		Short: "Create and manage libvirt-defined persistent VMs",
	}
	cmd.PersistentFlags().StringVar(&connectURI, "connect", "", "libvirt connection URI (empty uses the default system socket)")
	cmd.AddCommand(newLibvirtRunCmd(&connectURI))
	return cmd
}

func newLibvirtRunCmd(connectURI *string) *cobra.Command {
	var (
		name       string
		memoryMiB  int
		vcpus      int
		filesystem string
		diskSize   int64
		transient  bool
		poolDir    string
	)

	cmd := &cobra.Command{
		Use:   "run IMAGE",
		Short: "Create a persistent libvirt domain booting IMAGE (installs to the base-disk cache on first use, then clones)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			imageRef := args[0]
			imageRoot, err := mustMountImage(imageRef)
			if err != nil {
				return err
			}

			conn, err := libvirtxml.Dial(*connectURI)
			if err != nil {
				return err
			}
			defer conn.Close()

			existing, err := conn.ListDomainNames()
			if err != nil {
				return err
			}
			vmName := name
			if vmName == "" {
				vmName = libvirtxml.GenerateUniqueVMName(imageRef, existing)
			} else if existing[vmName] {
				return bcvkerr.New(bcvkerr.ConfigInvalid, fmt.Sprintf("VM %q already exists", vmName))
			}

			// Shares resolvePool's default with `to-disk` and
			// `base-disks` (one base-disk cache for all three):
			// otherwise a domain installed via `libvirt run` would
			// be invisible to `base-disks list`'s refcounts.
			pool := poolDir
			if pool == "" {
				pool = resolvePool("")
			}
			if _, err := conn.EnsurePool("bcvk-base-disks", pool); err != nil {
				return err
			}

			cache, err := diskcache.New(pool)
			if err != nil {
				return err
			}

			opts := diskcache.InstallOptions{Filesystem: filesystem}
			imageDigest := digestOf(imageRef)

			basePath, hit, err := cache.Lookup(imageDigest, opts, "")
			if err != nil {
				return err
			}
			if !hit {
				req := install.Request{
					ImageRef:    imageRef,
					ImageRoot:   imageRoot,
					Options:     opts,
					Arch:        hostArch(),
					SizeBytes:   sizeOrDefault(diskSize),
					BootTimeout: 30 * time.Minute,
				}
				basePath, err = cache.Create(imageDigest, opts, "", install.Producer(req))
				if err != nil {
					return err
				}
				progress.Infof("Installed new cached disk image: %s", basePath)
			} else {
				progress.Infof("Reusing existing cached disk image: %s", basePath)
			}

			diskPolicy := libvirtxml.TransientDiskOverlay
			var diskPath string
			if transient {
				diskPolicy = libvirtxml.TransientDiskLibvirt
				diskPath = basePath // libvirt's own <transient/> element manages the overlay
			} else {
				diskPath, err = cache.Clone(basePath, vmName)
				if err != nil {
					return err
				}
			}

			pair, err := sshkey.Generate(vmName)
			if err != nil {
				return err
			}

			domain := buildDomain(vmName, diskPath, imageRoot, transient, memoryMiB, vcpus, imageRef, imageDigest, filesystem, pair, diskPolicy)
			domainXML, err := domain.Marshal()
			if err != nil {
				return err
			}

			if transient {
				if err := conn.DefineTransient(string(domainXML)); err != nil {
					return err
				}
			} else {
				if err := conn.DefineAndStart(string(domainXML)); err != nil {
					return err
				}
			}

			progress.Infof("VM %q created (disk %s, backing %s)", vmName, diskPath, filepath.Base(basePath))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "VM name (auto-generated from the image reference if empty)")
	cmd.Flags().IntVar(&memoryMiB, "memory-mib", 2048, "guest memory in MiB")
	cmd.Flags().IntVar(&vcpus, "cpus", 2, "guest vCPU count")
	cmd.Flags().StringVar(&filesystem, "filesystem", "xfs", "root filesystem: ext4, xfs, or btrfs")
	cmd.Flags().Int64Var(&diskSize, "disk-size-bytes", 0, "scratch disk size for a fresh install (0 uses a 10GiB default)")
	cmd.Flags().BoolVar(&transient, "transient", false, "use libvirt's own <transient/> overlay instead of a tracked VM-disk clone")
	cmd.Flags().StringVar(&poolDir, "cache-pool", "", "base-disk cache directory (defaults to the same pool `to-disk`/`base-disks` use)")

	return cmd
}

func buildDomain(name, diskPath, imageRoot string, transient bool, memoryMiB, vcpus int, imageRef, imageDigest, filesystem string, pair *sshkey.Pair, policy libvirtxml.TransientDiskPolicy) *libvirtxml.Domain {
	arch := "x86_64"
	machine := "q35"
	if hostArch() == "aarch64" {
		arch = "aarch64"
		machine = "virt"
	}

	d := &libvirtxml.Domain{
		Type: "kvm",
		Name: name,
		UUID: uuid.New().String(),
		VCPU: vcpus,
		OS: libvirtxml.DomainOS{
			Type: libvirtxml.DomainOSType{Arch: arch, Machine: machine, Value: "hvm"},
		},
		Features: libvirtxml.DomainFeatures{ACPI: &struct{}{}, APIC: &struct{}{}},
		CPU:      libvirtxml.DomainCPU{Mode: "host-passthrough"},
	}
	d.Memory.Unit = "MiB"
	d.Memory.Value = memoryMiB

	disk := libvirtxml.DomainDisk{
		Type:   "file",
		Device: "disk",
		Driver: libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"},
		Source: libvirtxml.DomainDiskSource{File: diskPath},
		Target: libvirtxml.DomainDiskTarget{Dev: "vda", Bus: "virtio"},
		Serial: name,
	}
	if transient {
		disk.Transient = &struct{}{}
	}
	d.Devices.Disks = append(d.Devices.Disks, disk)

	d.Devices.Filesystems = append(d.Devices.Filesystems, libvirtxml.DomainFilesystem{
		Type:       "mount",
		AccessMode: "passthrough",
		Driver:     libvirtxml.DomainFilesystemDriver{Type: "virtiofs"},
		Source:     libvirtxml.DomainFilesystemSource{Dir: imageRoot},
		Target:     libvirtxml.DomainFilesystemTarget{Dir: "rootfs"},
		ReadOnly:   &struct{}{},
	})
	// Every filesystem device above is virtiofs; libvirtd rejects the
	// define without shared memory backing for the guest's RAM.
	d.RequireSharedMemoryBacking()

	d.Devices.Interfaces = append(d.Devices.Interfaces, libvirtxml.DomainInterface{
		Type:  "network",
		Source: &libvirtxml.DomainInterfaceSource{Network: "default"},
		Model: libvirtxml.DomainInterfaceModel{Type: "virtio"},
	})

	d.SetMetadata(libvirtxml.Metadata{
		SourceImage:         imageRef,
		ImageDigest:         imageDigest,
		InstallFilesystem:   filesystem,
		SSHPrivateKeyB64:    pair.MetadataPrivateKeyBase64(),
		SSHPort:             22,
		InstallMethod:       "bootc-install-to-disk",
		TransientDiskPolicy: policy,
	})

	return d
}
