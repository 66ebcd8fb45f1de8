// Package credential builds SMBIOS type-11 systemd credential strings:
// SSH authorized_keys tmpfiles snippets, virtiofs .mount units, the
// local-fs.target drop-in that pulls them in together, the vsock notify
// socket selector, and the storage-env oneshot unit. See SPEC_FULL.md
// 4.C.
package credential

import (
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"
)

// Kind identifies the shape of a credential's payload.
type Kind int

const (
	KindTmpfiles Kind = iota
	KindExtraUnit
	KindUnitDropin
	KindEnv
	KindNotifySocket
)

// Credential is a (kind, name, payload) triple. Payload is raw bytes;
// Encode below base64-encodes it and formats it as an SMBIOS type-11
// OEM string of the form io.systemd.credential.binary:<name>=<base64>,
// except for KindNotifySocket, which is encoded as plain text.
type Credential struct {
	Kind    Kind
	Name    string
	Payload []byte
}

// Encode renders c as the value half of a `-smbios type=11,value=...`
// QEMU argument. Binary credentials use the
// io.systemd.credential.binary: prefix; the vsock notify selector is a
// plain (non-binary) credential, since its value is already printable
// and systemd's notify_socket setting does not accept binary credentials.
func (c Credential) Encode() string {
	if c.Kind == KindNotifySocket {
		return fmt.Sprintf("vmm.notify_socket=%s", c.Payload)
	}
	return fmt.Sprintf("io.systemd.credential.binary:%s=%s", c.Name, base64.StdEncoding.EncodeToString(c.Payload))
}

// Decode is the inverse of Encode for binary credentials, used by tests
// to assert the base64 round-trip invariant from SPEC_FULL.md 8.
func Decode(encoded string) (name string, payload []byte, err error) {
	const prefix = "io.systemd.credential.binary:"
	if !strings.HasPrefix(encoded, prefix) {
		return "", nil, fmt.Errorf("not a binary systemd credential: %q", encoded)
	}
	rest := encoded[len(prefix):]
	idx := strings.IndexByte(rest, '=')
	if idx < 0 {
		return "", nil, fmt.Errorf("malformed credential, missing '=': %q", encoded)
	}
	name = rest[:idx]
	payload, err = base64.StdEncoding.DecodeString(rest[idx+1:])
	return name, payload, err
}

// SSHKeyCredential builds the tmpfiles.d snippet that creates
// /root/.ssh (0750) and appends pubKey to authorized_keys (0700,
// f+~ so it coexists with any image-default authorized_keys).
func SSHKeyCredential(pubKey string) Credential {
	pubKey = strings.TrimRight(pubKey, "\n")
	lines := []string{
		"d /root/.ssh 0750 root root -",
		fmt.Sprintf("f+~ /root/.ssh/authorized_keys 0700 root root - %s\\n", pubKey),
	}
	return Credential{
		Kind:    KindTmpfiles,
		Name:    "tmpfiles.extra",
		Payload: []byte(strings.Join(lines, "\n") + "\n"),
	}
}

// MountRequest is a single host-directory-to-guest-path virtiofs export
// as the credential encoder sees it. internal/virtiofs describes the
// same export with its own virtiofs.Export type.
type MountRequest struct {
	HostPath  string
	GuestPath string
	ReadOnly  bool
	// Tag is the virtiofs mount_tag the virtiofsd/QEMU supervisor chose
	// for this export (e.g. "rootfs", "bcvk-bind-0", "hoststorage").
	Tag string
}

// UnitName returns the systemd-escaped .mount unit name for m (without
// the .mount suffix).
func (m MountRequest) UnitName() string {
	return escapeMountPath(m.GuestPath)
}

// MountUnitCredential builds the systemd.extra-unit.<name> credential
// for a single virtiofs mount.
func MountUnitCredential(m MountRequest) Credential {
	options := "rw"
	if m.ReadOnly {
		options = "ro"
	}
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "DefaultDependencies", "no"),
		unit.NewUnitOption("Unit", "Before", "local-fs.target umount.target"),
		unit.NewUnitOption("Mount", "What", m.Tag),
		unit.NewUnitOption("Mount", "Where", m.GuestPath),
		unit.NewUnitOption("Mount", "Type", "virtiofs"),
		unit.NewUnitOption("Mount", "Options", options),
		unit.NewUnitOption("Mount", "TimeoutSec", "10"),
	}
	body := serialize(opts)
	name := m.UnitName() + ".mount"
	return Credential{
		Kind:    KindExtraUnit,
		Name:    fmt.Sprintf("systemd.extra-unit.%s", name),
		Payload: []byte(body),
	}
}

// LocalFSDropinCredential builds the single local-fs.target drop-in that
// Wants= every mount unit, so they're pulled in together.
func LocalFSDropinCredential(mounts []MountRequest) Credential {
	names := make([]string, 0, len(mounts))
	for _, m := range mounts {
		names = append(names, m.UnitName()+".mount")
	}
	sort.Strings(names)
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Wants", strings.Join(names, " ")),
	}
	return Credential{
		Kind:    KindUnitDropin,
		Name:    "systemd.unit-dropin.local-fs.target~bcvk-mounts",
		Payload: []byte(serialize(opts)),
	}
}

// NotifySocketCredential selects the vsock host side of the readiness
// handshake (SPEC_FULL.md 4.F mechanism 1).
func NotifySocketCredential(cid, port uint32) Credential {
	return Credential{
		Kind:    KindNotifySocket,
		Name:    "vmm.notify_socket",
		Payload: []byte(fmt.Sprintf("vsock-stream:%d:%d", cid, port)),
	}
}

// StorageEnvCredential builds the oneshot unit that conditionally
// appends STORAGE_OPTS=additionalimagestore=/run/host-container-storage
// to /etc/environment, plus the sysinit.target drop-in that runs it.
func StorageEnvCredential() Credential {
	const unitBody = `[Unit]
Description=bcvk storage environment
DefaultDependencies=no
Before=sysinit.target
ConditionPathExists=!/etc/environment.d/bcvk-storage-opts

[Service]
Type=oneshot
ExecStart=/usr/bin/sh -c 'grep -q ^STORAGE_OPTS= /etc/environment || echo STORAGE_OPTS=additionalimagestore=/run/host-container-storage >> /etc/environment'

[Install]
WantedBy=sysinit.target
`
	return Credential{
		Kind:    KindExtraUnit,
		Name:    "systemd.extra-unit.bcvk-storage-env.service",
		Payload: []byte(unitBody),
	}
}

func serialize(opts []*unit.UnitOption) string {
	r := unit.Serialize(opts)
	b, err := io.ReadAll(r)
	if err != nil {
		// Serialize never performs I/O that can fail for an in-memory
		// reader; a failure here indicates a bug in option construction.
		panic(err)
	}
	return string(b)
}
