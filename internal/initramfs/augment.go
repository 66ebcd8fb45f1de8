package initramfs

import "fmt"

// unit bundles a systemd unit's file contents, built at compile time and
// injected into every augmentation archive (SPEC_FULL.md 4.B). Real
// deployments would embed these from on-disk unit files the way the
// teacher embeds static assets, but these four are short enough to keep
// as literals here; see DESIGN.md.
const (
	etcOverlayUnit = `[Unit]
Description=bcvk: overlay /etc with a tmpfs upper
DefaultDependencies=no
Before=initrd-fs.target
RequiresMountsFor=/sysroot

[Service]
Type=oneshot
RemainAfterExit=yes
ExecStartPre=/usr/bin/mkdir -p /run/bcvk/etc-upper /run/bcvk/etc-work
ExecStart=/usr/bin/mount -t overlay overlay -o lowerdir=/etc,upperdir=/run/bcvk/etc-upper,workdir=/run/bcvk/etc-work /etc
`

	varEphemeralUnit = `[Unit]
Description=bcvk: tmpfs /var
DefaultDependencies=no
Before=initrd-fs.target

[Service]
Type=oneshot
RemainAfterExit=yes
ExecStart=/usr/bin/mount -t tmpfs tmpfs /var
`

	copyUnitsUnit = `[Unit]
Description=bcvk: copy delivered systemd units into /etc/systemd/system
DefaultDependencies=no
Before=initrd-fs.target
ConditionPathIsDirectory=/run/credentials/bcvk-units

[Service]
Type=oneshot
RemainAfterExit=yes
ExecStart=/usr/bin/sh -c 'cp -a /run/credentials/bcvk-units/. /etc/systemd/system/'
`

	journalStreamUnit = `[Unit]
Description=bcvk: forward journal to host over virtio-serial
DefaultDependencies=no
Requires=dev-virtio\x2dports-com.coreos.ignition.journal.device
After=initrd-fs.target

[Service]
Type=simple
StandardOutput=file:/dev/virtio-ports/com.coreos.ignition.journal
ExecStart=/usr/bin/journalctl -q -f -o json --no-tail
`
)

// Units is the set of bundled systemd units, in the order they are
// written to the archive.
var units = []struct {
	name string
	body string
}{
	{"bcvk-etc-overlay.service", etcOverlayUnit},
	{"bcvk-var-ephemeral.service", varEphemeralUnit},
	{"bcvk-copy-units.service", copyUnitsUnit},
	{"bcvk-journal-stream.service", journalStreamUnit},
}

// Build produces the CPIO newc archive bytes containing the four bundled
// units under usr/lib/systemd/system/ and a matching
// initrd-fs.target.d/*.conf drop-in per unit that Wants= it. enableJournal
// controls whether the journal-stream unit's drop-in is included — when
// disabled the unit file is still shipped (harmless if unused) but
// nothing pulls it in.
func Build(enableJournal bool) []byte {
	w := NewWriter()
	for _, u := range units {
		w.AddFile("usr/lib/systemd/system/"+u.name, []byte(u.body))
		if u.name == "bcvk-journal-stream.service" && !enableJournal {
			continue
		}
		dropin := fmt.Sprintf("[Unit]\nWants=%s\n", u.name)
		w.AddFile(fmt.Sprintf("usr/lib/systemd/system/initrd-fs.target.d/50-%s.conf", u.name), []byte(dropin))
	}
	return w.Bytes()
}
