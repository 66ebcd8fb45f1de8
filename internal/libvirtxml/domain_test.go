package libvirtxml

import (
	"strings"
	"testing"

	"github.com/kylelemons/godebug/diff"
)

func TestDomainMarshalStableOutput(t *testing.T) {
	d := &Domain{
		Type: "kvm",
		Name: "bootc-fedora",
		UUID: "11111111-1111-1111-1111-111111111111",
		VCPU: 2,
		OS: DomainOS{
			Type: DomainOSType{Arch: "x86_64", Machine: "q35", Value: "hvm"},
		},
		Features: DomainFeatures{ACPI: &struct{}{}, APIC: &struct{}{}},
		CPU:      DomainCPU{Mode: "host-passthrough"},
	}
	d.Memory.Unit = "MiB"
	d.Memory.Value = 2048
	d.SetMetadata(Metadata{
		SourceImage:   "quay.io/example/fedora-bootc:latest",
		ImageDigest:   "sha256:deadbeef",
		InstallMethod: "bootc-install-to-disk",
	})

	got, err := d.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	gotStr := string(got)

	for _, want := range []string{
		`<domain type="kvm">`,
		`<name>bootc-fedora</name>`,
		`<uuid>11111111-1111-1111-1111-111111111111</uuid>`,
		`<memory unit="MiB">2048</memory>`,
		`<vcpu>2</vcpu>`,
		`<bcvk xmlns="https://github.com/containers/bootc">`,
		`<sourceImage>quay.io/example/fedora-bootc:latest</sourceImage>`,
	} {
		if !strings.Contains(gotStr, want) {
			t.Errorf("marshaled domain XML missing %q\nfull diff against an empty baseline:\n%s", want, diff.Diff("", gotStr))
		}
	}
}

func TestDomainMarshalOmitsNilMetadata(t *testing.T) {
	d := &Domain{Type: "kvm", Name: "no-metadata"}
	got, err := d.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(string(got), "<metadata>") {
		t.Errorf("expected no <metadata> element when SetMetadata was never called, got:\n%s", got)
	}
}
