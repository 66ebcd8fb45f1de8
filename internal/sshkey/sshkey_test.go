package sshkey

import (
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestGenerate(t *testing.T) {
	pair, err := Generate("bcvk-test")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(pair.PublicKeyLine, "ssh-ed25519 ") {
		t.Fatalf("unexpected public key line: %q", pair.PublicKeyLine)
	}
	if !strings.Contains(pair.PublicKeyLine, "bcvk-test") {
		t.Fatalf("missing comment in public key line: %q", pair.PublicKeyLine)
	}

	signer, err := ssh.ParsePrivateKey(pair.PrivateKeyPEM)
	if err != nil {
		t.Fatalf("private key did not parse: %v", err)
	}
	if signer.PublicKey().Type() != "ssh-ed25519" {
		t.Fatalf("unexpected key type: %s", signer.PublicKey().Type())
	}
}

func TestMetadataPrivateKeyBase64(t *testing.T) {
	pair, err := Generate("")
	if err != nil {
		t.Fatal(err)
	}
	if pair.MetadataPrivateKeyBase64() == "" {
		t.Fatal("expected non-empty base64 private key")
	}
}
