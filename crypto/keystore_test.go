package crypto

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/holiman/uint256"
)

func useLightScrypt(t *testing.T) {
	t.Helper()
	n, p := keystoreScryptN, keystoreScryptP
	keystoreScryptN, keystoreScryptP = keystore.LightScryptN, keystore.LightScryptP
	t.Cleanup(func() { keystoreScryptN, keystoreScryptP = n, p })
}

func TestKeystoreRoundTrip(t *testing.T) {
	useLightScrypt(t)
	key, err := DeriveSigningKey([]byte("master"), uint256.NewInt(7))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "deal-7.json")
	if err := ExportKeystore(path, key, "hunter2"); err != nil {
		t.Fatalf("export: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	loaded, err := ImportKeystore(path, "hunter2")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !bytes.Equal(loaded.Bytes(), key.Bytes()) {
		t.Fatalf("imported key differs from exported key")
	}
	if _, err := ImportKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}

	// Overwriting an existing export replaces it.
	other, _ := DeriveSigningKey([]byte("master"), uint256.NewInt(8))
	if err := ExportKeystore(path, other, "hunter2"); err != nil {
		t.Fatalf("re-export: %v", err)
	}
	loaded, err = ImportKeystore(path, "hunter2")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !bytes.Equal(loaded.Bytes(), other.Bytes()) {
		t.Fatalf("re-export did not replace the key")
	}
}

func TestExportKeystoreRejectsEmptyPassphrase(t *testing.T) {
	key, _ := GeneratePrivateKey()
	err := ExportKeystore(filepath.Join(t.TempDir(), "k.json"), key, "")
	if !errors.Is(err, ErrEmptyPassphrase) {
		t.Fatalf("expected ErrEmptyPassphrase, got %v", err)
	}
	if err := ExportKeystore("", key, "x"); err == nil {
		t.Fatalf("expected empty path error")
	}
}
