package crypto

import (
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestAddressBech32RoundTrip(t *testing.T) {
	var raw [20]byte
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	for _, prefix := range []AddressPrefix{AccountPrefix, DealPrefix} {
		encoded := AddressFrom20(prefix, raw).String()
		if !strings.HasPrefix(encoded, string(prefix)+"1") {
			t.Fatalf("expected %s1 prefix, got %s", prefix, encoded)
		}
		decoded, err := DecodeAddress(encoded)
		if err != nil {
			t.Fatalf("decode %s: %v", encoded, err)
		}
		if decoded.Prefix() != prefix || decoded.Array() != raw {
			t.Fatalf("round trip mismatch: %s %x", decoded.Prefix(), decoded.Bytes())
		}
	}
	if _, err := DecodeAddress("acct1notvalid"); err == nil {
		t.Fatalf("expected invalid bech32 to fail")
	}
}

func TestSignAndRecover(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	digest := ethcrypto.Keccak256([]byte("release deal"))
	sig, err := key.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signer, err := RecoverAddress(digest, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if signer != key.PubKey().Address().Array() {
		t.Fatalf("recovered %x, want %x", signer, key.PubKey().Address().Bytes())
	}

	restored, err := PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.PubKey().Address().String() != key.PubKey().Address().String() {
		t.Fatalf("restored key has a different address")
	}
}
