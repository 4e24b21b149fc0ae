package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/holiman/uint256"
)

const signingKeyTag = "dealescrow/signing-key/v1"

// maxDeriveAttempts bounds the counter walk. The chance that a single HMAC
// output is not a valid secp256k1 scalar is about 2^-128.
const maxDeriveAttempts = 16

var (
	ErrEmptyMasterSecret = errors.New("crypto: master secret is empty")
	ErrKeyDerivation     = errors.New("crypto: signing key derivation failed")
)

// DeriveSigningKey derives the per-deal signing key from the master secret.
// The same inputs always produce the same key so every coordinator replica
// can sign for a deal without sharing state:
//
//	k = HMAC-SHA256(secret, tag || dealId(32) || counter(4))
//
// The counter starts at zero and is bumped until k is a valid scalar.
func DeriveSigningKey(masterSecret []byte, dealID *uint256.Int) (*PrivateKey, error) {
	if len(masterSecret) == 0 {
		return nil, ErrEmptyMasterSecret
	}
	if dealID == nil {
		return nil, fmt.Errorf("%w: nil deal id", ErrKeyDerivation)
	}
	id := dealID.Bytes32()
	for counter := uint32(0); counter < maxDeriveAttempts; counter++ {
		mac := hmac.New(sha256.New, masterSecret)
		mac.Write([]byte(signingKeyTag))
		mac.Write(id[:])
		var c [4]byte
		binary.BigEndian.PutUint32(c[:], counter)
		mac.Write(c[:])
		key, err := PrivateKeyFromBytes(mac.Sum(nil))
		if err == nil {
			return key, nil
		}
	}
	return nil, ErrKeyDerivation
}

// KeySource hands out signing keys for deals. With a master secret it is a
// pure function of the deal id. Without one it falls back to a single random
// key for the lifetime of the process, which is only usable with one replica
// and loses the ability to sign for deals after a restart.
type KeySource struct {
	secret   []byte
	logger   *slog.Logger
	once     sync.Once
	fallback *PrivateKey
	err      error
}

// NewKeySource returns a key source for the given secret. An empty secret
// enables the degraded random-key mode and logs a warning immediately.
func NewKeySource(masterSecret []byte, logger *slog.Logger) *KeySource {
	if logger == nil {
		logger = slog.Default()
	}
	ks := &KeySource{secret: append([]byte(nil), masterSecret...), logger: logger}
	if ks.Degraded() {
		logger.Warn("NO MASTER SECRET CONFIGURED: signing with a random process-local key; deals deployed now cannot be signed for after restart and multi-replica deployments will disagree on custodian identity",
			slog.String("component", "keysource"))
	}
	return ks
}

// Degraded reports whether the source is running without a master secret.
func (k *KeySource) Degraded() bool {
	return len(k.secret) == 0
}

// SigningKey returns the key for dealID.
func (k *KeySource) SigningKey(dealID *uint256.Int) (*PrivateKey, error) {
	if !k.Degraded() {
		return DeriveSigningKey(k.secret, dealID)
	}
	k.once.Do(func() {
		k.fallback, k.err = GeneratePrivateKey()
		if k.err != nil {
			k.err = fmt.Errorf("%w: %v", ErrKeyDerivation, k.err)
		}
	})
	return k.fallback, k.err
}

// Address returns the account address of the signing key for dealID.
func (k *KeySource) Address(dealID *uint256.Int) ([20]byte, error) {
	key, err := k.SigningKey(dealID)
	if err != nil {
		return [20]byte{}, err
	}
	return key.PubKey().Address().Array(), nil
}
