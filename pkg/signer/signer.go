// Package signer implements the two signing methods the escalation ladder uses over
// a local secp256k1 key: message-prefixed (personal_sign) and raw (eth_sign over
// the bare hash).
package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrKeyNotSet is returned when the key environment variable is empty.
var ErrKeyNotSet = errors.New("signer: private key not set")

// KeySigner signs with an in-memory private key. The key never leaves the struct
// and is never logged.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// FromHex parses a hex private key, with or without 0x.
func FromHex(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("signer: parse key: %w", err)
	}
	return New(key), nil
}

// FromEnv reads a hex private key from the named environment variable.
func FromEnv(name string) (*KeySigner, error) {
	v := os.Getenv(name)
	if v == "" {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotSet, name)
	}
	return FromHex(v)
}

// New wraps an existing key.
func New(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address is the EOA that owns the smart account.
func (s *KeySigner) Address() common.Address { return s.address }

// PersonalSign signs keccak256("\x19Ethereum Signed Message:\n32" || hash).
func (s *KeySigner) PersonalSign(_ context.Context, hash common.Hash) ([]byte, error) {
	return s.sign(accounts.TextHash(hash.Bytes()))
}

// RawSign signs the hash itself with no prefix.
func (s *KeySigner) RawSign(_ context.Context, hash common.Hash) ([]byte, error) {
	return s.sign(hash.Bytes())
}

func (s *KeySigner) sign(digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("signer: sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverPersonal returns the address that produced a PersonalSign signature.
func RecoverPersonal(hash common.Hash, sig []byte) (common.Address, error) {
	return recoverFrom(accounts.TextHash(hash.Bytes()), sig)
}

// RecoverRaw returns the address that produced a RawSign signature.
func RecoverRaw(hash common.Hash, sig []byte) (common.Address, error) {
	return recoverFrom(hash.Bytes(), sig)
}

func recoverFrom(digest, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signer: signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	normalized := append([]byte(nil), sig...)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("signer: recover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
