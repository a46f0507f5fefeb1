package signal

import (
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"crypto/sha256"
	"io"

	nomaderrors "nomad/pkg/errors"
	"nomad/pkg/types"
)

const kdfInfo = "mirage-signal-decrypt-v1"

// DeriveKey combines k1 (from the relayer) and k2 (the puzzle output) into the
// symmetric key used to decrypt a signal's ciphertext (§8.5).
func DeriveKey(k1, k2 [32]byte) ([]byte, error) {
	secret := make([]byte, 0, 64)
	secret = append(secret, k1[:]...)
	secret = append(secret, k2[:]...)

	r := hkdf.New(sha256.New, secret, nil, []byte(kdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, nomaderrors.Wrap(nomaderrors.Decryption, err, "hkdf expand")
	}
	return key, nil
}

// Decrypt opens a signal's ciphertext with the key derived from k1 and k2,
// using the signal's id as additional authenticated data (§8.5).
func Decrypt(sig types.Signal, id types.ID, k1, k2 [32]byte) ([]byte, error) {
	key, err := DeriveKey(k1, k2)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nomaderrors.Wrap(nomaderrors.Decryption, err, "construct aead")
	}
	nonce := make([]byte, aead.NonceSize())
	plaintext, err := aead.Open(nil, nonce, sig.Ciphertext, id[:])
	if err != nil {
		return nil, nomaderrors.Wrap(nomaderrors.Decryption, err, "aead open")
	}
	return plaintext, nil
}

// Encrypt is the inverse of Decrypt, used by tests and by any local tooling
// that needs to construct a signal's ciphertext from a plaintext transfer
// call-data payload.
func Encrypt(plaintext []byte, id types.ID, k1, k2 [32]byte) ([]byte, error) {
	key, err := DeriveKey(k1, k2)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nomaderrors.Wrap(nomaderrors.Internal, err, "construct aead")
	}
	nonce := make([]byte, aead.NonceSize())
	return aead.Seal(nil, nonce, plaintext, id[:]), nil
}
