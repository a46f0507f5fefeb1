package signal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nomad/pkg/types"
)

// TestDecryptRoundTrip exercises the AEAD/KDF construction chosen in §8.5:
// HKDF-SHA256(k1||k2) -> ChaCha20-Poly1305 with the signal id as AAD.
func TestDecryptRoundTrip(t *testing.T) {
	var k1, k2 [32]byte
	for i := range k1 {
		k1[i] = byte(i)
		k2[i] = byte(255 - i)
	}
	id := types.ID{0x01, 0x02, 0x03}
	plaintext := []byte("transfer(recipient=0xabc, amount=1000000)")

	ciphertext, err := Encrypt(plaintext, id, k1, k2)
	require.NoError(t, err)

	sig := types.Signal{Ciphertext: ciphertext}
	got, err := Decrypt(sig, id, k1, k2)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDecryptFailsWithWrongKey(t *testing.T) {
	var k1, k2, wrongK1 [32]byte
	k2[0] = 1
	wrongK1[0] = 0xff
	id := types.ID{0x09}

	ciphertext, err := Encrypt([]byte("payload"), id, k1, k2)
	require.NoError(t, err)

	sig := types.Signal{Ciphertext: ciphertext}
	_, err = Decrypt(sig, id, wrongK1, k2)
	require.Error(t, err)
}

func TestDecryptFailsWithWrongID(t *testing.T) {
	var k1, k2 [32]byte
	id := types.ID{0x01}
	wrongID := types.ID{0x02}

	ciphertext, err := Encrypt([]byte("payload"), id, k1, k2)
	require.NoError(t, err)

	sig := types.Signal{Ciphertext: ciphertext}
	_, err = Decrypt(sig, wrongID, k1, k2)
	require.Error(t, err)
}
