package crypto

import (
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var zeroNonce12 = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

var (
	ErrShortCiphertext = errors.New("crypto: ciphertext too short")
	ErrKeyLength       = errors.New("crypto: key is not 32 bytes")
)

// SliceToKey copies b into a nacl key. Keys read off the wire come through here, so the length is checked.
func SliceToKey(b []byte) (nacl.Key, error) {
	if len(b) != nacl.KeySize {
		return nil, fmt.Errorf("%w: got %d", ErrKeyLength, len(b))
	}
	k := new([nacl.KeySize]byte)
	copy(k[:], b)
	return k, nil
}

// DH computes the shared key of priv and pub.
func DH(priv, pub []byte) ([]byte, error) {
	pk, err := SliceToKey(pub)
	if err != nil {
		return nil, err
	}
	sk, err := SliceToKey(priv)
	if err != nil {
		return nil, err
	}
	out := box.Precompute(pk, sk)
	return out[:], nil
}

// EncryptWithKey seals msg with a zero nonce. Keys passed here must never be reused.
func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, zeroNonce12, enc, ad)
}

// Seal encrypts msg under a long-lived key. A random nonce is generated and prefixed to the output.
func Seal(key, msg, ad []byte) ([]byte, error) {
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, cipher.NonceSize(), cipher.NonceSize()+len(msg)+cipher.Overhead())
	if _, err := io.ReadFull(crypto_rand.Reader, nonce); err != nil {
		return nil, err
	}
	return cipher.Seal(nonce, nonce, msg, ad), nil
}

func Open(key, enc, ad []byte) ([]byte, error) {
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(enc) < cipher.NonceSize()+cipher.Overhead() {
		return nil, ErrShortCiphertext
	}
	return cipher.Open(nil, enc[:cipher.NonceSize()], enc[cipher.NonceSize():], ad)
}

// DeriveKey expands secret into a 32 byte key with HKDF-SHA256.
func DeriveKey(secret, salt, info []byte) ([]byte, error) {
	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

// RandomKey returns 32 random bytes.
func RandomKey() ([]byte, error) {
	k := make([]byte, 32)
	if _, err := io.ReadFull(crypto_rand.Reader, k); err != nil {
		return nil, err
	}
	return k, nil
}
