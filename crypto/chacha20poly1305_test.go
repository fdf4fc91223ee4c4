package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	require := require.New(t)
	key, err := RandomKey()
	require.Nil(err)

	a, err := Seal(key, []byte("hello"), []byte("ad"))
	require.Nil(err)
	b, err := Seal(key, []byte("hello"), []byte("ad"))
	require.Nil(err)
	require.NotEqual(a, b)

	out, err := Open(key, a, []byte("ad"))
	require.Nil(err)
	require.Equal([]byte("hello"), out)

	_, err = Open(key, a, []byte("other"))
	require.NotNil(err)
	_, err = Open(key, a[:10], []byte("ad"))
	require.ErrorIs(err, ErrShortCiphertext)
}

func TestDeriveKey(t *testing.T) {
	require := require.New(t)
	a, err := DeriveKey([]byte("secret"), nil, []byte("one"))
	require.Nil(err)
	b, err := DeriveKey([]byte("secret"), nil, []byte("two"))
	require.Nil(err)
	require.Len(a, 32)
	require.NotEqual(a, b)

	enc, err := EncryptWithKey(a, []byte("msg"), nil)
	require.Nil(err)
	dec, err := DecryptWithKey(a, enc, nil)
	require.Nil(err)
	require.Equal([]byte("msg"), dec)
}

func TestSliceToKeyChecksLength(t *testing.T) {
	require := require.New(t)
	_, err := SliceToKey([]byte{1, 2, 3})
	require.ErrorIs(err, ErrKeyLength)
	_, err = SliceToKey(make([]byte, 33))
	require.ErrorIs(err, ErrKeyLength)

	k, err := SliceToKey(make([]byte, 32))
	require.Nil(err)
	require.Len(k[:], 32)

	_, err = DH(make([]byte, 32), []byte{9})
	require.ErrorIs(err, ErrKeyLength)
	a, err := DH(make([]byte, 32), make([]byte, 32))
	require.Nil(err)
	require.Len(a, 32)
}
