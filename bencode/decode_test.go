package bencode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeStruct(t *testing.T) {
	require := require.New(t)

	obj := struct {
		Mary   []byte `bencode:"m"`
		Joseph []byte `bencode:"j"`
		Peter  int64  `bencode:"p"`
		Paul   string `bencode:"pp"`
	}{}
	buf := []byte("d1:j10:01234567891:m4:01231:pi1234e2:pp10:abcdefghije")
	err := Deserialize(buf, &obj)
	require.Nil(err)
	require.Equal(obj.Peter, int64(1234))
	require.Equal(obj.Joseph, []byte("0123456789"))
	require.Equal(obj.Mary, []byte("0123"))
	require.Equal(obj.Paul, "abcdefghij")
}

func TestDecodeMap(t *testing.T) {
	require := require.New(t)

	obj := make(map[string]string)
	buf := []byte("d10:abcdefghij10:abcdefghije")
	err := Deserialize(buf, &obj)
	require.Nil(err)
	require.Equal(obj["abcdefghij"], "abcdefghij")
}

func TestOutOfOrderDictionary(t *testing.T) {
	require := require.New(t)

	obj := struct {
		Mary   []byte `bencode:"m"`
		Joseph []byte `bencode:"j"`
		Peter  string `bencode:"p"`
		Paul   string `bencode:"pp"`
	}{}
	buf := []byte("d1:m4:01231:j10:01234567891:p4:12342:pp10:abcdefghije")
	err := Deserialize(buf, &obj)
	require.NotNil(err)
}

func TestMissingKey(t *testing.T) {
	require := require.New(t)

	obj := struct {
		Mary   []byte `bencode:"m"`
		Joseph []byte `bencode:"j"`
		Peter  string `bencode:"p"`
		Paul   string `bencode:"pp"`
	}{}
	buf := []byte("d1:j10:01234567891:p4:12342:pp10:abcdefghije")
	err := Deserialize(buf, &obj)
	require.NotNil(err)
}

func TestDecodeMapOfStruct(t *testing.T) {
	require := require.New(t)
	type inner struct {
		One string `bencode:"a"`
		Two string `bencode:"b"`
	}

	obj := struct {
		Mary map[[8]byte]inner `bencode:"m"`
	}{}
	buf := []byte(strings.Replace("d 1:m d 8:12345678 d 1:a 5:abcde 1:b 6:abcabc e 8:abcdefgh d 1:a 5:efghi 1:b 6:cbacba e e e", " ", "", -1))
	err := Deserialize(buf, &obj)
	require.Nil(err)
	k := [8]byte{0x31, 0x32, 0x33, 0x34, 0x35, 0x36, 0x37, 0x38}
	require.Equal("abcde", obj.Mary[k].One)
}

func TestArrayOfStruct(t *testing.T) {
	require := require.New(t)
	type inner struct {
		One string `bencode:"a"`
		Two string `bencode:"b"`
	}
	obj := struct {
		Mary []inner `bencode:"m"`
	}{}
	buf := []byte(strings.Replace("d 1:m l d 1:a 5:abcde 1:b 6:abcabc e d 1:a 5:efghi 1:b 6:cbacba e e e", " ", "", -1))
	err := Deserialize(buf, &obj)
	require.Nil(err)
	require.Equal("abcde", obj.Mary[0].One)
}

func TestNumberOverflow(t *testing.T) {
	require := require.New(t)
	obj := struct {
		Mary int64 `bencode:"m"`
	}{}
	buf := []byte("d1:mi9223372036854775808ee")
	err := Deserialize(buf, &obj)
	require.NotNil(err)
}

func TestTruncatedInput(t *testing.T) {
	require := require.New(t)
	type inner struct {
		One []byte `bencode:"a"`
		Two uint32 `bencode:"b"`
	}
	full, err := Serialize(&inner{One: []byte("abcdef"), Two: 77})
	require.Nil(err)
	for i := 0; i < len(full); i++ {
		var obj inner
		err := Deserialize(full[:i], &obj)
		require.NotNil(err, "prefix of length %d", i)
		var decodeErr *DecodeError
		require.ErrorAs(err, &decodeErr)
	}
}

func TestOversizedLength(t *testing.T) {
	require := require.New(t)
	var b []byte
	require.NotNil(Deserialize([]byte("99999999999:abc"), &b))
}

func TestTrailingData(t *testing.T) {
	require := require.New(t)
	var s string
	require.NotNil(Deserialize([]byte("3:abcxyz"), &s))
}

func TestOmitEmptyDecode(t *testing.T) {
	require := require.New(t)
	type msg struct {
		Body    []byte  `bencode:"b"`
		Legacy  []byte  `bencode:"l,omitempty"`
		Counter *uint32 `bencode:"c,omitempty"`
	}
	var obj msg
	require.Nil(Deserialize([]byte("d1:b3:xyze"), &obj))
	require.Equal([]byte("xyz"), obj.Body)
	require.Nil(obj.Legacy)
	require.Nil(obj.Counter)

	obj = msg{}
	require.Nil(Deserialize([]byte("d1:b3:xyz1:ci9e1:l2:ole"), &obj))
	require.Equal([]byte("ol"), obj.Legacy)
	require.Equal(uint32(9), *obj.Counter)
}

type kind uint8

type label string

type digest [4]byte

func TestNamedTypes(t *testing.T) {
	require := require.New(t)
	type msg struct {
		Kind   kind      `bencode:"k"`
		Label  label     `bencode:"l"`
		Digest digest    `bencode:"d"`
		Counts [2]uint16 `bencode:"n"`
	}
	in := msg{Kind: 3, Label: "hello", Digest: digest{1, 2, 3, 4}, Counts: [2]uint16{7, 500}}
	buf, err := Serialize(&in)
	require.Nil(err)
	var out msg
	require.Nil(Deserialize(buf, &out))
	require.Equal(in, out)
}

func TestFixedArrayLengthMismatch(t *testing.T) {
	require := require.New(t)
	var d digest
	require.NotNil(Deserialize([]byte("3:abc"), &d))
	var counts [2]uint16
	require.NotNil(Deserialize([]byte("li1ee"), &counts))
	require.NotNil(Deserialize([]byte("li1ei2ei3ee"), &counts))
}

func TestRejectsMalformedNumbers(t *testing.T) {
	require := require.New(t)
	var n int64
	require.NotNil(Deserialize([]byte("i-0e"), &n))
	require.NotNil(Deserialize([]byte("i012e"), &n))
	require.NotNil(Deserialize([]byte("ie"), &n))
	var u uint32
	require.NotNil(Deserialize([]byte("i-5e"), &u))
	require.NotNil(Deserialize([]byte("i4294967296e"), &u))
	var b bool
	require.NotNil(Deserialize([]byte("i2e"), &b))
}

func TestDecodedBytesAreCopied(t *testing.T) {
	require := require.New(t)
	buf := []byte("3:abc")
	var b []byte
	require.Nil(Deserialize(buf, &b))
	buf[2] = 'z'
	require.Equal([]byte("abc"), b)
}

func TestNonPointerTarget(t *testing.T) {
	require := require.New(t)
	var s string
	require.NotNil(Deserialize([]byte("3:abc"), s))
}
