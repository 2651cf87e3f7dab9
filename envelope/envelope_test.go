package envelope

import (
	"bytes"
	"crypto/rsa"
	"strings"
	"sync"
	"testing"

	"github.com/meow-io/go-sealed/bencode"
	"github.com/meow-io/go-sealed/errs"
	"github.com/stretchr/testify/require"
)

var (
	keysOnce sync.Once
	keyA     *rsa.PrivateKey
	keyB     *rsa.PrivateKey
)

func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	keysOnce.Do(func() {
		var err error
		keyA, err = GenerateKey()
		require.Nil(t, err)
		keyB, err = GenerateKey()
		require.Nil(t, err)
	})
	return keyA, keyB
}

func TestRoundTrip(t *testing.T) {
	require := require.New(t)
	a, _ := testKeys(t)

	plaintexts := [][]byte{
		[]byte(""),
		[]byte("hi"),
		[]byte(strings.Repeat("look at this (cat.png)[https://files.example/cat.png] ", 200)),
	}
	for _, p := range plaintexts {
		env, err := Seal(p, &a.PublicKey)
		require.Nil(err)
		out, err := Open(env, a)
		require.Nil(err)
		require.Equal(p, out)
	}
}

func TestOpenWithWrongKey(t *testing.T) {
	require := require.New(t)
	a, b := testKeys(t)

	env, err := Seal([]byte("hi"), &a.PublicKey)
	require.Nil(err)
	_, err = Open(env, b)
	require.ErrorIs(err, errs.ErrDecryption)

	_, err = Open(env, nil)
	require.ErrorIs(err, errs.ErrDecryption)
}

func TestSealIsRandomized(t *testing.T) {
	require := require.New(t)
	a, _ := testKeys(t)

	e1, err := Seal([]byte("hi"), &a.PublicKey)
	require.Nil(err)
	e2, err := Seal([]byte("hi"), &a.PublicKey)
	require.Nil(err)
	require.False(bytes.Equal(e1, e2))
}

func TestTamperedEnvelope(t *testing.T) {
	require := require.New(t)
	a, _ := testKeys(t)

	env, err := Seal([]byte("hello there"), &a.PublicKey)
	require.Nil(err)

	var s sealed
	require.Nil(bencode.Deserialize(env, &s))
	s.Body[0] ^= 0xff
	tampered, err := bencode.Serialize(&s)
	require.Nil(err)
	_, err = Open(tampered, a)
	require.ErrorIs(err, errs.ErrDecryption)

	require.Nil(bencode.Deserialize(env, &s))
	s.Version = 2
	bumped, err := bencode.Serialize(&s)
	require.Nil(err)
	_, err = Open(bumped, a)
	require.ErrorIs(err, errs.ErrDecryption)
}

func TestMalformedEnvelope(t *testing.T) {
	a, _ := testKeys(t)
	env, err := Seal([]byte("hi"), &a.PublicKey)
	require.Nil(t, err)

	for _, buf := range [][]byte{nil, []byte("garbage"), env[:len(env)/2], append(append([]byte{}, env...), 'x')} {
		_, err := Open(buf, a)
		require.ErrorIs(t, err, errs.ErrDecryption)
	}
}

func TestKeyEncoding(t *testing.T) {
	require := require.New(t)
	a, _ := testKeys(t)

	pubDER, err := MarshalPublicKey(&a.PublicKey)
	require.Nil(err)
	pub, err := ParsePublicKey(pubDER)
	require.Nil(err)
	require.True(pub.Equal(&a.PublicKey))

	privDER, err := MarshalPrivateKey(a)
	require.Nil(err)
	priv, err := ParsePrivateKey(privDER)
	require.Nil(err)
	require.True(priv.Equal(a))

	fp, err := PublicFingerprint(&a.PublicKey)
	require.Nil(err)
	require.Equal(Fingerprint(pubDER), fp)
	require.Len(fp, 64)

	_, err = ParsePublicKey([]byte("nope"))
	require.Error(err)
}
