package signature

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/herdlib/herd/types"
)

func testKey(algorithm string) types.SessionKey {
	return types.SessionKey{
		Algorithm: algorithm,
		Key:       []byte("0123456789abcdef0123456789abcdef"),
		Created:   time.Unix(10000, 0),
	}
}

func TestSupported(t *testing.T) {
	require.True(t, Supported(AlgorithmSHA256))
	require.True(t, Supported(AlgorithmSHA384))
	require.True(t, Supported(AlgorithmSHA512))
	require.False(t, Supported("HmacMD5"))
	require.False(t, Supported(""))
}

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"connector":"alpha","configs":[{"k":"v"}]}`)

	for _, algorithm := range []string{AlgorithmSHA256, AlgorithmSHA384, AlgorithmSHA512} {
		t.Run(algorithm, func(t *testing.T) {
			key := testKey(algorithm)

			sig, err := Sign(key, payload)
			require.NoError(t, err)
			require.NotEmpty(t, sig)

			ok, err := Verify(key, payload, sig)
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestVerifyRejections(t *testing.T) {
	key := testKey(AlgorithmSHA256)
	payload := []byte("payload")

	sig, err := Sign(key, payload)
	require.NoError(t, err)

	t.Run("tampered payload", func(t *testing.T) {
		ok, err := Verify(key, []byte("other payload"), sig)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("tampered signature", func(t *testing.T) {
		bad := append([]byte(nil), sig...)
		bad[0] ^= 0xff

		ok, err := Verify(key, payload, bad)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("different key", func(t *testing.T) {
		other := testKey(AlgorithmSHA256)
		other.Key = []byte("fedcba9876543210fedcba9876543210")

		ok, err := Verify(other, payload, sig)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		other := testKey(AlgorithmSHA512)

		ok, err := Verify(other, payload, sig)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestSignErrors(t *testing.T) {
	t.Run("zero key", func(t *testing.T) {
		_, err := Sign(types.SessionKey{}, []byte("payload"))
		require.Error(t, err)
	})

	t.Run("unknown algorithm", func(t *testing.T) {
		key := testKey("HmacMD5")
		_, err := Sign(key, []byte("payload"))
		require.Error(t, err)

		_, err = Verify(key, []byte("payload"), []byte("sig"))
		require.Error(t, err)
	})
}
