package keycodec

import (
	"bytes"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	satKeys := []int32{math.MinInt32, -7, -1, 0, 1, 7, 123456, math.MaxInt32}
	stamps := []int64{math.MinInt64, -1, 0, 1, 1700000000000, math.MaxInt64}
	for _, sk := range satKeys {
		for _, lm := range stamps {
			key := PackKey(sk, lm)
			require.Len(t, key, KeySize)

			gotSK, gotLM, ok := UnpackKey(key)
			require.True(t, ok)
			require.Equal(t, sk, gotSK)
			require.Equal(t, lm, gotLM)

			onlyLM, ok := UnpackLastModified(key)
			require.True(t, ok)
			require.Equal(t, lm, onlyLM)
		}
	}
}

func TestRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10000; i++ {
		sk := int32(rng.Uint32())
		lm := int64(rng.Uint64())
		gotSK, gotLM, ok := UnpackKey(PackKey(sk, lm))
		require.True(t, ok)
		require.Equal(t, sk, gotSK)
		require.Equal(t, lm, gotLM)
	}
}

func TestOrderPreservedForLastModified(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5000; i++ {
		sk := int32(rng.Uint32())
		a, b := int64(rng.Uint64()), int64(rng.Uint64())
		if a == b {
			continue
		}
		if a > b {
			a, b = b, a
		}
		require.Negative(t, bytes.Compare(PackKey(sk, a), PackKey(sk, b)), "sk=%d a=%d b=%d", sk, a, b)
	}
}

func TestOrderPreservedForSatKey(t *testing.T) {
	keys := []int32{5, math.MinInt32, -1, 0, math.MaxInt32, -300, 300}
	packed := make([][]byte, len(keys))
	for i, k := range keys {
		packed[i] = PackKey(k, math.MaxInt64)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	sort.Slice(packed, func(i, j int) bool { return bytes.Compare(packed[i], packed[j]) < 0 })
	for i, k := range keys {
		got, _, ok := UnpackKey(packed[i])
		require.True(t, ok)
		require.Equal(t, k, got)
	}
}

func TestNegativeSatKeysSortBeforeNonNegative(t *testing.T) {
	require.Negative(t, bytes.Compare(PackSatKey(-1), PackSatKey(0)))
	require.Negative(t, bytes.Compare(PackSatKey(math.MinInt32), PackSatKey(-1)))
	require.Negative(t, bytes.Compare(PackKey(-1, math.MaxInt64), PackKey(0, math.MinInt64)))
	require.Equal(t, []byte{0x7f, 0xff, 0xff, 0xff}, PackSatKey(-1))
	require.Equal(t, []byte{0x80, 0x00, 0x00, 0x00}, PackSatKey(0))
}

func TestPrefixContainment(t *testing.T) {
	for _, sk := range []int32{math.MinInt32, -2, 0, 9, math.MaxInt32} {
		prefix := PackSatKey(sk)
		require.Len(t, prefix, SatKeySize)
		for _, lm := range []int64{math.MinInt64, 0, 10, math.MaxInt64} {
			key := PackKey(sk, lm)
			require.True(t, bytes.HasPrefix(key, prefix))
			require.True(t, HasSatKeyPrefix(key, sk))
			require.False(t, HasSatKeyPrefix(key, sk^1))
		}
	}
}

func TestUnpackRejectsWrongLength(t *testing.T) {
	full := PackKey(7, 30)
	testcases := []struct {
		name string
		key  []byte
	}{
		{name: "nil", key: nil},
		{name: "sat key only", key: PackSatKey(7)},
		{name: "one short", key: full[:KeySize-1]},
		{name: "one long", key: append(append([]byte{}, full...), 0)},
		{name: "double", key: append(append([]byte{}, full...), full...)},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, ok := UnpackLastModified(tc.key)
			require.False(t, ok)
			_, _, ok = UnpackKey(tc.key)
			require.False(t, ok)
		})
	}
}

func TestHasSatKeyPrefixShortKey(t *testing.T) {
	require.False(t, HasSatKeyPrefix([]byte{0x80, 0x00}, 0))
}
