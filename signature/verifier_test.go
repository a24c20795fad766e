package signature

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"adchain/crypto"
	"adchain/ledger"
)

func TestSignatureRoundTrip(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	address := key.Address().Hex()

	sig, err := SignEvent(key, "c1", ledger.EventView, 1700000000000)
	require.NoError(t, err)

	result := Verify(address, sig, "c1", ledger.EventView, 1700000000000)
	require.True(t, result.Verified)
	require.NotNil(t, result.Recovered)
	require.Equal(t, address, *result.Recovered)

	lower := Verify(strings.ToLower(address), sig, "c1", ledger.EventView, 1700000000000)
	require.True(t, lower.Verified)

	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	require.NoError(t, err)
	raw[10] ^= 0xff
	flipped := Verify(address, "0x"+hex.EncodeToString(raw), "c1", ledger.EventView, 1700000000000)
	require.False(t, flipped.Verified)
}

func TestVerifyRejectsDifferentMessage(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	sig, err := SignEvent(key, "c1", ledger.EventView, 1700000000000)
	require.NoError(t, err)

	result := Verify(key.Address().Hex(), sig, "c1", ledger.EventClick, 1700000000000)
	require.False(t, result.Verified)
	require.Equal(t, ReasonAddressMismatch, result.Reason)
	require.NotNil(t, result.Recovered)
}

func TestVerifyMalformedInputs(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	address := key.Address().Hex()

	cases := []struct {
		name    string
		address string
		sig     string
		reason  string
	}{
		{"bad address", "not-an-address", "0x00", ReasonInvalidAddress},
		{"empty signature", address, "", ReasonMissingSignature},
		{"not hex", address, "0xzz", ReasonMalformedSignature},
		{"short", address, "0x" + strings.Repeat("ab", 10), ReasonMalformedSignature},
		{"bad recovery id", address, "0x" + strings.Repeat("11", 64) + "05", ReasonMalformedSignature},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := Verify(tc.address, tc.sig, "c1", ledger.EventView, 1)
			require.False(t, result.Verified)
			require.Equal(t, tc.reason, result.Reason)
		})
	}
}
