package engine

import (
	"testing"

	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
)

func TestGenerateSessionKeyIsFreshEveryCall(t *testing.T) {
	k1, err := generateSessionKey()
	require.NoError(t, err)
	k2, err := generateSessionKey()
	require.NoError(t, err)

	require.NotEqual(t, k1.Serialize(), k2.Serialize())

	id1 := PartIDFromKey(k1)
	id2 := PartIDFromKey(k2)
	require.NotEqual(t, id1, id2)
}

func TestChannelUpdateFromFailureExtractsEmbeddedUpdate(t *testing.T) {
	update := lnwire.ChannelUpdate{ChainHash: [32]byte{1}}

	cases := []struct {
		name string
		msg  lnwire.FailureMessage
		want *lnwire.ChannelUpdate
	}{
		{"below_minimum", &lnwire.FailAmountBelowMinimum{Update: update}, &update},
		{"fee_insufficient", &lnwire.FailFeeInsufficient{Update: update}, &update},
		{"bad_cltv", &lnwire.FailIncorrectCltvExpiry{Update: update}, &update},
		{"expiry_too_soon", &lnwire.FailExpiryTooSoon{Update: update}, &update},
		{"disabled", &lnwire.FailChannelDisabled{Update: update}, &update},
		{"no_update", &lnwire.FailUnknownNextPeer{}, nil},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := channelUpdateFromFailure(c.msg)
			if c.want == nil {
				require.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			require.Equal(t, c.want.ChainHash, got.ChainHash)
		})
	}
}

func TestChannelUpdateFromFailureHandlesNilTemporaryChannelFailureUpdate(t *testing.T) {
	got := channelUpdateFromFailure(&lnwire.FailTemporaryChannelFailure{Update: nil})
	require.Nil(t, got)

	update := &lnwire.ChannelUpdate{ChainHash: [32]byte{9}}
	got = channelUpdateFromFailure(&lnwire.FailTemporaryChannelFailure{Update: update})
	require.Equal(t, update, got)
}
