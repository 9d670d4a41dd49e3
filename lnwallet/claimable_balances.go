package lnwallet

import (
	"github.com/AreaLayer/rust-lightning/lnwire"
)

// BalanceKind describes the category of a claimable balance, which determines
// the conditions under which the funds can be recovered on-chain.
type BalanceKind uint8

const (
	// BalanceClaimableOnClose is our settled channel balance. It becomes
	// spendable once the channel closes, subject only to any commitment
	// CSV delay.
	BalanceClaimableOnClose BalanceKind = iota

	// BalanceContentiousClaimable is an incoming HTLC for which we know
	// the preimage. We can claim it on-chain before its expiry height, at
	// which point the remote party's timeout claim becomes valid as well.
	BalanceContentiousClaimable

	// BalanceMaybePreimageClaimable is an incoming HTLC whose preimage we
	// have not yet learned. The funds are only recoverable if the
	// preimage arrives before the HTLC expires.
	BalanceMaybePreimageClaimable

	// BalanceMaybeTimeoutClaimable is an outgoing HTLC that we can
	// reclaim through its timeout path once its expiry height has been
	// reached, provided the remote party hasn't claimed it with the
	// preimage first.
	BalanceMaybeTimeoutClaimable
)

// String returns a human readable description of the balance kind.
func (b BalanceKind) String() string {
	switch b {
	case BalanceClaimableOnClose:
		return "ClaimableOnClose"
	case BalanceContentiousClaimable:
		return "ContentiousClaimable"
	case BalanceMaybePreimageClaimable:
		return "MaybePreimageClaimable"
	case BalanceMaybeTimeoutClaimable:
		return "MaybeTimeoutClaimable"
	default:
		return "<unknown>"
	}
}

// ClaimableBalance describes a portion of the channel's funds that is
// recoverable on-chain, along with the condition gating its recovery.
type ClaimableBalance struct {
	// Kind is the category of the balance.
	Kind BalanceKind

	// Amount is the value of the balance.
	Amount lnwire.MilliSatoshi

	// TimeoutHeight is the absolute block height that gates the claim.
	// This is zero for unconditional balances.
	TimeoutHeight uint32

	// PaymentHash is the hash of the HTLC the balance belongs to. This is
	// only set for the HTLC kinds.
	PaymentHash [32]byte
}

// PreimageLookup returns true if the preimage for the passed payment hash is
// known.
type PreimageLookup func(hash [32]byte) bool

// ClaimableBalances returns the set of balances that would be recoverable
// on-chain were the channel to close at this moment. The returned entries are
// a pure projection of the current channel state, nothing is persisted. Once
// a close has actually been observed on-chain, the contract court's reports
// track the recovery of these funds instead.
func (lc *LightningChannel) ClaimableBalances(
	preimageKnown PreimageLookup) []ClaimableBalance {

	lc.RLock()
	defer lc.RUnlock()

	// Our settled balance is always claimable on close, regardless of the
	// fate of any pending HTLCs.
	balances := []ClaimableBalance{{
		Kind:   BalanceClaimableOnClose,
		Amount: lc.availableBalance(),
	}}

	// Each active HTLC contributes an entry whose kind depends on its
	// direction and on whether we know its preimage.
	for _, htlc := range lc.channelState.ActiveHtlcs() {
		entry := ClaimableBalance{
			Amount:        htlc.Amt,
			TimeoutHeight: htlc.RefundTimeout,
			PaymentHash:   htlc.RHash,
		}

		switch {
		case !htlc.Incoming:
			entry.Kind = BalanceMaybeTimeoutClaimable

		case preimageKnown != nil && preimageKnown(htlc.RHash):
			entry.Kind = BalanceContentiousClaimable

		default:
			entry.Kind = BalanceMaybePreimageClaimable
		}

		balances = append(balances, entry)
	}

	return balances
}
