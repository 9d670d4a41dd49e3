package lnwallet

import (
	"crypto/sha256"
	"testing"

	"github.com/AreaLayer/rust-lightning/lnwire"
)

// TestClaimableBalances asserts that the claimable balance projection tracks
// active HTLCs in both directions, and that preimage knowledge upgrades an
// incoming HTLC from speculative to contentious.
func TestClaimableBalances(t *testing.T) {
	t.Parallel()

	aliceChannel, bobChannel, cleanUp, err := CreateTestChannels(true)
	if err != nil {
		t.Fatalf("unable to create test channels: %v", err)
	}
	defer cleanUp()

	// With no HTLCs in flight, each side should report a single entry:
	// its settled balance, claimable on close.
	aliceBalances := aliceChannel.ClaimableBalances(nil)
	if len(aliceBalances) != 1 {
		t.Fatalf("expected 1 balance entry, got %d",
			len(aliceBalances))
	}
	if aliceBalances[0].Kind != BalanceClaimableOnClose {
		t.Fatalf("expected on-close balance, got %v",
			aliceBalances[0].Kind)
	}
	if aliceBalances[0].Amount != aliceChannel.AvailableBalance() {
		t.Fatalf("on-close balance is %v, expected %v",
			aliceBalances[0].Amount,
			aliceChannel.AvailableBalance())
	}

	// Add an HTLC from Alice to Bob, and lock it in on both commitments.
	const htlcAmt = lnwire.MilliSatoshi(100000)
	htlc, preimage := createHTLC(1, htlcAmt)
	if _, err := aliceChannel.AddHTLC(htlc); err != nil {
		t.Fatalf("alice unable to add htlc: %v", err)
	}
	if _, err := bobChannel.ReceiveHTLC(htlc); err != nil {
		t.Fatalf("bob unable to receive htlc: %v", err)
	}
	if err := ForceStateTransition(aliceChannel, bobChannel); err != nil {
		t.Fatalf("unable to complete state transition: %v", err)
	}

	// From Alice's side the HTLC is outgoing, so it should be reported as
	// reclaimable through its timeout path.
	aliceBalances = aliceChannel.ClaimableBalances(nil)
	if len(aliceBalances) != 2 {
		t.Fatalf("expected 2 balance entries, got %d",
			len(aliceBalances))
	}
	htlcEntry := aliceBalances[1]
	if htlcEntry.Kind != BalanceMaybeTimeoutClaimable {
		t.Fatalf("expected timeout claimable htlc, got %v",
			htlcEntry.Kind)
	}
	if htlcEntry.Amount != htlcAmt {
		t.Fatalf("htlc entry amount is %v, expected %v",
			htlcEntry.Amount, htlcAmt)
	}
	if htlcEntry.TimeoutHeight != htlc.Expiry {
		t.Fatalf("htlc entry timeout is %v, expected %v",
			htlcEntry.TimeoutHeight, htlc.Expiry)
	}

	// Bob doesn't yet know the preimage, so his view of the same HTLC is
	// speculative.
	bobBalances := bobChannel.ClaimableBalances(nil)
	if len(bobBalances) != 2 {
		t.Fatalf("expected 2 balance entries, got %d",
			len(bobBalances))
	}
	if bobBalances[1].Kind != BalanceMaybePreimageClaimable {
		t.Fatalf("expected preimage claimable htlc, got %v",
			bobBalances[1].Kind)
	}

	// Once Bob learns the preimage, the HTLC becomes contentious: he can
	// claim it on-chain, but only before its expiry height.
	lookup := func(hash [32]byte) bool {
		return sha256.Sum256(preimage[:]) == hash
	}
	bobBalances = bobChannel.ClaimableBalances(lookup)
	if bobBalances[1].Kind != BalanceContentiousClaimable {
		t.Fatalf("expected contentious claimable htlc, got %v",
			bobBalances[1].Kind)
	}
}

// TestShutdownBlocksNewHTLCs asserts that once the shutdown process has begun
// for a channel, new HTLCs are rejected in both directions while settles of
// existing HTLCs still flow.
func TestShutdownBlocksNewHTLCs(t *testing.T) {
	t.Parallel()

	aliceChannel, bobChannel, cleanUp, err := CreateTestChannels(true)
	if err != nil {
		t.Fatalf("unable to create test channels: %v", err)
	}
	defer cleanUp()

	// Lock in an HTLC before shutdown begins.
	htlc, preimage := createHTLC(2, 50000)
	aliceHtlcIndex, err := aliceChannel.AddHTLC(htlc)
	if err != nil {
		t.Fatalf("alice unable to add htlc: %v", err)
	}
	bobHtlcIndex, err := bobChannel.ReceiveHTLC(htlc)
	if err != nil {
		t.Fatalf("bob unable to receive htlc: %v", err)
	}
	if err := ForceStateTransition(aliceChannel, bobChannel); err != nil {
		t.Fatalf("unable to complete state transition: %v", err)
	}

	aliceChannel.MarkShutdown()
	bobChannel.MarkShutdown()

	// Any attempt to add a new HTLC should now be rejected.
	newHtlc, _ := createHTLC(3, 50000)
	if _, err := aliceChannel.AddHTLC(newHtlc); err != ErrChanClosing {
		t.Fatalf("expected ErrChanClosing when adding htlc, got %v",
			err)
	}
	if _, err := bobChannel.ReceiveHTLC(newHtlc); err != ErrChanClosing {
		t.Fatalf("expected ErrChanClosing when receiving htlc, "+
			"got %v", err)
	}

	// The HTLC locked in before shutdown can still be settled, allowing
	// the channel to be flushed for closing.
	if err := bobChannel.SettleHTLC(preimage, bobHtlcIndex); err != nil {
		t.Fatalf("bob unable to settle htlc: %v", err)
	}
	err = aliceChannel.ReceiveHTLCSettle(preimage, aliceHtlcIndex)
	if err != nil {
		t.Fatalf("alice unable to receive htlc settle: %v", err)
	}
}
