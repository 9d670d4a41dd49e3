package lnwallet

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/AreaLayer/rust-lightning/channeldb"
	"github.com/AreaLayer/rust-lightning/input"
	"github.com/AreaLayer/rust-lightning/keychain"
	"github.com/AreaLayer/rust-lightning/lnwire"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
)

// createHTLC is a utility function for generating an HTLC with a given
// preimage and a given amount.
func createHTLC(data int, amount lnwire.MilliSatoshi) (*lnwire.UpdateAddHTLC, [32]byte) {
	preimage := bytes.Repeat([]byte{byte(data)}, 32)
	paymentHash := sha256.Sum256(preimage)

	var returnPreimage [32]byte
	copy(returnPreimage[:], preimage)

	return &lnwire.UpdateAddHTLC{
		PaymentHash: paymentHash,
		Amount:      amount,
		Expiry:      uint32(5),
	}, returnPreimage
}

func assertOutputExistsByValue(t *testing.T, commitTx *wire.MsgTx,
	value btcutil.Amount) {

	for _, txOut := range commitTx.TxOut {
		if txOut.Value == int64(value) {
			return
		}
	}

	t.Fatalf("unable to find output of value %v within tx %v", value,
		spew.Sdump(commitTx))
}

// TestSimpleAddSettleWorkflow tests a simple channel scenario wherein the
// local node (Alice in this case) creates a new outgoing HTLC to bob, commits
// this change, then bob immediately commits a settlement of the HTLC after
// the initial add is fully committed in both commit chains.
func TestSimpleAddSettleWorkflow(t *testing.T) {
	t.Parallel()

	for _, tweakless := range []bool{true, false} {
		tweakless := tweakless
		t.Run(fmt.Sprintf("tweakless=%v", tweakless), func(t *testing.T) {
			testAddSettleWorkflow(t, tweakless)
		})
	}
}

func testAddSettleWorkflow(t *testing.T, tweakless bool) {
	// Create a test channel which will be used for the duration of this
	// unittest. The channel will be funded evenly with Alice having 5 BTC,
	// and Bob having 5 BTC.
	aliceChannel, bobChannel, cleanUp, err := CreateTestChannels(tweakless)
	if err != nil {
		t.Fatalf("unable to create test channels: %v", err)
	}
	defer cleanUp()

	paymentPreimage := bytes.Repeat([]byte{1}, 32)
	paymentHash := sha256.Sum256(paymentPreimage)
	htlcAmt := lnwire.NewMSatFromSatoshis(btcutil.SatoshiPerBitcoin)
	htlc := &lnwire.UpdateAddHTLC{
		PaymentHash: paymentHash,
		Amount:      htlcAmt,
		Expiry:      uint32(5),
	}

	// First Alice adds the outgoing HTLC to her local channel's state
	// update log. Then Alice sends this wire message over to Bob who adds
	// this htlc to his remote state update log.
	aliceHtlcIndex, err := aliceChannel.AddHTLC(htlc)
	if err != nil {
		t.Fatalf("unable to add htlc: %v", err)
	}

	bobHtlcIndex, err := bobChannel.ReceiveHTLC(htlc)
	if err != nil {
		t.Fatalf("unable to recv htlc: %v", err)
	}

	// Next alice commits this change by sending a signature message. Since
	// we expect the messages to be ordered, Bob will receive the HTLC we
	// just sent before he receives this signature, so the signature will
	// cover the HTLC.
	aliceSig, aliceHtlcSigs, _, err := aliceChannel.SignNextCommitment()
	if err != nil {
		t.Fatalf("alice unable to sign commitment: %v", err)
	}

	// Bob receives this signature message, and checks that this covers the
	// state he has in his remote log. This includes the HTLC just sent
	// from Alice.
	err = bobChannel.ReceiveNewCommitment(aliceSig, aliceHtlcSigs)
	if err != nil {
		t.Fatalf("bob unable to process alice's new commitment: %v", err)
	}

	// Bob revokes his prior commitment given to him by Alice, since he now
	// has a valid signature for a newer commitment.
	bobRevocation, _, err := bobChannel.RevokeCurrentCommitment()
	if err != nil {
		t.Fatalf("unable to generate bob revocation: %v", err)
	}

	// Bob finally send a signature for Alice's commitment transaction.
	// This signature will cover the HTLC, since Bob will first send the
	// revocation just created. The revocation also acks every received
	// HTLC up to the point where Alice sent her signature.
	bobSig, bobHtlcSigs, _, err := bobChannel.SignNextCommitment()
	if err != nil {
		t.Fatalf("bob unable to sign alice's commitment: %v", err)
	}

	// Alice then processes this revocation, sending her own revocation for
	// her prior commitment transaction. Alice shouldn't have any HTLCs to
	// forward since she's sending an outgoing HTLC.
	fwdHtlcs, err := aliceChannel.ReceiveRevocation(bobRevocation)
	if err != nil {
		t.Fatalf("alice unable to process bob's revocation: %v", err)
	}
	if len(fwdHtlcs) != 0 {
		t.Fatalf("alice forwards %v htlcs, should forward none",
			len(fwdHtlcs))
	}

	// Alice then processes bob's signature, and since she just received
	// the revocation, she expect this signature to cover everything up to
	// the point where she sent her signature, including the HTLC.
	err = aliceChannel.ReceiveNewCommitment(bobSig, bobHtlcSigs)
	if err != nil {
		t.Fatalf("alice unable to process bob's new commitment: %v", err)
	}

	// Alice then generates a revocation for bob.
	aliceRevocation, _, err := aliceChannel.RevokeCurrentCommitment()
	if err != nil {
		t.Fatalf("unable to revoke alice channel: %v", err)
	}

	// Finally Bob processes Alice's revocation, at this point the new HTLC
	// is fully locked in within both commitment transactions. Bob should
	// also be able to forward an HTLC now that the HTLC has been locked
	// into both commitment transactions.
	fwdHtlcs, err = bobChannel.ReceiveRevocation(aliceRevocation)
	if err != nil {
		t.Fatalf("bob unable to process alice's revocation: %v", err)
	}
	if len(fwdHtlcs) != 1 {
		t.Fatalf("bob should be able to forward an HTLC, instead can "+
			"forward %v", len(fwdHtlcs))
	}

	// At this point, both sides should have the proper number of satoshis
	// sent, and commitment height updated within their local channel
	// state.
	aliceSent := lnwire.MilliSatoshi(0)
	bobSent := lnwire.MilliSatoshi(0)

	if aliceChannel.channelState.TotalMSatSent != aliceSent {
		t.Fatalf("alice has incorrect milli-satoshis sent: %v vs %v",
			aliceChannel.channelState.TotalMSatSent, aliceSent)
	}
	if aliceChannel.channelState.TotalMSatReceived != bobSent {
		t.Fatalf("alice has incorrect milli-satoshis received %v vs %v",
			aliceChannel.channelState.TotalMSatReceived, bobSent)
	}
	if bobChannel.channelState.TotalMSatSent != bobSent {
		t.Fatalf("bob has incorrect milli-satoshis sent %v vs %v",
			bobChannel.channelState.TotalMSatSent, bobSent)
	}
	if bobChannel.channelState.TotalMSatReceived != aliceSent {
		t.Fatalf("bob has incorrect milli-satoshis received %v vs %v",
			bobChannel.channelState.TotalMSatReceived, aliceSent)
	}
	if bobChannel.currentHeight != 1 {
		t.Fatalf("bob has incorrect commitment height, %v vs %v",
			bobChannel.currentHeight, 1)
	}
	if aliceChannel.currentHeight != 1 {
		t.Fatalf("alice has incorrect commitment height, %v vs %v",
			aliceChannel.currentHeight, 1)
	}

	// Both commitment transactions should have three outputs, and one of
	// them should be exactly the amount of the HTLC.
	aliceCommitTx := aliceChannel.channelState.LocalCommitment.CommitTx
	if len(aliceCommitTx.TxOut) != 3 {
		t.Fatalf("alice should have three commitment outputs, instead "+
			"have %v", len(aliceCommitTx.TxOut))
	}
	bobCommitTx := bobChannel.channelState.LocalCommitment.CommitTx
	if len(bobCommitTx.TxOut) != 3 {
		t.Fatalf("bob should have three commitment outputs, instead "+
			"have %v", len(bobCommitTx.TxOut))
	}
	assertOutputExistsByValue(t, aliceCommitTx, htlcAmt.ToSatoshis())
	assertOutputExistsByValue(t, bobCommitTx, htlcAmt.ToSatoshis())

	// Now we'll repeat a similar exchange, this time with Bob settling the
	// HTLC once he learns of the preimage.
	var preimage [32]byte
	copy(preimage[:], paymentPreimage)
	err = bobChannel.SettleHTLC(preimage, bobHtlcIndex)
	if err != nil {
		t.Fatalf("bob unable to settle inbound htlc: %v", err)
	}
	err = aliceChannel.ReceiveHTLCSettle(preimage, aliceHtlcIndex)
	if err != nil {
		t.Fatalf("alice unable to accept settle of outbound htlc: %v", err)
	}

	bobSig2, bobHtlcSigs2, _, err := bobChannel.SignNextCommitment()
	if err != nil {
		t.Fatalf("bob unable to sign settle commitment: %v", err)
	}
	err = aliceChannel.ReceiveNewCommitment(bobSig2, bobHtlcSigs2)
	if err != nil {
		t.Fatalf("alice unable to process bob's new commitment: %v", err)
	}

	aliceRevocation2, _, err := aliceChannel.RevokeCurrentCommitment()
	if err != nil {
		t.Fatalf("alice unable to generate revocation: %v", err)
	}
	aliceSig2, aliceHtlcSigs2, _, err := aliceChannel.SignNextCommitment()
	if err != nil {
		t.Fatalf("alice unable to sign new commitment: %v", err)
	}

	fwdHtlcs, err = bobChannel.ReceiveRevocation(aliceRevocation2)
	if err != nil {
		t.Fatalf("bob unable to process alice's revocation: %v", err)
	}
	if len(fwdHtlcs) != 0 {
		t.Fatalf("bob shouldn't forward any HTLCs after outgoing settle, "+
			"instead can forward: %v", spew.Sdump(fwdHtlcs))
	}

	err = bobChannel.ReceiveNewCommitment(aliceSig2, aliceHtlcSigs2)
	if err != nil {
		t.Fatalf("bob unable to process alice's new commitment: %v", err)
	}

	bobRevocation2, _, err := bobChannel.RevokeCurrentCommitment()
	if err != nil {
		t.Fatalf("bob unable to revoke commitment: %v", err)
	}

	fwdHtlcs, err = aliceChannel.ReceiveRevocation(bobRevocation2)
	if err != nil {
		t.Fatalf("alice unable to process bob's revocation: %v", err)
	}
	if len(fwdHtlcs) != 1 {
		// Alice should now be able to forward the settlement HTLC to
		// any down stream peers.
		t.Fatalf("alice should be able to forward a single HTLC, "+
			"instead can forward %v: %v", len(fwdHtlcs),
			spew.Sdump(fwdHtlcs))
	}

	// At this point, Bob should have 6 BTC settled, with Alice still
	// having 4 BTC. Alice's channel should show 1 BTC sent and Bob's
	// channel should show 1 BTC received. They should also be at
	// commitment height two, with the revocation window extended by 1 (5).
	mSatTransferred := lnwire.NewMSatFromSatoshis(btcutil.SatoshiPerBitcoin)
	if aliceChannel.channelState.TotalMSatSent != mSatTransferred {
		t.Fatalf("alice satoshis sent incorrect %v vs %v expected",
			aliceChannel.channelState.TotalMSatSent,
			mSatTransferred)
	}
	if aliceChannel.channelState.TotalMSatReceived != 0 {
		t.Fatalf("alice satoshis received incorrect %v vs %v expected",
			aliceChannel.channelState.TotalMSatReceived, 0)
	}
	if bobChannel.channelState.TotalMSatReceived != mSatTransferred {
		t.Fatalf("bob satoshis received incorrect %v vs %v expected",
			bobChannel.channelState.TotalMSatReceived,
			mSatTransferred)
	}
	if bobChannel.channelState.TotalMSatSent != 0 {
		t.Fatalf("bob satoshis sent incorrect %v vs %v expected",
			bobChannel.channelState.TotalMSatSent, 0)
	}
	if bobChannel.currentHeight != 2 {
		t.Fatalf("bob has incorrect commitment height, %v vs %v",
			bobChannel.currentHeight, 2)
	}
	if aliceChannel.currentHeight != 2 {
		t.Fatalf("alice has incorrect commitment height, %v vs %v",
			aliceChannel.currentHeight, 2)
	}

	// The logs of both sides should now be cleared since the entry adding
	// the HTLC should have been removed once both sides receive the
	// revocation.
	if aliceChannel.localUpdateLog.Len() != 0 {
		t.Fatalf("alice's local not updated, should be empty, has %v "+
			"entries instead", aliceChannel.localUpdateLog.Len())
	}
	if aliceChannel.remoteUpdateLog.Len() != 0 {
		t.Fatalf("alice's remote not updated, should be empty, has %v "+
			"entries instead", aliceChannel.remoteUpdateLog.Len())
	}
	if len(aliceChannel.localUpdateLog.updateIndex) != 0 {
		t.Fatalf("alice's local log index not cleared, should be empty but "+
			"has %v entries", len(aliceChannel.localUpdateLog.updateIndex))
	}
	if len(aliceChannel.remoteUpdateLog.updateIndex) != 0 {
		t.Fatalf("alice's remote log index not cleared, should be empty but "+
			"has %v entries", len(aliceChannel.remoteUpdateLog.updateIndex))
	}
}

// TestCooperativeChannelClosure checks that the coop close process is
// completed properly with fees correctly allocated from the initiator's
// settled balance.
func TestCooperativeChannelClosure(t *testing.T) {
	t.Parallel()

	// Create a test channel which will be used for the duration of this
	// unittest. The channel will be funded evenly with Alice having 5 BTC,
	// and Bob having 5 BTC.
	aliceChannel, bobChannel, cleanUp, err := CreateTestChannels(true)
	if err != nil {
		t.Fatalf("unable to create test channels: %v", err)
	}
	defer cleanUp()

	aliceDeliveryScript := bobsPrivKey[:]
	bobDeliveryScript := testHdSeed[:]

	aliceFeeRate := aliceChannel.CommitFeeRate()
	bobFeeRate := bobChannel.CommitFeeRate()

	// We'll start with both Alice and Bob creating a new close proposal
	// with the same fee.
	aliceFee := aliceChannel.CalcFee(aliceFeeRate)
	aliceSig, _, _, err := aliceChannel.CreateCloseProposal(
		aliceFee, aliceDeliveryScript, bobDeliveryScript,
	)
	if err != nil {
		t.Fatalf("unable to create alice coop close proposal: %v", err)
	}

	bobFee := bobChannel.CalcFee(bobFeeRate)
	bobSig, _, _, err := bobChannel.CreateCloseProposal(
		bobFee, bobDeliveryScript, aliceDeliveryScript,
	)
	if err != nil {
		t.Fatalf("unable to create bob coop close proposal: %v", err)
	}

	// With the proposals created, both sides should be able to properly
	// process the other party's signature. This indicates that the
	// transaction is well formed, and the signatures verify.
	aliceCloseTx, bobTxBalance, err := bobChannel.CompleteCooperativeClose(
		bobSig, aliceSig, bobDeliveryScript, aliceDeliveryScript,
		bobFee,
	)
	if err != nil {
		t.Fatalf("unable to complete alice cooperative close: %v", err)
	}
	bobCloseSha := aliceCloseTx.TxHash()

	bobCloseTx, aliceTxBalance, err := aliceChannel.CompleteCooperativeClose(
		aliceSig, bobSig, aliceDeliveryScript, bobDeliveryScript,
		aliceFee,
	)
	if err != nil {
		t.Fatalf("unable to complete bob cooperative close: %v", err)
	}
	aliceCloseSha := bobCloseTx.TxHash()

	if bobCloseSha != aliceCloseSha {
		t.Fatalf("alice and bob close transactions don't match: %v", err)
	}

	// Finally, make sure the final balances are correct from both's
	// perspective.
	aliceBalance := aliceChannel.channelState.LocalCommitment.
		LocalBalance.ToSatoshis()

	// The commit balance have had the fee extracted already, so we add
	// that back to the final expected balance. Alice should see a
	// final balance of her settled output minus the closing fee.
	aliceExpectedBalance := aliceBalance - aliceFee +
		aliceChannel.channelState.LocalCommitment.CommitFee
	if aliceTxBalance != aliceExpectedBalance {
		t.Fatalf("expected alice's balance to be %v got %v",
			aliceExpectedBalance, aliceTxBalance)
	}

	// Bob is not the initiator, so his final balance should simply be
	// equal to the latest commitment balance.
	bobExpectedBalance := bobChannel.channelState.LocalCommitment.
		LocalBalance.ToSatoshis()
	if bobTxBalance != bobExpectedBalance {
		t.Fatalf("expected bob's balance to be %v got %v",
			bobExpectedBalance, bobTxBalance)
	}
}

// TestForceClose checks that the resulting LocalForceCloseSummary is correct
// when a peer is ForceClosing the channel. Will check outputs both above and
// below the dust limit. Additionally, we'll ensure that the node which
// executed the force close generates HTLC resolutions that are capable of
// sweeping both incoming and outgoing HTLC's.
func TestForceClose(t *testing.T) {
	t.Parallel()

	// Create a test channel which will be used for the duration of this
	// unittest. The channel will be funded evenly with Alice having 5 BTC,
	// and Bob having 5 BTC.
	aliceChannel, bobChannel, cleanUp, err := CreateTestChannels(true)
	if err != nil {
		t.Fatalf("unable to create test channels: %v", err)
	}
	defer cleanUp()

	bobAmount := bobChannel.channelState.LocalCommitment.LocalBalance

	// First, we'll add an outgoing HTLC from Alice to Bob, such that it
	// will still be present within the broadcast commitment transaction.
	// We'll ensure that the HTLC amount is above Alice's dust limit.
	htlcAmount := lnwire.NewMSatFromSatoshis(20000)
	htlcAlice, _ := createHTLC(0, htlcAmount)
	if _, err := aliceChannel.AddHTLC(htlcAlice); err != nil {
		t.Fatalf("alice unable to add htlc: %v", err)
	}
	if _, err := bobChannel.ReceiveHTLC(htlcAlice); err != nil {
		t.Fatalf("bob unable to recv add htlc: %v", err)
	}

	// We'll also a distinct HTLC from Bob -> Alice. This way, Alice will
	// have both an incoming and outgoing HTLC on her commitment
	// transaction.
	htlcAmount2 := lnwire.NewMSatFromSatoshis(30000)
	htlcBob, preimageBob := createHTLC(1, htlcAmount2)
	if _, err := bobChannel.AddHTLC(htlcBob); err != nil {
		t.Fatalf("bob unable to add htlc: %v", err)
	}
	if _, err := aliceChannel.ReceiveHTLC(htlcBob); err != nil {
		t.Fatalf("alice unable to recv add htlc: %v", err)
	}

	// Next, we'll perform two state transitions to ensure that both HTLC's
	// get fully locked-in.
	if err := ForceStateTransition(aliceChannel, bobChannel); err != nil {
		t.Fatalf("unable to complete alice's state transition: %v", err)
	}
	if err := ForceStateTransition(bobChannel, aliceChannel); err != nil {
		t.Fatalf("unable to complete bob's state transition: %v", err)
	}

	// With the cache populated, we'll now attempt the force close
	// initiated by Alice.
	closeSummary, err := aliceChannel.ForceClose()
	if err != nil {
		t.Fatalf("unable to force close channel: %v", err)
	}

	// Alice's force close summary should have a single HTLC resolution in
	// both the incoming and outgoing direction.
	if len(closeSummary.HtlcResolutions.OutgoingHTLCs) != 1 {
		t.Fatalf("alice htlc resolutions not populated: expected %v "+
			"htlcs, got %v htlcs", 1,
			len(closeSummary.HtlcResolutions.OutgoingHTLCs))
	}
	if len(closeSummary.HtlcResolutions.IncomingHTLCs) != 1 {
		t.Fatalf("alice htlc resolutions not populated: expected %v "+
			"htlcs, got %v htlcs", 1,
			len(closeSummary.HtlcResolutions.IncomingHTLCs))
	}

	// The commit resolution should be populated as Alice's output is
	// non-dust.
	if closeSummary.CommitResolution == nil {
		t.Fatalf("alice fails to include to-self output in her close " +
			"summary")
	}

	// The rest of the close summary should have been populated properly.
	aliceDelayPoint := aliceChannel.channelState.LocalChanCfg.DelayBasePoint
	selfSignDesc := closeSummary.CommitResolution.SelfOutputSignDesc
	if !selfSignDesc.KeyDesc.PubKey.IsEqual(aliceDelayPoint.PubKey) {
		t.Fatalf("alice incorrect pubkey in SelfOutputSignDesc")
	}

	// Factoring in the fee rate, Alice's amount should properly reflect
	// that we've added two additional HTLC's to the commitment
	// transaction.
	capacity := aliceChannel.channelState.Capacity
	expectedAmount := (capacity / 2) - htlcAmount.ToSatoshis() -
		calcStaticFee(2)
	if selfSignDesc.Output.Value != int64(expectedAmount) {
		t.Fatalf("alice incorrect output value in SelfOutputSignDesc, "+
			"expected %v, got %v", int64(expectedAmount),
			selfSignDesc.Output.Value)
	}

	// Alice's listed CSV delay should also match the delay that was
	// pre-committed to at channel opening.
	if closeSummary.CommitResolution.MaturityDelay !=
		uint32(aliceChannel.channelState.LocalChanCfg.CsvDelay) {

		t.Fatalf("alice: incorrect local CSV delay in close summary, "+
			"expected %v, got %v",
			aliceChannel.channelState.LocalChanCfg.CsvDelay,
			closeSummary.CommitResolution.MaturityDelay)
	}

	// Next, we'll ensure that the second level HTLC transaction is itself
	// spendable, and also that the delivery output (with delay) itself has
	// a valid sign descriptor.
	var senderHtlcPkScript []byte
	for _, txOut := range closeSummary.CloseTx.TxOut {
		if txOut.Value == int64(htlcAmount.ToSatoshis()) {
			senderHtlcPkScript = txOut.PkScript
			break
		}
	}
	if senderHtlcPkScript == nil {
		t.Fatalf("unable to find htlc script")
	}

	// First, verify that the second level transaction can properly spend
	// the multi-sig clause within the output on the commitment transaction
	// that produces this HTLC.
	outHtlcResolution := closeSummary.HtlcResolutions.OutgoingHTLCs[0]
	timeoutTx := outHtlcResolution.SignedTimeoutTx
	prevFetcher := txscript.NewCannedPrevOutputFetcher(
		senderHtlcPkScript, int64(htlcAmount.ToSatoshis()),
	)
	hashCache := txscript.NewTxSigHashes(timeoutTx, prevFetcher)
	vm, err := txscript.NewEngine(
		senderHtlcPkScript, timeoutTx, 0,
		txscript.StandardVerifyFlags, nil, hashCache,
		int64(htlcAmount.ToSatoshis()), prevFetcher,
	)
	if err != nil {
		t.Fatalf("unable to create engine: %v", err)
	}
	if err := vm.Execute(); err != nil {
		t.Fatalf("htlc timeout spend is invalid: %v", err)
	}

	// Next, we'll ensure that we can spend the output of the second level
	// transaction given a properly crafted sweep transaction.
	sweepTx := wire.NewMsgTx(2)
	sweepTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: outHtlcResolution.ClaimOutpoint,
	})
	sweepTx.AddTxOut(&wire.TxOut{
		PkScript: senderHtlcPkScript,
		Value:    outHtlcResolution.SweepSignDesc.Output.Value,
	})
	outHtlcResolution.SweepSignDesc.InputIndex = 0
	outHtlcResolution.SweepSignDesc.PrevOutputFetcher =
		txscript.NewCannedPrevOutputFetcher(
			outHtlcResolution.SweepSignDesc.Output.PkScript,
			outHtlcResolution.SweepSignDesc.Output.Value,
		)
	sweepTx.TxIn[0].Witness, err = input.HtlcSpendSuccess(
		aliceChannel.Signer, &outHtlcResolution.SweepSignDesc,
		sweepTx,
		uint32(aliceChannel.channelState.LocalChanCfg.CsvDelay),
	)
	if err != nil {
		t.Fatalf("unable to gen witness for timeout output: %v", err)
	}

	// With the witness fully populated for the success spend from the
	// second-level transaction, we ensure that the scripts properly
	// validate given the information within the htlc resolution struct.
	sweepFetcher := txscript.NewCannedPrevOutputFetcher(
		outHtlcResolution.SweepSignDesc.Output.PkScript,
		outHtlcResolution.SweepSignDesc.Output.Value,
	)
	sweepCache := txscript.NewTxSigHashes(sweepTx, sweepFetcher)
	vm, err = txscript.NewEngine(
		outHtlcResolution.SweepSignDesc.Output.PkScript,
		sweepTx, 0, txscript.StandardVerifyFlags, nil, sweepCache,
		outHtlcResolution.SweepSignDesc.Output.Value, sweepFetcher,
	)
	if err != nil {
		t.Fatalf("unable to create engine: %v", err)
	}
	if err := vm.Execute(); err != nil {
		t.Fatalf("htlc timeout sweep is invalid: %v", err)
	}

	// We'll now perform similar set of checks to ensure that Alice is able
	// to sweep the incoming HTLC with knowledge of the preimage. We'll
	// first locate the HTLC output on her commitment.
	var receiverHtlcScript []byte
	for _, txOut := range closeSummary.CloseTx.TxOut {
		if txOut.Value == int64(htlcAmount2.ToSatoshis()) {
			receiverHtlcScript = txOut.PkScript
			break
		}
	}
	if receiverHtlcScript == nil {
		t.Fatalf("unable to find receiver htlc script")
	}

	// The success transaction that was pre-signed only lacks the payment
	// preimage within its witness, so we'll insert it before validating
	// the spend.
	inHtlcResolution := closeSummary.HtlcResolutions.IncomingHTLCs[0]
	successTx := inHtlcResolution.SignedSuccessTx
	successTx.TxIn[0].Witness[3] = preimageBob[:]
	successFetcher := txscript.NewCannedPrevOutputFetcher(
		receiverHtlcScript, int64(htlcAmount2.ToSatoshis()),
	)
	successCache := txscript.NewTxSigHashes(successTx, successFetcher)
	vm, err = txscript.NewEngine(
		receiverHtlcScript, successTx, 0,
		txscript.StandardVerifyFlags, nil, successCache,
		int64(htlcAmount2.ToSatoshis()), successFetcher,
	)
	if err != nil {
		t.Fatalf("unable to create engine: %v", err)
	}
	if err := vm.Execute(); err != nil {
		t.Fatalf("htlc success spend is invalid: %v", err)
	}

	// Finally, the txid of the commitment transaction and the one returned
	// as the closing transaction should also match.
	closeTxHash := closeSummary.CloseTx.TxHash()
	commitTxHash := aliceChannel.channelState.LocalCommitment.CommitTx.TxHash()
	if !bytes.Equal(closeTxHash[:], commitTxHash[:]) {
		t.Fatalf("alice: incorrect close transaction txid")
	}

	// Check the same for Bob's force close summary.
	closeSummary, err = bobChannel.ForceClose()
	if err != nil {
		t.Fatalf("unable to force close channel: %v", err)
	}
	if closeSummary.CommitResolution == nil {
		t.Fatalf("bob fails to include to-self output in his close " +
			"summary")
	}
	bobDelayPoint := bobChannel.channelState.LocalChanCfg.DelayBasePoint
	selfSignDesc = closeSummary.CommitResolution.SelfOutputSignDesc
	if !selfSignDesc.KeyDesc.PubKey.IsEqual(bobDelayPoint.PubKey) {
		t.Fatalf("bob incorrect pubkey in SelfOutputSignDesc")
	}
	if selfSignDesc.Output.Value !=
		int64(bobAmount.ToSatoshis()-htlcAmount2.ToSatoshis()) {

		t.Fatalf("bob incorrect output value in SelfOutputSignDesc, "+
			"expected %v, got %v",
			bobAmount.ToSatoshis()-htlcAmount2.ToSatoshis(),
			selfSignDesc.Output.Value)
	}
	if closeSummary.CommitResolution.MaturityDelay !=
		uint32(bobChannel.channelState.LocalChanCfg.CsvDelay) {

		t.Fatalf("bob: incorrect local CSV delay in close summary, "+
			"expected %v, got %v",
			bobChannel.channelState.LocalChanCfg.CsvDelay,
			closeSummary.CommitResolution.MaturityDelay)
	}

	closeTxHash = closeSummary.CloseTx.TxHash()
	commitTxHash = bobChannel.channelState.LocalCommitment.CommitTx.TxHash()
	if !bytes.Equal(closeTxHash[:], commitTxHash[:]) {
		t.Fatalf("bob: incorrect close transaction txid")
	}
}

// TestForceCloseDustOutput tests that if either side force closes with an
// active dust output (for only a single party due to asymmetric dust values),
// then the force close summary is well crafted.
func TestForceCloseDustOutput(t *testing.T) {
	t.Parallel()

	// Create a test channel which will be used for the duration of this
	// unittest. The channel will be funded evenly with Alice having 5 BTC,
	// and Bob having 5 BTC.
	aliceChannel, bobChannel, cleanUp, err := CreateTestChannels(true)
	if err != nil {
		t.Fatalf("unable to create test channels: %v", err)
	}
	defer cleanUp()

	// We set both node's channel reserves to 0, to make sure we can send
	// the balance below dust limit.
	aliceChannel.localChanCfg.ChanReserve = 0
	bobChannel.localChanCfg.ChanReserve = 0
	aliceChannel.remoteChanCfg.ChanReserve = 0
	bobChannel.remoteChanCfg.ChanReserve = 0

	htlcAmount := lnwire.NewMSatFromSatoshis(500)

	bobAmount := bobChannel.channelState.LocalCommitment.LocalBalance

	// Have Bob's to-self output be below his dust limit and check the
	// close summary again on both peers.
	htlc, preimage := createHTLC(0, bobAmount-htlcAmount)
	bobHtlcIndex, err := bobChannel.AddHTLC(htlc)
	if err != nil {
		t.Fatalf("bob unable to add htlc: %v", err)
	}
	aliceHtlcIndex, err := aliceChannel.ReceiveHTLC(htlc)
	if err != nil {
		t.Fatalf("alice unable to receive htlc: %v", err)
	}
	if err := ForceStateTransition(bobChannel, aliceChannel); err != nil {
		t.Fatalf("unable to complete bob's state transition: %v", err)
	}

	// Settle HTLC and sign new commitment.
	err = aliceChannel.SettleHTLC(preimage, aliceHtlcIndex)
	if err != nil {
		t.Fatalf("alice unable to settle inbound htlc: %v", err)
	}
	err = bobChannel.ReceiveHTLCSettle(preimage, bobHtlcIndex)
	if err != nil {
		t.Fatalf("bob unable to accept settle of outbound htlc: %v", err)
	}
	if err := ForceStateTransition(aliceChannel, bobChannel); err != nil {
		t.Fatalf("unable to complete alice's state transition: %v", err)
	}

	aliceAmount := aliceChannel.channelState.LocalCommitment.LocalBalance

	closeSummary, err := aliceChannel.ForceClose()
	if err != nil {
		t.Fatalf("unable to force close channel: %v", err)
	}

	// Alice's to-self output should still be in the commitment
	// transaction.
	if closeSummary.CommitResolution == nil {
		t.Fatalf("alice fails to include to-self output in her close " +
			"summary")
	}
	selfSignDesc := closeSummary.CommitResolution.SelfOutputSignDesc
	if !selfSignDesc.KeyDesc.PubKey.IsEqual(
		aliceChannel.channelState.LocalChanCfg.DelayBasePoint.PubKey,
	) {
		t.Fatalf("alice incorrect pubkey in SelfOutputSignDesc")
	}
	if selfSignDesc.Output.Value != int64(aliceAmount.ToSatoshis()) {
		t.Fatalf("alice incorrect output value in SelfOutputSignDesc, "+
			"expected %v, got %v",
			aliceAmount.ToSatoshis(), selfSignDesc.Output.Value)
	}

	if closeSummary.CommitResolution.MaturityDelay !=
		uint32(aliceChannel.channelState.LocalChanCfg.CsvDelay) {
		t.Fatalf("alice: incorrect local CSV delay in close summary, "+
			"expected %v, got %v",
			aliceChannel.channelState.LocalChanCfg.CsvDelay,
			closeSummary.CommitResolution.MaturityDelay)
	}

	closeTxHash := closeSummary.CloseTx.TxHash()
	commitTxHash := aliceChannel.channelState.LocalCommitment.CommitTx.TxHash()
	if !bytes.Equal(closeTxHash[:], commitTxHash[:]) {
		t.Fatalf("alice: incorrect close transaction txid")
	}

	closeSummary, err = bobChannel.ForceClose()
	if err != nil {
		t.Fatalf("unable to force close channel: %v", err)
	}

	// Bob's to-self output is below Bob's dust value and should be
	// reflected in the close summary.
	if closeSummary.CommitResolution != nil {
		t.Fatalf("bob incorrectly includes to-self output in his " +
			"close summary")
	}

	closeTxHash = closeSummary.CloseTx.TxHash()
	commitTxHash = bobChannel.channelState.LocalCommitment.CommitTx.TxHash()
	if !bytes.Equal(closeTxHash[:], commitTxHash[:]) {
		t.Fatalf("bob: incorrect close transaction txid")
	}
}

// TestDustHTLCRejection checks that proposing an HTLC below the channel's
// dust limit is rejected outright, leaving the update log and balances
// untouched.
func TestDustHTLCRejection(t *testing.T) {
	t.Parallel()

	aliceChannel, bobChannel, cleanUp, err := CreateTestChannels(true)
	if err != nil {
		t.Fatalf("unable to create test channels: %v", err)
	}
	defer cleanUp()

	aliceStartingBalance := aliceChannel.AvailableBalance()

	// This HTLC amount is lower than Alice's dust limit, so the proposal
	// should be refused before it ever reaches her update log.
	htlcAmount := lnwire.NewMSatFromSatoshis(100)
	htlc, _ := createHTLC(0, htlcAmount)
	if _, err := aliceChannel.AddHTLC(htlc); err != ErrDustHTLC {
		t.Fatalf("expected ErrDustHTLC, got %v", err)
	}

	// The rejection must leave the channel state unchanged.
	if aliceChannel.PendingLocalUpdateCount() != 0 {
		t.Fatalf("expected no pending updates, got %v",
			aliceChannel.PendingLocalUpdateCount())
	}
	if aliceChannel.AvailableBalance() != aliceStartingBalance {
		t.Fatalf("alice's balance changed on a rejected htlc: "+
			"expected %v, got %v", aliceStartingBalance,
			aliceChannel.AvailableBalance())
	}

	// An HTLC at exactly the dust limit is acceptable, and flows through
	// the usual lifecycle.
	okAmount := lnwire.NewMSatFromSatoshis(
		aliceChannel.channelState.LocalChanCfg.DustLimit,
	)
	okHtlc, _ := createHTLC(1, okAmount)
	if _, err := aliceChannel.AddHTLC(okHtlc); err != nil {
		t.Fatalf("alice unable to add at-limit htlc: %v", err)
	}
	if _, err := bobChannel.ReceiveHTLC(okHtlc); err != nil {
		t.Fatalf("bob unable to receive htlc: %v", err)
	}
	if err := ForceStateTransition(aliceChannel, bobChannel); err != nil {
		t.Fatalf("unable to complete state transition: %v", err)
	}
}

// TestHTLCMaxCltvExpiry checks that an HTLC whose expiry height lies beyond
// the remote party's maximum CLTV constraint is rejected when proposed, while
// an expiry at the limit passes through the usual lifecycle.
func TestHTLCMaxCltvExpiry(t *testing.T) {
	t.Parallel()

	aliceChannel, bobChannel, cleanUp, err := CreateTestChannels(true)
	if err != nil {
		t.Fatalf("unable to create test channels: %v", err)
	}
	defer cleanUp()

	// Constrain the expiry heights Bob is willing to accept.
	const maxCltvExpiry = 500
	aliceChannel.channelState.RemoteChanCfg.MaxCltvExpiry = maxCltvExpiry
	bobChannel.channelState.LocalChanCfg.MaxCltvExpiry = maxCltvExpiry

	htlcAmount := lnwire.NewMSatFromSatoshis(100000)
	htlc, _ := createHTLC(0, htlcAmount)
	htlc.Expiry = maxCltvExpiry + 1
	if _, err := aliceChannel.AddHTLC(htlc); err != ErrTotalCLTVTooHigh {
		t.Fatalf("expected ErrTotalCLTVTooHigh, got %v", err)
	}
	if aliceChannel.PendingLocalUpdateCount() != 0 {
		t.Fatalf("expected no pending updates, got %v",
			aliceChannel.PendingLocalUpdateCount())
	}

	// An expiry exactly at the constraint is acceptable.
	okHtlc, _ := createHTLC(1, htlcAmount)
	okHtlc.Expiry = maxCltvExpiry
	if _, err := aliceChannel.AddHTLC(okHtlc); err != nil {
		t.Fatalf("alice unable to add at-limit htlc: %v", err)
	}
	if _, err := bobChannel.ReceiveHTLC(okHtlc); err != nil {
		t.Fatalf("bob unable to receive htlc: %v", err)
	}
	if err := ForceStateTransition(aliceChannel, bobChannel); err != nil {
		t.Fatalf("unable to complete state transition: %v", err)
	}
}

// TestHTLCDustLimit checks the situation in which an HTLC is larger than one
// channel participant's dust limit, but smaller than the other participant's
// dust limit. In this case, the participants' commitment chains will diverge.
// In one commitment chain, the HTLC will be added as normal, in the other
// chain, the amount of the HTLC will contribute to the fees to be paid.
func TestHTLCDustLimit(t *testing.T) {
	t.Parallel()

	// Create a test channel which will be used for the duration of this
	// unittest. The channel will be funded evenly with Alice having 5 BTC,
	// and Bob having 5 BTC.
	aliceChannel, bobChannel, cleanUp, err := CreateTestChannels(true)
	if err != nil {
		t.Fatalf("unable to create test channels: %v", err)
	}
	defer cleanUp()

	// The amount of the HTLC should be above Alice's dust limit and below
	// Bob's dust limit.
	htlcSat := (btcutil.Amount(500) + HtlcTimeoutFee(
		aliceChannel.channelState.ChanType,
		aliceChannel.CommitFeeRate(),
	))
	htlcAmount := lnwire.NewMSatFromSatoshis(htlcSat)

	htlc, preimage := createHTLC(0, htlcAmount)
	aliceHtlcIndex, err := aliceChannel.AddHTLC(htlc)
	if err != nil {
		t.Fatalf("alice unable to add htlc: %v", err)
	}
	bobHtlcIndex, err := bobChannel.ReceiveHTLC(htlc)
	if err != nil {
		t.Fatalf("bob unable to receive htlc: %v", err)
	}
	if err := ForceStateTransition(aliceChannel, bobChannel); err != nil {
		t.Fatalf("unable to complete alice's state transition: %v", err)
	}

	// At this point, Alice's commitment transaction should have an HTLC,
	// while Bob's should not, because the value falls beneath his dust
	// limit. The amount of the HTLC should be applied to fees in Bob's
	// commitment transaction.
	aliceCommitment := aliceChannel.localCommitChain.tip()
	if len(aliceCommitment.txn.TxOut) != 3 {
		t.Fatalf("incorrect # of outputs: expected %v, got %v",
			3, len(aliceCommitment.txn.TxOut))
	}
	bobCommitment := bobChannel.localCommitChain.tip()
	if len(bobCommitment.txn.TxOut) != 2 {
		t.Fatalf("incorrect # of outputs: expected %v, got %v",
			2, len(bobCommitment.txn.TxOut))
	}
	defaultFee := calcStaticFee(0)
	if bobChannel.channelState.LocalCommitment.CommitFee != defaultFee {
		t.Fatalf("dust htlc amount was subtracted from commitment fee "+
			"expected %v, got %v", defaultFee,
			bobChannel.channelState.LocalCommitment.CommitFee)
	}

	// Settle HTLC and create a new commitment state.
	err = bobChannel.SettleHTLC(preimage, bobHtlcIndex)
	if err != nil {
		t.Fatalf("bob unable to settle inbound htlc: %v", err)
	}
	err = aliceChannel.ReceiveHTLCSettle(preimage, aliceHtlcIndex)
	if err != nil {
		t.Fatalf("alice unable to accept settle of outbound htlc: %v", err)
	}
	if err := ForceStateTransition(bobChannel, aliceChannel); err != nil {
		t.Fatalf("unable to complete bob's state transition: %v", err)
	}

	// At this point, for Alice's commitment chains, the value of the HTLC
	// should have been added to Alice's balance and TotalSatoshisSent.
	commitment := aliceChannel.localCommitChain.tip()
	if len(commitment.txn.TxOut) != 2 {
		t.Fatalf("incorrect # of outputs: expected %v, got %v",
			2, len(commitment.txn.TxOut))
	}
	if aliceChannel.channelState.TotalMSatSent != htlcAmount {
		t.Fatalf("alice satoshis sent incorrect: expected %v, got %v",
			htlcAmount, aliceChannel.channelState.TotalMSatSent)
	}
}

// TestCancelHTLC tests that HTLCs are properly canceled when a fail message
// is exchanged, with balances restored and all HTLC outputs removed from both
// commitment transactions.
func TestCancelHTLC(t *testing.T) {
	t.Parallel()

	// Create a test channel which will be used for the duration of this
	// unittest. The channel will be funded evenly with Alice having 5 BTC,
	// and Bob having 5 BTC.
	aliceChannel, bobChannel, cleanUp, err := CreateTestChannels(true)
	if err != nil {
		t.Fatalf("unable to create test channels: %v", err)
	}
	defer cleanUp()

	// Add a new HTLC from Alice to Bob, then trigger a new state
	// transition in order to include it in the latest state.
	htlcAmt := lnwire.NewMSatFromSatoshis(btcutil.SatoshiPerBitcoin)

	htlc, _ := createHTLC(0, htlcAmt)
	aliceHtlcIndex, err := aliceChannel.AddHTLC(htlc)
	if err != nil {
		t.Fatalf("unable to add alice htlc: %v", err)
	}
	bobHtlcIndex, err := bobChannel.ReceiveHTLC(htlc)
	if err != nil {
		t.Fatalf("unable to add bob htlc: %v", err)
	}
	if err := ForceStateTransition(aliceChannel, bobChannel); err != nil {
		t.Fatalf("unable to create new commitment state: %v", err)
	}

	// With the HTLC committed, Alice's balance should reflect the clearing
	// of the new HTLC.
	aliceExpectedBalance := btcutil.Amount(btcutil.SatoshiPerBitcoin*4) -
		calcStaticFee(1)
	if aliceChannel.channelState.LocalCommitment.LocalBalance.ToSatoshis() !=
		aliceExpectedBalance {

		t.Fatalf("Alice's balance is wrong: expected %v, got %v",
			aliceExpectedBalance,
			aliceChannel.channelState.LocalCommitment.LocalBalance.ToSatoshis())
	}

	// Now, with the HTLC committed on both sides, trigger a cancellation
	// from Bob to Alice, removing the HTLC.
	err = bobChannel.FailHTLC(bobHtlcIndex, []byte("failreason"))
	if err != nil {
		t.Fatalf("unable to cancel HTLC: %v", err)
	}
	err = aliceChannel.ReceiveFailHTLC(aliceHtlcIndex, []byte("failreason"))
	if err != nil {
		t.Fatalf("unable to recv htlc cancel: %v", err)
	}

	// Now trigger another state transition, the HTLC should now be removed
	// from both sides, with balances reflected.
	if err := ForceStateTransition(bobChannel, aliceChannel); err != nil {
		t.Fatalf("unable to create new commitment: %v", err)
	}

	// Now HTLCs should be present on the commitment transaction for
	// either side.
	if len(aliceChannel.localCommitChain.tip().outgoingHTLCs) != 0 ||
		len(aliceChannel.remoteCommitChain.tip().outgoingHTLCs) != 0 {
		t.Fatalf("htlc's still active from alice's POV")
	}
	if len(aliceChannel.localCommitChain.tip().incomingHTLCs) != 0 ||
		len(aliceChannel.remoteCommitChain.tip().incomingHTLCs) != 0 {
		t.Fatalf("htlc's still active from alice's POV")
	}
	if len(bobChannel.localCommitChain.tip().outgoingHTLCs) != 0 ||
		len(bobChannel.remoteCommitChain.tip().outgoingHTLCs) != 0 {
		t.Fatalf("htlc's still active from bob's POV")
	}
	if len(bobChannel.localCommitChain.tip().incomingHTLCs) != 0 ||
		len(bobChannel.remoteCommitChain.tip().incomingHTLCs) != 0 {
		t.Fatalf("htlc's still active from bob's POV")
	}

	expectedBalance := btcutil.Amount(btcutil.SatoshiPerBitcoin * 5)
	if aliceChannel.channelState.LocalCommitment.LocalBalance.ToSatoshis() !=
		expectedBalance-calcStaticFee(0) {

		t.Fatalf("balance is wrong: expected %v, got %v",
			aliceChannel.channelState.LocalCommitment.LocalBalance.ToSatoshis(),
			expectedBalance-calcStaticFee(0))
	}
	if aliceChannel.channelState.LocalCommitment.RemoteBalance.ToSatoshis() !=
		expectedBalance {

		t.Fatalf("balance is wrong: expected %v, got %v",
			aliceChannel.channelState.LocalCommitment.RemoteBalance.ToSatoshis(),
			expectedBalance)
	}
	if bobChannel.channelState.LocalCommitment.LocalBalance.ToSatoshis() !=
		expectedBalance {

		t.Fatalf("balance is wrong: expected %v, got %v",
			bobChannel.channelState.LocalCommitment.LocalBalance.ToSatoshis(),
			expectedBalance)
	}
	if bobChannel.channelState.LocalCommitment.RemoteBalance.ToSatoshis() !=
		expectedBalance-calcStaticFee(0) {

		t.Fatalf("balance is wrong: expected %v, got %v",
			bobChannel.channelState.LocalCommitment.RemoteBalance.ToSatoshis(),
			expectedBalance-calcStaticFee(0))
	}
}

// TestStateUpdatePersistence tests that the state machine is able to be
// properly restored from disk following a restart, with all the update log
// entries and their generated scripts intact.
func TestStateUpdatePersistence(t *testing.T) {
	t.Parallel()

	// Create a test channel which will be used for the duration of this
	// unittest. The channel will be funded evenly with Alice having 5 BTC,
	// and Bob having 5 BTC.
	aliceChannel, bobChannel, cleanUp, err := CreateTestChannels(true)
	if err != nil {
		t.Fatalf("unable to create test channels: %v", err)
	}
	defer cleanUp()

	htlcAmt := lnwire.NewMSatFromSatoshis(20000)

	// Alice adds 3 HTLCs to the update log, while Bob adds a single HTLC.
	var alicePreimage [32]byte
	copy(alicePreimage[:], bytes.Repeat([]byte{0xaa}, 32))
	var bobPreimage [32]byte
	copy(bobPreimage[:], bytes.Repeat([]byte{0xbb}, 32))
	for i := 0; i < 3; i++ {
		rHash := sha256.Sum256(alicePreimage[:])
		h := &lnwire.UpdateAddHTLC{
			ID:          uint64(i),
			PaymentHash: rHash,
			Amount:      htlcAmt,
			Expiry:      uint32(10),
		}

		if _, err := aliceChannel.AddHTLC(h); err != nil {
			t.Fatalf("unable to add alice's htlc: %v", err)
		}
		if _, err := bobChannel.ReceiveHTLC(h); err != nil {
			t.Fatalf("unable to recv alice's htlc: %v", err)
		}
	}
	rHash := sha256.Sum256(bobPreimage[:])
	bobh := &lnwire.UpdateAddHTLC{
		PaymentHash: rHash,
		Amount:      htlcAmt,
		Expiry:      uint32(10),
	}
	if _, err := bobChannel.AddHTLC(bobh); err != nil {
		t.Fatalf("unable to add bob's htlc: %v", err)
	}
	if _, err := aliceChannel.ReceiveHTLC(bobh); err != nil {
		t.Fatalf("unable to recv bob's htlc: %v", err)
	}

	// Next, Alice initiates a state transition to include the HTLC's she
	// added above in a new commitment state.
	if err := ForceStateTransition(aliceChannel, bobChannel); err != nil {
		t.Fatalf("unable to complete alice's state transition: %v", err)
	}

	// Since the HTLC Bob sent wasn't included in Bob's version of the
	// commitment transaction (but it was in Alice's, as he ACK'd her
	// changes before creating a new state), Bob needs to trigger another
	// state update in order to re-sync their states.
	if err := ForceStateTransition(bobChannel, aliceChannel); err != nil {
		t.Fatalf("unable to complete bob's state transition: %v", err)
	}

	// The latest commitment from both sides should have all the HTLCs.
	numAliceOutgoing := aliceChannel.localCommitChain.tail().outgoingHTLCs
	numAliceIncoming := aliceChannel.localCommitChain.tail().incomingHTLCs
	if len(numAliceOutgoing) != 3 {
		t.Fatalf("expected %v htlcs, instead got %v", 3,
			len(numAliceOutgoing))
	}
	if len(numAliceIncoming) != 1 {
		t.Fatalf("expected %v htlcs, instead got %v", 1,
			len(numAliceIncoming))
	}
	numBobOutgoing := bobChannel.localCommitChain.tail().outgoingHTLCs
	numBobIncoming := bobChannel.localCommitChain.tail().incomingHTLCs
	if len(numBobOutgoing) != 1 {
		t.Fatalf("expected %v htlcs, instead got %v", 1,
			len(numBobOutgoing))
	}
	if len(numBobIncoming) != 3 {
		t.Fatalf("expected %v htlcs, instead got %v", 3,
			len(numBobIncoming))
	}

	// Now fetch both of the channels created above from disk to simulate a
	// node restart with persistence.
	aliceChannels, err := aliceChannel.channelState.Db.FetchAllOpenChannels()
	if err != nil {
		t.Fatalf("unable to fetch channel: %v", err)
	}
	bobChannels, err := bobChannel.channelState.Db.FetchAllOpenChannels()
	if err != nil {
		t.Fatalf("unable to fetch channel: %v", err)
	}
	aliceChannelNew, err := NewLightningChannel(
		aliceChannel.Signer, aliceChannels[0], aliceChannel.sigPool,
	)
	if err != nil {
		t.Fatalf("unable to create new channel: %v", err)
	}
	bobChannelNew, err := NewLightningChannel(
		bobChannel.Signer, bobChannels[0], bobChannel.sigPool,
	)
	if err != nil {
		t.Fatalf("unable to create new channel: %v", err)
	}

	// The state update logs of the new channels and the old channels
	// should now be identical other than the height the HTLCs were added.
	if aliceChannel.localUpdateLog.logIndex !=
		aliceChannelNew.localUpdateLog.logIndex {
		t.Fatalf("alice log counter: expected %v, got %v",
			aliceChannel.localUpdateLog.logIndex,
			aliceChannelNew.localUpdateLog.logIndex)
	}
	if aliceChannel.remoteUpdateLog.logIndex !=
		aliceChannelNew.remoteUpdateLog.logIndex {
		t.Fatalf("alice log counter: expected %v, got %v",
			aliceChannel.remoteUpdateLog.logIndex,
			aliceChannelNew.remoteUpdateLog.logIndex)
	}
	if aliceChannel.localUpdateLog.Len() !=
		aliceChannelNew.localUpdateLog.Len() {
		t.Fatalf("alice log len: expected %v, got %v",
			aliceChannel.localUpdateLog.Len(),
			aliceChannelNew.localUpdateLog.Len())
	}
	if aliceChannel.remoteUpdateLog.Len() !=
		aliceChannelNew.remoteUpdateLog.Len() {
		t.Fatalf("alice log len: expected %v, got %v",
			aliceChannel.remoteUpdateLog.Len(),
			aliceChannelNew.remoteUpdateLog.Len())
	}
	if bobChannel.localUpdateLog.logIndex !=
		bobChannelNew.localUpdateLog.logIndex {
		t.Fatalf("bob log counter: expected %v, got %v",
			bobChannel.localUpdateLog.logIndex,
			bobChannelNew.localUpdateLog.logIndex)
	}
	if bobChannel.remoteUpdateLog.logIndex !=
		bobChannelNew.remoteUpdateLog.logIndex {
		t.Fatalf("bob log counter: expected %v, got %v",
			bobChannel.remoteUpdateLog.logIndex,
			bobChannelNew.remoteUpdateLog.logIndex)
	}
	if bobChannel.localUpdateLog.Len() !=
		bobChannelNew.localUpdateLog.Len() {
		t.Fatalf("bob log len: expected %v, got %v",
			bobChannel.localUpdateLog.Len(),
			bobChannelNew.localUpdateLog.Len())
	}
	if bobChannel.remoteUpdateLog.Len() !=
		bobChannelNew.remoteUpdateLog.Len() {
		t.Fatalf("bob log len: expected %v, got %v",
			bobChannel.remoteUpdateLog.Len(),
			bobChannelNew.remoteUpdateLog.Len())
	}

	// Newly generated pkScripts for HTLCs should be the same as in the old
	// channel.
	for _, entry := range aliceChannel.localUpdateLog.htlcIndex {
		htlc := entry.Value
		restoredHtlc := aliceChannelNew.localUpdateLog.lookupHtlc(htlc.HtlcIndex)
		if !bytes.Equal(htlc.ourPkScript, restoredHtlc.ourPkScript) {
			t.Fatalf("alice ourPkScript in ourLog: expected %X, got %X",
				htlc.ourPkScript[:5], restoredHtlc.ourPkScript[:5])
		}
		if !bytes.Equal(htlc.theirPkScript, restoredHtlc.theirPkScript) {
			t.Fatalf("alice theirPkScript in ourLog: expected %X, got %X",
				htlc.theirPkScript[:5], restoredHtlc.theirPkScript[:5])
		}
	}
	for _, entry := range aliceChannel.remoteUpdateLog.htlcIndex {
		htlc := entry.Value
		restoredHtlc := aliceChannelNew.remoteUpdateLog.lookupHtlc(htlc.HtlcIndex)
		if !bytes.Equal(htlc.ourPkScript, restoredHtlc.ourPkScript) {
			t.Fatalf("alice ourPkScript in theirLog: expected %X, got %X",
				htlc.ourPkScript[:5], restoredHtlc.ourPkScript[:5])
		}
		if !bytes.Equal(htlc.theirPkScript, restoredHtlc.theirPkScript) {
			t.Fatalf("alice theirPkScript in theirLog: expected %X, got %X",
				htlc.theirPkScript[:5], restoredHtlc.theirPkScript[:5])
		}
	}
	for _, entry := range bobChannel.localUpdateLog.htlcIndex {
		htlc := entry.Value
		restoredHtlc := bobChannelNew.localUpdateLog.lookupHtlc(htlc.HtlcIndex)
		if !bytes.Equal(htlc.ourPkScript, restoredHtlc.ourPkScript) {
			t.Fatalf("bob ourPkScript in ourLog: expected %X, got %X",
				htlc.ourPkScript[:5], restoredHtlc.ourPkScript[:5])
		}
		if !bytes.Equal(htlc.theirPkScript, restoredHtlc.theirPkScript) {
			t.Fatalf("bob theirPkScript in ourLog: expected %X, got %X",
				htlc.theirPkScript[:5], restoredHtlc.theirPkScript[:5])
		}
	}
	for _, entry := range bobChannel.remoteUpdateLog.htlcIndex {
		htlc := entry.Value
		restoredHtlc := bobChannelNew.remoteUpdateLog.lookupHtlc(htlc.HtlcIndex)
		if !bytes.Equal(htlc.ourPkScript, restoredHtlc.ourPkScript) {
			t.Fatalf("bob ourPkScript in theirLog: expected %X, got %X",
				htlc.ourPkScript[:5], restoredHtlc.ourPkScript[:5])
		}
		if !bytes.Equal(htlc.theirPkScript, restoredHtlc.theirPkScript) {
			t.Fatalf("bob theirPkScript in theirLog: expected %X, got %X",
				htlc.theirPkScript[:5], restoredHtlc.theirPkScript[:5])
		}
	}

	// Now settle all the HTLCs, then force a state update. The state
	// update should succeed as both sides have identical.
	for i := 0; i < 3; i++ {
		err := bobChannelNew.SettleHTLC(alicePreimage, uint64(i))
		if err != nil {
			t.Fatalf("unable to settle htlc: %v", err)
		}
		err = aliceChannelNew.ReceiveHTLCSettle(alicePreimage, uint64(i))
		if err != nil {
			t.Fatalf("unable to settle htlc: %v", err)
		}
	}
	err = aliceChannelNew.SettleHTLC(bobPreimage, 0)
	if err != nil {
		t.Fatalf("unable to settle htlc: %v", err)
	}
	err = bobChannelNew.ReceiveHTLCSettle(bobPreimage, 0)
	if err != nil {
		t.Fatalf("unable to settle htlc: %v", err)
	}

	// Similar to the two transitions above, as both Bob and Alice added
	// entries to the update log before a state transition was initiated by
	// either side, both sides are required to trigger an update in order
	// to lock in their changes.
	if err := ForceStateTransition(aliceChannelNew, bobChannelNew); err != nil {
		t.Fatalf("unable to update commitments: %v", err)
	}
	if err := ForceStateTransition(bobChannelNew, aliceChannelNew); err != nil {
		t.Fatalf("unable to update commitments: %v", err)
	}

	// The amounts transferred should been updated as per the amounts in
	// the HTLCs.
	if aliceChannelNew.channelState.TotalMSatSent != htlcAmt*3 {
		t.Fatalf("expected %v alice satoshis sent, got %v",
			htlcAmt*3, aliceChannelNew.channelState.TotalMSatSent)
	}
	if aliceChannelNew.channelState.TotalMSatReceived != htlcAmt {
		t.Fatalf("expected %v alice satoshis received, got %v",
			htlcAmt, aliceChannelNew.channelState.TotalMSatReceived)
	}
	if bobChannelNew.channelState.TotalMSatSent != htlcAmt {
		t.Fatalf("expected %v bob satoshis sent, got %v",
			htlcAmt, bobChannelNew.channelState.TotalMSatSent)
	}
	if bobChannelNew.channelState.TotalMSatReceived != htlcAmt*3 {
		t.Fatalf("expected %v bob satoshis received, got %v",
			htlcAmt*3, bobChannelNew.channelState.TotalMSatReceived)
	}
}

// TestChanSyncFullySynced tests that after a successful channel reestablish
// dance, neither side sends any retransmissions, and the channel is seen as
// fully synchronized.
func TestChanSyncFullySynced(t *testing.T) {
	t.Parallel()

	// Create a test channel which will be used for the duration of this
	// unittest. The channel will be funded evenly with Alice having 5 BTC,
	// and Bob having 5 BTC.
	aliceChannel, bobChannel, cleanUp, err := CreateTestChannels(true)
	if err != nil {
		t.Fatalf("unable to create test channels: %v", err)
	}
	defer cleanUp()

	// If we exchange channel sync messages from the get-go, then both
	// sides should conclude that no further synchronization is needed.
	assertNoChanSyncNeeded(t, aliceChannel, bobChannel)

	// Next, we'll create an HTLC for Alice to extend to Bob.
	var paymentPreimage [32]byte
	copy(paymentPreimage[:], bytes.Repeat([]byte{1}, 32))
	paymentHash := sha256.Sum256(paymentPreimage[:])
	htlcAmt := lnwire.NewMSatFromSatoshis(btcutil.SatoshiPerBitcoin)
	htlc := &lnwire.UpdateAddHTLC{
		PaymentHash: paymentHash,
		Amount:      htlcAmt,
		Expiry:      uint32(5),
	}
	aliceHtlcIndex, err := aliceChannel.AddHTLC(htlc)
	if err != nil {
		t.Fatalf("unable to add htlc: %v", err)
	}
	bobHtlcIndex, err := bobChannel.ReceiveHTLC(htlc)
	if err != nil {
		t.Fatalf("unable to recv htlc: %v", err)
	}

	// Then we'll initiate a state transition to lock in this new HTLC.
	if err := ForceStateTransition(aliceChannel, bobChannel); err != nil {
		t.Fatalf("unable to complete alice's state transition: %v", err)
	}

	// At this point, if both sides generate a ChannelReestablish message,
	// they should both conclude that they're fully in sync.
	assertNoChanSyncNeeded(t, aliceChannel, bobChannel)

	// If bob settles the HTLC, and then initiates a state transition, they
	// should both still think that they're in sync.
	err = bobChannel.SettleHTLC(paymentPreimage, bobHtlcIndex)
	if err != nil {
		t.Fatalf("unable to settle htlc: %v", err)
	}
	err = aliceChannel.ReceiveHTLCSettle(paymentPreimage, aliceHtlcIndex)
	if err != nil {
		t.Fatalf("unable to settle htlc: %v", err)
	}

	// Next, we'll complete Bob's state transition, and assert again that
	// they think they're fully synced.
	if err := ForceStateTransition(bobChannel, aliceChannel); err != nil {
		t.Fatalf("unable to complete bob's state transition: %v", err)
	}
	assertNoChanSyncNeeded(t, aliceChannel, bobChannel)

	// Finally, if we simulate a restart on both sides, then both should
	// still conclude that they don't need to synchronize their state.
	alicePool := NewSigPool(1, aliceChannel.Signer)
	aliceChannelNew, err := NewLightningChannel(
		aliceChannel.Signer, aliceChannel.channelState, alicePool,
	)
	if err != nil {
		t.Fatalf("unable to restart alice: %v", err)
	}
	if err := alicePool.Start(); err != nil {
		t.Fatalf("unable to start alice pool: %v", err)
	}
	defer alicePool.Stop()

	bobPool := NewSigPool(1, bobChannel.Signer)
	bobChannelNew, err := NewLightningChannel(
		bobChannel.Signer, bobChannel.channelState, bobPool,
	)
	if err != nil {
		t.Fatalf("unable to restart bob: %v", err)
	}
	if err := bobPool.Start(); err != nil {
		t.Fatalf("unable to start bob pool: %v", err)
	}
	defer bobPool.Stop()

	assertNoChanSyncNeeded(t, aliceChannelNew, bobChannelNew)
}

// assertNoChanSyncNeeded is a helper function that asserts that upon restart,
// two channels conclude that they're fully synced and don't need to retransmit
// any new messages.
func assertNoChanSyncNeeded(t *testing.T, aliceChannel *LightningChannel,
	bobChannel *LightningChannel) {

	t.Helper()

	aliceChanSyncMsg, err := aliceChannel.ChanSyncMsg()
	if err != nil {
		t.Fatalf("unable to produce chan sync msg: %v", err)
	}
	bobMsgsToSend, err := bobChannel.ProcessChanSyncMsg(aliceChanSyncMsg)
	if err != nil {
		t.Fatalf("unable to process ChannelReestablish msg: %v", err)
	}
	if len(bobMsgsToSend) != 0 {
		t.Fatalf("bob shouldn't have to send any messages, instead "+
			"wants to send: %v", spew.Sdump(bobMsgsToSend))
	}

	bobChanSyncMsg, err := bobChannel.ChanSyncMsg()
	if err != nil {
		t.Fatalf("unable to produce chan sync msg: %v", err)
	}
	aliceMsgsToSend, err := aliceChannel.ProcessChanSyncMsg(bobChanSyncMsg)
	if err != nil {
		t.Fatalf("unable to process ChannelReestablish msg: %v", err)
	}
	if len(aliceMsgsToSend) != 0 {
		t.Fatalf("alice shouldn't have to send any messages, instead "+
			"wants to send: %v", spew.Sdump(aliceMsgsToSend))
	}
}

// TestBreachRetribution tests that given a channel that has advanced beyond
// its initial state, a breach retribution can be constructed for a prior
// revoked state, with sign descriptors capable of sweeping both commitment
// outputs.
func TestBreachRetribution(t *testing.T) {
	t.Parallel()

	aliceChannel, bobChannel, cleanUp, err := CreateTestChannels(true)
	if err != nil {
		t.Fatalf("unable to create test channels: %v", err)
	}
	defer cleanUp()

	// First, we'll advance the channel's state by a single commitment so
	// state zero becomes a revoked state.
	htlcAmount := lnwire.NewMSatFromSatoshis(20000)
	htlc, _ := createHTLC(0, htlcAmount)
	if _, err := aliceChannel.AddHTLC(htlc); err != nil {
		t.Fatalf("alice unable to add htlc: %v", err)
	}
	if _, err := bobChannel.ReceiveHTLC(htlc); err != nil {
		t.Fatalf("bob unable to recv add htlc: %v", err)
	}
	if err := ForceStateTransition(aliceChannel, bobChannel); err != nil {
		t.Fatalf("unable to complete alice's state transition: %v", err)
	}

	// With the state advanced, we should be able to generate a breach
	// retribution for the (now revoked) initial state.
	breachHeight := uint32(101)
	breachRet, err := NewBreachRetribution(
		aliceChannel.channelState, 0, breachHeight,
	)
	if err != nil {
		t.Fatalf("unable to create breach retribution: %v", err)
	}

	if breachRet.RevokedStateNum != 0 {
		t.Fatalf("wrong revoked state number: expected %v, got %v",
			0, breachRet.RevokedStateNum)
	}
	if breachRet.BreachHeight != breachHeight {
		t.Fatalf("wrong breach height: expected %v, got %v",
			breachHeight, breachRet.BreachHeight)
	}

	// Both sides had a non-dust balance at state zero, so both sign
	// descriptors should be populated.
	if breachRet.LocalOutputSignDesc == nil {
		t.Fatalf("breach retribution local sign desc not populated")
	}
	if breachRet.RemoteOutputSignDesc == nil {
		t.Fatalf("breach retribution remote sign desc not populated")
	}

	// The initial state contained no HTLC outputs.
	if len(breachRet.HtlcRetributions) != 0 {
		t.Fatalf("expected zero htlc retributions, got %v",
			len(breachRet.HtlcRetributions))
	}

	// The outpoints referenced in the retribution should land on outputs
	// within the breaching transaction whose scripts match those within
	// the sign descriptors.
	breachTx := breachRet.BreachTransaction
	localOut := breachTx.TxOut[breachRet.LocalOutpoint.Index]
	if !bytes.Equal(localOut.PkScript,
		breachRet.LocalOutputSignDesc.Output.PkScript) {

		t.Fatalf("local outpoint doesn't match the sign descriptor")
	}
	remoteOut := breachTx.TxOut[breachRet.RemoteOutpoint.Index]
	if !bytes.Equal(remoteOut.PkScript,
		breachRet.RemoteOutputSignDesc.Output.PkScript) {

		t.Fatalf("remote outpoint doesn't match the sign descriptor")
	}

	// The delay committed to the remote party's to-self output should
	// match the CSV delay negotiated at channel opening.
	if breachRet.RemoteDelay !=
		uint32(aliceChannel.channelState.RemoteChanCfg.CsvDelay) {

		t.Fatalf("wrong remote delay: expected %v, got %v",
			aliceChannel.channelState.RemoteChanCfg.CsvDelay,
			breachRet.RemoteDelay)
	}

	// The remote sign descriptor should be using the double tweak needed
	// to claim the revoked output.
	if breachRet.RemoteOutputSignDesc.DoubleTweak == nil {
		t.Fatalf("breach retribution missing revocation double tweak")
	}
}

// TestAddHTLCNegativeBalance tests that we properly fail adding an HTLC if
// this causes the balance to go into the negative.
func TestAddHTLCNegativeBalance(t *testing.T) {
	t.Parallel()

	// We'll kick off the test by creating our channels which both are
	// loaded with 5 BTC each.
	aliceChannel, _, cleanUp, err := CreateTestChannels(true)
	if err != nil {
		t.Fatalf("unable to create test channels: %v", err)
	}
	defer cleanUp()

	// We set the channel reserve to zero, such that we can add HTLCs all
	// the way to a negative balance.
	aliceChannel.localChanCfg.ChanReserve = 0

	// First, we'll add 3 HTLCs of 1 BTC each to Alice's commitment.
	const numHTLCs = 3
	htlcAmt := lnwire.NewMSatFromSatoshis(btcutil.SatoshiPerBitcoin)
	for i := 0; i < numHTLCs; i++ {
		htlc, _ := createHTLC(i, htlcAmt)
		if _, err := aliceChannel.AddHTLC(htlc); err != nil {
			t.Fatalf("unable to add htlc: %v", err)
		}
	}

	// Alice now has an available balance of 2 BTC. We'll add a new HTLC of
	// value 2 BTC, which should make Alice's balance negative (since she
	// has to pay a commitment fee).
	htlcAmt = lnwire.NewMSatFromSatoshis(2 * btcutil.SatoshiPerBitcoin)
	htlc, _ := createHTLC(numHTLCs+1, htlcAmt)
	_, err = aliceChannel.AddHTLC(htlc)
	if err != ErrBelowChanReserve {
		t.Fatalf("expected balance below channel reserve, instead "+
			"got: %v", err)
	}
}

// TestHtlcSettleIdempotence asserts that redundant settles and fails of the
// same HTLC are absorbed as no-ops, while conflicting modifications are
// still rejected.
func TestHtlcSettleIdempotence(t *testing.T) {
	t.Parallel()

	aliceChannel, bobChannel, cleanUp, err := CreateTestChannels(true)
	if err != nil {
		t.Fatalf("unable to create test channels: %v", err)
	}
	defer cleanUp()

	// Lock in an HTLC from Alice to Bob.
	htlcAmount := lnwire.NewMSatFromSatoshis(20000)
	htlc, preimage := createHTLC(0, htlcAmount)
	aliceIndex, err := aliceChannel.AddHTLC(htlc)
	if err != nil {
		t.Fatalf("alice unable to add htlc: %v", err)
	}
	bobIndex, err := bobChannel.ReceiveHTLC(htlc)
	if err != nil {
		t.Fatalf("bob unable to receive htlc: %v", err)
	}
	if err := ForceStateTransition(aliceChannel, bobChannel); err != nil {
		t.Fatalf("unable to complete state transition: %v", err)
	}

	// Settle the HTLC on both ends.
	if err := bobChannel.SettleHTLC(preimage, bobIndex); err != nil {
		t.Fatalf("bob unable to settle htlc: %v", err)
	}
	err = aliceChannel.ReceiveHTLCSettle(preimage, aliceIndex)
	if err != nil {
		t.Fatalf("alice unable to receive settle: %v", err)
	}

	// A redundant settle with the same preimage must be a no-op on both
	// ends, as redundant delivery across restarts must never corrupt
	// state or surface as an error.
	if err := bobChannel.SettleHTLC(preimage, bobIndex); err != nil {
		t.Fatalf("redundant settle was not absorbed: %v", err)
	}
	err = aliceChannel.ReceiveHTLCSettle(preimage, aliceIndex)
	if err != nil {
		t.Fatalf("redundant receive settle was not absorbed: %v", err)
	}

	// The redundant settles must not have added new log entries.
	if bobChannel.PendingLocalUpdateCount() != 1 {
		t.Fatalf("expected 1 pending update, got %v",
			bobChannel.PendingLocalUpdateCount())
	}

	// A settle with the wrong preimage is still rejected.
	var badPreimage [32]byte
	if err := bobChannel.SettleHTLC(badPreimage, bobIndex); err == nil {
		t.Fatalf("settle with invalid preimage was accepted")
	}

	// Failing the already settled HTLC is a conflicting outcome, and must
	// be rejected rather than absorbed.
	if err := bobChannel.FailHTLC(bobIndex, []byte("nope")); err == nil {
		t.Fatalf("fail after settle was accepted")
	}

	// Lock in a second HTLC to exercise the fail path.
	htlc2, preimage2 := createHTLC(1, htlcAmount)
	aliceIndex2, err := aliceChannel.AddHTLC(htlc2)
	if err != nil {
		t.Fatalf("alice unable to add htlc: %v", err)
	}
	bobIndex2, err := bobChannel.ReceiveHTLC(htlc2)
	if err != nil {
		t.Fatalf("bob unable to receive htlc: %v", err)
	}
	if err := ForceStateTransition(aliceChannel, bobChannel); err != nil {
		t.Fatalf("unable to complete state transition: %v", err)
	}

	// Fails are idempotent in the same way.
	if err := bobChannel.FailHTLC(bobIndex2, []byte("failed")); err != nil {
		t.Fatalf("bob unable to fail htlc: %v", err)
	}
	if err := bobChannel.FailHTLC(bobIndex2, []byte("failed")); err != nil {
		t.Fatalf("redundant fail was not absorbed: %v", err)
	}
	err = aliceChannel.ReceiveFailHTLC(aliceIndex2, []byte("failed"))
	if err != nil {
		t.Fatalf("alice unable to receive fail: %v", err)
	}
	err = aliceChannel.ReceiveFailHTLC(aliceIndex2, []byte("failed"))
	if err != nil {
		t.Fatalf("redundant receive fail was not absorbed: %v", err)
	}

	// Settling the already failed HTLC is likewise conflicting.
	if err := bobChannel.SettleHTLC(preimage2, bobIndex2); err == nil {
		t.Fatalf("settle after fail was accepted")
	}
}

// TestMonitorLogRecordsStateTransitions checks that a channel with an
// attached monitor log durably records each of its state transitions: the
// commitments extended to the remote chain, the revocation secrets received,
// the preimage learned from a remote settle, and the final HTLC resolution.
func TestMonitorLogRecordsStateTransitions(t *testing.T) {
	t.Parallel()

	aliceChannel, bobChannel, cleanUp, err := CreateTestChannels(true)
	if err != nil {
		t.Fatalf("unable to create test channels: %v", err)
	}
	defer cleanUp()

	monitorLog, err := channeldb.NewMonitorLog(
		aliceChannel.channelState.Db, *aliceChannel.ChannelPoint(),
	)
	if err != nil {
		t.Fatalf("unable to open monitor log: %v", err)
	}
	aliceChannel.AttachMonitorLog(monitorLog)

	// Lock in a single HTLC from Alice to Bob. Alice records the new
	// remote commitment when signing, and the revocation secret upon
	// receiving Bob's revocation.
	htlcAmount := lnwire.NewMSatFromSatoshis(20000)
	htlc, preimage := createHTLC(0, htlcAmount)
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

	if monitorLog.LastAppliedID() != 2 {
		t.Fatalf("expected 2 monitor records, got %v",
			monitorLog.LastAppliedID())
	}

	// Bob settles the HTLC, handing Alice the preimage, and a second
	// transition locks the removal into both chains.
	if err := bobChannel.SettleHTLC(preimage, bobHtlcIndex); err != nil {
		t.Fatalf("bob unable to settle htlc: %v", err)
	}
	err = aliceChannel.ReceiveHTLCSettle(preimage, aliceHtlcIndex)
	if err != nil {
		t.Fatalf("alice unable to receive settle: %v", err)
	}
	if err := ForceStateTransition(aliceChannel, bobChannel); err != nil {
		t.Fatalf("unable to complete state transition: %v", err)
	}

	// Replay the full record stream and check each transition landed in
	// order: commitment, secret, preimage, commitment, secret, resolution.
	var records []*channeldb.MonitorUpdateRecord
	err = monitorLog.ForEachRecord(
		func(r *channeldb.MonitorUpdateRecord) error {
			records = append(records, r)
			return nil
		},
	)
	if err != nil {
		t.Fatalf("unable to replay monitor log: %v", err)
	}
	if len(records) != 6 {
		t.Fatalf("expected 6 monitor records, got %v", len(records))
	}

	if records[0].Commitment == nil ||
		len(records[0].Commitment.Htlcs) != 1 {

		t.Fatalf("first record should carry the htlc bearing " +
			"commitment")
	}
	if records[1].RevocationSecret == nil {
		t.Fatalf("second record should carry bob's revocation secret")
	}
	if len(records[2].Preimages) != 1 ||
		records[2].Preimages[0] != preimage {

		t.Fatalf("third record should carry the learned preimage")
	}
	if records[3].Commitment == nil ||
		len(records[3].Commitment.Htlcs) != 0 {

		t.Fatalf("fourth record should carry the settled commitment")
	}
	if records[4].RevocationSecret == nil {
		t.Fatalf("fifth record should carry bob's revocation secret")
	}
	if len(records[5].ResolvedHtlcs) != 1 ||
		records[5].ResolvedHtlcs[0] != aliceHtlcIndex {

		t.Fatalf("sixth record should resolve htlc %v, got %v",
			aliceHtlcIndex, records[5].ResolvedHtlcs)
	}

	// The records must survive a restart of the log.
	restoredLog, err := channeldb.NewMonitorLog(
		aliceChannel.channelState.Db, *aliceChannel.ChannelPoint(),
	)
	if err != nil {
		t.Fatalf("unable to reopen monitor log: %v", err)
	}
	if restoredLog.LastAppliedID() != 6 {
		t.Fatalf("expected restored log at update 6, got %v",
			restoredLog.LastAppliedID())
	}
}

// TestNewAnchorResolution checks that our anchor output on a broadcast
// commitment is located and paired with a sign descriptor capable of spending
// it, and that channels without anchors yield no resolution.
func TestNewAnchorResolution(t *testing.T) {
	t.Parallel()

	_, alicePub := btcec.PrivKeyFromBytes(testWalletPrivKey)
	_, bobPub := btcec.PrivKeyFromBytes(bobsPrivKey)

	chanState := &channeldb.OpenChannel{
		ChanType: channeldb.SingleFunderTweaklessBit |
			channeldb.AnchorOutputsBit,
		LocalChanCfg: channeldb.ChannelConfig{
			MultiSigKey: keychain.KeyDescriptor{
				PubKey: alicePub,
			},
		},
		RemoteChanCfg: channeldb.ChannelConfig{
			MultiSigKey: keychain.KeyDescriptor{
				PubKey: bobPub,
			},
		},
	}

	localAnchor, _, err := CommitScriptAnchors(
		&chanState.LocalChanCfg, &chanState.RemoteChanCfg,
	)
	if err != nil {
		t.Fatalf("unable to derive anchor scripts: %v", err)
	}

	commitTx := wire.NewMsgTx(2)
	commitTx.AddTxOut(&wire.TxOut{
		PkScript: []byte{0x01, 0x02},
		Value:    10000,
	})
	commitTx.AddTxOut(&wire.TxOut{
		PkScript: localAnchor.PkScript,
		Value:    330,
	})

	anchorRes, err := NewAnchorResolution(chanState, commitTx)
	if err != nil {
		t.Fatalf("unable to create anchor resolution: %v", err)
	}
	if anchorRes == nil {
		t.Fatalf("expected anchor resolution")
	}
	if anchorRes.CommitAnchor.Hash != commitTx.TxHash() ||
		anchorRes.CommitAnchor.Index != 1 {

		t.Fatalf("anchor resolution references wrong outpoint: %v",
			anchorRes.CommitAnchor)
	}
	if anchorRes.AnchorSignDescriptor.Output.Value != 330 {
		t.Fatalf("unexpected anchor value: %v",
			anchorRes.AnchorSignDescriptor.Output.Value)
	}
	if !bytes.Equal(
		anchorRes.AnchorSignDescriptor.WitnessScript,
		localAnchor.WitnessScript,
	) {
		t.Fatalf("anchor witness script mismatch")
	}

	// A commitment without our anchor present yields no resolution.
	bareTx := wire.NewMsgTx(2)
	bareTx.AddTxOut(&wire.TxOut{PkScript: []byte{0x01}, Value: 10000})
	anchorRes, err = NewAnchorResolution(chanState, bareTx)
	if err != nil {
		t.Fatalf("unable to create anchor resolution: %v", err)
	}
	if anchorRes != nil {
		t.Fatalf("expected no resolution without an anchor output")
	}

	// Channels without the anchor bit never produce a resolution.
	chanState.ChanType = channeldb.SingleFunderTweaklessBit
	anchorRes, err = NewAnchorResolution(chanState, commitTx)
	if err != nil {
		t.Fatalf("unable to create anchor resolution: %v", err)
	}
	if anchorRes != nil {
		t.Fatalf("expected no resolution for non anchor channel")
	}
}
