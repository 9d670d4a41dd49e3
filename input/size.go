package input

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"
)

const (
	// witnessScaleFactor determines the level of "discount" witness data
	// receives compared to "base" data. A scale factor of 4, denotes that
	// witness data is 1/4 as cheap as regular non-witness data.
	witnessScaleFactor = blockchain.WitnessScaleFactor

	// BaseTxSize is the size of a transaction absent its inputs, outputs
	// and their respective count varints.
	//
	// Value: 4 bytes
	// LockTime: 4 bytes
	BaseTxSize = 4 + 4

	// WitnessHeaderSize is the overhead of segregated witness data within
	// a transaction: a marker byte and a flag byte.
	WitnessHeaderSize = 1 + 1

	// InputSize is the size of a transaction input assuming an empty
	// scriptSig.
	//
	// PreviousOutPoint:
	//	- Hash: 32 bytes
	//	- Index: 4 bytes
	// OP_DATA: 1 byte (ScriptSigLength)
	// Sequence: 4 bytes
	InputSize = 32 + 4 + 1 + 4

	// P2WKHOutputSize is the size of a transaction output paying to a
	// p2wkh address.
	//
	// Value: 8 bytes
	// OP_DATA: 1 byte (PkScript length)
	// PkScript (p2wkh): 22 bytes
	P2WKHOutputSize = 8 + 1 + P2WKHSize

	// P2WSHOutputSize is the size of a transaction output paying to a
	// p2wsh script.
	//
	// Value: 8 bytes
	// OP_DATA: 1 byte (PkScript length)
	// PkScript (p2wsh): 34 bytes
	P2WSHOutputSize = 8 + 1 + P2WSHSize

	// P2WKHSize is the size of a p2wkh public key script.
	//
	// OP_0: 1 byte
	// OP_DATA: 1 byte (PublicKeyHASH160 length)
	// PublicKeyHASH160: 20 bytes
	P2WKHSize = 1 + 1 + 20

	// P2WSHSize is the size of a p2wsh public key script.
	//
	// OP_0: 1 byte
	// OP_DATA: 1 byte (WitnessScriptSHA256 length)
	// WitnessScriptSHA256: 32 bytes
	P2WSHSize = 1 + 1 + 32

	// P2WKHWitnessSize is the size of a witness spending a p2wkh output.
	//
	// number_of_witness_elements: 1 byte
	// sig_length: 1 byte
	// sig: 73 bytes
	// pub_key_length: 1 byte
	// pub_key: 33 bytes
	P2WKHWitnessSize = 1 + 1 + 73 + 1 + 33

	// MultiSigSize is the size of the 2-of-2 funding witness script.
	//
	// OP_2: 1 byte
	// OP_DATA: 1 byte (pubKeyAlice length)
	// pubKeyAlice: 33 bytes
	// OP_DATA: 1 byte (pubKeyBob length)
	// pubKeyBob: 33 bytes
	// OP_2: 1 byte
	// OP_CHECKMULTISIG: 1 byte
	MultiSigSize = 1 + 1 + 33 + 1 + 33 + 1 + 1

	// MultiSigWitnessSize is the size of a witness spending the funding
	// output.
	//
	// number_of_witness_elements: 1 byte
	// nil_length: 1 byte
	// sig_alice_length: 1 byte
	// sig_alice: 73 bytes
	// sig_bob_length: 1 byte
	// sig_bob: 73 bytes
	// witness_script_length: 1 byte
	// witness_script: 71 bytes
	MultiSigWitnessSize = 1 + 1 + 1 + 73 + 1 + 73 + 1 + MultiSigSize

	// ToLocalScriptSize is the size of the to_local commitment output
	// script.
	//
	// OP_IF: 1 byte
	//	OP_DATA: 1 byte (revocationkey length)
	//	revocationkey: 33 bytes
	// OP_ELSE: 1 byte
	//	to_self_delay: 3 bytes
	//	OP_CHECKSEQUENCEVERIFY: 1 byte
	//	OP_DROP: 1 byte
	//	OP_DATA: 1 byte (localkey length)
	//	localkey: 33 bytes
	// OP_ENDIF: 1 byte
	// OP_CHECKSIG: 1 byte
	ToLocalScriptSize = 1 + 1 + 33 + 1 + 3 + 1 + 1 + 1 + 33 + 1 + 1

	// ToLocalTimeoutWitnessSize is the size of a witness spending the
	// to_local output via the CSV delayed path.
	//
	// number_of_witness_elements: 1 byte
	// local_delay_sig_length: 1 byte
	// local_delay_sig: 73 bytes
	// nil_length: 1 byte
	// witness_script_length: 1 byte
	// witness_script: (to_local_script)
	ToLocalTimeoutWitnessSize = 1 + 1 + 73 + 1 + 1 + ToLocalScriptSize

	// ToLocalPenaltyWitnessSize is the size of a witness sweeping the
	// to_local output via the revocation path.
	//
	// number_of_witness_elements: 1 byte
	// revocation_sig_length: 1 byte
	// revocation_sig: 73 bytes
	// one_length: 1 byte
	// one: 1 byte
	// witness_script_length: 1 byte
	// witness_script: (to_local_script)
	ToLocalPenaltyWitnessSize = 1 + 1 + 73 + 1 + 1 + 1 + ToLocalScriptSize

	// AcceptedHtlcScriptSize is the size of the complex script used for
	// incoming (accepted) HTLC outputs on a commitment transaction. It
	// contains the 3 public keys along with the hash checks and timeout
	// clauses.
	AcceptedHtlcScriptSize = 3*33 + 139

	// AcceptedHtlcTimeoutWitnessSize is the size of a witness sweeping an
	// accepted HTLC via the remote timeout path.
	//
	// number_of_witness_elements: 1 byte
	// sender_sig_length: 1 byte
	// sender_sig: 73 bytes
	// nil_length: 1 byte
	// witness_script_length: 1 byte
	// witness_script: (accepted_htlc_script)
	AcceptedHtlcTimeoutWitnessSize = 1 + 1 + 73 + 1 + 1 +
		AcceptedHtlcScriptSize

	// AcceptedHtlcSuccessWitnessSize is the size of a witness transitioning
	// an accepted HTLC to the second level via the success path.
	//
	// number_of_witness_elements: 1 byte
	// nil_length: 1 byte
	// sig_alice_length: 1 byte
	// sig_alice: 73 bytes
	// sig_bob_length: 1 byte
	// sig_bob: 73 bytes
	// preimage_length: 1 byte
	// preimage: 32 bytes
	// witness_script_length: 1 byte
	// witness_script: (accepted_htlc_script)
	AcceptedHtlcSuccessWitnessSize = 1 + 1 + 1 + 73 + 1 + 73 + 1 + 32 +
		1 + AcceptedHtlcScriptSize

	// AcceptedHtlcPenaltyWitnessSize is the size of a witness sweeping an
	// accepted HTLC via the revocation path.
	//
	// number_of_witness_elements: 1 byte
	// revocation_sig_length: 1 byte
	// revocation_sig: 73 bytes
	// revocation_key_length: 1 byte
	// revocation_key: 33 bytes
	// witness_script_length: 1 byte
	// witness_script: (accepted_htlc_script)
	AcceptedHtlcPenaltyWitnessSize = 1 + 1 + 73 + 1 + 33 + 1 +
		AcceptedHtlcScriptSize

	// OfferedHtlcScriptSize is the size of the complex script used for
	// outgoing (offered) HTLC outputs on a commitment transaction.
	OfferedHtlcScriptSize = 3*33 + 133

	// OfferedHtlcSuccessWitnessSize is the size of a witness sweeping an
	// offered HTLC with the payment preimage.
	//
	// number_of_witness_elements: 1 byte
	// receiver_sig_length: 1 byte
	// receiver_sig: 73 bytes
	// preimage_length: 1 byte
	// preimage: 32 bytes
	// witness_script_length: 1 byte
	// witness_script: (offered_htlc_script)
	OfferedHtlcSuccessWitnessSize = 1 + 1 + 73 + 1 + 32 + 1 +
		OfferedHtlcScriptSize

	// OfferedHtlcTimeoutWitnessSize is the size of a witness transitioning
	// an offered HTLC to the second level via the timeout path.
	//
	// number_of_witness_elements: 1 byte
	// nil_length: 1 byte
	// sig_alice_length: 1 byte
	// sig_alice: 73 bytes
	// sig_bob_length: 1 byte
	// sig_bob: 73 bytes
	// nil_length: 1 byte
	// witness_script_length: 1 byte
	// witness_script: (offered_htlc_script)
	OfferedHtlcTimeoutWitnessSize = 1 + 1 + 1 + 73 + 1 + 73 + 1 + 1 +
		OfferedHtlcScriptSize

	// OfferedHtlcPenaltyWitnessSize is the size of a witness sweeping an
	// offered HTLC via the revocation path.
	//
	// number_of_witness_elements: 1 byte
	// revocation_sig_length: 1 byte
	// revocation_sig: 73 bytes
	// revocation_key_length: 1 byte
	// revocation_key: 33 bytes
	// witness_script_length: 1 byte
	// witness_script: (offered_htlc_script)
	OfferedHtlcPenaltyWitnessSize = 1 + 1 + 73 + 1 + 33 + 1 +
		OfferedHtlcScriptSize

	// SecondLevelHtlcScriptSize is the size of the output script of a
	// second-level HTLC transaction. It shares the exact shape of the
	// to_local script.
	SecondLevelHtlcScriptSize = ToLocalScriptSize

	// ToLocalTimeoutSecondLevelWitnessSize is the size of a witness
	// sweeping the output of a confirmed second-level HTLC transaction
	// after the CSV delay.
	ToLocalTimeoutSecondLevelWitnessSize = ToLocalTimeoutWitnessSize

	// AnchorScriptSize is the size of the anchor output script.
	//
	// OP_DATA: 1 byte (pub_key length)
	// pub_key: 33 bytes
	// OP_CHECKSIG: 1 byte
	// OP_IFDUP: 1 byte
	// OP_NOTIF: 1 byte
	//	OP_16: 1 byte
	//	OP_CSV: 1 byte
	// OP_ENDIF: 1 byte
	AnchorScriptSize = 1 + 33 + 1 + 1 + 1 + 1 + 1 + 1

	// AnchorWitnessSize is the size of a witness spending an anchor output
	// with the owner's funding key.
	//
	// number_of_witness_elements: 1 byte
	// signature_length: 1 byte
	// signature: 73 bytes
	// witness_script_length: 1 byte
	// witness_script: (anchor_script)
	AnchorWitnessSize = 1 + 1 + 73 + 1 + AnchorScriptSize

	// CommitWeight is the weight of a commitment transaction without any
	// HTLC outputs.
	CommitWeight = 724

	// AnchorCommitWeight is the weight of a commitment transaction with
	// two anchor outputs and no HTLC outputs.
	AnchorCommitWeight = 1140

	// HTLCWeight is the weight of an HTLC output on the commitment
	// transaction.
	HTLCWeight = 172

	// HtlcTimeoutWeight is the weight of the HTLC timeout transaction
	// which will transition an outgoing HTLC to the delay-and-claim state.
	HtlcTimeoutWeight = 663

	// HtlcSuccessWeight is the weight of the HTLC success transaction
	// which will transition an incoming HTLC to the delay-and-claim state.
	HtlcSuccessWeight = 703

	// AnchorSize is the constant value of an anchor output.
	AnchorSize = 330

	// MaxHTLCNumber is the maximum number HTLCs which can be included in a
	// commitment transaction. This limit was chosen such that, in the case
	// of a contract breach, the punishment transaction is able to sweep
	// all the HTLCs yet still remain below the widely used standard
	// weight limits.
	MaxHTLCNumber = 966
)

// TxWeightEstimator is able to calculate weight estimates for transactions
// based on the input and output types. For purposes of estimation, all
// signatures are assumed to be of the maximum possible size, 73 bytes. Each
// method of the estimator returns an instance with the estimate applied. This
// allows callers to chain each of the methods.
type TxWeightEstimator struct {
	hasWitness       bool
	inputCount       uint32
	outputCount      uint32
	inputSize        int
	inputWitnessSize int
	outputSize       int
}

// AddP2WKHInput updates the weight estimate to account for an additional
// input spending a native P2PWKH output.
func (twe *TxWeightEstimator) AddP2WKHInput() *TxWeightEstimator {
	twe.inputSize += InputSize
	twe.inputWitnessSize += P2WKHWitnessSize
	twe.inputCount++
	twe.hasWitness = true

	return twe
}

// AddWitnessInput updates the weight estimate to account for an additional
// input spending a native pay-to-witness output. This accepts the total size
// of the witness as a parameter.
func (twe *TxWeightEstimator) AddWitnessInput(witnessSize int) *TxWeightEstimator {
	twe.inputSize += InputSize
	twe.inputWitnessSize += witnessSize
	twe.inputCount++
	twe.hasWitness = true

	return twe
}

// AddP2WKHOutput updates the weight estimate to account for an additional
// native P2WKH output.
func (twe *TxWeightEstimator) AddP2WKHOutput() *TxWeightEstimator {
	twe.outputSize += P2WKHOutputSize
	twe.outputCount++

	return twe
}

// AddP2WSHOutput updates the weight estimate to account for an additional
// native P2WSH output.
func (twe *TxWeightEstimator) AddP2WSHOutput() *TxWeightEstimator {
	twe.outputSize += P2WSHOutputSize
	twe.outputCount++

	return twe
}

// AddTxOutput adds a known TxOut to the weight estimator.
func (twe *TxWeightEstimator) AddTxOutput(txOut *wire.TxOut) *TxWeightEstimator {
	twe.outputSize += txOut.SerializeSize()
	twe.outputCount++

	return twe
}

// Weight gets the estimated weight of the transaction.
func (twe *TxWeightEstimator) Weight() int {
	txSizeStripped := BaseTxSize +
		wire.VarIntSerializeSize(uint64(twe.inputCount)) +
		twe.inputSize +
		wire.VarIntSerializeSize(uint64(twe.outputCount)) +
		twe.outputSize

	weight := txSizeStripped * witnessScaleFactor
	if twe.hasWitness {
		weight += WitnessHeaderSize + twe.inputWitnessSize
	}

	return weight
}

// VSize gets the estimated virtual size of the transactions, in vbytes.
func (twe *TxWeightEstimator) VSize() int {
	// A tx's vsize is 1/4 of the weight, rounded up.
	return (twe.Weight() + witnessScaleFactor - 1) / witnessScaleFactor
}
