package chainntnfs

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/AreaLayer/rust-lightning/channeldb"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ZeroHash is the value that should be used as the txid when
	// registering for the confirmation of a script on-chain. This allows
	// the notifier to match _and_ dispatch upon the inclusion of the
	// script on-chain, rather than the txid.
	ZeroHash chainhash.Hash

	// ZeroOutPoint is the value that should be used as the outpoint when
	// registering for the spend of a script on-chain. This allows the
	// notifier to match _and_ dispatch upon detecting the spend of the
	// script on-chain, rather than the outpoint.
	ZeroOutPoint wire.OutPoint

	// ErrNoScript is an error returned when a confirmation/spend
	// registration is attempted without a script.
	ErrNoScript = errors.New("a script must be provided")

	// ErrNoHeightHint is an error returned when a confirmation/spend
	// registration is attempted without a height hint.
	ErrNoHeightHint = errors.New("a height hint greater than 0 must be " +
		"provided")
)

// ConfRequest encapsulates a request for a confirmation notification of
// either a txid or output script.
type ConfRequest struct {
	// TxID is the hash of the transaction for which confirmation
	// notifications are requested. If set to a zero hash, then a
	// confirmation notification will be dispatched upon inclusion of the
	// _script_, rather than the txid.
	TxID chainhash.Hash

	// PkScript is the public key script of an outpoint created in this
	// transaction.
	PkScript txscript.PkScript
}

// NewConfRequest creates a request for a confirmation notification of either
// a txid or output script. A nil txid or zero hash can be used to dispatch
// the confirmation notification on the script.
func NewConfRequest(txid *chainhash.Hash, pkScript []byte) (ConfRequest,
	error) {

	var r ConfRequest
	outputScript, err := txscript.ParsePkScript(pkScript)
	if err != nil {
		return r, err
	}

	// We'll only set a txid for which we'll dispatch a confirmation
	// notification on this request if one was provided.
	if txid != nil {
		r.TxID = *txid
	}
	r.PkScript = outputScript

	return r, nil
}

// String returns the string representation of the ConfRequest.
func (r ConfRequest) String() string {
	if r.TxID != ZeroHash {
		return fmt.Sprintf("txid=%v", r.TxID)
	}
	return fmt.Sprintf("script=%v", r.PkScript)
}

// ConfHintKey returns the key that will be used to index the confirmation
// request's hint within the height hint cache.
func (r ConfRequest) ConfHintKey() ([]byte, error) {
	if r.TxID == ZeroHash {
		return r.PkScript.Script(), nil
	}

	var txid bytes.Buffer
	if err := channeldb.WriteElement(&txid, r.TxID); err != nil {
		return nil, err
	}

	return txid.Bytes(), nil
}

// MatchesTx determines whether the given transaction satisfies the
// confirmation request. If the confirmation request is for a script, then we
// check if an output of the transaction creates the script.
func (r ConfRequest) MatchesTx(tx *wire.MsgTx) bool {
	scriptMatches := func() bool {
		pkScript := r.PkScript.Script()
		for _, txOut := range tx.TxOut {
			if bytes.Equal(txOut.PkScript, pkScript) {
				return true
			}
		}

		return false
	}

	if r.TxID != ZeroHash {
		return r.TxID == tx.TxHash() && scriptMatches()
	}

	return scriptMatches()
}

// SpendRequest encapsulates a request for a spend notification of either an
// outpoint or output script.
type SpendRequest struct {
	// OutPoint is the outpoint for which a client has requested a spend
	// notification for. If set to a zero outpoint, then a spend
	// notification will be dispatched upon detecting the spend of the
	// _script_, rather than the outpoint.
	OutPoint wire.OutPoint

	// PkScript is the script of the outpoint. If a zero outpoint is set,
	// then this can be an arbitrary script.
	PkScript txscript.PkScript
}

// NewSpendRequest creates a request for a spend notification of either an
// outpoint or output script. A nil outpoint or zero outpoint can be used to
// dispatch the spend notification on the script.
func NewSpendRequest(op *wire.OutPoint, pkScript []byte) (SpendRequest,
	error) {

	var r SpendRequest
	outputScript, err := txscript.ParsePkScript(pkScript)
	if err != nil {
		return r, err
	}

	// We'll only set an outpoint for which we'll dispatch a spend
	// notification on this request if one was provided.
	if op != nil {
		r.OutPoint = *op
	}
	r.PkScript = outputScript

	return r, nil
}

// String returns the string representation of the SpendRequest.
func (r SpendRequest) String() string {
	if r.OutPoint != ZeroOutPoint {
		return fmt.Sprintf("outpoint=%v, script=%v", r.OutPoint,
			r.PkScript)
	}
	return fmt.Sprintf("outpoint=<zero>, script=%v", r.PkScript)
}

// SpendHintKey returns the key that will be used to index the spend
// request's hint within the height hint cache.
func (r SpendRequest) SpendHintKey() ([]byte, error) {
	if r.OutPoint == ZeroOutPoint {
		return r.PkScript.Script(), nil
	}

	var outpoint bytes.Buffer
	err := channeldb.WriteElement(&outpoint, r.OutPoint)
	if err != nil {
		return nil, err
	}

	return outpoint.Bytes(), nil
}

// MatchesTx determines whether the given transaction satisfies the spend
// request. If the spend request is for an outpoint, then we check if an
// input of the transaction spends it. In the case of a script spend request,
// we check whether an input of the transaction produces the script.
func (r SpendRequest) MatchesTx(tx *wire.MsgTx) (bool, uint32, error) {
	if r.OutPoint != ZeroOutPoint {
		for i, txIn := range tx.TxIn {
			if txIn.PreviousOutPoint == r.OutPoint {
				return true, uint32(i), nil
			}
		}

		return false, 0, nil
	}

	for i, txIn := range tx.TxIn {
		pkScript, err := txscript.ComputePkScript(
			txIn.SignatureScript, txIn.Witness,
		)
		if err == txscript.ErrUnsupportedScriptType {
			continue
		}
		if err != nil {
			return false, 0, err
		}

		if bytes.Equal(pkScript.Script(), r.PkScript.Script()) {
			return true, uint32(i), nil
		}
	}

	return false, 0, nil
}
