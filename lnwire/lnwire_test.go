package lnwire

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/stretchr/testify/require"
)

var (
	testChanID = ChannelID{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	}

	testSig = Sig{
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
	}
)

func testPubKey(t *testing.T) *btcec.PublicKey {
	t.Helper()

	_, pub := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x09}, 32))

	return pub
}

// TestMessageRoundTrip asserts that every peer message survives an
// encode/decode cycle byte for byte.
func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	pub := testPubKey(t)

	var onionBlob OnionBlob
	copy(onionBlob[:], bytes.Repeat([]byte{0x0a}, OnionPacketSize))

	msgs := []Message{
		&UpdateAddHTLC{
			ChanID:      testChanID,
			ID:          99,
			Amount:      5000000,
			PaymentHash: PaymentHash{0x0b},
			Expiry:      144,
			OnionBlob:   onionBlob,
		},
		&UpdateFulfillHTLC{
			ChanID:          testChanID,
			ID:              99,
			PaymentPreimage: PaymentPreimage{0x0c},
		},
		&UpdateFailHTLC{
			ChanID: testChanID,
			ID:     99,
			Reason: OpaqueReason{0x0d, 0x0e},
		},
		&CommitSig{
			ChanID:    testChanID,
			CommitSig: testSig,
			HtlcSigs:  []Sig{testSig, testSig},
		},
		&RevokeAndAck{
			ChanID:            testChanID,
			Revocation:        [32]byte{0x0f},
			NextRevocationKey: pub,
		},
		&Shutdown{
			ChannelID: testChanID,
			Address:   DeliveryAddress{0x00, 0x14, 0x01, 0x02},
		},
		&ClosingSigned{
			ChannelID:   testChanID,
			FeeSatoshis: 1000,
			Signature:   testSig,
		},
		&ChannelReady{
			ChanID:                 testChanID,
			NextPerCommitmentPoint: pub,
		},
		&ChannelReestablish{
			ChanID:                    testChanID,
			NextLocalCommitHeight:     5,
			RemoteCommitTailHeight:    4,
			LastRemoteCommitSecret:    [32]byte{0x10},
			LocalUnrevokedCommitPoint: pub,
		},
		&Error{
			ChanID: testChanID,
			Data:   ErrorData("sync error"),
		},
	}

	for _, msg := range msgs {
		msg := msg
		t.Run(msg.MsgType().String(), func(t *testing.T) {
			// Encode the message to the wire representation.
			var b bytes.Buffer
			n, err := WriteMessage(&b, msg, 0)
			require.NoError(t, err)
			require.Equal(t, b.Len(), n)

			// Read the message back out of the buffer.
			decoded, err := ReadMessage(&b, 0)
			require.NoError(t, err)
			require.Equal(t, msg.MsgType(), decoded.MsgType())

			// Re-encoding the decoded message must yield the exact
			// same bytes.
			var b2 bytes.Buffer
			_, err = WriteMessage(&b2, decoded, 0)
			require.NoError(t, err)

			var ogBytes bytes.Buffer
			_, err = WriteMessage(&ogBytes, msg, 0)
			require.NoError(t, err)

			require.Equal(t, ogBytes.Bytes(), b2.Bytes())
		})
	}
}

// TestWriteMessageTooLarge asserts that over-sized payloads are rejected and
// leave the target buffer untouched.
func TestWriteMessageTooLarge(t *testing.T) {
	t.Parallel()

	msg := &Error{
		ChanID: testChanID,
		Data:   ErrorData(bytes.Repeat([]byte{0x11}, MaxMsgBody+1)),
	}

	var b bytes.Buffer
	_, err := WriteMessage(&b, msg, 0)
	require.Error(t, err)
	require.Zero(t, b.Len())
}

// TestNewExtraOpaqueData asserts that a type to value map is encoded as a
// canonical TLV stream, and that an empty map yields an empty, non-nil blob.
func TestNewExtraOpaqueData(t *testing.T) {
	t.Parallel()

	extraData, err := NewExtraOpaqueData(tlv.TypeMap{
		3: {0xbb, 0xcc},
		1: {0xaa},
	})
	require.NoError(t, err)

	// Records must appear in ascending type order regardless of map
	// iteration order.
	expected := ExtraOpaqueData{
		0x01, 0x01, 0xaa,
		0x03, 0x02, 0xbb, 0xcc,
	}
	require.Equal(t, expected, extraData)

	// The encoded stream must parse back to the original map.
	parsedTypes, err := extraData.ExtractRecords()
	require.NoError(t, err)
	require.Equal(t, tlv.TypeMap{
		1: {0xaa},
		3: {0xbb, 0xcc},
	}, parsedTypes)

	emptyData, err := NewExtraOpaqueData(tlv.TypeMap{})
	require.NoError(t, err)
	require.NotNil(t, emptyData)
	require.Empty(t, emptyData)
}
