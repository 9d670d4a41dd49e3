package sweep

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AreaLayer/rust-lightning/lnwallet/chainfee"
)

// TestDetermineFeePerKw tests that we are able to properly map a fee
// preference into a concrete fee rate.
func TestDetermineFeePerKw(t *testing.T) {
	t.Parallel()

	defaultFee := chainfee.SatPerKWeight(999)
	relayFee := chainfee.FeePerKwFloor

	feeEstimator := chainfee.NewStaticEstimator(defaultFee, relayFee)

	testCases := []struct {
		name string

		// feePref is the target fee preference for this case.
		feePref FeePreference

		// fee is the value the DetermineFeePerKw should return given
		// the expression above.
		fee chainfee.SatPerKWeight

		// fail determines if this test case should fail or not.
		fail bool
	}{
		// A fee rate below the fee rate floor should output the floor.
		{
			name: "below fee rate floor",
			feePref: FeePreference{
				FeeRate: chainfee.SatPerKWeight(99),
			},
			fee: chainfee.FeePerKwFloor,
		},

		// A fee rate above the floor should be passed through.
		{
			name: "above fee rate floor",
			feePref: FeePreference{
				FeeRate: 900 * chainfee.FeePerKwFloor,
			},
			fee: 900 * chainfee.FeePerKwFloor,
		},

		// A conf target should query the estimator.
		{
			name: "conf target",
			feePref: FeePreference{
				ConfTarget: 6,
			},
			fee: defaultFee,
		},

		// Both values set should be rejected.
		{
			name: "both values set",
			feePref: FeePreference{
				ConfTarget: 6,
				FeeRate:    chainfee.SatPerKWeight(1000),
			},
			fail: true,
		},

		// An empty preference should fall back to the default conf
		// target.
		{
			name:    "empty fee preference",
			feePref: FeePreference{},
			fee:     defaultFee,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			feeRate, err := DetermineFeePerKw(
				feeEstimator, testCase.feePref,
			)
			if testCase.fail {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, testCase.fee, feeRate)
		})
	}
}

// TestFeeRateForPreference checks that the sweeper rejects fee preferences
// that resolve to rates outside of its configured bounds.
func TestFeeRateForPreference(t *testing.T) {
	t.Parallel()

	estimator := chainfee.NewStaticEstimator(
		10000, chainfee.FeePerKwFloor,
	)

	s := New(&UtxoSweeperConfig{
		FeeEstimator: estimator,
		MaxFeeRate:   DefaultMaxFeeRate,
	})
	s.relayFeeRate = estimator.RelayFeePerKW()

	// An unset preference is rejected.
	_, err := s.feeRateForPreference(FeePreference{})
	require.ErrorIs(t, err, errNoFeePreference)

	// A sane fee rate is passed through.
	feeRate, err := s.feeRateForPreference(FeePreference{
		FeeRate: 5000,
	})
	require.NoError(t, err)
	require.Equal(t, chainfee.SatPerKWeight(5000), feeRate)

	// A fee rate above the maximum is rejected.
	_, err = s.feeRateForPreference(FeePreference{
		FeeRate: 2 * DefaultMaxFeeRate,
	})
	require.Error(t, err)
}

// TestBucketForFeeRate asserts that minimum fee rate sweeps are isolated in
// their own bucket, while higher fee rates are bucketed by distance from the
// relay fee rate.
func TestBucketForFeeRate(t *testing.T) {
	t.Parallel()

	s := New(&UtxoSweeperConfig{})
	s.relayFeeRate = chainfee.FeePerKwFloor

	// The relay fee rate itself goes into the isolated zero bucket.
	require.Equal(t, 0, s.bucketForFeeRate(s.relayFeeRate))

	// Fee rates just above the relay fee rate go into the first regular
	// bucket.
	require.Equal(t, 1, s.bucketForFeeRate(s.relayFeeRate+1))
	require.Equal(
		t, 1, s.bucketForFeeRate(
			s.relayFeeRate+relaxedBucketSize-1,
		),
	)

	// A rate a full bucket width above lands in the next bucket.
	require.Equal(
		t, 2, s.bucketForFeeRate(
			s.relayFeeRate+relaxedBucketSize,
		),
	)
}

// TestNextAttemptDelta asserts the exponential backoff delta stays within the
// expected bounds.
func TestNextAttemptDelta(t *testing.T) {
	t.Parallel()

	for attempts := 1; attempts <= 5; attempts++ {
		delta := DefaultNextAttemptDeltaFunc(attempts)
		require.GreaterOrEqual(t, delta, int32(1))
		require.Less(t, delta, int32(1)+int32(1)<<uint(attempts))
	}
}
