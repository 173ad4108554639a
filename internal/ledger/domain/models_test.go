package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitDebit(t *testing.T) {
	cases := []struct {
		name                 string
		sub, pkg, amount     int64
		wantSub, wantPackage int64
	}{
		{"subscription only", 50, 10, 30, 30, 0},
		{"spills into package", 20, 100, 30, 20, 10},
		{"package only", 0, 100, 30, 0, 30},
		{"exact total", 10, 20, 30, 10, 20},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fromSub, fromPkg, err := SplitDebit(tc.sub, tc.pkg, tc.amount)
			require.NoError(t, err)
			assert.Equal(t, tc.wantSub, fromSub)
			assert.Equal(t, tc.wantPackage, fromPkg)
			assert.GreaterOrEqual(t, tc.sub-fromSub, int64(0))
			assert.GreaterOrEqual(t, tc.pkg-fromPkg, int64(0))
		})
	}
}

func TestSplitDebitInsufficient(t *testing.T) {
	_, _, err := SplitDebit(5, 10, 30)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientCredits))

	var insufficient *InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(15), insufficient.Shortfall)
	assert.Equal(t, int64(15), insufficient.Available)
}

func TestSplitDebitRejectsNonPositive(t *testing.T) {
	_, _, err := SplitDebit(5, 10, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestBucketForGrant(t *testing.T) {
	bucket, ok := BucketForGrant(TransactionKindSubscriptionGrant)
	require.True(t, ok)
	assert.Equal(t, BucketSubscription, bucket)

	bucket, ok = BucketForGrant(TransactionKindPurchase)
	require.True(t, ok)
	assert.Equal(t, BucketPackage, bucket)

	_, ok = BucketForGrant(TransactionKindRefund)
	assert.False(t, ok)
}
