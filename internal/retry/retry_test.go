package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/johnnywatts/forker/internal/ferrors"
)

func TestAllowRespectsAttemptCap(t *testing.T) {
	p := DefaultPolicy()
	p.MaxAttempts = 3
	require.True(t, p.Allow(ferrors.KindIoTransient, 0))
	require.True(t, p.Allow(ferrors.KindIoTransient, 2))
	require.False(t, p.Allow(ferrors.KindIoTransient, 3))
}

func TestAllowRejectsPermanentAndIntegrity(t *testing.T) {
	p := DefaultPolicy()
	require.False(t, p.Allow(ferrors.KindIoPermanent, 0))
	require.False(t, p.Allow(ferrors.KindIntegrityFailure, 0))
}

func TestAllowRetriesConcurrencyConflictUnlimitedTimes(t *testing.T) {
	p := DefaultPolicy()
	p.MaxAttempts = 3
	require.True(t, p.Allow(ferrors.KindConcurrencyConflict, 0))
	require.True(t, p.Allow(ferrors.KindConcurrencyConflict, p.MaxAttempts))
	require.True(t, p.Allow(ferrors.KindConcurrencyConflict, p.MaxAttempts*100))
}

func TestClassifyUsesClassifiedError(t *testing.T) {
	err := ferrors.New(ferrors.KindStorageFull, errors.New("no space"))
	require.Equal(t, ferrors.KindStorageFull, Classify(err))
}

func TestNewBackOffSequenceNonDecreasingUnderCeiling(t *testing.T) {
	p := DefaultPolicy()
	p.JitterFraction = 0
	p.MaxInterval = p.InitialInterval * 1000
	b := p.NewBackOff()
	var last int64
	for attempt := 1; attempt <= 5; attempt++ {
		d, err := b.NextBackOff()
		require.NoError(t, err)
		require.GreaterOrEqual(t, int64(d), last)
		last = int64(d)
	}
}

func TestNewBackOffRespectsCeiling(t *testing.T) {
	p := DefaultPolicy()
	p.JitterFraction = 0
	b := p.NewBackOff()
	for attempt := 1; attempt <= 20; attempt++ {
		d, err := b.NextBackOff()
		require.NoError(t, err)
		require.LessOrEqual(t, d, p.MaxInterval)
	}
}

func TestNewBackOffAppliesJitterWithinFraction(t *testing.T) {
	p := DefaultPolicy()
	p.JitterFraction = 0.2
	p.MaxInterval = p.InitialInterval * 1000
	b := p.NewBackOff()
	d, err := b.NextBackOff()
	require.NoError(t, err)
	lo := time.Duration(float64(p.InitialInterval) * (1 - p.JitterFraction))
	hi := time.Duration(float64(p.InitialInterval) * (1 + p.JitterFraction))
	require.GreaterOrEqual(t, d, lo)
	require.LessOrEqual(t, d, hi)
}
