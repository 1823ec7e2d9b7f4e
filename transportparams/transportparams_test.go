package transportparams

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xtls/quic-sender/internal/qerrors"
)

func TestEffectiveIdleTimeoutTakesMinimum(t *testing.T) {
	require.Equal(t, 10*time.Second, EffectiveIdleTimeout(10*time.Second, 30*time.Second))
	require.Equal(t, 10*time.Second, EffectiveIdleTimeout(30*time.Second, 10*time.Second))
}

func TestEffectiveIdleTimeoutZeroDisables(t *testing.T) {
	require.Equal(t, 30*time.Second, EffectiveIdleTimeout(0, 30*time.Second))
	require.Equal(t, 30*time.Second, EffectiveIdleTimeout(30*time.Second, 0))
	require.Equal(t, time.Duration(0), EffectiveIdleTimeout(0, 0))
}

func TestValidateMinAckDelayRejectsOverflow(t *testing.T) {
	require.NoError(t, ValidateMinAckDelay(20*time.Millisecond, 25*time.Millisecond))
	err := ValidateMinAckDelay(30*time.Millisecond, 25*time.Millisecond)
	require.Error(t, err)
	var qe *qerrors.Error
	require.ErrorAs(t, err, &qe)
	require.Equal(t, qerrors.CodeProtocolViolation, qe.Code())
}

func TestZeroRTTRegression(t *testing.T) {
	require.NoError(t, ZeroRTTRegression(1000, 1000, false))
	require.NoError(t, ZeroRTTRegression(1000, 2000, false))

	err := ZeroRTTRegression(1000, 500, true)
	require.Error(t, err)
	var qe *qerrors.Error
	require.ErrorAs(t, err, &qe)
	require.Equal(t, qerrors.CodeZeroRTTRejectionLimitReduced, qe.Code())

	err = ZeroRTTRegression(1000, 500, false)
	require.Error(t, err)
	require.ErrorAs(t, err, &qe)
	require.Equal(t, qerrors.CodeZeroRTTResumptionLimitReduced, qe.Code())
}

func TestConnectionOptionsRoundTrip(t *testing.T) {
	opts := ParseConnectionOptions([]string{"BWMX", "TRTT", "UNKNOWN_TAG"})
	require.True(t, opts.Has(OptBWMX))
	require.True(t, opts.Has(OptTRTT))
	require.False(t, opts.Has(OptBWRE))
	require.Equal(t, []string{"BWMX", "TRTT"}, opts.Tags())
}

func TestConnectionLevelWindowAppliesMultiplier(t *testing.T) {
	require.Equal(t, int64(1536), ConnectionLevelWindow(1024))
}
