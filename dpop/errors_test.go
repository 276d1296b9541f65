package dpop

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	tt := []struct {
		kind      Kind
		severity  Severity
		violation bool
		clock     bool
		crypto    bool
	}{
		{kind: KindReplayAttackDetected, severity: SeverityCritical, violation: true},
		{kind: KindCryptographicError, severity: SeverityHigh, violation: true, crypto: true},
		{kind: KindProofValidationFailed, severity: SeverityHigh, violation: true, crypto: true},
		{kind: KindAccessTokenHashFailed, severity: SeverityHigh, violation: true},
		{kind: KindHTTPBindingFailed, severity: SeverityHigh, violation: true},
		{kind: KindClockSkewTooLarge, severity: SeverityMedium, clock: true},
		{kind: KindInvalidProofStructure, severity: SeverityMedium},
		{kind: KindStorageError, severity: SeverityMedium},
		{kind: KindProofExpired, severity: SeverityLow, clock: true},
		{kind: KindSerializationError, severity: SeverityLow},
		{kind: KindKeyNotFound, severity: SeverityLow},
		{kind: KindConfigurationError, severity: SeverityLow},
	}

	for _, test := range tt {
		t.Run(string(test.kind), func(t *testing.T) {
			err := NewError(test.kind, "")
			assert.Equal(t, test.severity, err.Severity())
			assert.Equal(t, test.violation, err.IsSecurityViolation())
			assert.Equal(t, test.clock, err.IsClockSkewError())
			assert.Equal(t, test.crypto, err.IsCryptographicError())
			assert.NotEmpty(t, err.Hint())
			assert.NotEmpty(t, err.Error())
		})
	}
}

func TestReplayIsMostSevere(t *testing.T) {
	replay := errReplay("id").Severity()
	for kind := range kinds {
		assert.LessOrEqual(t, NewError(kind, "").Severity(), replay)
	}
}

func TestClockSkewError(t *testing.T) {
	err := errClockSkew(301, 300)
	assert.Equal(t, int64(301), err.SkewSeconds)
	assert.Equal(t, int64(300), err.MaxSkewSeconds)
	assert.Equal(t, "Synchronize system clock with NTP server", err.Hint())
	assert.Contains(t, err.Error(), "301")
}

func TestHintsAreFixed(t *testing.T) {
	a := WrapError(KindCryptographicError, errors.New("secret key bytes"), "first")
	b := NewError(KindCryptographicError, "second")
	assert.Equal(t, a.Hint(), b.Hint())
	assert.NotContains(t, a.Hint(), "secret")
}

func TestIsKind(t *testing.T) {
	cause := errors.New("connection refused")
	err := errors.Wrap(WrapError(KindStorageError, cause, "redis"), "validating")

	require.True(t, IsKind(err, KindStorageError))
	require.False(t, IsKind(err, KindReplayAttackDetected))
	require.False(t, IsKind(cause, KindStorageError))
	require.False(t, IsKind(nil, KindStorageError))

	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, cause, e.Cause())
	assert.True(t, errors.Is(err, cause))
}
