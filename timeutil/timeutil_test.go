package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocation(t *testing.T) {
	loc, err := Location("")
	require.NoError(t, err)
	assert.Equal(t, DefaultLocation(), loc)

	loc, err = Location("Europe/Paris")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Paris", loc.String())

	_, err = Location("Not/AZone")
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	instant := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	normalized := Normalize(instant, nil)
	assert.Equal(t, DefaultLocation(), normalized.Location())
	assert.True(t, normalized.Equal(instant))

	// Asia/Kolkata is UTC+05:30 year round.
	assert.Equal(t, 17, normalized.Hour())
	assert.Equal(t, 30, normalized.Minute())

	tokyo := time.FixedZone("UTC+9", 9*3600)
	normalized = Normalize(instant, tokyo)
	assert.Equal(t, tokyo, normalized.Location())
	assert.True(t, normalized.Equal(instant))
}

func TestNormalize_MixedZoneArithmetic(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	later := base.Add(45 * time.Minute).In(time.FixedZone("UTC+9", 9*3600))

	// Subtracting normalized values gives the same answer no matter
	// which zones the operands arrived in.
	a := Normalize(later, nil)
	b := Normalize(base, nil)
	assert.Equal(t, 45*time.Minute, a.Sub(b))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		want     string
	}{
		{"zero", 0, "0 seconds"},
		{"negative", -time.Minute, "0 seconds"},
		{"seconds only", 42 * time.Second, "42 seconds"},
		{"minutes and seconds", 5*time.Minute + 3*time.Second, "5 minutes 3 seconds"},
		{"full breakdown", time.Hour + 12*time.Minute + 4*time.Second, "1 hours 12 minutes 4 seconds"},
		{"hours with zero minutes", 2 * time.Hour, "2 hours 0 minutes 0 seconds"},
		{"exactly one minute", time.Minute, "1 minutes 0 seconds"},
		{"sub-second rounds up", 300 * time.Millisecond, "1 seconds"},
		{"whole day", 24 * time.Hour, "24 hours 0 minutes 0 seconds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatDuration(tt.duration))
		})
	}
}
