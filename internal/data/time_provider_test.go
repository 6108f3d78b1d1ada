package data

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedTimeProvider(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	tp := NewFixedTimeProvider(base)

	assert.Equal(t, base, tp.Now())

	tp.AddTime(30 * time.Minute)
	assert.Equal(t, base.Add(30*time.Minute), tp.Now())

	tp.SetTime(base)
	assert.Equal(t, base, tp.Now())
}

func TestFormatForDBUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	local := time.Date(2025, 3, 1, 12, 0, 0, 0, loc)

	tp := &RealTimeProvider{}
	assert.Equal(t, "2025-03-01T10:00:00Z", tp.FormatForDB(local))
}
