package idempotency

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateKey(t *testing.T) {
	valid := []string{
		"a",
		"order-12345",
		"Key_With-Both",
		strings.Repeat("x", 64),
	}
	for _, key := range valid {
		assert.NoError(t, ValidateKey(key), "key=%q", key)
	}

	invalid := []string{
		"",
		"has space",
		"key!",
		"key/with/slash",
		strings.Repeat("x", 65),
	}
	for _, key := range invalid {
		assert.ErrorIs(t, ValidateKey(key), ErrInvalidKeyFormat, "key=%q", key)
	}
}

func TestRecordLive(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	record := Record{ExpiresAt: now.Add(time.Minute)}

	assert.True(t, record.Live(now))
	assert.False(t, record.Live(now.Add(time.Minute)))
	assert.False(t, record.Live(now.Add(2*time.Minute)))
}
