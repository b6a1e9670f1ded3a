package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Second, NextBackoff(0))
	assert.Equal(t, 10*time.Second, NextBackoff(1))
	assert.Equal(t, 20*time.Second, NextBackoff(2))
	assert.Equal(t, 40*time.Second, NextBackoff(3))
}

func TestExhausted(t *testing.T) {
	e := Event{RetryCount: 4, MaxRetries: 5}
	assert.False(t, e.Exhausted())

	e.RetryCount = 5
	assert.True(t, e.Exhausted())
}
