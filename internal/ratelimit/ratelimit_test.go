package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimiterAdmitsWithinBurst(t *testing.T) {
	l := New(60, 3)
	for i := 0; i < 3; i++ {
		allowed, _ := l.Allow("tenant-a", 1)
		assert.True(t, allowed)
	}
	allowed, retryAfter := l.Allow("tenant-a", 1)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, 0.0)
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := New(60, 1)
	allowedA, _ := l.Allow("tenant-a", 1)
	allowedB, _ := l.Allow("tenant-b", 1)
	assert.True(t, allowedA)
	assert.True(t, allowedB)
}

func TestRegistryDeniesOnEitherBucket(t *testing.T) {
	reg := NewRegistry(60, 1)

	allowed, _ := reg.Check("tenant-a", "1.2.3.4")
	assert.True(t, allowed)

	// The IP bucket (burst 1) is now exhausted even though tenant-a's
	// tenant bucket (burst 60) still has headroom.
	allowed, retryAfter := reg.Check("tenant-a", "1.2.3.4")
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, 0.0)
}
