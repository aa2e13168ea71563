package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewConnectBackOff_Sequence(t *testing.T) {
	b := newConnectBackOff()

	want := []time.Duration{
		0, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i, w := range want {
		got := b.NextBackOff()
		assert.Equal(t, w, got, "delay at attempt %d", i)
	}
}

func TestNewConnectBackOff_ResetReturnsToImmediate(t *testing.T) {
	b := newConnectBackOff()
	b.NextBackOff()
	b.NextBackOff()

	b.Reset()

	assert.Equal(t, time.Duration(0), b.NextBackOff(), "first attempt after Reset must be immediate")
	assert.Equal(t, time.Second, b.NextBackOff())
}
