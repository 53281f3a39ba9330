package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-pay/internal/config"
	"github.com/noah-isme/toko-pay/internal/resilience"
)

func TestNewStorageClientUsesResilientTransport(t *testing.T) {
	cfg := &config.Config{
		StorageURL:          "https://storage.example",
		StorageServiceKey:   "key",
		StorageBucket:       "uploads",
		RetryMaxAttempts:    4,
		RetryBase:           50 * time.Millisecond,
		OutboundTimeout:     2 * time.Second,
		CircuitMinRequests:  5,
		CircuitFailureRatio: 0.5,
		CircuitOpenFor:      time.Second,
	}
	client := newStorageClient(cfg, nil)
	require.Equal(t, "uploads", client.Bucket)
	require.NotNil(t, client.HTTP)
	require.Equal(t, 4, client.HTTP.MaxAttempts)
	require.Equal(t, "storage", client.HTTP.Target)
	require.NotNil(t, client.HTTP.Client.Transport)
	require.Equal(t, resilience.Closed, client.HTTP.Breaker.State())
}

func TestCloseNilDependencies(t *testing.T) {
	var d *Dependencies
	d.Close()
	(&Dependencies{}).Close()
}
