package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProber_Probe(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer failing.Close()

	closed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	closedURL := closed.URL
	closed.Close()

	p := NewProber(nil, time.Second)
	ctx := context.Background()

	res := p.Probe(ctx, ok.URL)
	assert.Equal(t, ProbeOnline, res.Status)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	require.NotNil(t, res.ResponseTime)

	res = p.Probe(ctx, failing.URL)
	assert.Equal(t, ProbeError, res.Status)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = p.Probe(ctx, closedURL)
	assert.Equal(t, ProbeOffline, res.Status)
	assert.Nil(t, res.ResponseTime)

	res = p.Probe(ctx, "  ")
	assert.Equal(t, ProbeNotConfigured, res.Status)
}

func TestProber_Timeout(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer slow.Close()
	defer close(release)

	res := NewProber(nil, 50*time.Millisecond).Probe(context.Background(), slow.URL)
	assert.Equal(t, ProbeTimeout, res.Status)
}
