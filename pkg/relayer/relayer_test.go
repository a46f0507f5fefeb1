package relayer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchK1HappyPath(t *testing.T) {
	var want [32]byte
	want[0] = 0xAB

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(want[:])
	}))
	defer srv.Close()

	c := New(srv.URL)
	got, err := c.FetchK1(context.Background(), [32]byte{0x01})
	require.NoError(t, err)
	require.Equal(t, want, got)
}

// TestFetchK1RetriesOnUnavailable covers scenario (c): two 503s followed
// by a 200 must still succeed within the three-attempt budget.
func TestFetchK1RetriesOnUnavailable(t *testing.T) {
	var calls atomic.Int32
	var want [32]byte
	want[0] = 0xCD

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(want[:])
	}))
	defer srv.Close()

	c := New(srv.URL)
	got, err := c.FetchK1(context.Background(), [32]byte{0x01})
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, int32(3), calls.Load())
}

func TestFetchK1FailsAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.FetchK1(context.Background(), [32]byte{0x01})
	require.Error(t, err)
	require.Equal(t, int32(3), calls.Load())
}

func TestFetchK1FailsImmediatelyOnUnauthorized(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.FetchK1(context.Background(), [32]byte{0x01})
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}
