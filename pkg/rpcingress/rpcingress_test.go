package rpcingress

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"nomad/pkg/pool"
	"nomad/pkg/types"
)

type fakeGossiper struct {
	ingested []types.Signal
}

func (f *fakeGossiper) Ingest(sig types.Signal) error {
	f.ingested = append(f.ingested, sig)
	return nil
}

func sampleRequestBody() []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "mirage_signal",
		"params": []map[string]interface{}{{
			"escrow_contract":     "0x1111111111111111111111111111111111111111",
			"token_contract":      "0x2222222222222222222222222222222222222222",
			"recipient":           "0x3333333333333333333333333333333333333333",
			"transfer_amount":     "0x64",
			"reward_amount":       "0xa",
			"acknowledgement_url": "",
			"puzzle":              []byte{0x01, 0x02},
			"ciphertext":          []byte{0x03, 0x04},
		}},
	})
	return body
}

func TestMirageSignalAcceptsAndGossips(t *testing.T) {
	p := pool.New(time.Minute, time.Minute)
	g := &fakeGossiper{}
	s := New(p, g, zerolog.Nop())

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/", "application/json", bytes.NewReader(sampleRequestBody()))
	require.NoError(t, err)
	defer resp.Body.Close()

	var rr rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rr))
	require.Nil(t, rr.Error)
	require.Len(t, g.ingested, 1)
}

func TestMirageSignalRejectsUnknownMethod(t *testing.T) {
	p := pool.New(time.Minute, time.Minute)
	s := New(p, nil, zerolog.Nop())

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	body, _ := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": "eth_blockNumber"})
	resp, err := http.Post(srv.URL+"/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var rr rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rr))
	require.NotNil(t, rr.Error)
}

func TestMirageSignalDeduplicatesAgainstPool(t *testing.T) {
	p := pool.New(time.Minute, time.Minute)
	g := &fakeGossiper{}
	s := New(p, g, zerolog.Nop())

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL+"/", "application/json", bytes.NewReader(sampleRequestBody()))
		require.NoError(t, err)
		resp.Body.Close()
	}

	require.Len(t, g.ingested, 1, "the second identical submission must not be re-accepted")
}
