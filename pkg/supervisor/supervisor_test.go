package supervisor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"nomad/pkg/types"
)

func newTestSupervisor(keys []*bind.TransactOpts) *Supervisor {
	return New(Config{}, nil, nil, nil, nil, keys, zerolog.Nop())
}

func TestWriteModeRequiresTwoKeys(t *testing.T) {
	require.False(t, newTestSupervisor(nil).WriteMode())
	require.False(t, newTestSupervisor([]*bind.TransactOpts{{}}).WriteMode())
	require.True(t, newTestSupervisor([]*bind.TransactOpts{{}, {}}).WriteMode())
}

func TestPauseAndUnpauseKey(t *testing.T) {
	s := newTestSupervisor(nil)
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")

	require.False(t, s.isPaused(addr))
	s.pause(addr)
	require.True(t, s.isPaused(addr))
	s.Unpause(addr)
	require.False(t, s.isPaused(addr))
}

func TestAcknowledgePostsOutcome(t *testing.T) {
	received := make(chan map[string]interface{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	txHash := common.HexToHash("0xabc")
	acknowledge(srv.URL, "signal-1", types.Outcome{Success: true, TxHash: &txHash})

	select {
	case body := <-received:
		require.Equal(t, "signal-1", body["id"])
		require.Equal(t, true, body["success"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for acknowledgement POST")
	}
}
