// Package rpcingress exposes the single JSON-RPC method mirage_signal (C8,
// §4.7): validate, compute id, insert into the pool, and on acceptance hand
// the signal to gossip.
package rpcingress

import (
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	nomaderrors "nomad/pkg/errors"
	"nomad/pkg/pool"
	"nomad/pkg/signal"
	"nomad/pkg/types"
)

// Gossiper is the subset of *gossip.Node the ingress needs: handing off a
// freshly accepted signal for flooding.
type Gossiper interface {
	Ingest(sig types.Signal) error
}

// Server answers JSON-RPC 2.0 requests on a single route, the way the
// corpus' own RPC ingress points are small dedicated mux handlers rather
// than a full framework (§4.7, §6).
type Server struct {
	pool     *pool.Pool
	gossiper Gossiper
	log      zerolog.Logger
}

func New(p *pool.Pool, g Gossiper, log zerolog.Logger) *Server {
	return &Server{pool: p, gossiper: g, log: log.With().Str("component", "rpcingress").Logger()}
}

// Router returns a mux.Router serving the JSON-RPC endpoint at "/".
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handle).Methods(http.MethodPost)
	return r
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// signalParams is the wire shape of mirage_signal's single argument,
// mirroring the Signal fields of §3 with JSON-friendly scalar encodings.
type signalParams struct {
	EscrowContract     string `json:"escrow_contract"`
	TokenContract      string `json:"token_contract"`
	Recipient          string `json:"recipient"`
	TransferAmount     string `json:"transfer_amount"`
	RewardAmount       string `json:"reward_amount"`
	AcknowledgementURL string `json:"acknowledgement_url"`
	Puzzle             []byte `json:"puzzle"`
	Ciphertext         []byte `json:"ciphertext"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nil, -32700, "parse error")
		return
	}

	if req.Method != "mirage_signal" {
		writeError(w, req.ID, -32601, "method not found")
		return
	}

	var params [1]signalParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeError(w, req.ID, -32602, "invalid params")
		return
	}

	sig, err := parseSignal(params[0])
	if err != nil {
		writeError(w, req.ID, -32602, err.Error())
		return
	}

	if err := signal.Validate(sig); err != nil {
		writeError(w, req.ID, -32602, err.Error())
		return
	}

	id, err := signal.ID(sig)
	if err != nil {
		writeError(w, req.ID, -32603, "internal error")
		return
	}

	accepted := s.pool.Insert(id, sig)
	if accepted && s.gossiper != nil {
		if err := s.gossiper.Ingest(sig); err != nil {
			s.log.Warn().Err(err).Str("signal_id", id.String()).Msg("gossip ingest failed after pool insert")
		}
	}

	writeResult(w, req.ID, map[string]interface{}{
		"accepted": accepted,
		"id":       id.String(),
	})
}

func parseSignal(p signalParams) (types.Signal, error) {
	transferAmount, err := uint256.FromHex(p.TransferAmount)
	if err != nil {
		return types.Signal{}, nomaderrors.Wrap(nomaderrors.InvalidSignal, err, "parse transfer_amount")
	}
	rewardAmount, err := uint256.FromHex(p.RewardAmount)
	if err != nil {
		return types.Signal{}, nomaderrors.Wrap(nomaderrors.InvalidSignal, err, "parse reward_amount")
	}
	return types.Signal{
		EscrowContract:     common.HexToAddress(p.EscrowContract),
		TokenContract:      common.HexToAddress(p.TokenContract),
		Recipient:          common.HexToAddress(p.Recipient),
		TransferAmount:     transferAmount,
		RewardAmount:       rewardAmount,
		AcknowledgementURL: p.AcknowledgementURL,
		Puzzle:             p.Puzzle,
		Ciphertext:         p.Ciphertext,
	}, nil
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func writeError(w http.ResponseWriter, id json.RawMessage, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}})
}
