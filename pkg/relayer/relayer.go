// Package relayer implements the relayer client (C4): a single HTTP call
// that exchanges keccak(k2) for the second decryption key k1 (§4.3).
package relayer

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/crypto"

	"nomad/pkg/constants"
	nomaderrors "nomad/pkg/errors"
)

// Client calls a single relayer endpoint over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a relayer client against baseURL, which must accept POST
// requests with a 32-byte body and reply with a 32-byte body on success
// (§4.3, §6).
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: constants.RelayerTimeout},
	}
}

// FetchK1 implements S2_FetchK1 (§4.6): POST keccak(k2), decode the 32-byte
// k1 on a 200 response. A 503 is retried with jittered backoff up to
// RelayerMaxAttempts; any other non-200 status fails immediately, since
// retrying an authorization or not-found response cannot change the
// outcome (§4.3, §7).
func (c *Client) FetchK1(ctx context.Context, k2 [32]byte) ([32]byte, error) {
	digest := crypto.Keccak256Hash(k2[:])

	var k1 [32]byte
	attempts := 0

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	op := func() error {
		attempts++
		got, retryable, err := c.post(ctx, digest[:])
		if err != nil {
			if retryable && attempts < constants.RelayerMaxAttempts {
				return err
			}
			return backoff.Permanent(err)
		}
		k1 = got
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return [32]byte{}, nomaderrors.Wrap(nomaderrors.RelayerUnavailable, err, "fetch k1")
	}
	return k1, nil
}

// post issues one request, returning (k1, retryable, err). retryable is true
// for a request that got no response at all and for a 503 (Service
// Unavailable), the sole status the protocol treats as transient (§4.3).
func (c *Client) post(ctx context.Context, body []byte) ([32]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return [32]byte{}, false, nomaderrors.Wrap(nomaderrors.Internal, err, "build relayer request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return [32]byte{}, true, nomaderrors.Wrap(nomaderrors.RpcTransport, err, "relayer request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return [32]byte{}, true, nomaderrors.New(nomaderrors.RelayerUnavailable, "relayer unavailable")
	}
	if resp.StatusCode != http.StatusOK {
		return [32]byte{}, false, nomaderrors.Newf(nomaderrors.RelayerUnavailable, "relayer status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return [32]byte{}, false, nomaderrors.Wrap(nomaderrors.RpcTransport, err, "read relayer response")
	}
	if len(data) != 32 {
		return [32]byte{}, false, nomaderrors.Newf(nomaderrors.RelayerUnavailable, "relayer returned %d bytes, want 32", len(data))
	}

	var k1 [32]byte
	copy(k1[:], data)
	return k1, false, nil
}
