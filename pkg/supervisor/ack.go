package supervisor

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"nomad/pkg/types"
)

// acknowledge POSTs the outcome to a signal's acknowledgement_url exactly
// once, on a short timeout, and swallows any error: a sender's webhook
// being down must never block pool eviction (§4.6 S9_Done, §12 supplement).
func acknowledge(url, signalID string, outcome types.Outcome) {
	body, err := json.Marshal(map[string]interface{}{
		"id":      signalID,
		"success": outcome.Success,
		"kind":    outcome.Kind,
	})
	if err != nil {
		return
	}

	client := http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}
