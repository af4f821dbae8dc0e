package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPJSON delivers through a provider speaking a simple JSON-over-HTTP
// contract: POST {to, body} -> 2xx {ref} or 4xx {error}. The provider is an
// opaque network boundary; anything 5xx or undecodable is a transport fault.
type HTTPJSON struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewHTTPJSON(baseURL, apiKey string) *HTTPJSON {
	return &HTTPJSON{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTPJSON) Send(ctx context.Context, destination, body string) (Outcome, error) {
	payload, err := json.Marshal(map[string]string{"to": destination, "body": body})
	if err != nil {
		return Outcome{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return Outcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.APIKey)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Outcome{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out struct {
			Ref string `json:"ref"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return Outcome{}, fmt.Errorf("decode provider response: %w", err)
		}
		return Outcome{Delivered: true, ProviderRef: out.Ref}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Provider rejected the message; not a fault.
		var out struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		if out.Error == "" {
			out.Error = resp.Status
		}
		return Outcome{Delivered: false, Reason: out.Error}, nil
	default:
		return Outcome{}, fmt.Errorf("provider returned %s", resp.Status)
	}
}
