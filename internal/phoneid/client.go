// Package phoneid implements the TeleSign PhoneID request executor: one
// HTTP call per attempt, with transient failures surfaced to the worker
// pool for retry.
package phoneid

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mdp18/phoneid-batch/internal/util"
	"github.com/mdp18/phoneid-batch/internal/version"
	"github.com/mdp18/phoneid-batch/pkg/pipeline/core"
)

// DefaultBaseURL is the TeleSign worldwide REST endpoint.
const DefaultBaseURL = "https://rest-ww.telesign.com"

var userAgent = "phoneid-batch/" + version.Current

type Config struct {
	// BaseURL defaults to DefaultBaseURL. A scheme-less value is treated
	// as https.
	BaseURL string

	// CustomerID and APIKey form the Basic auth pair attached to every
	// outbound request.
	CustomerID string
	APIKey     string

	// UCID is an optional use-case code forwarded with each lookup.
	UCID string

	// Addons is the merged, order-preserving addon set for the run. The
	// presence of AddonLive switches routing to the live endpoint.
	Addons []string

	// ProxyURL optionally routes all requests through an outbound proxy.
	ProxyURL string
}

// Client issues PhoneID lookups. It is safe for concurrent use: the addon
// set, request body and transport are fixed at construction.
type Client struct {
	baseURL       *url.URL
	authorization string
	ucid          string
	live          bool
	standardBody  []byte
	http          *http.Client
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.CustomerID) == "" {
		return nil, fmt.Errorf("customer ID is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("API key is required")
	}

	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	baseURL, err := parseBaseURL(base)
	if err != nil {
		return nil, err
	}

	hc, err := newHTTPClient(cfg.ProxyURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:       baseURL,
		authorization: basicAuth(cfg.CustomerID, cfg.APIKey),
		ucid:          strings.TrimSpace(cfg.UCID),
		live:          containsAddon(cfg.Addons, AddonLive),
		http:          hc,
	}
	if !c.live {
		c.standardBody, err = marshalStandardBody(cfg.Addons, c.ucid)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Lookup performs one attempt for one canonical number. The returned
// Outcome is always populated; err is non-nil only for retryable attempts
// (429, 5xx, transport failure), wrapped as core.TransientError.
func (c *Client) Lookup(ctx context.Context, phone string) (Outcome, error) {
	req, err := c.newRequest(ctx, phone)
	if err != nil {
		return transportFailure(phone, err), err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportFailure(phone, err), &core.TransientError{Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportFailure(phone, err), &core.TransientError{Err: err}
	}

	out := Outcome{
		Phone:             phone,
		StatusCode:        resp.StatusCode,
		StatusDescription: statusDescription(b),
		Body:              normalizeBody(b),
	}
	if Classify(resp.StatusCode, nil) == DispositionRetryable {
		return out, &core.TransientError{Err: fmt.Errorf("phoneid lookup: %s", resp.Status)}
	}
	return out, nil
}

func (c *Client) newRequest(ctx context.Context, phone string) (*http.Request, error) {
	var req *http.Request
	var err error

	if c.live {
		u := c.baseURL.JoinPath("v1", "phoneid", "live", phone)
		if c.ucid != "" {
			q := u.Query()
			q.Set("ucid", c.ucid)
			u.RawQuery = q.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	} else {
		u := c.baseURL.JoinPath("v1", "phoneid", phone)
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(c.standardBody))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", c.authorization)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

// MergeAddons combines the default addon set with custom addons, deduplicating
// while preserving first-seen order.
func MergeAddons(custom []string, includeDefaults bool) []string {
	var merged []string
	if includeDefaults {
		merged = append(merged, DefaultAddons...)
	}
	merged = append(merged, custom...)

	seen := make(map[string]struct{}, len(merged))
	out := make([]string, 0, len(merged))
	for _, a := range merged {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

func containsAddon(addons []string, name string) bool {
	for _, a := range addons {
		if strings.EqualFold(strings.TrimSpace(a), name) {
			return true
		}
	}
	return false
}

func marshalStandardBody(addons []string, ucid string) ([]byte, error) {
	addonsObj := make(map[string]struct{}, len(addons))
	for _, a := range addons {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		addonsObj[a] = struct{}{}
	}
	body := struct {
		Addons map[string]struct{} `json:"addons"`
		UCID   string              `json:"ucid,omitempty"`
	}{
		Addons: addonsObj,
		UCID:   ucid,
	}
	return json.Marshal(body)
}

func parseBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL must include a host (got %q)", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// newHTTPClient clones the default transport so every worker shares one
// connection pool. No client-level timeout: the per-attempt deadline comes
// in on the request context.
func newHTTPClient(proxyURL string) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if strings.TrimSpace(proxyURL) != "" {
		p, err := url.Parse(strings.TrimSpace(proxyURL))
		if err != nil {
			return nil, fmt.Errorf("parse proxy URL: %w", err)
		}
		tr.Proxy = http.ProxyURL(p)
	}
	return &http.Client{Transport: tr}, nil
}

func basicAuth(customerID, apiKey string) string {
	token := strings.TrimSpace(customerID) + ":" + strings.TrimSpace(apiKey)
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(token))
}

// statusDescription extracts status.description from a PhoneID response body.
func statusDescription(body []byte) string {
	var envelope struct {
		Status struct {
			Description string `json:"description"`
		} `json:"status"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	return strings.TrimSpace(envelope.Status.Description)
}

// normalizeBody keeps valid JSON as-is and wraps anything else so the
// output column is always well-formed JSON.
func normalizeBody(body []byte) []byte {
	if len(bytes.TrimSpace(body)) > 0 && json.Valid(body) {
		return body
	}
	wrapped, err := json.Marshal(map[string]string{"raw_text": string(body)})
	if err != nil {
		return []byte(`{}`)
	}
	return wrapped
}

func transportFailure(phone string, err error) Outcome {
	msg := "request never completed"
	if err != nil {
		msg = util.RedactSecrets(err.Error())
	}
	body, merr := json.Marshal(map[string]string{"error": msg})
	if merr != nil {
		body = []byte(`{"error":"request never completed"}`)
	}
	return Outcome{
		Phone:             phone,
		StatusCode:        StatusTransportFailure,
		StatusDescription: "network_failure",
		Body:              body,
	}
}
