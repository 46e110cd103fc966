// Copyright 2025 The Captely Authors
// This file is part of the cascade library.
//
// The cascade library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The cascade library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the cascade library. If not, see <http://www.gnu.org/licenses/>.

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	userAgent = "captely-cascade/1.0"

	// maxResponseBody caps what is read from a provider; anything larger is
	// truncated rather than buffered.
	maxResponseBody = 1 << 20
)

// httpClient is the wire helper shared by all adapters: JSON in, JSON out,
// HTTP status mapped onto the failure taxonomy.
type httpClient struct {
	name   string
	base   string
	client *http.Client
}

func newHTTPClient(name, base string, timeout time.Duration) *httpClient {
	return &httpClient{
		name:   name,
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (c *httpClient) postJSON(ctx context.Context, path string, header http.Header, body, out interface{}) (json.RawMessage, error) {
	return c.request(ctx, http.MethodPost, path, header, body, out)
}

func (c *httpClient) getJSON(ctx context.Context, path string, header http.Header, out interface{}) (json.RawMessage, error) {
	return c.request(ctx, http.MethodGet, path, header, nil, out)
}

// request performs one call and decodes the response into out when given.
// The raw body is returned for the audit trail. Context errors pass through
// untouched so that the caller can tell cancellation from provider failure.
func (c *httpClient) request(ctx context.Context, method, path string, header http.Header, body, out interface{}) (json.RawMessage, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &LookupError{Provider: c.name, Kind: FailTransientNetwork, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &LookupError{Provider: c.name, Kind: FailTransientNetwork, Err: err}
	}
	if kind, failed := statusFailure(resp.StatusCode); failed {
		return nil, &LookupError{Provider: c.name, Kind: kind, Status: resp.StatusCode}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, &LookupError{Provider: c.name, Kind: FailInvalidResponse, Err: err}
		}
	}
	return raw, nil
}

// statusFailure maps an HTTP status onto the taxonomy. 2xx is success; the
// interesting cases follow the conventions all four providers share.
func statusFailure(status int) (FailureKind, bool) {
	switch {
	case status >= 200 && status < 300:
		return "", false
	case status == http.StatusTooManyRequests:
		return FailRateLimited, true
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return FailUnauthorized, true
	case status == http.StatusPaymentRequired:
		return FailProviderQuota, true
	case status == http.StatusNotFound:
		return FailNotFound, true
	case status >= 500:
		return FailProviderUnavailable, true
	default:
		return FailInvalidResponse, true
	}
}
