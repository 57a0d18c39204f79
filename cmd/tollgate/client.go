// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	tgerr "github.com/tollgate-dev/tollgate/pkg/errors"
)

// defaultHTTPClient is the package-level HTTP client used by gateway
// commands. Overridden in tests via httptest.
var defaultHTTPClient = &http.Client{
	Timeout: 5 * time.Second,
}

// gatewayClient provides HTTP access to a running tollgate gateway.
type gatewayClient struct {
	baseURL string
	http    *http.Client
}

// newGatewayClient creates a client targeting the given host:port address.
func newGatewayClient(addr string) *gatewayClient {
	return &gatewayClient{
		baseURL: "http://" + addr,
		http:    defaultHTTPClient,
	}
}

// getJSON performs a GET request and decodes the JSON response into dest.
func (c *gatewayClient) getJSON(path string, dest any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return classifyRequestError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	return decodeResponse(resp, dest)
}

// postJSON performs a POST request with a JSON body and decodes the JSON
// response into dest. A nil body sends an empty request.
func (c *gatewayClient) postJSON(path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return tgerr.Wrap(err, tgerr.CodeCLIRequestFailure, "encoding request body")
		}
		reader = bytes.NewReader(raw)
	}

	resp, err := c.http.Post(c.baseURL+path, "application/json", reader)
	if err != nil {
		return classifyRequestError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	return decodeResponse(resp, dest)
}

func decodeResponse(resp *http.Response, dest any) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		return tgerr.Errorf(tgerr.CodeCLIRequestFailure,
			"gateway returned status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return tgerr.Wrap(err, tgerr.CodeCLIResponseInvalid, "invalid response")
	}
	return nil
}

func classifyRequestError(err error) error {
	if isDialError(err) {
		return tgerr.New(tgerr.CodeCLIGatewayNotRunning, "gateway is not running (connection refused)")
	}
	return tgerr.Wrap(err, tgerr.CodeCLIRequestFailure, "request failed")
}

// isDialError returns true if err is a net dial error (connection refused,
// etc.).
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

// fmtTime renders a timestamp for terminal output.
func fmtTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}
