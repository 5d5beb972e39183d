// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package matrixbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/bureau-foundation/boxsync/lib/netutil"
	"github.com/bureau-foundation/boxsync/lib/remote"
)

// MatrixError is the structured error body a homeserver returns for
// every non-2xx response.
type MatrixError struct {
	Code       string `json:"errcode"`
	Message    string `json:"error"`
	StatusCode int    `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

const (
	errCodeNotFound      = "M_NOT_FOUND"
	errCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	errCodeTooLarge      = "M_TOO_LARGE"
)

// classify maps a request failure to the remote error taxonomy.
//
//	429, 5xx, M_LIMIT_EXCEEDED      transient
//	404, M_NOT_FOUND                not found
//	401, 403, 413, any other 4xx    permanent
//
// Failures without an HTTP status (dial errors, timeouts, truncated
// bodies) go through remote.Classify.
func classify(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) {
		return remote.Classify(op, id, err)
	}
	switch {
	case matrixErr.StatusCode == http.StatusTooManyRequests,
		matrixErr.Code == errCodeLimitExceeded,
		matrixErr.StatusCode >= 500:
		return remote.Transient(op, id, err)
	case matrixErr.StatusCode == http.StatusNotFound,
		matrixErr.Code == errCodeNotFound:
		return &notFoundError{remote.NotFound(op, id), err}
	default:
		return remote.Permanent(op, id, err)
	}
}

// notFoundError keeps the homeserver's message reachable alongside the
// not-found class.
type notFoundError struct {
	class error
	cause error
}

func (e *notFoundError) Error() string   { return e.class.Error() + ": " + e.cause.Error() }
func (e *notFoundError) Unwrap() []error { return []error{e.class, e.cause} }

// doJSON performs a request with an optional JSON body and returns the
// response body on 2xx.
func (b *Backend) doJSON(ctx context.Context, method, path string, requestBody any, query url.Values) ([]byte, error) {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("matrixbox: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}
	contentType := ""
	if requestBody != nil {
		contentType = "application/json"
	}
	response, err := b.do(ctx, method, path, query, contentType, bodyReader)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("matrixbox: reading response body: %w", err)
	}
	return body, nil
}

// do sends the request and converts non-2xx responses into
// *MatrixError. On success the caller owns response.Body.
func (b *Backend) do(ctx context.Context, method, path string, query url.Values, contentType string, body io.Reader) (*http.Response, error) {
	requestURL := b.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return nil, fmt.Errorf("matrixbox: creating request: %w", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	request.Header.Set("Authorization", "Bearer "+b.accessToken.String())

	response, err := b.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("matrixbox: %s %s: %w", method, path, err)
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return response, nil
	}
	defer response.Body.Close()

	raw := netutil.ErrorBody(response.Body)
	matrixErr := &MatrixError{StatusCode: response.StatusCode}
	if jsonErr := json.Unmarshal([]byte(raw), matrixErr); jsonErr != nil || matrixErr.Code == "" {
		// Proxies in front of the homeserver answer with HTML; keep
		// the status so classification still works.
		matrixErr.Code = "M_UNKNOWN"
		matrixErr.Message = raw
	}
	if response.StatusCode == http.StatusRequestEntityTooLarge && matrixErr.Code == "M_UNKNOWN" {
		matrixErr.Code = errCodeTooLarge
	}
	return nil, matrixErr
}
