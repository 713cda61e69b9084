// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPRemote implements Remote over the school-data service's JSON API.
//
// Endpoints:
//
//	GET    {base}/sync/{entityType}/changes?school_id=...&since=...&limit=...
//	POST   {base}/sync/{entityType}
//	PUT    {base}/sync/{entityType}/{id}
//	DELETE {base}/sync/{entityType}/{id}
type HTTPRemote struct {
	BaseURL string
	Token   func(ctx context.Context) (string, error) // returns a bearer JWT
	HTTP    *http.Client
}

// NewHTTPRemote creates an HTTPRemote with a timeout sized for batch pulls.
func NewHTTPRemote(baseURL string, token func(ctx context.Context) (string, error)) *HTTPRemote {
	return &HTTPRemote{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (r *HTTPRemote) FetchChanges(ctx context.Context, schoolID, entityType, sinceToken string, limit int) (*ChangePage, error) {
	endpoint := fmt.Sprintf("%s/sync/%s/changes?school_id=%s&since=%s&limit=%d",
		r.BaseURL, url.PathEscape(entityType), url.QueryEscape(schoolID), url.QueryEscape(sinceToken), limit)
	var page ChangePage
	if err := r.do(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (r *HTTPRemote) Create(ctx context.Context, entityType string, payload json.RawMessage) (*RemoteRecord, error) {
	endpoint := fmt.Sprintf("%s/sync/%s", r.BaseURL, url.PathEscape(entityType))
	var rec RemoteRecord
	if err := r.do(ctx, http.MethodPost, endpoint, payload, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *HTTPRemote) Update(ctx context.Context, entityType, id string, payload json.RawMessage) (*RemoteRecord, error) {
	endpoint := fmt.Sprintf("%s/sync/%s/%s", r.BaseURL, url.PathEscape(entityType), url.PathEscape(id))
	var rec RemoteRecord
	if err := r.do(ctx, http.MethodPut, endpoint, payload, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *HTTPRemote) Delete(ctx context.Context, entityType, id string) error {
	endpoint := fmt.Sprintf("%s/sync/%s/%s", r.BaseURL, url.PathEscape(entityType), url.PathEscape(id))
	return r.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// do sends one request and maps the response into the error taxonomy:
// transport failures and 5xx are transient (ErrNetworkUnreachable), 4xx are
// definitive (*RejectedError).
func (r *HTTPRemote) do(ctx context.Context, method, endpoint string, body json.RawMessage, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Token != nil {
		token, err := r.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get auth token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: server returned %d", ErrNetworkUnreachable, resp.StatusCode)
	default:
		return r.rejection(resp)
	}
}

// rejectionBody is the remote's refusal envelope; server_record carries the
// current remote state on version conflicts.
type rejectionBody struct {
	Error        string        `json:"error"`
	Message      string        `json:"message"`
	ServerRecord *RemoteRecord `json:"server_record,omitempty"`
}

func (r *HTTPRemote) rejection(resp *http.Response) error {
	rej := &RejectedError{
		Status:   resp.StatusCode,
		Reason:   resp.Status,
		NotFound: resp.StatusCode == http.StatusNotFound,
	}
	var body rejectionBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		if body.Message != "" {
			rej.Reason = body.Message
		} else if body.Error != "" {
			rej.Reason = body.Error
		}
		rej.ServerRecord = body.ServerRecord
	}
	return rej
}
