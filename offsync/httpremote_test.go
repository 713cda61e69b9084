// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPRemoteFetchChanges(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/sync/students/changes", r.URL.Path)
		require.Equal(t, "school-1", r.URL.Query().Get("school_id"))
		require.Equal(t, "tok-7", r.URL.Query().Get("since"))
		require.Equal(t, "500", r.URL.Query().Get("limit"))
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(ChangePage{
			Records: []RemoteRecord{
				{ID: "s1", SchoolID: "school-1", EntityType: "students", Payload: json.RawMessage(`{"name":"Amina"}`)},
			},
			NextToken: "tok-8",
		})
	}))
	defer server.Close()

	remote := NewHTTPRemote(server.URL, func(ctx context.Context) (string, error) {
		return "test-token", nil
	})
	page, err := remote.FetchChanges(context.Background(), "school-1", "students", "tok-7", 500)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Equal(t, "s1", page.Records[0].ID)
	require.Equal(t, "tok-8", page.NextToken)
}

func TestHTTPRemoteCreateAndUpdatePaths(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sync/students":
			require.Equal(t, "application/json", r.Header.Get("Content-Type"))
			json.NewEncoder(w).Encode(RemoteRecord{ID: "s1", Payload: json.RawMessage(`{"v":1}`)})
		case r.Method == http.MethodPut && r.URL.Path == "/sync/students/s1":
			json.NewEncoder(w).Encode(RemoteRecord{ID: "s1", Payload: json.RawMessage(`{"v":2}`)})
		case r.Method == http.MethodDelete && r.URL.Path == "/sync/students/s1":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	remote := NewHTTPRemote(server.URL, nil)
	ctx := context.Background()

	rec, err := remote.Create(ctx, "students", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	require.Equal(t, "s1", rec.ID)

	rec, err = remote.Update(ctx, "students", "s1", json.RawMessage(`{"v":2}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"v":2}`, string(rec.Payload))

	require.NoError(t, remote.Delete(ctx, "students", "s1"))
}

func TestHTTPRemoteServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	remote := NewHTTPRemote(server.URL, nil)
	_, err := remote.FetchChanges(context.Background(), "school-1", "students", "", 100)
	require.ErrorIs(t, err, ErrNetworkUnreachable)
}

func TestHTTPRemoteTransportFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	remote := NewHTTPRemote(server.URL, nil)
	_, err := remote.Create(context.Background(), "students", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrNetworkUnreachable)
}

func TestHTTPRemoteRejectionCarriesServerRecord(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(rejectionBody{
			Error:        "version_conflict",
			Message:      "record was modified by another device",
			ServerRecord: &RemoteRecord{ID: "s1", Payload: json.RawMessage(`{"v":"server"}`)},
		})
	}))
	defer server.Close()

	remote := NewHTTPRemote(server.URL, nil)
	_, err := remote.Update(context.Background(), "students", "s1", json.RawMessage(`{"v":"mine"}`))

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, http.StatusConflict, rejected.Status)
	require.Equal(t, "record was modified by another device", rejected.Reason)
	require.False(t, rejected.NotFound)
	require.NotNil(t, rejected.ServerRecord)
	require.JSONEq(t, `{"v":"server"}`, string(rejected.ServerRecord.Payload))
}

func TestHTTPRemoteNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	remote := NewHTTPRemote(server.URL, nil)
	err := remote.Delete(context.Background(), "students", "gone")

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.True(t, rejected.NotFound)
}
