package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkguard/linkguard/internal/store"
)

func TestPredict_SendsURLAndKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/predict", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "http://www.stock888.cn/", body["url"])
		_, _ = w.Write([]byte(`{"prediction":"Malicious","risk_label":"malicious"}`))
	}))
	defer srv.Close()

	out, err := New(srv.URL+"/", "secret").Predict(context.Background(), "http://www.stock888.cn/")
	require.NoError(t, err)
	assert.Equal(t, "malicious", out["risk_label"])
}

func TestCheckDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/checkDownloadable", r.URL.Path)
		assert.Empty(t, r.Header.Get("X-API-Key"))
		_, _ = w.Write([]byte(`{"isDownloadable":true,"riskLevel":"low_risk"}`))
	}))
	defer srv.Close()

	out, err := New(srv.URL, "").CheckDownload(context.Background(), "https://files.example/a.zip")
	require.NoError(t, err)
	assert.Equal(t, true, out["isDownloadable"])
}

func TestSearchVerdicts_Query(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/verdicts", r.URL.Path)
		assert.Equal(t, "predict", r.URL.Query().Get("kind"))
		_, _ = w.Write([]byte(`[{"id":"a","kind":"predict","url":"http://x/","host":"x","label":"Safe","score":0.1,"failures":0,"payload":{}}]`))
	}))
	defer srv.Close()

	recs, err := New(srv.URL, "").SearchVerdicts(context.Background(), url.Values{"kind": {"predict"}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Safe", recs[0].Label)
}

func TestHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid url: no URL provided"}` + "\n"))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Predict(context.Background(), "")
	var he *HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusBadRequest, he.StatusCode)
	assert.Contains(t, he.Error(), "no URL provided")
}

func TestHTTPErrorStringOmitsBodyWhenEmpty(t *testing.T) {
	err := &HTTPError{Method: "POST", Path: "/y", Status: "400", StatusCode: 400, Body: "   "}
	assert.Equal(t, "POST /y: 400", err.Error())
}

func streamServer(t *testing.T, recs ...store.Record) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/verdicts/stream", r.URL.Path)
		assert.Equal(t, "download", r.URL.Query().Get("kind"))
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, rec := range recs {
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
	}))
}

func TestStreamVerdicts(t *testing.T) {
	srv := streamServer(t,
		store.Record{ID: "a", Kind: store.KindDownload},
		store.Record{ID: "b", Kind: store.KindDownload},
	)
	defer srv.Close()

	var got []string
	err := New(srv.URL, "secret").StreamVerdicts(context.Background(), "download", func(rec store.Record) error {
		got = append(got, rec.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestStreamVerdicts_CallbackErrorStops(t *testing.T) {
	srv := streamServer(t,
		store.Record{ID: "a", Kind: store.KindDownload},
		store.Record{ID: "b", Kind: store.KindDownload},
	)
	defer srv.Close()

	errEnough := errors.New("enough")
	calls := 0
	err := New(srv.URL, "secret").StreamVerdicts(context.Background(), "download", func(store.Record) error {
		calls++
		return errEnough
	})
	assert.ErrorIs(t, err, errEnough)
	assert.Equal(t, 1, calls)
}

func TestStreamVerdicts_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := New(srv.URL, "").StreamVerdicts(context.Background(), "", func(store.Record) error { return nil })
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusUnauthorized, he.StatusCode)
}

func TestStreamVerdicts_BadScheme(t *testing.T) {
	err := New("unix:///tmp/sock", "").StreamVerdicts(context.Background(), "", func(store.Record) error { return nil })
	assert.ErrorContains(t, err, "unsupported server scheme")
}
