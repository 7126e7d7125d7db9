package aiclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexabot/wagate/internal/aiclient"
)

func candidateBody(text string) string {
	body, _ := json.Marshal(map[string]interface{}{
		"candidates": []map[string]interface{}{
			{"content": map[string]interface{}{
				"parts": []map[string]string{{"text": text}},
			}},
		},
	})
	return string(body)
}

func newClient(baseURL string) *aiclient.GeminiClient {
	return aiclient.NewGeminiClient(aiclient.Config{
		APIKey:  "test-key",
		BaseURL: baseURL,
		Model:   "gemini-test",
	})
}

func TestCompleteWithSystem(t *testing.T) {
	var gotPath string
	var gotReq map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_, _ = w.Write([]byte(candidateBody("  Claro, con gusto.  ")))
	}))
	defer srv.Close()

	c := newClient(srv.URL)
	out, err := c.CompleteWithSystem(context.Background(), "Eres un asistente.", "hola")
	require.NoError(t, err)
	require.Equal(t, "Claro, con gusto.", out)
	require.Equal(t, "/models/gemini-test:generateContent", gotPath)

	sys := gotReq["systemInstruction"].(map[string]interface{})
	parts := sys["parts"].([]interface{})
	require.Equal(t, "Eres un asistente.", parts[0].(map[string]interface{})["text"])
}

func TestCompleteRetriesOnRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(candidateBody("ok")))
	}))
	defer srv.Close()

	out, err := newClient(srv.URL).CompleteWithSystem(context.Background(), "", "hola")
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestCompleteFailsFastOnBadRequest(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"invalid"}}`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).CompleteWithSystem(context.Background(), "", "hola")
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 400")
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCompleteAPIErrorPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"code":500,"message":"model overloaded"}}`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).CompleteWithSystem(context.Background(), "", "hola")
	require.Error(t, err)
	require.Contains(t, err.Error(), "model overloaded")
}

func TestCompleteRequiresAPIKey(t *testing.T) {
	c := aiclient.NewGeminiClient(aiclient.Config{})
	_, err := c.CompleteWithSystem(context.Background(), "", "hola")
	require.Error(t, err)
}

func TestCompleteNoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).CompleteWithSystem(context.Background(), "", "hola")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no completion")
}
