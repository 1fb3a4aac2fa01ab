package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIChatClient_VisionPayload(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": `{"action":"hold"}`}}},
		})
	}))
	defer srv.Close()

	p := BuildProvider(ModelCfg{APIURL: srv.URL + "/v1/chat/completions", APIKey: "sk-test1234", Model: "gpt-4o", SupportsVision: true}, time.Second)
	out, err := p.Call(context.Background(), ChatPayload{
		System:     "sys",
		User:       "chart attached",
		Images:     []ImagePayload{ImageFromBytes("image/png", []byte{1, 2, 3}, "5m chart")},
		ExpectJSON: true,
		MaxTokens:  256,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"action":"hold"}`, out)
	assert.Equal(t, "Bearer sk-test1234", auth)
	assert.Equal(t, "gpt-4o", got["model"])
	assert.EqualValues(t, 256, got["max_tokens"])

	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	parts := msgs[1].(map[string]any)["content"].([]any)
	require.Len(t, parts, 3)
	img := parts[2].(map[string]any)["image_url"].(map[string]any)
	assert.Equal(t, "data:image/png;base64,AQID", img["url"])
}

func TestOpenAIChatClient_RetriesThenFails(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer srv.Close()

	p := NewOpenAIChatClient(ModelCfg{ID: "t", APIURL: srv.URL, Model: "m"}, time.Second)
	p.client.SetRetryWaitTime(time.Millisecond).SetRetryMaxWaitTime(2 * time.Millisecond)
	_, err := p.Call(context.Background(), ChatPayload{User: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestOpenAIChatClient_RejectsImagesWithoutVision(t *testing.T) {
	p := NewOpenAIChatClient(ModelCfg{ID: "t", Model: "m"}, time.Second)
	_, err := p.Call(context.Background(), ChatPayload{Images: []ImagePayload{{DataURI: "x"}}})
	require.Error(t, err)
}

func TestMaskHeaders(t *testing.T) {
	h := maskHeaders("abcdefgh", map[string]string{"X-Api-Key": "secret-value", "X-Org": "org"})
	assert.Equal(t, "Bearer ****efgh", h["Authorization"])
	assert.Equal(t, "****alue", h["X-Api-Key"])
	assert.Equal(t, "org", h["X-Org"])
}
