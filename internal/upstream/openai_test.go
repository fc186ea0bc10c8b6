package upstream_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/token-relay/internal/upstream"
)

func sseHandler(t *testing.T, gotBody chan<- map[string]any, frames []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		gotBody <- body

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprint(w, frame)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func collect(t *testing.T, s upstream.Stream) []string {
	t.Helper()
	var got []string
	for {
		text, err := s.Recv()
		if err == io.EOF {
			return got
		}
		require.NoError(t, err)
		got = append(got, text)
	}
}

func TestOpenAI_Stream(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	server := httptest.NewServer(sseHandler(t, bodies, []string{
		`data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"llama-3.1-8b-instant","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}` + "\n\n",
		`data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"llama-3.1-8b-instant","choices":[{"index":0,"delta":{"content":"lo!"},"finish_reason":"stop"}]}` + "\n\n",
		`data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"llama-3.1-8b-instant","choices":[]}` + "\n\n",
		"data: [DONE]\n\n",
	}))
	defer server.Close()

	provider := upstream.NewOpenAI("test-key", server.URL+"/v1", option.WithMaxRetries(0))
	client := upstream.NewClient(provider, testParams())

	stream, err := client.Generate(context.Background(), "hi")
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, []string{"Hel", "lo!"}, collect(t, stream))

	body := <-bodies
	assert.Equal(t, "llama-3.1-8b-instant", body["model"])
	assert.Equal(t, true, body["stream"])
	assert.InDelta(t, 120, body["max_tokens"], 0)
	assert.InDelta(t, 0.4, body["temperature"], 1e-9)

	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Equal(t, "user", messages[1].(map[string]any)["role"])
	assert.Equal(t, "hi", messages[1].(map[string]any)["content"])
}

func TestOpenAI_StreamServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"upstream exploded","type":"server_error"}}`)
	}))
	defer server.Close()

	provider := upstream.NewOpenAI("test-key", server.URL+"/v1", option.WithMaxRetries(0))
	client := upstream.NewClient(provider, testParams())

	stream, err := client.Generate(context.Background(), "hi")
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv()
	var failure *upstream.Failure
	assert.ErrorAs(t, err, &failure)
}

func TestAnthropic_Stream(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	server := httptest.NewServer(sseHandler(t, bodies, []string{
		"event: content_block_delta\n" + `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}` + "\n\n",
		"event: content_block_delta\n" + `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo!"}}` + "\n\n",
		"event: message_stop\n" + `data: {"type":"message_stop"}` + "\n\n",
	}))
	defer server.Close()

	provider := upstream.NewAnthropic("test-key", server.URL, anthropicoption.WithMaxRetries(0))
	params := testParams()
	params.Model = "claude-haiku-4-5"
	client := upstream.NewClient(provider, params)

	stream, err := client.Generate(context.Background(), "hi")
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, []string{"Hel", "lo!"}, collect(t, stream))

	body := <-bodies
	assert.Equal(t, "claude-haiku-4-5", body["model"])
	assert.InDelta(t, 120, body["max_tokens"], 0)
}
