package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testModel = "claude-haiku-4-5-20251001"

// fakeAPI serves /v1/messages. A zero status replies with a message whose
// text is reply; any other status replies with an API error.
func fakeAPI(t *testing.T, status int, reply string, seen *map[string]any) Client {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")
		if seen != nil {
			body, err := io.ReadAll(r.Body)
			assert.NoError(t, err)
			assert.NoError(t, json.Unmarshal(body, seen))
		}

		w.Header().Set("Content-Type", "application/json")
		if status != 0 {
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"type":  "error",
				"error": map[string]any{"type": "api_error", "message": "nope"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_ner_1",
			"type":        "message",
			"role":        "assistant",
			"model":       testModel,
			"stop_reason": "end_turn",
			"content":     []map[string]any{{"type": "text", "text": reply}},
			"usage": map[string]any{
				"input_tokens":                120,
				"output_tokens":               18,
				"cache_creation_input_tokens": 0,
				"cache_read_input_tokens":     900,
			},
		})
	}))
	t.Cleanup(ts.Close)
	return NewClient("test-key", option.WithBaseURL(ts.URL), option.WithMaxRetries(0))
}

func TestCreateMessage(t *testing.T) {
	var body map[string]any
	client := fakeAPI(t, 0, `[{"text":"Acme","type":"ORG"}]`, &body)

	temp := 0.0
	resp, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:       testModel,
		MaxTokens:   1024,
		System:      CachedSystem("Extract named entities."),
		Messages:    []Message{{Role: "user", Content: "Acme hired Bob."}},
		Temperature: &temp,
	})
	require.NoError(t, err)

	assert.Equal(t, "msg_ner_1", resp.ID)
	assert.Equal(t, `[{"text":"Acme","type":"ORG"}]`, resp.Text())
	assert.Equal(t, int64(120), resp.Usage.InputTokens)
	assert.Equal(t, int64(900), resp.Usage.CacheReadInputTokens)

	assert.Equal(t, testModel, body["model"])
	assert.EqualValues(t, 1024, body["max_tokens"])
	system, ok := body["system"].([]any)
	require.True(t, ok)
	require.Len(t, system, 1)
	assert.Contains(t, system[0], "cache_control")
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 1)
}

func TestCreateMessage_StatusCodes(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusTooManyRequests, http.StatusInternalServerError} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			client := fakeAPI(t, status, "", nil)
			_, err := client.CreateMessage(context.Background(), MessageRequest{
				Model:     testModel,
				MaxTokens: 16,
				Messages:  []Message{{Role: "user", Content: "x"}},
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "anthropic: create message")
			assert.Equal(t, status, StatusCode(err))
		})
	}
}

func TestCreateMessage_Cancelled(t *testing.T) {
	client := fakeAPI(t, 0, "[]", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.CreateMessage(ctx, MessageRequest{
		Model:     testModel,
		MaxTokens: 16,
		Messages:  []Message{{Role: "user", Content: "x"}},
	})
	assert.Error(t, err)
	assert.Zero(t, StatusCode(err))
}
