package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/lyzno1/llm-eduhub/internal/apikeys"
	"github.com/lyzno1/llm-eduhub/internal/chat"
	"github.com/lyzno1/llm-eduhub/internal/config"
	"github.com/lyzno1/llm-eduhub/internal/llm"
	"github.com/lyzno1/llm-eduhub/internal/task"
)

type mockLLM struct {
	completionFn func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	streamFn     func(ctx context.Context, req openai.ChatCompletionRequest) (llm.Stream, error)
}

func (m *mockLLM) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if m.completionFn != nil {
		return m.completionFn(ctx, req)
	}
	return openai.ChatCompletionResponse{}, nil
}

func (m *mockLLM) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (llm.Stream, error) {
	if m.streamFn != nil {
		return m.streamFn(ctx, req)
	}
	return &fakeStream{}, nil
}

type fakeStream struct {
	recv func() (openai.ChatCompletionStreamResponse, error)
}

func (f *fakeStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if f.recv == nil {
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}
	return f.recv()
}

func (f *fakeStream) Close() error { return nil }

func newTestServer(t *testing.T, mock *mockLLM) (*httptest.Server, *chat.Store) {
	t.Helper()
	store := chat.NewStore()
	keys := apikeys.Open(filepath.Join(t.TempDir(), "keys.db"), "master")
	t.Cleanup(keys.Close)
	runner := task.NewRunner(store, mock, config.LLMConfig{Model: "gpt"}, nil)
	ts := httptest.NewServer(New(store, runner, keys, nil).Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestChat_NonStreaming(t *testing.T) {
	mock := &mockLLM{completionFn: func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "Hello"}}},
		}, nil
	}}
	ts, store := newTestServer(t, mock)

	stream := false
	resp := postJSON(t, ts.URL+"/chat", map[string]any{"text": "hi", "stream": &stream})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Message *chat.Message `json:"message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Message)
	require.Equal(t, "Hello", out.Message.Text)
	require.Len(t, store.Snapshot().Messages, 2)
}

func TestChat_StreamingReturnsTaskID(t *testing.T) {
	mock := &mockLLM{streamFn: func(ctx context.Context, req openai.ChatCompletionRequest) (llm.Stream, error) {
		sent := false
		return &fakeStream{recv: func() (openai.ChatCompletionStreamResponse, error) {
			if sent {
				return openai.ChatCompletionStreamResponse{}, io.EOF
			}
			sent = true
			return openai.ChatCompletionStreamResponse{
				Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: "Hello"}}},
			}, nil
		}}, nil
	}}
	ts, store := newTestServer(t, mock)

	resp := postJSON(t, ts.URL+"/chat", map[string]any{"text": "hi"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.TaskID)

	require.Eventually(t, func() bool {
		snap := store.Snapshot()
		return len(snap.Messages) == 2 && !snap.Messages[1].IsStreaming
	}, time.Second, 2*time.Millisecond)
}

func TestChat_RejectsEmptyText(t *testing.T) {
	ts, _ := newTestServer(t, &mockLLM{})
	resp := postJSON(t, ts.URL+"/chat", map[string]any{})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChat_ConflictWhileProcessing(t *testing.T) {
	ts, store := newTestServer(t, &mockLLM{})
	store.SetWaiting(true)

	resp := postJSON(t, ts.URL+"/chat", map[string]any{"text": "hi"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStop_UnknownTask(t *testing.T) {
	ts, _ := newTestServer(t, &mockLLM{})
	resp := postJSON(t, ts.URL+"/chat/stop", map[string]any{"task_id": "nope"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClearAndState(t *testing.T) {
	ts, store := newTestServer(t, &mockLLM{})
	store.Add(chat.Message{Text: "hi", IsUser: true})
	store.SetConversationID("conv-1")

	resp := postJSON(t, ts.URL+"/chat/clear", map[string]any{})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	stateResp, err := http.Get(ts.URL + "/chat/state")
	require.NoError(t, err)
	defer stateResp.Body.Close()

	var snap chat.Snapshot
	require.NoError(t, json.NewDecoder(stateResp.Body).Decode(&snap))
	require.Empty(t, snap.Messages)
	require.Equal(t, "conv-1", snap.CurrentConversationID)
}

func TestAPIKeysCRUD(t *testing.T) {
	ts, _ := newTestServer(t, &mockLLM{})
	client := ts.Client()

	// Create.
	resp := postJSON(t, ts.URL+"/api-keys", map[string]any{
		"service_instance_id": "inst-1",
		"key_value":           "sk-secret",
		"is_default":          true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created apikeys.Key
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.NotEmpty(t, created.ID)
	require.Empty(t, created.KeyValue)

	// Default lookup.
	defResp, err := client.Get(ts.URL + "/api-keys/default?service_instance_id=inst-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, defResp.StatusCode)
	defResp.Body.Close()

	// Decrypted fetch returns the plaintext.
	decResp, err := client.Get(ts.URL + "/api-keys/" + created.ID + "/decrypted")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, decResp.StatusCode)
	var dec apikeys.Key
	require.NoError(t, json.NewDecoder(decResp.Body).Decode(&dec))
	decResp.Body.Close()
	require.Equal(t, "sk-secret", dec.KeyValue)

	// Usage increment.
	useResp := postJSON(t, ts.URL+"/api-keys/"+created.ID+"/usage", map[string]any{})
	useResp.Body.Close()
	require.Equal(t, http.StatusNoContent, useResp.StatusCode)

	// Partial update.
	patch, err := http.NewRequest(http.MethodPatch, ts.URL+"/api-keys/"+created.ID,
		strings.NewReader(`{"key_value":"sk-rotated"}`))
	require.NoError(t, err)
	patchResp, err := client.Do(patch)
	require.NoError(t, err)
	patchResp.Body.Close()
	require.Equal(t, http.StatusNoContent, patchResp.StatusCode)

	// Delete, then the decrypted fetch misses.
	del, err := http.NewRequest(http.MethodDelete, ts.URL+"/api-keys/"+created.ID, nil)
	require.NoError(t, err)
	delResp, err := client.Do(del)
	require.NoError(t, err)
	delResp.Body.Close()
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)

	missResp, err := client.Get(ts.URL + "/api-keys/" + created.ID + "/decrypted")
	require.NoError(t, err)
	missResp.Body.Close()
	require.Equal(t, http.StatusNotFound, missResp.StatusCode)
}

func TestWS_PushesSnapshots(t *testing.T) {
	ts, store := newTestServer(t, &mockLLM{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Initial snapshot.
	var snap chat.Snapshot
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&snap))
	require.Empty(t, snap.Messages)

	store.Add(chat.Message{Text: "hi", IsUser: true})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&snap))
	require.Len(t, snap.Messages, 1)
	require.Equal(t, "hi", snap.Messages[0].Text)
}
