package gateway

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nkamura/llm-gateway/internal/upstream"
)

// fakeBackend records every call and serves canned responses in order.
type fakeBackend struct {
	postResults []*upstream.Result
	postErr     error
	postCalls   []map[string]interface{}

	streamChan  <-chan upstream.Chunk
	streamErr   error
	streamCalls int
}

func (f *fakeBackend) Post(ctx context.Context, path string, payload interface{}) (*upstream.Result, error) {
	// Snapshot the payload as sent; the router mutates it in place.
	p := payload.(map[string]interface{})
	snapshot := make(map[string]interface{}, len(p))
	for k, v := range p {
		snapshot[k] = v
	}
	f.postCalls = append(f.postCalls, snapshot)

	if f.postErr != nil {
		return nil, f.postErr
	}
	res := f.postResults[len(f.postCalls)-1]
	return res, nil
}

func (f *fakeBackend) Stream(ctx context.Context, path string, payload interface{}, headers map[string]string) (<-chan upstream.Chunk, error) {
	f.streamCalls++
	return f.streamChan, f.streamErr
}

// fakeResolver plays the model registry with fixed answers.
type fakeResolver struct {
	resolved     string
	retryModel   string
	retryOK      bool
	refreshCalls int
	models       []string
}

func (f *fakeResolver) Resolve(ctx context.Context, requested, defaultModel string) string {
	return f.resolved
}

func (f *fakeResolver) RetryModelFor404(ctx context.Context, status int, body []byte, requested, defaultModel string) (string, bool) {
	return f.retryModel, f.retryOK
}

func (f *fakeResolver) Refresh(ctx context.Context, force bool) {
	f.refreshCalls++
}

func (f *fakeResolver) Models() []string {
	return f.models
}

func newTestService(b Backend, r Resolver, cfg Config) Service {
	return NewService(b, r, cfg, zap.NewNop())
}

func notFoundBody() []byte {
	return []byte(`{"error":{"message":"The model 'stale' does not exist.","code":404}}`)
}

func TestChatCompletion_RewritesModel(t *testing.T) {
	backend := &fakeBackend{postResults: []*upstream.Result{{StatusCode: 200, Body: []byte(`{}`)}}}
	resolver := &fakeResolver{resolved: "actual-model"}
	svc := newTestService(backend, resolver, Config{DefaultModel: "default"})

	payload := map[string]interface{}{"model": "requested-model"}
	res, err := svc.ChatCompletion(context.Background(), payload)
	require.NoError(t, err)

	assert.Equal(t, 200, res.StatusCode)
	require.Len(t, backend.postCalls, 1)
	assert.Equal(t, "actual-model", backend.postCalls[0]["model"])
}

func TestChatCompletion_EmptyResolutionLeavesModelAlone(t *testing.T) {
	backend := &fakeBackend{postResults: []*upstream.Result{{StatusCode: 200, Body: []byte(`{}`)}}}
	resolver := &fakeResolver{resolved: ""}
	svc := newTestService(backend, resolver, Config{})

	payload := map[string]interface{}{"model": "whatever"}
	_, err := svc.ChatCompletion(context.Background(), payload)
	require.NoError(t, err)

	assert.Equal(t, "whatever", backend.postCalls[0]["model"])
}

func TestChatCompletion_NilPayloadDoesNotPanic(t *testing.T) {
	// The handler rejects a nil map before dispatch, but the router must
	// not assume it; a nil payload forwards untouched.
	backend := &fakeBackend{postResults: []*upstream.Result{{StatusCode: http.StatusBadRequest, Body: []byte(`{}`)}}}
	resolver := &fakeResolver{resolved: "actual-model"}
	svc := newTestService(backend, resolver, Config{SystemPromptEnabled: true, SystemPrompt: "x"})

	res, err := svc.ChatCompletion(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.Len(t, backend.postCalls, 1)
	assert.Empty(t, backend.postCalls[0])
}

func TestChatCompletion_404RetriedExactlyOnce(t *testing.T) {
	backend := &fakeBackend{
		postResults: []*upstream.Result{
			{StatusCode: http.StatusNotFound, Body: notFoundBody()},
			{StatusCode: http.StatusOK, Body: []byte(`{"id":"ok"}`)},
		},
	}
	resolver := &fakeResolver{resolved: "stale", retryModel: "fresh", retryOK: true}
	svc := newTestService(backend, resolver, Config{DefaultModel: "default"})

	payload := map[string]interface{}{"model": "stale"}
	res, err := svc.ChatCompletion(context.Background(), payload)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, backend.postCalls, 2, "exactly two upstream calls, never three")
	assert.Equal(t, "stale", backend.postCalls[0]["model"])
	assert.Equal(t, "fresh", backend.postCalls[1]["model"])
}

func TestChatCompletion_RetryFailureIsFinal(t *testing.T) {
	backend := &fakeBackend{
		postResults: []*upstream.Result{
			{StatusCode: http.StatusNotFound, Body: notFoundBody()},
			{StatusCode: http.StatusNotFound, Body: notFoundBody()},
		},
	}
	resolver := &fakeResolver{resolved: "stale", retryModel: "fresh", retryOK: true}
	svc := newTestService(backend, resolver, Config{})

	res, err := svc.ChatCompletion(context.Background(), map[string]interface{}{"model": "stale"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, res.StatusCode, "second failure passes through")
	assert.Len(t, backend.postCalls, 2, "a failed retry is never retried again")
}

func TestChatCompletion_UnrelatedNotFoundPassesThrough(t *testing.T) {
	backend := &fakeBackend{
		postResults: []*upstream.Result{
			{StatusCode: http.StatusNotFound, Body: []byte(`{"detail":"no such route"}`)},
		},
	}
	resolver := &fakeResolver{resolved: "m", retryOK: false}
	svc := newTestService(backend, resolver, Config{})

	res, err := svc.ChatCompletion(context.Background(), map[string]interface{}{"model": "m"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Len(t, backend.postCalls, 1)
}

func TestChatCompletion_RetrySkippedWhenModelUnchanged(t *testing.T) {
	backend := &fakeBackend{
		postResults: []*upstream.Result{
			{StatusCode: http.StatusNotFound, Body: notFoundBody()},
		},
	}
	// Re-resolution lands on the model we already tried.
	resolver := &fakeResolver{resolved: "same", retryModel: "same", retryOK: true}
	svc := newTestService(backend, resolver, Config{})

	res, err := svc.ChatCompletion(context.Background(), map[string]interface{}{"model": "same"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Len(t, backend.postCalls, 1, "retrying the same model is pointless")
}

func TestStreamChatCompletion_NoRetry(t *testing.T) {
	ch := make(chan upstream.Chunk)
	close(ch)
	backend := &fakeBackend{streamChan: ch}
	resolver := &fakeResolver{resolved: "m"}
	svc := newTestService(backend, resolver, Config{})

	out, err := svc.StreamChatCompletion(context.Background(), map[string]interface{}{
		"model":  "m",
		"stream": true,
	})
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Equal(t, 1, backend.streamCalls)
	assert.Empty(t, backend.postCalls, "streaming never goes through the buffered path")
}

func TestSystemPromptInjection(t *testing.T) {
	cfg := Config{
		SystemPromptEnabled: true,
		SystemPrompt:        "Always answer in Japanese.",
	}

	t.Run("prepends when first message is not system", func(t *testing.T) {
		backend := &fakeBackend{postResults: []*upstream.Result{{StatusCode: 200, Body: []byte(`{}`)}}}
		svc := newTestService(backend, &fakeResolver{resolved: "m"}, cfg)

		payload := map[string]interface{}{
			"model": "m",
			"messages": []interface{}{
				map[string]interface{}{"role": "user", "content": "hi"},
			},
		}
		_, err := svc.ChatCompletion(context.Background(), payload)
		require.NoError(t, err)

		msgs := backend.postCalls[0]["messages"].([]interface{})
		require.Len(t, msgs, 2)
		first := msgs[0].(map[string]interface{})
		assert.Equal(t, "system", first["role"])
		assert.Equal(t, "Always answer in Japanese.", first["content"])
	})

	t.Run("leaves an existing system message alone", func(t *testing.T) {
		backend := &fakeBackend{postResults: []*upstream.Result{{StatusCode: 200, Body: []byte(`{}`)}}}
		svc := newTestService(backend, &fakeResolver{resolved: "m"}, cfg)

		payload := map[string]interface{}{
			"model": "m",
			"messages": []interface{}{
				map[string]interface{}{"role": "system", "content": "custom"},
				map[string]interface{}{"role": "user", "content": "hi"},
			},
		}
		_, err := svc.ChatCompletion(context.Background(), payload)
		require.NoError(t, err)

		msgs := backend.postCalls[0]["messages"].([]interface{})
		require.Len(t, msgs, 2)
		assert.Equal(t, "custom", msgs[0].(map[string]interface{})["content"])
	})

	t.Run("disabled leaves messages untouched", func(t *testing.T) {
		backend := &fakeBackend{postResults: []*upstream.Result{{StatusCode: 200, Body: []byte(`{}`)}}}
		svc := newTestService(backend, &fakeResolver{resolved: "m"}, Config{})

		payload := map[string]interface{}{
			"model": "m",
			"messages": []interface{}{
				map[string]interface{}{"role": "user", "content": "hi"},
			},
		}
		_, err := svc.ChatCompletion(context.Background(), payload)
		require.NoError(t, err)

		msgs := backend.postCalls[0]["messages"].([]interface{})
		assert.Len(t, msgs, 1)
	})
}

func TestChatCompletion_PassthroughFieldsSurvive(t *testing.T) {
	backend := &fakeBackend{postResults: []*upstream.Result{{StatusCode: 200, Body: []byte(`{}`)}}}
	svc := newTestService(backend, &fakeResolver{resolved: "m"}, Config{})

	payload := map[string]interface{}{
		"model":       "m",
		"temperature": 0.7,
		"top_p":       0.9,
		"some_future_field": map[string]interface{}{
			"nested": true,
		},
	}
	_, err := svc.ChatCompletion(context.Background(), payload)
	require.NoError(t, err)

	sent := backend.postCalls[0]
	assert.Equal(t, 0.7, sent["temperature"])
	assert.Equal(t, 0.9, sent["top_p"])
	assert.NotNil(t, sent["some_future_field"], "unrecognized fields pass through untouched")
}

func TestListModels_RefreshesFirst(t *testing.T) {
	resolver := &fakeResolver{models: []string{"a", "b"}}
	svc := newTestService(&fakeBackend{}, resolver, Config{})

	models := svc.ListModels(context.Background())
	assert.Equal(t, []string{"a", "b"}, models)
	assert.Equal(t, 1, resolver.refreshCalls)
}
