package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"gemini-gateway/core/storage"
	"gemini-gateway/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeUpstream 可按 Key 编排行为的上游
type fakeUpstream struct {
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc // Key -> 行为
	calls    []string                    // 被调用的 Key 顺序
	server   *httptest.Server
}

func newFakeUpstream() *fakeUpstream {
	f := &fakeUpstream{handlers: make(map[string]http.HandlerFunc)}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		f.mu.Lock()
		f.calls = append(f.calls, key)
		handler := f.handlers[key]
		f.mu.Unlock()
		if handler == nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		handler(w, r)
	}))
	return f
}

func (f *fakeUpstream) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func geminiTextResponse(text string) string {
	return fmt.Sprintf(`{"candidates":[{"content":{"parts":[{"text":%q}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":7,"totalTokenCount":12}}`, text)
}

func respondText(text string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(geminiTextResponse(text)))
	}
}

func respondStatus(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
		w.Write([]byte(`{"error":{"message":"nope"}}`))
	}
}

func newTestOrchestrator(t *testing.T, upstream *fakeUpstream, keys []string) (*Orchestrator, *KeyPool) {
	t.Helper()
	pool, err := NewKeyPool(keys)
	assert.NoError(t, err)

	registry := NewModelRegistry()
	registry.SetModels([]string{"gemini-2.5-flash"})

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	cfg := &Config{
		UpstreamURL:       upstream.server.URL,
		EmptyRetryLimit:   3,
		BlacklistDuration: time.Minute,
		UpstreamTimeout:   5 * time.Second,
	}
	sink := storage.NewMemoryStore(10, "http://localhost:8100")
	return NewOrchestrator(pool, registry, upstream.server.Client(), sink, logger, cfg), pool
}

func newChatContext(stream bool) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/v1/chat/completions", nil)
	return c, w
}

func chatRequest(stream bool) models.ChatCompletionRequest {
	return models.ChatCompletionRequest{
		Model:    "gemini-2.5-flash",
		Stream:   stream,
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	}
}

func TestOrchestratorNonStreamSuccess(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()
	upstream.handlers["key-a"] = respondText("hello there")

	orch, _ := newTestOrchestrator(t, upstream, []string{"key-a"})
	c, w := newChatContext(false)

	orch.Handle(c, chatRequest(false))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp models.ChatCompletionResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "hello there", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 12, resp.Usage.TotalTokens)
}

func TestOrchestratorUnknownModel(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()

	orch, _ := newTestOrchestrator(t, upstream, []string{"key-a"})
	c, w := newChatContext(false)

	req := chatRequest(false)
	req.Model = "does-not-exist"
	orch.Handle(c, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, upstream.Calls())
}

func TestOrchestratorFailoverAndBlacklist(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()
	// key-a 配额耗尽，key-b 正常
	upstream.handlers["key-a"] = respondStatus(429)
	upstream.handlers["key-b"] = respondText("from b")

	orch, pool := newTestOrchestrator(t, upstream, []string{"key-a", "key-b"})

	// 把游标拨到 key-a 前面，保证第一次尝试就撞上配额耗尽的 Key
	for pool.Next().Key != "key-b" {
	}

	c, w := newChatContext(false)
	orch.Handle(c, chatRequest(false))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp models.ChatCompletionResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "from b", resp.Choices[0].Message.Content)

	// 先试 key-a 失败换 key-b，429 的 Key 被拉黑
	assert.Equal(t, []string{"key-a", "key-b"}, upstream.Calls())
	assert.True(t, pool.IsBlacklisted(&Credential{Key: "key-a"}))
	assert.False(t, pool.IsBlacklisted(&Credential{Key: "key-b"}))
}

func TestOrchestratorNoKeyTriedTwice(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()
	upstream.handlers["key-a"] = respondStatus(500)
	upstream.handlers["key-b"] = respondStatus(500)

	orch, _ := newTestOrchestrator(t, upstream, []string{"key-a", "key-b"})
	c, w := newChatContext(false)

	orch.Handle(c, chatRequest(false))

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	// 每个 Key 只试一次
	calls := upstream.Calls()
	assert.Len(t, calls, 2)
	seen := make(map[string]int)
	for _, k := range calls {
		seen[k]++
	}
	assert.Equal(t, 1, seen["key-a"])
	assert.Equal(t, 1, seen["key-b"])
}

func TestOrchestratorClientDisconnectShortCircuit(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()
	// 上游挂住不回，直到请求被取消
	hang := func(w http.ResponseWriter, r *http.Request) {
		// 必须先读完请求体，否则服务器不会启动后台读、感知不到连接断开，
		// r.Context() 永远不会取消，Server.Close 会死锁
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}
	upstream.handlers["key-a"] = hang
	upstream.handlers["key-b"] = hang

	orch, _ := newTestOrchestrator(t, upstream, []string{"key-a", "key-b"})

	ctx, cancel := context.WithCancel(context.Background())
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/v1/chat/completions", nil).WithContext(ctx)

	// 第一次上游调用进行中客户端断开
	time.AfterFunc(50*time.Millisecond, cancel)
	orch.Handle(c, chatRequest(false))

	// 断开后不再发起任何后续尝试，也不往死掉的连接写东西
	assert.Len(t, upstream.Calls(), 1)
	assert.Empty(t, w.Body.String())
}

func TestOrchestratorMaxRetriesBelowPoolSize(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()
	for _, k := range []string{"key-a", "key-b", "key-c"} {
		upstream.handlers[k] = respondStatus(500)
	}

	orch, _ := newTestOrchestrator(t, upstream, []string{"key-a", "key-b", "key-c"})
	// 配置上限低于池大小时取配置值
	orch.cfg.MaxRetries = 1

	c, w := newChatContext(false)
	orch.Handle(c, chatRequest(false))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Len(t, upstream.Calls(), 1)
}

func TestOrchestratorEmptyResponseBudget(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()
	empty := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"parts":[]},"finishReason":"STOP"}]}`))
	}
	for _, k := range []string{"key-a", "key-b", "key-c", "key-d", "key-e"} {
		upstream.handlers[k] = empty
	}

	orch, _ := newTestOrchestrator(t, upstream, []string{"key-a", "key-b", "key-c", "key-d", "key-e"})
	c, w := newChatContext(false)

	orch.Handle(c, chatRequest(false))

	// 空响应有独立的小预算，不会把五个 Key 都打一遍
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Len(t, upstream.Calls(), 3)
}

func TestOrchestratorStreamSuccess(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()
	upstream.handlers["key-a"] = func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: "+`{"candidates":[{"content":{"parts":[{"text":"chunk1"}]}}]}`+"\n\n")
		fmt.Fprint(w, "data: "+`{"candidates":[{"content":{"parts":[{"text":"chunk2"}]},"finishReason":"STOP"}]}`+"\n\n")
	}

	orch, _ := newTestOrchestrator(t, upstream, []string{"key-a"})
	c, w := newChatContext(true)

	orch.Handle(c, chatRequest(true))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, "chunk1")
	assert.Contains(t, body, "chunk2")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestOrchestratorStreamFailoverBeforeCommit(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()
	// key-a 直接拒绝，首帧之前失败可以无痕换 Key
	upstream.handlers["key-a"] = respondStatus(429)
	upstream.handlers["key-b"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: "+`{"candidates":[{"content":{"parts":[{"text":"rescued"}]},"finishReason":"STOP"}]}`+"\n\n")
	}

	orch, _ := newTestOrchestrator(t, upstream, []string{"key-a", "key-b"})
	c, w := newChatContext(true)

	orch.Handle(c, chatRequest(true))

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "rescued")
	// 失败尝试不应泄漏任何错误帧
	assert.NotContains(t, body, "nope")
}

func TestOrchestratorStreamExhaustedAfterCommit(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()
	// 唯一的 Key 在发出首帧后安全拦截
	upstream.handlers["key-a"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: "+`{"candidates":[{"content":{"parts":[{"text":"partial"}]}}]}`+"\n\n")
		fmt.Fprint(w, "data: "+`{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`+"\n\n")
	}

	orch, _ := newTestOrchestrator(t, upstream, []string{"key-a"})
	c, w := newChatContext(true)

	orch.Handle(c, chatRequest(true))

	// 已提交的流只能以错误帧 + DONE 收尾
	body := w.Body.String()
	assert.Contains(t, body, "partial")
	assert.Contains(t, body, `"error"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}
