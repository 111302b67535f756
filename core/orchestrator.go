package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"gemini-gateway/core/adapter"
	"gemini-gateway/core/storage"
	"gemini-gateway/models"
)

// ModelRegistry 启动时发现的可用模型集合
type ModelRegistry struct {
	mu  sync.RWMutex
	ids []string
	set map[string]struct{}
}

func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{set: make(map[string]struct{})}
}

// SetModels 替换模型列表（启动和重载时调用）
func (r *ModelRegistry) SetModels(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append([]string(nil), ids...)
	r.set = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		r.set[id] = struct{}{}
	}
}

func (r *ModelRegistry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.set[id]
	return ok
}

func (r *ModelRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.ids...)
}

// Orchestrator 驱动一次逻辑请求直到成功或尝试耗尽
// 每次尝试从 KeyPool 取一个本请求内没用过的 Key，失败后分类决定是否拉黑、是否继续
type Orchestrator struct {
	pool     *KeyPool
	registry *ModelRegistry
	client   *http.Client
	sink     storage.Store
	logger   *logrus.Logger
	cfg      *Config
}

// NewOrchestrator 创建编排器
func NewOrchestrator(pool *KeyPool, registry *ModelRegistry, client *http.Client, sink storage.Store, logger *logrus.Logger, cfg *Config) *Orchestrator {
	return &Orchestrator{
		pool:     pool,
		registry: registry,
		client:   client,
		sink:     sink,
		logger:   logger,
		cfg:      cfg,
	}
}

// maxAttempts 尝试上限：配置值与池大小取小，至少为 1
func (o *Orchestrator) maxAttempts() int {
	n := o.pool.Size()
	if o.cfg.MaxRetries > 0 && o.cfg.MaxRetries < n {
		n = o.cfg.MaxRetries
	}
	if n < 1 {
		n = 1
	}
	return n
}

// nextUntried 取下一个本请求内未尝试过的 Key
// 最多重新调用 Next() 池大小次；找不到返回 nil（没有剩余可试的 Key）
func (o *Orchestrator) nextUntried(tried map[string]bool) *Credential {
	for i := 0; i < o.pool.Size(); i++ {
		cred := o.pool.Next()
		if cred == nil {
			return nil
		}
		if !tried[cred.Key] {
			return cred
		}
	}
	return nil
}

// Handle 处理一次聊天请求（流式和非流式统一入口）
func (o *Orchestrator) Handle(c *gin.Context, req models.ChatCompletionRequest) {
	if !o.registry.Contains(req.Model) {
		writeError(c, KindInvalidModel, fmt.Sprintf("model '%s' not found", req.Model))
		return
	}

	ctx := c.Request.Context()
	contents, system := adapter.ConvertMessages(req.Messages)
	contents = adapter.FilterHistoryImages(ctx, contents, o.sink, o.cfg.HistoryImageSubmitType)

	maxAttempts := o.maxAttempts()
	tried := make(map[string]bool, maxAttempts)
	emptyRetries := 0
	sse := &sseWriter{c: c}

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cred := o.nextUntried(tried)
		if cred == nil {
			o.logger.Warn("no untried keys left in pool")
			break
		}
		tried[cred.Key] = true

		o.logger.Infof("attempt %d/%d: model=%s key=%s stream=%v",
			attempt, maxAttempts, req.Model, cred.Masked(), req.Stream)
		c.Set("upstream_key", cred.Masked())

		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.UpstreamTimeout)

		var err error
		if req.Stream {
			err = o.attemptStream(attemptCtx, cred, req, contents, system, sse)
		} else {
			err = o.attemptOnce(attemptCtx, c, cred, req, contents, system)
		}
		cancel()

		if err == nil {
			return
		}
		lastErr = err

		kind := KindOf(err)
		switch kind {
		case KindClientDisconnected:
			// 客户端已不在了，无处可报，直接终止
			o.logger.Infof("client disconnected, aborting (key=%s)", cred.Masked())
			return
		case KindEmptyResponse:
			emptyRetries++
			o.logger.Warnf("empty response from upstream (key=%s, empty retry %d/%d)",
				cred.Masked(), emptyRetries, o.cfg.EmptyRetryLimit)
			if emptyRetries >= o.cfg.EmptyRetryLimit {
				o.failRequest(c, sse, KindExhausted, "upstream returned empty responses repeatedly, please retry later")
				return
			}
			continue
		}

		if kind.ShouldBlacklist() {
			o.pool.Blacklist(cred, o.cfg.BlacklistDuration)
			o.logger.Warnf("key %s blacklisted for %s: %v", cred.Masked(), o.cfg.BlacklistDuration, err)
		} else {
			o.logger.Warnf("attempt %d failed (key=%s): %v", attempt, cred.Masked(), err)
		}

		if !kind.Retryable() {
			break
		}
	}

	if lastErr != nil {
		o.logger.Errorf("all %d attempts exhausted: %v", maxAttempts, lastErr)
	}
	o.failRequest(c, sse, KindExhausted, "all upstream keys failed, please retry later")
}

// attemptOnce 非流式的单次尝试
func (o *Orchestrator) attemptOnce(ctx context.Context, c *gin.Context, cred *Credential, req models.ChatCompletionRequest, contents []adapter.GeminiContent, system *adapter.GeminiContent) error {
	geminiReq := adapter.BuildGeminiRequest(req, contents, system)
	httpReq, err := adapter.NewUpstreamRequest(ctx, o.cfg.UpstreamURL, req.Model, cred.Key, false, geminiReq)
	if err != nil {
		return NewGatewayError(KindUpstreamTransient, "failed to build upstream request", err)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return ClassifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return ClassifyUpstreamStatus(resp.StatusCode, string(body))
	}

	var geminiResp adapter.GeminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return NewGatewayError(KindUpstreamTransient, "failed to decode upstream response", err)
	}
	if geminiResp.Error != nil {
		return ClassifyUpstreamStatus(geminiResp.Error.Code, geminiResp.Error.Message)
	}

	result := adapter.ExtractCandidate(&geminiResp)
	if result.BlockedCategory != "" {
		return NewGatewayError(KindContentBlocked,
			fmt.Sprintf("response blocked by safety rating: %s", result.BlockedCategory), nil)
	}
	if result.FinishReason != "" && result.FinishReason != "STOP" {
		return NewGatewayError(KindContentBlocked,
			fmt.Sprintf("response truncated: %s", result.FinishReason), nil)
	}

	text := result.Text
	for _, inline := range result.InlineParts {
		data, decErr := decodeBase64(inline.Data)
		if decErr != nil {
			return NewGatewayError(KindStorage, "invalid inline media payload", decErr)
		}
		url, saveErr := o.sink.Save(ctx, inline.MimeType, data)
		if saveErr != nil {
			return NewGatewayError(KindStorage, "failed to save generated media", saveErr)
		}
		o.logger.Infof("media saved: %s -> %s", inline.MimeType, url)
		text += fmt.Sprintf("\n![](%s)", url)
	}

	// 空输出按软失败处理，走独立的小重试预算
	if text == "" {
		return NewGatewayError(KindEmptyResponse, "upstream returned empty content", nil)
	}

	openaiResp := models.ChatCompletionResponse{
		ID:      fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []models.ChatCompletionChoice{
			{
				Index:        0,
				Message:      &models.ChatMessage{Role: "assistant", Content: text},
				FinishReason: "stop",
			},
		},
	}
	if result.Usage != nil {
		openaiResp.Usage = &models.ChatCompletionUsage{
			PromptTokens:     result.Usage.PromptTokenCount,
			CompletionTokens: result.Usage.CandidatesTokenCount,
			TotalTokens:      result.Usage.TotalTokenCount,
		}
	}
	c.JSON(http.StatusOK, openaiResp)
	return nil
}

// attemptStream 流式的单次尝试
func (o *Orchestrator) attemptStream(ctx context.Context, cred *Credential, req models.ChatCompletionRequest, contents []adapter.GeminiContent, system *adapter.GeminiContent, sse *sseWriter) error {
	geminiReq := adapter.BuildGeminiRequest(req, contents, system)
	httpReq, err := adapter.NewUpstreamRequest(ctx, o.cfg.UpstreamURL, req.Model, cred.Key, true, geminiReq)
	if err != nil {
		return NewGatewayError(KindUpstreamTransient, "failed to build upstream request", err)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return ClassifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return ClassifyUpstreamStatus(resp.StatusCode, string(body))
	}

	bridge := NewStreamBridge(o.sink, o.logger, req.Model)
	if err := bridge.Run(ctx, resp.Body, sse.emit); err != nil {
		return err
	}

	// 结束哨兵写失败说明客户端已经不在了，按断开处理
	if err := sse.emit([]byte("data: [DONE]\n\n")); err != nil {
		return NewGatewayError(KindClientDisconnected, "failed to write stream terminator", err)
	}
	return nil
}

// sseWriter 延迟提交的 SSE 输出
// 第一次真正发射增量时才写响应头，这样失败发生在首帧之前的尝试可以安静换 Key 重试
type sseWriter struct {
	c         *gin.Context
	committed bool
}

func (w *sseWriter) emit(frame []byte) error {
	if !w.committed {
		w.c.Header("Content-Type", "text/event-stream")
		w.c.Header("Cache-Control", "no-cache")
		w.c.Header("Connection", "keep-alive")
		w.c.Header("X-Accel-Buffering", "no")
		w.c.Status(http.StatusOK)
		w.committed = true
	}
	if _, err := w.c.Writer.Write(frame); err != nil {
		return err
	}
	w.c.Writer.Flush()
	return nil
}

// failRequest 输出最终失败
// SSE 已提交时状态行无法更改，只能补发一个错误帧和结束哨兵
func (o *Orchestrator) failRequest(c *gin.Context, sse *sseWriter, kind ErrorKind, message string) {
	if sse != nil && sse.committed {
		frame := models.ErrorResponse{
			Error: models.ErrorDetail{Message: message, Type: errorTypeFor(kind)},
		}
		payload, _ := json.Marshal(frame)
		sse.emit([]byte(fmt.Sprintf("data: %s\n\n", payload)))
		sse.emit([]byte("data: [DONE]\n\n"))
		return
	}
	writeError(c, kind, message)
}

// writeError 按分类输出标准错误响应体
func writeError(c *gin.Context, kind ErrorKind, message string) {
	status := httpStatusFor(kind)
	c.JSON(status, models.ErrorResponse{
		Error: models.ErrorDetail{
			Message: message,
			Type:    errorTypeFor(kind),
			Code:    fmt.Sprintf("%d", status),
		},
	})
}
