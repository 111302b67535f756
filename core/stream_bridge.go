package core

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"gemini-gateway/core/adapter"
	"gemini-gateway/core/storage"
	"gemini-gateway/models"
)

// StreamBridge 把上游 Gemini SSE 流重组为 OpenAI 格式的 SSE 流
// 单次流式调用的处理过程：逐行读取 -> 累积 JSON -> 解析成功即发射增量
type StreamBridge struct {
	sink   storage.Store
	logger *logrus.Logger

	requestID   string
	created     int64
	model       string
	hasSentRole bool
	emitted     bool
}

// NewStreamBridge 创建流式桥接器
func NewStreamBridge(sink storage.Store, logger *logrus.Logger, model string) *StreamBridge {
	return &StreamBridge{
		sink:      sink,
		logger:    logger,
		requestID: fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
		created:   time.Now().Unix(),
		model:     model,
	}
}

// Emitted 本次调用是否已向客户端发射过增量
func (b *StreamBridge) Emitted() bool { return b.emitted }

// Run 消费上游响应流，把每个文本增量通过 emit 回调发给客户端
//   - "data: " 前缀剥掉后追加进缓冲区，每行之后尝试整体解析 JSON，
//     失败则继续累积（处理跨行拆分的事件），成功则清空缓冲区
//   - 内嵌媒体交给存储后端，返回的 URL 以 Markdown 图片形式拼进文本
//   - finishReason 非 STOP 或安全分级 HIGH 视为硬失败，立即终止
//   - 每个增量之间检查 Context，客户端断开时静默退出并释放上游连接
//
// 上游从头到尾没有产出任何文本时返回 KindEmptyResponse，由调用方决定换 Key 重试
func (b *StreamBridge) Run(ctx context.Context, body io.Reader, emit func([]byte) error) error {
	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var accum []byte

	for scanner.Scan() {
		// 增量之间的协作式取消检查
		if ctx.Err() != nil {
			return NewGatewayError(KindClientDisconnected, "client disconnected", ctx.Err())
		}

		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		line = bytes.TrimPrefix(line, []byte("data: "))
		accum = append(accum, line...)

		var event adapter.GeminiResponse
		if err := json.Unmarshal(accum, &event); err != nil {
			// 事件还没接收完整，继续累积
			continue
		}
		accum = accum[:0]

		if err := b.handleEvent(ctx, &event, emit); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return NewGatewayError(KindClientDisconnected, "client disconnected", ctx.Err())
		}
		return NewGatewayError(KindUpstreamTransient, "stream read error", err)
	}

	if !b.emitted {
		return NewGatewayError(KindEmptyResponse, "upstream returned empty stream", nil)
	}
	return nil
}

// handleEvent 处理一个完整的上游事件
func (b *StreamBridge) handleEvent(ctx context.Context, event *adapter.GeminiResponse, emit func([]byte) error) error {
	if event.Error != nil {
		return ClassifyUpstreamStatus(event.Error.Code, event.Error.Message)
	}
	if len(event.Candidates) == 0 {
		return nil
	}

	result := adapter.ExtractCandidate(event)
	text := result.Text

	// 内嵌媒体落盘并以 Markdown 链接形式注入文本
	for _, inline := range result.InlineParts {
		url, err := b.saveInline(ctx, inline)
		if err != nil {
			return err
		}
		text += fmt.Sprintf("![](%s)", url)
	}

	if text != "" {
		if err := b.emitDelta(text, emit); err != nil {
			return err
		}
	}

	// 安全策略命中和非正常终止都按硬失败处理，立即中断本次尝试
	if result.BlockedCategory != "" {
		return NewGatewayError(KindContentBlocked,
			fmt.Sprintf("response blocked by safety rating: %s", result.BlockedCategory), nil)
	}
	if result.FinishReason != "" && result.FinishReason != "STOP" {
		return NewGatewayError(KindContentBlocked,
			fmt.Sprintf("response truncated: %s", result.FinishReason), nil)
	}
	return nil
}

func (b *StreamBridge) saveInline(ctx context.Context, inline adapter.GeminiRespInlineData) (string, error) {
	data, err := decodeBase64(inline.Data)
	if err != nil {
		return "", NewGatewayError(KindStorage, "invalid inline media payload", err)
	}

	start := time.Now()
	url, err := b.sink.Save(ctx, inline.MimeType, data)
	if err != nil {
		return "", NewGatewayError(KindStorage, "failed to save generated media", err)
	}
	b.logger.Infof("media saved: %s (%d bytes, %.2fs)", inline.MimeType, len(data), time.Since(start).Seconds())
	return url, nil
}

// emitDelta 发射一个 OpenAI chat.completion.chunk 帧
func (b *StreamBridge) emitDelta(content string, emit func([]byte) error) error {
	delta := &models.ChatMessage{Content: content}
	if !b.hasSentRole {
		delta.Role = "assistant"
		b.hasSentRole = true
	}
	chunk := models.ChatCompletionResponse{
		ID:      b.requestID,
		Object:  "chat.completion.chunk",
		Created: b.created,
		Model:   b.model,
		Choices: []models.ChatCompletionChoice{{Index: 0, Delta: delta}},
	}
	payload, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if err := emit([]byte(fmt.Sprintf("data: %s\n\n", payload))); err != nil {
		return NewGatewayError(KindClientDisconnected, "failed to write to client", err)
	}
	b.emitted = true
	return nil
}

func decodeBase64(s string) ([]byte, error) {
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
