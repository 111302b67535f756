package core

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"gemini-gateway/core/storage"
	"gemini-gateway/models"
)

func newTestBridge() (*StreamBridge, *[]string) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	sink := storage.NewMemoryStore(10, "http://localhost:8100")
	bridge := NewStreamBridge(sink, logger, "gemini-2.5-flash")
	frames := &[]string{}
	return bridge, frames
}

func collectEmit(frames *[]string) func([]byte) error {
	return func(frame []byte) error {
		*frames = append(*frames, string(frame))
		return nil
	}
}

// parseChunk 从一个 SSE 帧里解出 OpenAI chunk
func parseChunk(t *testing.T, frame string) models.ChatCompletionResponse {
	t.Helper()
	payload := strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n")
	var chunk models.ChatCompletionResponse
	assert.NoError(t, json.Unmarshal([]byte(payload), &chunk))
	return chunk
}

func TestStreamBridgeBasicReassembly(t *testing.T) {
	bridge, frames := newTestBridge()

	upstream := `data: {"candidates":[{"content":{"parts":[{"text":"Hello"}]}}]}

data: {"candidates":[{"content":{"parts":[{"text":" world"}]},"finishReason":"STOP"}]}

`
	err := bridge.Run(context.Background(), strings.NewReader(upstream), collectEmit(frames))
	assert.NoError(t, err)
	assert.True(t, bridge.Emitted())
	assert.Len(t, *frames, 2)

	first := parseChunk(t, (*frames)[0])
	assert.Equal(t, "chat.completion.chunk", first.Object)
	assert.Equal(t, "gemini-2.5-flash", first.Model)
	assert.Equal(t, "assistant", first.Choices[0].Delta.Role)
	assert.Equal(t, "Hello", first.Choices[0].Delta.Content)

	// 角色只在第一帧发
	second := parseChunk(t, (*frames)[1])
	assert.Empty(t, second.Choices[0].Delta.Role)
	assert.Equal(t, " world", second.Choices[0].Delta.Content)
}

func TestStreamBridgeSplitJSONAccumulation(t *testing.T) {
	bridge, frames := newTestBridge()

	// 一个事件被拆成两行传输，应当先累积再解析
	upstream := "data: {\"candidates\":[{\"content\":{\"parts\":[{\"te" +
		"\nxt\":\"joined\"}]},\"finishReason\":\"STOP\"}]}\n\n"
	err := bridge.Run(context.Background(), strings.NewReader(upstream), collectEmit(frames))
	assert.NoError(t, err)
	assert.Len(t, *frames, 1)
	assert.Equal(t, "joined", parseChunk(t, (*frames)[0]).Choices[0].Delta.Content)
}

func TestStreamBridgeSafetyAbort(t *testing.T) {
	bridge, frames := newTestBridge()

	upstream := `data: {"candidates":[{"content":{"parts":[{"text":"ok so far"}]}}]}

data: {"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}

data: {"candidates":[{"content":{"parts":[{"text":"never delivered"}]}}]}

`
	err := bridge.Run(context.Background(), strings.NewReader(upstream), collectEmit(frames))
	assert.Error(t, err)
	assert.Equal(t, KindContentBlocked, KindOf(err))

	// 命中拦截前已经发出的帧保留，之后的内容不再转发
	assert.Len(t, *frames, 1)
	assert.True(t, bridge.Emitted())
}

func TestStreamBridgeHighSafetyRating(t *testing.T) {
	bridge, frames := newTestBridge()

	upstream := `data: {"candidates":[{"content":{"parts":[{"text":"x"}]},"safetyRatings":[{"category":"HARM_CATEGORY_HARASSMENT","probability":"HIGH"}]}]}

`
	err := bridge.Run(context.Background(), strings.NewReader(upstream), collectEmit(frames))
	assert.Error(t, err)
	assert.Equal(t, KindContentBlocked, KindOf(err))
}

func TestStreamBridgeEmptyStream(t *testing.T) {
	bridge, frames := newTestBridge()

	err := bridge.Run(context.Background(), strings.NewReader(""), collectEmit(frames))
	assert.Error(t, err)
	assert.Equal(t, KindEmptyResponse, KindOf(err))
	assert.False(t, bridge.Emitted())
	assert.Empty(t, *frames)
}

func TestStreamBridgeUpstreamErrorEvent(t *testing.T) {
	bridge, frames := newTestBridge()

	upstream := `data: {"error":{"code":429,"message":"quota exceeded"}}

`
	err := bridge.Run(context.Background(), strings.NewReader(upstream), collectEmit(frames))
	assert.Error(t, err)
	assert.Equal(t, KindUpstreamQuota, KindOf(err))
}

func TestStreamBridgeClientDisconnect(t *testing.T) {
	bridge, frames := newTestBridge()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	upstream := `data: {"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}

`
	err := bridge.Run(ctx, strings.NewReader(upstream), collectEmit(frames))
	assert.Error(t, err)
	assert.Equal(t, KindClientDisconnected, KindOf(err))
	assert.Empty(t, *frames)
}

func TestStreamBridgeInlineMedia(t *testing.T) {
	bridge, frames := newTestBridge()

	png := base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G'})
	upstream := `data: {"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"` + png + `"}}]},"finishReason":"STOP"}]}

`
	err := bridge.Run(context.Background(), strings.NewReader(upstream), collectEmit(frames))
	assert.NoError(t, err)
	assert.Len(t, *frames, 1)

	content := parseChunk(t, (*frames)[0]).Choices[0].Delta.Content.(string)
	assert.Contains(t, content, "![](http://localhost:8100/images/")
	assert.Contains(t, content, ".png)")
}

func TestStreamBridgeSkipsThoughtParts(t *testing.T) {
	bridge, frames := newTestBridge()

	upstream := `data: {"candidates":[{"content":{"parts":[{"text":"internal","thought":true},{"text":"visible"}]},"finishReason":"STOP"}]}

`
	err := bridge.Run(context.Background(), strings.NewReader(upstream), collectEmit(frames))
	assert.NoError(t, err)
	assert.Len(t, *frames, 1)
	assert.Equal(t, "visible", parseChunk(t, (*frames)[0]).Choices[0].Delta.Content)
}
