package adapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"gemini-gateway/models"
)

// 支持设置思考 Token 的基础模型
var thinkingModels = []string{
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-2.5-flash-lite",
}

// 支持图片生成的模型，需要 responseModalities 带上 Image
var imageModels = []string{
	"gemini-2.0-flash-exp",
	"gemini-2.0-flash-exp-image-generation",
	"gemini-2.0-flash-preview-image-generation",
}

// ExtendedModels 扩展模型列表，在基础模型名上附加思考预算后缀
var ExtendedModels = []string{
	"gemini-2.5-pro-nothinking",
	"gemini-2.5-flash-nothinking",
	"gemini-2.5-flash-lite-nothinking",
	"gemini-2.5-pro-thinking-32768",
	"gemini-2.5-flash-thinking-24576",
	"gemini-2.5-flash-lite-thinking-24576",
}

var thinkingSuffixRe = regexp.MustCompile(`^(.*?)-(thinking|nothinking)(?:-(\d+))?$`)

// ParseModelName 解析模型名中的思考预算后缀
//   - gemini-2.5-pro-thinking-128 -> 基础模型 gemini-2.5-pro, 预算 128
//   - gemini-2.5-flash-nothinking -> 基础模型 gemini-2.5-flash, 预算 0
//   - gemini-2.5-pro              -> 基础模型不变, 预算 -1（动态）
//
// 非思考系列模型返回 ok=false，调用方不设置 thinkingConfig
func ParseModelName(model string) (base string, budget int, ok bool) {
	matched := false
	for _, m := range thinkingModels {
		if strings.HasPrefix(model, m) {
			matched = true
			break
		}
	}
	if !matched {
		return model, 0, false
	}

	base = model
	budget = -1

	if m := thinkingSuffixRe.FindStringSubmatch(model); m != nil {
		base = m[1]
		switch m[2] {
		case "thinking":
			if m[3] != "" {
				budget, _ = strconv.Atoi(m[3])
			} else {
				budget = -1
			}
		case "nothinking":
			if base == "gemini-2.5-pro" {
				// gemini-2.5-pro 最少要求 128 Token
				budget = 128
			} else {
				budget = 0
			}
		}
	}
	return base, budget, true
}

// IsImageModel 判断是否为图片生成模型
func IsImageModel(model string) bool {
	for _, m := range imageModels {
		if model == m {
			return true
		}
	}
	return false
}

// SafetySettingsFor 返回上游安全设置
// gemini-2.0-flash-exp 系列支持 OFF，其余用 BLOCK_NONE
func SafetySettingsFor(model string) []SafetySetting {
	threshold := "BLOCK_NONE"
	if strings.Contains(model, "gemini-2.0-flash-exp") {
		threshold = "OFF"
	}
	categories := []string{
		"HARM_CATEGORY_HARASSMENT",
		"HARM_CATEGORY_HATE_SPEECH",
		"HARM_CATEGORY_SEXUALLY_EXPLICIT",
		"HARM_CATEGORY_DANGEROUS_CONTENT",
		"HARM_CATEGORY_CIVIC_INTEGRITY",
	}
	settings := make([]SafetySetting, 0, len(categories))
	for _, c := range categories {
		settings = append(settings, SafetySetting{Category: c, Threshold: threshold})
	}
	return settings
}

// ConvertMessages 将 OpenAI 消息序列转换为 Gemini contents
// 开头连续的 system 消息合并为 system_instruction；user/system -> user，
// assistant -> model；相邻同角色消息的 parts 直接合并
func ConvertMessages(messages []models.ChatMessage) ([]GeminiContent, *GeminiContent) {
	var contents []GeminiContent
	var systemText string
	systemPhase := true

	appendParts := func(role string, parts []GeminiPart) {
		if len(parts) == 0 {
			return
		}
		if len(contents) > 0 && contents[len(contents)-1].Role == role {
			last := &contents[len(contents)-1]
			last.Parts = append(last.Parts, parts...)
			return
		}
		contents = append(contents, GeminiContent{Role: role, Parts: parts})
	}

	for _, msg := range messages {
		if systemPhase && msg.Role == "system" {
			if text := msg.StringContent(); text != "" {
				if systemText != "" {
					systemText += "\n"
				}
				systemText += text
			}
			continue
		}
		systemPhase = false

		var role string
		switch msg.Role {
		case "user", "system":
			role = "user"
		case "assistant":
			role = "model"
		default:
			continue
		}

		appendParts(role, convertContentParts(msg.Content))
	}

	var system *GeminiContent
	if systemText != "" {
		system = &GeminiContent{Parts: []GeminiPart{{Text: systemText}}}
	}
	return contents, system
}

// convertContentParts 转换单条消息的内容为 Gemini parts
func convertContentParts(content interface{}) []GeminiPart {
	if content == nil {
		return nil
	}

	if str, ok := content.(string); ok {
		if str == "" {
			return nil
		}
		return []GeminiPart{{Text: str}}
	}

	arr, ok := content.([]interface{})
	if !ok {
		return nil
	}

	var parts []GeminiPart
	for _, item := range arr {
		itemMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		switch itemMap["type"] {
		case "text":
			if text, ok := itemMap["text"].(string); ok && text != "" {
				parts = append(parts, GeminiPart{Text: text})
			}
		case "image_url":
			imageURLMap, ok := itemMap["image_url"].(map[string]interface{})
			if !ok {
				continue
			}
			urlVal, _ := imageURLMap["url"].(string)
			if mimeType, data, ok := parseDataURI(urlVal); ok {
				parts = append(parts, GeminiPart{
					InlineData: &GeminiInlineData{MimeType: mimeType, Data: data},
				})
			}
		}
	}
	return parts
}

// parseDataURI 解析 data:image/png;base64,xxxx 形式的 URI
func parseDataURI(uri string) (mimeType, data string, ok bool) {
	if !strings.HasPrefix(uri, "data:") {
		return "", "", false
	}
	segments := strings.SplitN(uri, ",", 2)
	if len(segments) != 2 {
		return "", "", false
	}
	mimeType = strings.TrimSuffix(strings.TrimPrefix(segments[0], "data:"), ";base64")
	if mimeType == "" {
		return "", "", false
	}
	return mimeType, segments[1], true
}

// MediaFetcher 按文件名取回已保存的媒体，供历史图片回填使用
type MediaFetcher interface {
	Fetch(ctx context.Context, name string) (data []byte, mimeType string, err error)
}

var markdownImageRe = regexp.MustCompile(`!\[.*?\]\((.*?)\)`)

// FilterHistoryImages 处理模型历史消息中的 Markdown 图片
// 图片链接替换为 [image] 占位，并把媒体内容以 inline_data 重新附到 parts 上。
// mode 为 "last" 时只回填最后一张（推荐），"all" 时全部回填
func FilterHistoryImages(ctx context.Context, contents []GeminiContent, fetcher MediaFetcher, mode string) []GeminiContent {
	if fetcher == nil {
		return contents
	}

	filled := false
	for ci := len(contents) - 1; ci >= 0; ci-- {
		if contents[ci].Role != "model" {
			continue
		}
		for pi := len(contents[ci].Parts) - 1; pi >= 0; pi-- {
			text := contents[ci].Parts[pi].Text
			if text == "" || !strings.Contains(text, "![") {
				continue
			}
			matches := markdownImageRe.FindAllStringSubmatch(text, -1)
			if matches == nil {
				continue
			}
			// 先改文本再追加 part，append 可能触发底层数组重分配
			contents[ci].Parts[pi].Text = markdownImageRe.ReplaceAllString(text, "[image]")
			for _, m := range matches {
				attach := mode == "all" || (mode == "last" && !filled)
				contents[ci].Parts = append(contents[ci].Parts, inlinePartFor(ctx, m[1], fetcher, attach))
			}
			filled = true
		}
	}
	return contents
}

// 1x1 透明 PNG，取不到图片时的占位内容
const placeholderPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAAAXNSR0IArs4c6QAAAA1JREFUGFdj+P///38ACfsD/QVDRcoAAAAASUVORK5CYII="

func inlinePartFor(ctx context.Context, imageURL string, fetcher MediaFetcher, really bool) GeminiPart {
	if really {
		// URL 尾段就是存储里的文件名
		name := imageURL
		if idx := strings.LastIndex(imageURL, "/"); idx != -1 {
			name = imageURL[idx+1:]
		}
		if data, mimeType, err := fetcher.Fetch(ctx, name); err == nil {
			return GeminiPart{InlineData: &GeminiInlineData{
				MimeType: mimeType,
				Data:     base64.StdEncoding.EncodeToString(data),
			}}
		}
	}
	return GeminiPart{InlineData: &GeminiInlineData{MimeType: "image/png", Data: placeholderPNG}}
}

// BuildGeminiRequest 组装 Gemini 请求体
func BuildGeminiRequest(req models.ChatCompletionRequest, contents []GeminiContent, system *GeminiContent) *GeminiRequest {
	isImage := IsImageModel(req.Model)

	config := &GeminiConfig{
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxTokens != nil {
		config.MaxOutputTokens = *req.MaxTokens
	}
	if req.Stop != nil {
		if s, ok := req.Stop.(string); ok {
			config.StopSequences = []string{s}
		} else if arr, ok := req.Stop.([]interface{}); ok {
			for _, s := range arr {
				if str, ok := s.(string); ok {
					config.StopSequences = append(config.StopSequences, str)
				}
			}
		}
	}
	if isImage {
		config.ResponseModalities = []string{"Text", "Image"}
	} else {
		config.ResponseModalities = []string{"Text"}
	}
	if _, budget, ok := ParseModelName(req.Model); ok {
		config.ThinkingConfig = &ThinkingConfig{ThinkingBudget: budget}
	}

	geminiReq := &GeminiRequest{
		Contents:         contents,
		GenerationConfig: config,
		SafetySettings:   SafetySettingsFor(req.Model),
	}
	// 图片生成模型不支持 system_instruction
	if system != nil && !isImage {
		geminiReq.SystemInstruction = system
	}
	return geminiReq
}

// NewUpstreamRequest 构建上游 HTTP 请求
// Key 通过 URL query 传递；流式时走 :streamGenerateContent 并带 alt=sse
func NewUpstreamRequest(ctx context.Context, baseURL, model, apiKey string, stream bool, geminiReq *GeminiRequest) (*http.Request, error) {
	base, _, _ := ParseModelName(model)

	method := ":generateContent"
	if stream {
		method = ":streamGenerateContent"
	}
	u, err := url.Parse(fmt.Sprintf("%s/v1beta/models/%s%s", strings.TrimSuffix(baseURL, "/"), base, method))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	q := u.Query()
	q.Set("key", apiKey)
	if stream {
		q.Set("alt", "sse")
	}
	u.RawQuery = q.Encode()

	bodyBytes, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gemini request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewBuffer(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// CandidateResult 从响应候选中提取出的内容
type CandidateResult struct {
	Text            string
	InlineParts     []GeminiRespInlineData
	FinishReason    string
	BlockedCategory string // 命中 HIGH 概率安全分级时的类别
	Usage           *GeminiUsage
}

// ExtractCandidate 提取首个候选的文本、内嵌媒体和终止原因
// 思考 parts 不计入正文
func ExtractCandidate(resp *GeminiResponse) CandidateResult {
	result := CandidateResult{Usage: resp.UsageMetadata}
	if len(resp.Candidates) == 0 {
		return result
	}
	candidate := resp.Candidates[0]
	result.FinishReason = candidate.FinishReason

	for _, part := range candidate.Content.Parts {
		if part.Thought {
			continue
		}
		if part.Text != "" {
			result.Text += part.Text
		}
		if part.InlineData != nil {
			result.InlineParts = append(result.InlineParts, *part.InlineData)
		}
	}

	for _, rating := range candidate.SafetyRatings {
		if rating.Probability == "HIGH" {
			result.BlockedCategory = rating.Category
			break
		}
	}
	return result
}

// ListModels 拉取上游可用模型列表，兼做 Key 健康检查
func ListModels(ctx context.Context, client *http.Client, baseURL, apiKey string) ([]string, error) {
	u := fmt.Sprintf("%s/v1beta/models?key=%s", strings.TrimSuffix(baseURL, "/"), url.QueryEscape(apiKey))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("list models failed: status %d: %s", resp.StatusCode, body)
	}

	var list GeminiModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, strings.TrimPrefix(m.Name, "models/"))
	}
	return ids, nil
}
