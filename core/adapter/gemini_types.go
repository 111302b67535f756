package adapter

// Gemini Request Structures

type GeminiRequest struct {
	Contents          []GeminiContent `json:"contents"`
	SystemInstruction *GeminiContent  `json:"system_instruction,omitempty"`
	GenerationConfig  *GeminiConfig   `json:"generationConfig,omitempty"`
	SafetySettings    []SafetySetting `json:"safetySettings,omitempty"`
}

type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

type GeminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *GeminiInlineData `json:"inline_data,omitempty"`
	Thought    bool              `json:"thought,omitempty"`
}

// GeminiInlineData 内嵌二进制数据（base64 编码）
// 请求侧字段是 snake_case，响应侧是 camelCase，所以分开定义
type GeminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type GeminiConfig struct {
	Temperature        *float64        `json:"temperature,omitempty"`
	TopP               *float64        `json:"topP,omitempty"`
	MaxOutputTokens    int             `json:"maxOutputTokens,omitempty"`
	StopSequences      []string        `json:"stopSequences,omitempty"`
	ResponseModalities []string        `json:"responseModalities,omitempty"`
	ThinkingConfig     *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

type ThinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// Gemini Response Structures

type GeminiResponse struct {
	Candidates    []GeminiCandidate `json:"candidates"`
	UsageMetadata *GeminiUsage      `json:"usageMetadata,omitempty"`
	Error         *GeminiError      `json:"error,omitempty"`
}

type GeminiCandidate struct {
	Content       GeminiRespContent `json:"content"`
	FinishReason  string            `json:"finishReason"`
	Index         int               `json:"index"`
	SafetyRatings []SafetyRating    `json:"safetyRatings,omitempty"`
}

type GeminiRespContent struct {
	Role  string           `json:"role,omitempty"`
	Parts []GeminiRespPart `json:"parts"`
}

type GeminiRespPart struct {
	Text       string                `json:"text,omitempty"`
	InlineData *GeminiRespInlineData `json:"inlineData,omitempty"`
	Thought    bool                  `json:"thought,omitempty"`
}

type GeminiRespInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type SafetyRating struct {
	Category    string `json:"category"`
	Probability string `json:"probability"` // NEGLIGIBLE / LOW / MEDIUM / HIGH
}

type GeminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type GeminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// GeminiModelList /v1beta/models 响应
type GeminiModelList struct {
	Models []GeminiModelInfo `json:"models"`
}

type GeminiModelInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
}
