package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAccessKeyUsable(t *testing.T) {
	now := time.Now()
	limit := int64(10)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		key  AccessKey
		want bool
	}{
		{"正常密钥", AccessKey{IsActive: true}, true},
		{"已停用", AccessKey{IsActive: false}, false},
		{"已过期", AccessKey{IsActive: true, ExpiresAt: &past}, false},
		{"未到期", AccessKey{IsActive: true, ExpiresAt: &future}, true},
		{"用量耗尽", AccessKey{IsActive: true, UsageLimit: &limit, UsageCount: 10}, false},
		{"用量未满", AccessKey{IsActive: true, UsageLimit: &limit, UsageCount: 9}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.Usable(now))
		})
	}
}

func TestGenerateAccessKey(t *testing.T) {
	a := GenerateAccessKey()
	b := GenerateAccessKey()
	assert.True(t, strings.HasPrefix(a, "sk-"))
	assert.Len(t, a, 35)
	assert.NotEqual(t, a, b)
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "***", MaskAPIKey(""))
	assert.Equal(t, "a***", MaskAPIKey("abcd"))
	assert.Equal(t, "ab***gh", MaskAPIKey("abcdefgh"))

	masked := MaskAPIKey("AIzaSySecretSecretSecret1234")
	assert.NotContains(t, masked, "Secret")
	assert.Equal(t, "AIz***1234", masked)
}

func TestStringContent(t *testing.T) {
	msg := ChatMessage{Content: "plain"}
	assert.Equal(t, "plain", msg.StringContent())

	msg = ChatMessage{Content: []interface{}{
		map[string]interface{}{"type": "text", "text": "hello"},
		map[string]interface{}{"type": "image_url", "image_url": map[string]interface{}{"url": "data:..."}},
		map[string]interface{}{"type": "text", "text": "world"},
	}}
	assert.Equal(t, "hello world", msg.StringContent())

	msg = ChatMessage{Content: nil}
	assert.Equal(t, "", msg.StringContent())
}
