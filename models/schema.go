package models

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"gorm.io/gorm"
)

// AccessKey 访问密钥（有使用次数限制的下发凭证）
// 鉴权中间件读取；用量计数在每次成功鉴权后累加
type AccessKey struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	Name       string     `json:"name"` // 备注，如 "SillyTavern"
	Key        string     `gorm:"uniqueIndex" json:"key"`
	UsageLimit *int64     `json:"usage_limit"` // nil 表示不限次数
	UsageCount int64      `gorm:"default:0" json:"usage_count"`
	ExpiresAt  *time.Time `json:"expires_at"` // nil 表示永不过期
	IsActive   bool       `gorm:"default:true" json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Usable 判断该访问密钥当前是否可用
func (k *AccessKey) Usable(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	if k.UsageLimit != nil && k.UsageCount >= *k.UsageLimit {
		return false
	}
	return true
}

// RequestLog 请求日志（异步批量写入）
type RequestLog struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	AccessKeyID uint      `gorm:"index" json:"access_key_id"` // 0 表示管理密码或白名单放行
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	Model       string    `json:"model"`
	KeyPrefix   string    `json:"key_prefix"` // 脱敏后的上游 Key 前缀
	StatusCode  int       `json:"status_code"`
	Duration    int64     `json:"duration"` // 毫秒
	IP          string    `json:"ip"`
	UserAgent   string    `json:"user_agent"`
	ErrorMsg    string    `json:"error_msg"`
}

// ProxyMapping 透传代理映射：URL 前缀 -> 目标基地址
type ProxyMapping struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Prefix    string    `gorm:"uniqueIndex;not null" json:"prefix"`
	TargetURL string    `gorm:"not null" json:"target_url"`
	CreatedAt time.Time `json:"created_at"`
}

// AutoMigrate 自动迁移数据库结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&AccessKey{},
		&RequestLog{},
		&ProxyMapping{},
	)
}

// GenerateAccessKey 生成访问密钥
func GenerateAccessKey() string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	return "sk-" + hex.EncodeToString(bytes)
}
