// Package storage 负责保存模型生成的二进制媒体（图片/视频）并返回可访问的 URL。
// 提供三种可互换后端：本地磁盘、内存环形缓冲、S3 兼容对象存储。
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrNotFound 指定名称的媒体不存在
var ErrNotFound = errors.New("media not found")

// ObjectInfo 媒体描述信息，供管理接口列表展示
type ObjectInfo struct {
	Name      string    `json:"name"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	URL       string    `json:"url"`
}

// Store 媒体存储接口
type Store interface {
	// Save 保存一份媒体并返回稳定的访问 URL
	Save(ctx context.Context, mimeType string, data []byte) (string, error)
	// Fetch 按文件名取回内容和 MIME 类型，不存在时返回 ErrNotFound
	Fetch(ctx context.Context, name string) ([]byte, string, error)
	// List 分页列出已保存的媒体
	List(page, pageSize int) ([]ObjectInfo, int, error)
	// Delete 删除指定媒体，返回是否确实删除了
	Delete(ctx context.Context, name string) bool
}

// Options 后端构建参数
type Options struct {
	Type     string // local / memory / s3
	HostURL  string // 本地/内存后端拼 URL 用
	Dir      string
	MaxCount int
	MaxBytes int64
	Capacity int // 内存后端槽位数

	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3PublicDomain string
}

// New 按配置创建存储后端
func New(ctx context.Context, opts Options, logger *logrus.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Type)) {
	case "", "local":
		return NewLocalStore(opts.Dir, opts.HostURL, opts.MaxCount, opts.MaxBytes, logger)
	case "memory":
		return NewMemoryStore(opts.Capacity, opts.HostURL), nil
	case "s3":
		return NewS3Store(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown media storage type: %q", opts.Type)
	}
}

// GenerateName 生成唯一文件名：时间戳 + 随机后缀 + 按 MIME 推导的扩展名
func GenerateName(mimeType string) string {
	return fmt.Sprintf("%s_%s.%s",
		time.Now().Format("20060102_150405"),
		uuid.NewString()[:8],
		extFromMime(mimeType))
}

func extFromMime(mimeType string) string {
	if idx := strings.LastIndex(mimeType, "/"); idx != -1 && idx+1 < len(mimeType) {
		return mimeType[idx+1:]
	}
	return "bin"
}

func mimeFromExt(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx == -1 || idx+1 >= len(name) {
		return "application/octet-stream"
	}
	ext := name[idx+1:]
	switch ext {
	case "mp4", "webm":
		return "video/" + ext
	default:
		return "image/" + ext
	}
}
