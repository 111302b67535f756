package core

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 网关配置，全部来自环境变量（.env 由 main 通过 godotenv 加载）
type Config struct {
	Port     int
	Password string // 静态网关口令，空则只依赖访问密钥/IP白名单

	// 上游
	GeminiKeys  []string // 逗号分隔的上游 API Key 列表
	UpstreamURL string   // 默认 Google 官方地址，可指向代理

	// 重试与拉黑
	MaxRetries        int           // 最大尝试次数，0 表示取 Key 池大小
	EmptyRetryLimit   int           // 空响应独立重试预算
	BlacklistDuration time.Duration // Key 拉黑时长

	// 限流
	MaxRequestsPerMinute    int
	MaxRequestsPerDayPerIP  int
	IPWhitelist             []string

	// 媒体存储
	HostURL          string // 对外访问地址，用于拼接媒体 URL
	StorageType      string // local / memory / s3
	StorageDir       string
	StorageMaxCount  int
	StorageMaxBytes  int64
	MemoryCapacity   int
	S3Bucket         string
	S3Region         string
	S3Endpoint       string
	S3PublicDomain   string

	// 模型
	ExtraModels            []string
	HistoryImageSubmitType string // all / last

	// 超时：生成类接口耗时可能很长，统一使用分钟级超时
	UpstreamTimeout time.Duration

	// 日志
	LogFile      string
	LogMaxSizeMB int
	Debug        bool
}

const defaultUpstreamURL = "https://generativelanguage.googleapis.com"

// LoadConfig 从环境变量读取配置
func LoadConfig() *Config {
	cfg := &Config{
		Port:                   envInt("PORT", 8000),
		Password:               os.Getenv("PASSWORD"),
		GeminiKeys:             envList("GEMINI_API_KEYS"),
		UpstreamURL:            envStr("PROXY_URL", defaultUpstreamURL),
		MaxRetries:             envInt("MAX_RETRIES", 0),
		EmptyRetryLimit:        envInt("EMPTY_RETRY_LIMIT", 3),
		BlacklistDuration:      envDuration("BLACKLIST_DURATION", 60*time.Second),
		MaxRequestsPerMinute:   envInt("MAX_REQUESTS_PER_MINUTE", 30),
		MaxRequestsPerDayPerIP: envInt("MAX_REQUESTS_PER_DAY_PER_IP", 600),
		IPWhitelist:            envList("IP_WHITELIST"),
		HostURL:                envStr("HOST_URL", "http://localhost:8000"),
		StorageType:            strings.ToLower(envStr("MEDIA_STORAGE_TYPE", "local")),
		StorageDir:             envStr("MEDIA_STORAGE_DIR", "images"),
		StorageMaxCount:        envInt("MEDIA_MAX_COUNT", 1000),
		StorageMaxBytes:        int64(envInt("MEDIA_MAX_SIZE_MB", 500)) * 1024 * 1024,
		MemoryCapacity:         envInt("MEDIA_MEMORY_CAPACITY", 100),
		S3Bucket:               os.Getenv("S3_BUCKET"),
		S3Region:               os.Getenv("S3_REGION"),
		S3Endpoint:             os.Getenv("S3_ENDPOINT"),
		S3PublicDomain:         os.Getenv("S3_PUBLIC_DOMAIN"),
		ExtraModels:            envList("EXTRA_MODELS"),
		HistoryImageSubmitType: envStr("HISTORY_IMAGE_SUBMIT_TYPE", "last"),
		UpstreamTimeout:        envDuration("UPSTREAM_TIMEOUT", 10*time.Minute),
		LogFile:                os.Getenv("LOG_FILE"),
		LogMaxSizeMB:           envInt("LOG_MAX_SIZE_MB", 20),
		Debug:                  strings.EqualFold(os.Getenv("DEBUG"), "true"),
	}
	return cfg
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// 纯数字按秒处理
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func envList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
