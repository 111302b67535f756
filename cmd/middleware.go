package main

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"gemini-gateway/core"
	"gemini-gateway/models"
)

// corsMiddleware 跨域支持
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, x-api-key")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// extractToken 从请求里取认证令牌，兼容几种客户端习惯
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		if strings.HasPrefix(authHeader, "Bearer ") {
			return authHeader[7:]
		}
		return authHeader
	}
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	return c.Query("key")
}

// authMiddleware 业务接口鉴权
// 三种放行方式：IP 白名单、管理密码、数据库中可用的访问密钥
func authMiddleware(cfg *core.Config, db *gorm.DB) gin.HandlerFunc {
	whitelist := make(map[string]struct{}, len(cfg.IPWhitelist))
	for _, ip := range cfg.IPWhitelist {
		whitelist[ip] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := whitelist[c.ClientIP()]; ok {
			c.Next()
			return
		}

		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
				Error: models.ErrorDetail{Message: "Missing authentication token", Type: "authentication_error"},
			})
			return
		}

		if cfg.Password != "" && token == cfg.Password {
			c.Next()
			return
		}

		var accessKey models.AccessKey
		if err := db.Where("key = ?", token).First(&accessKey).Error; err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
				Error: models.ErrorDetail{Message: "Invalid token", Type: "authentication_error"},
			})
			return
		}
		if !accessKey.Usable(time.Now()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
				Error: models.ErrorDetail{Message: "Access key expired or usage limit reached", Type: "authentication_error"},
			})
			return
		}

		c.Set("access_key_id", accessKey.ID)
		c.Next()
	}
}

// adminAuthMiddleware 管理接口只认管理密码
func adminAuthMiddleware(cfg *core.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if cfg.Password == "" || token != cfg.Password {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
				Error: models.ErrorDetail{Message: "Invalid admin token", Type: "authentication_error"},
			})
			return
		}
		c.Next()
	}
}

// client 包装限流器及其最后访问时间
type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter 带有自动清理机制的 IP 限流器
type IPRateLimiter struct {
	clients map[string]*client
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
}

func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	i := &IPRateLimiter{
		clients: make(map[string]*client),
		rate:    r,
		burst:   b,
	}
	go i.cleanupClients()
	return i
}

// GetLimiter 获取或创建 IP 对应的限流器，并更新访问时间
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	c, exists := i.clients[ip]
	if !exists {
		c = &client{limiter: rate.NewLimiter(i.rate, i.burst)}
		i.clients[ip] = c
	}

	c.lastSeen = time.Now()
	return c.limiter
}

// cleanupClients 每分钟清理一次超过 3 分钟未活跃的 IP
func (i *IPRateLimiter) cleanupClients() {
	for {
		time.Sleep(time.Minute)
		i.mu.Lock()
		for ip, c := range i.clients {
			if time.Since(c.lastSeen) > 3*time.Minute {
				delete(i.clients, ip)
			}
		}
		i.mu.Unlock()
	}
}

// dailyCounter 按自然日统计每个 IP 的请求次数，跨天自动清零
type dailyCounter struct {
	mu     sync.Mutex
	day    string
	counts map[string]int
}

func newDailyCounter() *dailyCounter {
	return &dailyCounter{counts: make(map[string]int)}
}

// Allow 计数并判断是否超过当日上限
func (d *dailyCounter) Allow(ip string, limit int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	today := time.Now().Format("2006-01-02")
	if d.day != today {
		d.day = today
		d.counts = make(map[string]int)
	}
	if limit > 0 && d.counts[ip] >= limit {
		return false
	}
	d.counts[ip]++
	return true
}

// rateLimitMiddleware 每分钟令牌桶 + 每日配额双层限流
func rateLimitMiddleware(cfg *core.Config) gin.HandlerFunc {
	perSecond := rate.Limit(float64(cfg.MaxRequestsPerMinute) / 60.0)
	limiter := NewIPRateLimiter(perSecond, cfg.MaxRequestsPerMinute)
	daily := newDailyCounter()

	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiter.GetLimiter(ip).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.ErrorResponse{
				Error: models.ErrorDetail{Message: "Too many requests, slow down", Type: "rate_limit_error"},
			})
			return
		}
		if !daily.Allow(ip, cfg.MaxRequestsPerDayPerIP) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.ErrorResponse{
				Error: models.ErrorDetail{Message: "Daily request quota exceeded for this IP", Type: "rate_limit_error"},
			})
			return
		}
		c.Next()
	}
}

// requestLoggerMiddleware 异步请求日志中间件
func requestLoggerMiddleware(asyncLogger *core.AsyncRequestLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		entry := &models.RequestLog{
			CreatedAt:  start,
			Method:     c.Request.Method,
			Path:       c.Request.URL.Path,
			StatusCode: c.Writer.Status(),
			Duration:   time.Since(start).Milliseconds(),
			IP:         c.ClientIP(),
			UserAgent:  c.Request.UserAgent(),
		}
		if id, ok := c.Get("access_key_id"); ok {
			entry.AccessKeyID = id.(uint)
		}
		if model, ok := c.Get("request_model"); ok {
			entry.Model = model.(string)
		}
		if key, ok := c.Get("upstream_key"); ok {
			entry.KeyPrefix = key.(string)
		}
		if len(c.Errors) > 0 {
			entry.ErrorMsg = c.Errors.String()
		}
		asyncLogger.Log(entry)
	}
}
