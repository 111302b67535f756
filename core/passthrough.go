package core

import (
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"gemini-gateway/models"
)

// PassthroughProxy 前缀透传代理
// 根据数据库里的前缀映射把请求原样转发到目标地址，用于给客户端暴露任意第三方接口
type PassthroughProxy struct {
	mu       sync.RWMutex
	mappings []models.ProxyMapping // 按前缀长度降序，最长匹配优先
	db       *gorm.DB
	client   *http.Client
	logger   *logrus.Logger
}

// NewPassthroughProxy 创建透传代理并加载映射
func NewPassthroughProxy(db *gorm.DB, client *http.Client, logger *logrus.Logger) *PassthroughProxy {
	p := &PassthroughProxy{db: db, client: client, logger: logger}
	p.Reload()
	return p
}

// Reload 从数据库重新加载映射（增删改后调用）
func (p *PassthroughProxy) Reload() {
	var mappings []models.ProxyMapping
	if err := p.db.Find(&mappings).Error; err != nil {
		p.logger.Errorf("failed to load proxy mappings: %v", err)
		return
	}
	sort.Slice(mappings, func(i, j int) bool {
		return len(mappings[i].Prefix) > len(mappings[j].Prefix)
	})
	p.mu.Lock()
	p.mappings = mappings
	p.mu.Unlock()
	p.logger.Infof("loaded %d proxy mappings", len(mappings))
}

// match 最长前缀匹配，返回目标基地址和剩余路径
func (p *PassthroughProxy) match(path string) (string, string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range p.mappings {
		prefix := "/" + strings.Trim(m.Prefix, "/")
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return m.TargetURL, strings.TrimPrefix(path, prefix), true
		}
	}
	return "", "", false
}

// 逐跳头不转发
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Handle 转发一次请求
func (p *PassthroughProxy) Handle(c *gin.Context) {
	target, rest, ok := p.match(c.Request.URL.Path)
	if !ok {
		c.JSON(http.StatusNotFound, models.NewErrorResponse("no proxy mapping for this path"))
		return
	}

	targetURL, err := url.Parse(strings.TrimRight(target, "/") + rest)
	if err != nil {
		c.JSON(http.StatusBadGateway, models.NewErrorResponse("invalid proxy target"))
		return
	}
	targetURL.RawQuery = c.Request.URL.RawQuery

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, targetURL.String(), c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadGateway, models.NewErrorResponse("failed to build proxy request"))
		return
	}
	req.Header = c.Request.Header.Clone()
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	req.Header.Set("Host", targetURL.Host)

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warnf("passthrough to %s failed: %v", targetURL.Host, err)
		c.JSON(http.StatusBadGateway, models.NewErrorResponse("upstream request failed"))
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(resp.StatusCode)
	io.Copy(c.Writer, resp.Body)
}
