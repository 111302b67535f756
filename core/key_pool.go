package core

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"gemini-gateway/models"
)

// Credential 一个上游 API Key
type Credential struct {
	Key string
}

// Masked 脱敏显示，日志中只出现前缀
func (c *Credential) Masked() string {
	return models.MaskAPIKey(c.Key)
}

// KeyPool 轮转式 Key 池，带时限拉黑
// 游标和黑名单是核心里仅有的跨请求共享可变状态，统一由一把锁保护
type KeyPool struct {
	mu        sync.Mutex
	keys      []*Credential
	cursor    int
	blacklist map[string]time.Time // Key -> 解禁时间
}

// NewKeyPool 创建 Key 池，游标从随机位置开始
// 一个有效 Key 都没有时返回 ErrNoKeysConfigured，启动应当失败
func NewKeyPool(rawKeys []string) (*KeyPool, error) {
	pool := &KeyPool{
		blacklist: make(map[string]time.Time),
	}
	for _, raw := range rawKeys {
		k := strings.TrimSpace(raw)
		if k == "" {
			continue
		}
		pool.keys = append(pool.keys, &Credential{Key: k})
	}
	if len(pool.keys) == 0 {
		return nil, ErrNoKeysConfigured
	}
	pool.cursor = rand.Intn(len(pool.keys))
	return pool, nil
}

// Size 池中 Key 总数（含被拉黑的）
func (p *KeyPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Next 返回下一个可用 Key，全部被拉黑时返回 nil
// 每次调用游标前进一位（取模回绕），最多扫描一整圈
func (p *KeyPool) Next() *Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for i := 0; i < len(p.keys); i++ {
		cred := p.keys[p.cursor]
		p.cursor = (p.cursor + 1) % len(p.keys)

		unlock, banned := p.blacklist[cred.Key]
		if !banned {
			return cred
		}
		// 懒惰过期：定时器之外的兜底
		if now.After(unlock) {
			delete(p.blacklist, cred.Key)
			return cred
		}
	}
	return nil
}

// Blacklist 拉黑指定 Key，duration 后由定时器自动解禁
func (p *KeyPool) Blacklist(cred *Credential, duration time.Duration) {
	if cred == nil {
		return
	}
	p.mu.Lock()
	p.blacklist[cred.Key] = time.Now().Add(duration)
	p.mu.Unlock()

	time.AfterFunc(duration, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		// 期间可能被再次拉黑并延长，只清理已到期的条目
		if unlock, ok := p.blacklist[cred.Key]; ok && !time.Now().Before(unlock) {
			delete(p.blacklist, cred.Key)
		}
	})
}

// IsBlacklisted 查询某个 Key 当前是否被拉黑
func (p *KeyPool) IsBlacklisted(cred *Credential) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	unlock, ok := p.blacklist[cred.Key]
	return ok && time.Now().Before(unlock)
}

// Snapshot 返回脱敏后的池状态，供管理接口展示
func (p *KeyPool) Snapshot() []map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	out := make([]map[string]interface{}, 0, len(p.keys))
	for _, cred := range p.keys {
		entry := map[string]interface{}{
			"key":         cred.Masked(),
			"blacklisted": false,
		}
		if unlock, ok := p.blacklist[cred.Key]; ok && now.Before(unlock) {
			entry["blacklisted"] = true
			entry["unlock_at"] = unlock.Unix()
		}
		out = append(out, entry)
	}
	return out
}
