package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LocalStore 本地磁盘后端
// 每次写入后，若距上次清理超过 cooldown，触发一次 janitor 扫描：
// 按 mtime 从旧到新删除，直到文件数和总大小都回到预算之内
type LocalStore struct {
	dir      string
	hostURL  string
	maxCount int
	maxBytes int64
	logger   *logrus.Logger

	mu          sync.Mutex
	lastCleanup time.Time
	cooldown    time.Duration
}

// NewLocalStore 创建本地存储，目录不存在时自动创建
func NewLocalStore(dir, hostURL string, maxCount int, maxBytes int64, logger *logrus.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media dir: %w", err)
	}
	return &LocalStore{
		dir:      dir,
		hostURL:  strings.TrimSuffix(hostURL, "/"),
		maxCount: maxCount,
		maxBytes: maxBytes,
		logger:   logger,
		cooldown: time.Minute,
	}, nil
}

func (s *LocalStore) Save(ctx context.Context, mimeType string, data []byte) (string, error) {
	name := GenerateName(mimeType)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write media file: %w", err)
	}

	s.maybeCleanup()

	return fmt.Sprintf("%s/images/%s", s.hostURL, name), nil
}

func (s *LocalStore) Fetch(ctx context.Context, name string) ([]byte, string, error) {
	// 防止路径穿越
	if name != filepath.Base(name) {
		return nil, "", ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	return data, mimeFromExt(name), nil
}

func (s *LocalStore) List(page, pageSize int) ([]ObjectInfo, int, error) {
	entries, err := s.sortedEntries()
	if err != nil {
		return nil, 0, err
	}

	total := len(entries)
	// 列表按最新在前
	sort.Slice(entries, func(i, j int) bool { return entries[i].modTime.After(entries[j].modTime) })

	start := (page - 1) * pageSize
	if start < 0 || start >= total {
		return []ObjectInfo{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	out := make([]ObjectInfo, 0, end-start)
	for _, e := range entries[start:end] {
		out = append(out, ObjectInfo{
			Name:      e.name,
			MimeType:  mimeFromExt(e.name),
			Size:      e.size,
			CreatedAt: e.modTime,
			URL:       fmt.Sprintf("%s/images/%s", s.hostURL, e.name),
		})
	}
	return out, total, nil
}

func (s *LocalStore) Delete(ctx context.Context, name string) bool {
	if name != filepath.Base(name) {
		return false
	}
	return os.Remove(filepath.Join(s.dir, name)) == nil
}

type fileEntry struct {
	name    string
	size    int64
	modTime time.Time
}

func (s *LocalStore) sortedEntries() ([]fileEntry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	entries := make([]fileEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, fileEntry{name: de.Name(), size: info.Size(), modTime: info.ModTime()})
	}
	return entries, nil
}

// maybeCleanup 写入后的机会式清理，冷却期内不重复执行
func (s *LocalStore) maybeCleanup() {
	s.mu.Lock()
	if time.Since(s.lastCleanup) < s.cooldown {
		s.mu.Unlock()
		return
	}
	s.lastCleanup = time.Now()
	s.mu.Unlock()

	s.cleanup()
}

// cleanup 从最旧的文件开始删，直到数量和总大小都满足预算
// 删除失败只记日志，不影响业务
func (s *LocalStore) cleanup() {
	entries, err := s.sortedEntries()
	if err != nil {
		s.logger.Warnf("media janitor: failed to scan dir: %v", err)
		return
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].modTime.Before(entries[j].modTime) })

	var totalBytes int64
	for _, e := range entries {
		totalBytes += e.size
	}

	removed := 0
	for _, e := range entries {
		if len(entries)-removed <= s.maxCount && totalBytes <= s.maxBytes {
			break
		}
		if err := os.Remove(filepath.Join(s.dir, e.name)); err != nil {
			s.logger.Warnf("media janitor: failed to remove %s: %v", e.name, err)
			continue
		}
		removed++
		totalBytes -= e.size
	}
	if removed > 0 {
		s.logger.Infof("media janitor: removed %d old files", removed)
	}
}

// SetCooldown 调整清理冷却时间（测试用）
func (s *LocalStore) SetCooldown(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldown = d
	s.lastCleanup = time.Time{}
}
