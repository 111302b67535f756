package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memorySlot struct {
	name      string
	mimeType  string
	data      []byte
	createdAt time.Time
}

// MemoryStore 固定容量的环形缓冲后端
// 写指针回绕时覆盖最旧的槽位；覆盖前先从索引里摘掉旧名字，避免悬空别名
type MemoryStore struct {
	mu      sync.Mutex
	slots   []memorySlot
	index   map[string]int // name -> slot
	next    int
	hostURL string
}

// NewMemoryStore 创建内存存储，capacity 为槽位数
func NewMemoryStore(capacity int, hostURL string) *MemoryStore {
	if capacity <= 0 {
		capacity = 100
	}
	return &MemoryStore{
		slots:   make([]memorySlot, capacity),
		index:   make(map[string]int, capacity),
		hostURL: strings.TrimSuffix(hostURL, "/"),
	}
}

func (s *MemoryStore) Save(ctx context.Context, mimeType string, data []byte) (string, error) {
	name := GenerateName(mimeType)

	s.mu.Lock()
	slot := &s.slots[s.next]
	if slot.name != "" {
		delete(s.index, slot.name)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	*slot = memorySlot{name: name, mimeType: mimeType, data: buf, createdAt: time.Now()}
	s.index[name] = s.next
	s.next = (s.next + 1) % len(s.slots)
	s.mu.Unlock()

	return fmt.Sprintf("%s/images/%s", s.hostURL, name), nil
}

func (s *MemoryStore) Fetch(ctx context.Context, name string) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.index[name]
	if !ok {
		return nil, "", ErrNotFound
	}
	slot := s.slots[idx]
	data := make([]byte, len(slot.data))
	copy(data, slot.data)
	return data, slot.mimeType, nil
}

func (s *MemoryStore) List(page, pageSize int) ([]ObjectInfo, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]ObjectInfo, 0, len(s.index))
	for _, slot := range s.slots {
		if slot.name == "" {
			continue
		}
		all = append(all, ObjectInfo{
			Name:      slot.name,
			MimeType:  slot.mimeType,
			Size:      int64(len(slot.data)),
			CreatedAt: slot.createdAt,
			URL:       fmt.Sprintf("%s/images/%s", s.hostURL, slot.name),
		})
	}
	// 最新在前
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	start := (page - 1) * pageSize
	if start < 0 || start >= total {
		return []ObjectInfo{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (s *MemoryStore) Delete(ctx context.Context, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.index[name]
	if !ok {
		return false
	}
	delete(s.index, name)
	s.slots[idx] = memorySlot{}
	return true
}
