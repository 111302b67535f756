package core

import (
	"fmt"
	"os"
	"sync"
)

// LogRotator 带大小上限的日志文件写入器，实现 io.Writer
// 超过阈值时把当前文件滚动为一份 .old 备份（只保留一份），从空文件继续写
type LogRotator struct {
	mu    sync.Mutex
	path  string
	limit int64
	file  *os.File
	size  int64
}

// NewLogRotator 打开（或创建）日志文件，maxSizeMB 为滚动阈值
func NewLogRotator(path string, maxSizeMB int) (*LogRotator, error) {
	r := &LogRotator{path: path, limit: int64(maxSizeMB) << 20}
	if err := r.reopen(); err != nil {
		return nil, err
	}
	return r, nil
}

// reopen 以追加模式打开日志文件并记下当前大小
func (r *LogRotator) reopen() error {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	r.file = file
	r.size = stat.Size()
	return nil
}

func (r *LogRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size+int64(len(p)) > r.limit {
		if err := r.rotate(); err != nil {
			// 轮转器本身就是 logrus 的输出目标，这里只能落 stderr
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// rotate 当前文件改名为 .old 覆盖上一份备份，再开一个空文件
// 改名失败时重新打开原文件继续追加，不阻断写入
func (r *LogRotator) rotate() error {
	r.file.Close()

	backup := r.path + ".old"
	os.Remove(backup) // 可能不存在
	renameErr := os.Rename(r.path, backup)

	if err := r.reopen(); err != nil {
		return err
	}
	return renameErr
}

func (r *LogRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}
