package core

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"gemini-gateway/models"
)

// 数据库中保留的最新日志条数
const requestLogKeep = 1000

// AsyncRequestLogger 异步请求日志记录器
// 业务路径只投递到缓冲队列，批量落库由后台 Worker 完成
type AsyncRequestLogger struct {
	db        *gorm.DB
	logChan   chan *models.RequestLog
	logger    *logrus.Logger
	batchSize int
	flushTime time.Duration
	wg        sync.WaitGroup
	quit      chan struct{}
}

// NewAsyncRequestLogger 创建新的异步日志记录器
func NewAsyncRequestLogger(db *gorm.DB, logger *logrus.Logger) *AsyncRequestLogger {
	l := &AsyncRequestLogger{
		db:        db,
		logChan:   make(chan *models.RequestLog, 1000), // 缓冲 1000 条
		logger:    logger,
		batchSize: 100,             // 批量插入大小
		flushTime: 5 * time.Second, // 最长等待时间
		quit:      make(chan struct{}),
	}
	l.startWorker()
	return l
}

// Log 提交日志到队列
func (l *AsyncRequestLogger) Log(log *models.RequestLog) {
	select {
	case l.logChan <- log:
	default:
		// 队列满了就丢弃，不能阻塞业务
		l.logger.Warn("Log channel full, dropping request log")
	}
}

// startWorker 启动后台写入 Worker
func (l *AsyncRequestLogger) startWorker() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.workerLoop()
	}()
}

// workerLoop 核心循环
func (l *AsyncRequestLogger) workerLoop() {
	var batch []*models.RequestLog
	timer := time.NewTicker(l.flushTime)
	defer timer.Stop()

	for {
		select {
		case log := <-l.logChan:
			batch = append(batch, log)
			if len(batch) >= l.batchSize {
				l.flush(batch)
				batch = nil
			}
		case <-timer.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = nil
			}
		case <-l.quit:
			// 退出前刷新剩余日志
			if len(batch) > 0 {
				l.flush(batch)
			}
			return
		}
	}
}

// flush 批量写入数据库并累加访问密钥用量
func (l *AsyncRequestLogger) flush(logs []*models.RequestLog) {
	if len(logs) == 0 {
		return
	}

	if err := l.db.CreateInBatches(logs, len(logs)).Error; err != nil {
		l.logger.Errorf("[Logger] Failed to flush logs: %v", err)
	}

	// 严格清理: 只保留最新的 requestLogKeep 条，数据库永不膨胀
	go func() {
		var count int64
		l.db.Model(&models.RequestLog{}).Count(&count)
		if count > requestLogKeep {
			var pivotID uint
			l.db.Model(&models.RequestLog{}).Select("id").Order("id desc").Offset(requestLogKeep).Limit(1).Scan(&pivotID)
			if pivotID > 0 {
				l.db.Where("id <= ?", pivotID).Delete(&models.RequestLog{})
			}
		}
	}()

	// 聚合访问密钥用量，一把更新，避免每请求一次写
	usage := make(map[uint]int64)
	for _, log := range logs {
		if log.AccessKeyID != 0 {
			usage[log.AccessKeyID]++
		}
	}
	for keyID, n := range usage {
		if err := l.db.Model(&models.AccessKey{}).Where("id = ?", keyID).
			UpdateColumn("usage_count", gorm.Expr("usage_count + ?", n)).Error; err != nil {
			l.logger.Errorf("[Logger] Failed to bump usage for access key %d: %v", keyID, err)
		}
	}
}

// Close 关闭日志记录器
func (l *AsyncRequestLogger) Close() {
	close(l.quit)
	l.wg.Wait()
	close(l.logChan)
}
