package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const maxCachedRecords = 512

// ErrUnsupportedDriver 表示未知的存储驱动。
var ErrUnsupportedDriver = errors.New("暂不支持的存储驱动")

// FileRepository 以 JSON 行格式追加写入本地文件，并在内存中保留最近的记录。
type FileRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []Record
}

// NewFileRepository 创建文件仓库并恢复已有记录。
func NewFileRepository(dataDir string) (*FileRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &FileRepository{dataFile: filepath.Join(dataDir, "swaps.log")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录兑换结果。
func (m *FileRepository) Save(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开兑换日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化兑换记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入兑换日志失败: %w", err)
	}

	m.records = append([]Record{record}, m.records...)
	if len(m.records) > maxCachedRecords {
		m.records = m.records[:maxCachedRecords]
	}
	return nil
}

// ListLatest 返回最近的兑换记录，按时间倒序排列。
func (m *FileRepository) ListLatest(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]Record, limit)
	copy(results, m.records[:limit])
	return results, nil
}

func (m *FileRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取兑换日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []Record
	for scanner.Scan() {
		var record Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]Record{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析兑换日志失败: %w", err)
	}
	if len(restored) > maxCachedRecords {
		restored = restored[:maxCachedRecords]
	}
	m.records = restored
	return nil
}
