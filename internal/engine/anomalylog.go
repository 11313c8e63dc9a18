package engine

import (
	"context"
	"sync"

	"guardstat-service/internal/models"
)

// MemoryAnomalyLog журнал аномалий в памяти процесса, используется без Redis
type MemoryAnomalyLog struct {
	mu      sync.Mutex
	entries map[string]string
}

// NewMemoryAnomalyLog создает пустой журнал
func NewMemoryAnomalyLog() *MemoryAnomalyLog {
	return &MemoryAnomalyLog{entries: make(map[string]string)}
}

// RecordBatch добавляет записи; существующий ключ (host, epoch) не перезаписывается
func (m *MemoryAnomalyLog) RecordBatch(_ context.Context, recs []models.AnomalyRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	added := 0
	for _, rec := range recs {
		key := rec.Key()
		if _, ok := m.entries[key]; ok {
			continue
		}
		m.entries[key] = rec.Label
		added++
	}
	return added, nil
}

// Lookup метка для (host, epoch)
func (m *MemoryAnomalyLog) Lookup(_ context.Context, host string, epoch int64) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	label, ok := m.entries[models.AnomalyKey(host, epoch)]
	return label, ok, nil
}

// Entries возвращает копию журнала
func (m *MemoryAnomalyLog) Entries(_ context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out, nil
}
