package webhook

import (
	"context"
	"sync"

	"chatrelay/internal/models"
)

// DeliveryLog keeps recent delivery attempts for the admin status view.
type DeliveryLog interface {
	Record(ctx context.Context, rec models.DeliveryRecord) error
	Recent(ctx context.Context, limit int) ([]models.DeliveryRecord, error)
}

// MemoryLog is a fixed-size in-process ring of delivery records.
type MemoryLog struct {
	mu      sync.Mutex
	entries []models.DeliveryRecord
	next    int
	full    bool
}

func NewMemoryLog(size int) *MemoryLog {
	if size < 1 {
		size = 1
	}
	return &MemoryLog{entries: make([]models.DeliveryRecord, size)}
}

func (l *MemoryLog) Record(_ context.Context, rec models.DeliveryRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.next] = rec
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	return nil
}

// Recent returns up to limit records, newest first. A limit <= 0 returns all.
func (l *MemoryLog) Recent(_ context.Context, limit int) ([]models.DeliveryRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.next
	if l.full {
		count = len(l.entries)
	}
	if limit <= 0 || limit > count {
		limit = count
	}

	out := make([]models.DeliveryRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.next - i + len(l.entries)) % len(l.entries)
		out = append(out, l.entries[idx])
	}
	return out, nil
}
