package anticheat

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BanRecord documents one enforcement ban with its supporting evidence.
// Subjects live in two namespaces: a bare player ID, or "ip:"+address.
type BanRecord struct {
	ID         string             `json:"id"`
	Subject    string             `json:"subject"`
	Score      float64            `json:"score"`
	Components map[string]float64 `json:"components"`
	Timestamp  time.Time          `json:"timestamp"`
	ExpiresAt  time.Time          `json:"expires_at"`
}

// IPSubject formats an address into the IP ban namespace.
func IPSubject(addr string) string {
	return "ip:" + addr
}

// IsIPSubject reports whether a subject belongs to the IP namespace.
func IsIPSubject(subject string) bool {
	return strings.HasPrefix(subject, "ip:")
}

// BanManager stores enforcement bans for both namespaces. Expired records
// are evicted lazily on read.
type BanManager struct {
	mu      sync.RWMutex
	records map[string]*BanRecord
	now     func() time.Time
}

// NewBanManager creates an empty ban manager.
func NewBanManager() *BanManager {
	return &BanManager{
		records: make(map[string]*BanRecord),
		now:     time.Now,
	}
}

// Ban records a ban for the subject.
func (b *BanManager) Ban(subject string, score float64, components map[string]float64, duration time.Duration) *BanRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	record := &BanRecord{
		ID:         uuid.NewString(),
		Subject:    subject,
		Score:      score,
		Components: components,
		Timestamp:  b.now(),
		ExpiresAt:  b.now().Add(duration),
	}
	b.records[subject] = record
	return record
}

// IsBanned reports whether the subject has an unexpired ban, evicting the
// record when it expired.
func (b *BanManager) IsBanned(subject string) bool {
	b.mu.RLock()
	record, ok := b.records[subject]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if b.now().After(record.ExpiresAt) {
		b.mu.Lock()
		if record, ok = b.records[subject]; ok && b.now().After(record.ExpiresAt) {
			delete(b.records, subject)
		}
		b.mu.Unlock()
		return false
	}
	return true
}

// Pardon removes a ban. Returns true if an entry existed.
func (b *BanManager) Pardon(subject string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.records[subject]; !ok {
		return false
	}
	delete(b.records, subject)
	return true
}

// ActiveCount returns the number of unexpired records.
func (b *BanManager) ActiveCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	now := b.now()
	count := 0
	for _, record := range b.records {
		if now.Before(record.ExpiresAt) {
			count++
		}
	}
	return count
}
