package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/voltchat/battery-plane/pkg/models"
)

// MemoryStore is an in-memory Store used by tests and local development.
// A single mutex spans each transaction, which is stricter serialization
// than the per-user row locks of PostgresStore but satisfies the same
// contract: writes inside WithTx are all-or-nothing.
type MemoryStore struct {
	mu           sync.Mutex
	balances     map[string]models.UserBalance
	transactions map[string][]models.BalanceTransaction
	usage        map[string]map[string]models.DailyUsageSummary // userID -> day
	subscriptions map[string]models.Subscription
	events       map[string]string // eventID -> eventType
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:      make(map[string]models.UserBalance),
		transactions:  make(map[string][]models.BalanceTransaction),
		usage:         make(map[string]map[string]models.DailyUsageSummary),
		subscriptions: make(map[string]models.Subscription),
		events:        make(map[string]string),
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		store:    s,
		balances: make(map[string]models.UserBalance),
		usage:    make(map[string]models.DailyUsageSummary),
		subs:     make(map[string]models.Subscription),
		events:   make(map[string]string),
	}

	if err := fn(tx); err != nil {
		return err
	}

	// Commit staged writes.
	for id, b := range tx.balances {
		s.balances[id] = b
	}
	for _, t := range tx.appended {
		s.transactions[t.UserID] = append(s.transactions[t.UserID], t)
	}
	for _, d := range tx.usage {
		if s.usage[d.UserID] == nil {
			s.usage[d.UserID] = make(map[string]models.DailyUsageSummary)
		}
		s.usage[d.UserID][d.Date] = d
	}
	for id, sub := range tx.subs {
		s.subscriptions[id] = sub
	}
	for id, typ := range tx.events {
		s.events[id] = typ
	}
	return nil
}

func (s *MemoryStore) GetBalance(ctx context.Context, userID string) (*models.UserBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, userID string, limit int) ([]models.BalanceTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	all := s.transactions[userID]
	out := make([]models.BalanceTransaction, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *MemoryStore) ListDailyUsage(ctx context.Context, userID, fromDay, toDay string) ([]models.DailyUsageSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DailyUsageSummary
	for day, d := range s.usage[userID] {
		if day >= fromDay && day <= toDay {
			d.ModelsUsed = cloneModels(d.ModelsUsed)
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (s *MemoryStore) GetSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &sub, nil
}

func (s *MemoryStore) ListStaleAllowances(ctx context.Context, day string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, b := range s.balances {
		if b.DailyAllowance > 0 && b.LastDailyReset != day {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Health(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}

type memoryTx struct {
	store    *MemoryStore
	balances map[string]models.UserBalance
	appended []models.BalanceTransaction
	usage    map[string]models.DailyUsageSummary // userID|day
	subs     map[string]models.Subscription
	events   map[string]string
}

func (t *memoryTx) BalanceForUpdate(ctx context.Context, userID string) (*models.UserBalance, error) {
	if b, ok := t.balances[userID]; ok {
		return &b, nil
	}
	if b, ok := t.store.balances[userID]; ok {
		return &b, nil
	}
	now := time.Now().UTC()
	b := models.UserBalance{UserID: userID, CreatedAt: now, UpdatedAt: now}
	t.balances[userID] = b
	return &b, nil
}

func (t *memoryTx) UpdateBalance(ctx context.Context, balance *models.UserBalance) error {
	b := *balance
	b.UpdatedAt = time.Now().UTC()
	t.balances[balance.UserID] = b
	return nil
}

func (t *memoryTx) AppendTransaction(ctx context.Context, txn *models.BalanceTransaction) error {
	t.appended = append(t.appended, *txn)
	return nil
}

func (t *memoryTx) AddDailyUsage(ctx context.Context, userID, day, model string, credits int64) error {
	key := userID + "|" + day
	d, ok := t.usage[key]
	if !ok {
		if existing, exists := t.store.usage[userID][day]; exists {
			d = existing
			d.ModelsUsed = cloneModels(existing.ModelsUsed)
		} else {
			d = models.DailyUsageSummary{UserID: userID, Date: day, ModelsUsed: map[string]int64{}}
		}
	}
	d.TotalCreditsUsed += credits
	d.TotalMessages++
	d.ModelsUsed[model]++
	t.usage[key] = d
	return nil
}

func (t *memoryTx) SubscriptionForUpdate(ctx context.Context, userID string) (*models.Subscription, error) {
	if sub, ok := t.subs[userID]; ok {
		return &sub, nil
	}
	if sub, ok := t.store.subscriptions[userID]; ok {
		return &sub, nil
	}
	return nil, ErrNotFound
}

func (t *memoryTx) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	s := *sub
	now := time.Now().UTC()
	if existing, ok := t.store.subscriptions[sub.UserID]; ok {
		s.CreatedAt = existing.CreatedAt
	} else {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	t.subs[sub.UserID] = s
	return nil
}

func (t *memoryTx) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	if _, seen := t.store.events[eventID]; seen {
		return false, nil
	}
	if _, seen := t.events[eventID]; seen {
		return false, nil
	}
	t.events[eventID] = eventType
	return true, nil
}

func cloneModels(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
