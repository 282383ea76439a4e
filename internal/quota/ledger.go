package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/af-corp/llm-relay/internal/config"
	"github.com/af-corp/llm-relay/internal/store"
)

var (
	ErrUnknownToken  = errors.New("unknown api key")
	ErrQuotaExceeded = errors.New("quota exceeded")
)

const reasonQuotaExceeded = "quota exceeded"

// Decision is the outcome of a Validate call.
type Decision struct {
	Allowed   bool
	Remaining int
	Limit     int
	Tier      Tier
	Reason    string
}

// Ledger meters access tokens against a per-tier daily ceiling.
//
// The in-memory records are the source of truth. After every mutation the whole
// table is merge-saved to the backing store; a failed save is logged and the
// in-memory result still stands.
type Ledger struct {
	mu      sync.Mutex
	records map[string]*Record

	limits      map[Tier]int
	premium     map[string]struct{}
	premiumList []string

	table  store.Table
	saveMu sync.Mutex
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger creates an empty ledger. Call Load to read the existing table.
func NewLedger(table store.Table, cfg config.QuotaConfig, premiumModels []string, logger *slog.Logger) *Ledger {
	premium := make(map[string]struct{}, len(premiumModels))
	for _, m := range premiumModels {
		premium[m] = struct{}{}
	}
	return &Ledger{
		records: make(map[string]*Record),
		limits: map[Tier]int{
			TierStandard: cfg.StandardDailyLimit,
			TierPremium:  cfg.PremiumDailyLimit,
		},
		premium:     premium,
		premiumList: append([]string(nil), premiumModels...),
		table:       table,
		logger:      logger,
		now:         time.Now,
	}
}

// Load replaces the in-memory records with the backing table.
func (l *Ledger) Load(ctx context.Context) error {
	records, err := l.read(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.records = records
	l.mu.Unlock()
	l.logger.Info("api keys loaded", "count", len(records))
	return nil
}

// Refresh adds records that another process wrote to the backing table and that
// this ledger does not know yet. Known records are never overwritten.
func (l *Ledger) Refresh(ctx context.Context) (int, error) {
	records, err := l.read(ctx)
	if err != nil {
		return 0, err
	}
	added := 0
	l.mu.Lock()
	for token, rec := range records {
		if _, ok := l.records[token]; !ok {
			l.records[token] = rec
			added++
		}
	}
	l.mu.Unlock()
	if added > 0 {
		l.logger.Info("api keys absorbed from store", "count", added)
	}
	return added, nil
}

func (l *Ledger) read(ctx context.Context) (map[string]*Record, error) {
	entries, err := l.table.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load api keys: %w", err)
	}
	decoded := store.Decode[Record](entries, func(key string, err error) {
		l.logger.Warn("skipping unreadable api key record", "key_prefix", safePrefix(key), "error", err)
	})
	records := make(map[string]*Record, len(decoded))
	for token, rec := range decoded {
		rec.Token = token
		if !rec.Tier.Valid() {
			l.logger.Warn("api key record has unknown tier, treating as standard",
				"key_prefix", safePrefix(token), "tier", string(rec.Tier))
			rec.Tier = TierStandard
		}
		records[token] = &rec
	}
	return records, nil
}

// Issue creates a token of the given tier with a zero count for today.
func (l *Ledger) Issue(ctx context.Context, tier Tier) (string, error) {
	if !tier.Valid() {
		return "", fmt.Errorf("issue api key: unknown tier %q", tier)
	}

	now := l.now().UTC()

	l.mu.Lock()
	var token string
	for {
		t, err := GenerateToken()
		if err != nil {
			l.mu.Unlock()
			return "", fmt.Errorf("issue api key: %w", err)
		}
		if _, exists := l.records[t]; !exists {
			token = t
			break
		}
	}
	l.records[token] = &Record{
		Token:         token,
		CreatedAt:     now,
		LastUsed:      now,
		LastResetDate: dateOf(now),
		Tier:          tier,
	}
	l.mu.Unlock()

	l.persist(ctx)
	l.logger.Info("api key issued", "key_prefix", safePrefix(token), "tier", string(tier))
	return token, nil
}

// Validate consumes one request from the token's allowance for today.
//
// The rollover, ceiling check and increment run in one critical section; the
// table is saved only afterwards, so concurrent calls on the same token can never
// both pass the last free slot. A rejected call does not change the count.
func (l *Ledger) Validate(ctx context.Context, token string) (Decision, error) {
	now := l.now().UTC()
	today := dateOf(now)

	l.mu.Lock()
	rec, ok := l.records[token]
	if !ok {
		l.mu.Unlock()
		return Decision{Reason: "invalid api key"}, ErrUnknownToken
	}

	if rec.LastResetDate != today {
		rec.DailyRequestCount = 0
		rec.LastResetDate = today
	}

	limit := l.limits[rec.Tier]
	if rec.DailyRequestCount >= limit {
		l.mu.Unlock()
		return Decision{Allowed: false, Remaining: 0, Limit: limit, Tier: rec.Tier, Reason: reasonQuotaExceeded},
			fmt.Errorf("%w: maximum %d requests per day", ErrQuotaExceeded, limit)
	}

	rec.DailyRequestCount++
	rec.LastUsed = now
	remaining := limit - rec.DailyRequestCount
	tier := rec.Tier
	l.mu.Unlock()

	l.persist(context.WithoutCancel(ctx))

	return Decision{Allowed: true, Remaining: remaining, Limit: limit, Tier: tier}, nil
}

// Remaining reports the allowance left today without consuming or persisting
// anything. A record last reset on an earlier date reports the full ceiling.
func (l *Ledger) Remaining(token string) int {
	today := dateOf(l.now())

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[token]
	if !ok {
		return 0
	}
	limit := l.limits[rec.Tier]
	if rec.LastResetDate != today {
		return limit
	}
	if rec.DailyRequestCount >= limit {
		return 0
	}
	return limit - rec.DailyRequestCount
}

// Lookup returns a copy of the token's record.
func (l *Ledger) Lookup(token string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[token]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Limit is the daily ceiling for tier.
func (l *Ledger) Limit(tier Tier) int {
	return l.limits[tier]
}

// IsPremiumModel reports whether alias is restricted to the premium tier.
func (l *Ledger) IsPremiumModel(alias string) bool {
	_, ok := l.premium[alias]
	return ok
}

func (l *Ledger) PremiumModels() []string {
	return append([]string(nil), l.premiumList...)
}

// persist flushes a snapshot of the whole table. The snapshot is taken under
// saveMu so a later save always carries the later state.
func (l *Ledger) persist(ctx context.Context) {
	l.saveMu.Lock()
	defer l.saveMu.Unlock()

	l.mu.Lock()
	snapshot := make(map[string]Record, len(l.records))
	for token, rec := range l.records {
		snapshot[token] = *rec
	}
	l.mu.Unlock()

	entries, err := store.Encode(snapshot)
	if err == nil {
		err = l.table.MergeSave(ctx, entries)
	}
	if err != nil {
		l.logger.Error("failed to save api keys", "error", err)
	}
}

// safePrefix returns a safe-to-log prefix of a token (never the full value).
func safePrefix(token string) string {
	if len(token) > 8 {
		return token[:8] + "..."
	}
	return token
}
