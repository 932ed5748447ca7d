// internal/services/ledger_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/affiliate-backend/internal/config"
	"github.com/javajoker/affiliate-backend/internal/models"
	"github.com/javajoker/affiliate-backend/internal/utils"
)

var errSequenceConflict = errors.New("ledger sequence conflict")

// LedgerService owns the append-only ledger. Every append for an affiliate
// runs under that affiliate's lock and inside a database transaction, so
// balances are only ever derived by folding committed entries.
type LedgerService struct {
	db        *gorm.DB
	locker    AffiliateLocker
	publisher EventPublisher
	cfg       config.LedgerConfig
	cache     *balanceCache
}

// NewLedgerService picks the balance version source from the locker: a Redis
// locker means the ledger is shared across instances, so cached folds are
// tagged with a Redis counter every instance bumps.
func NewLedgerService(db *gorm.DB, locker AffiliateLocker, publisher EventPublisher, cfg config.LedgerConfig) *LedgerService {
	var versions BalanceVersions
	if redisLocker, ok := locker.(*RedisLocker); ok {
		versions = NewRedisBalanceVersions(redisLocker.rdb)
	}
	return NewLedgerServiceWithVersions(db, locker, publisher, cfg, versions)
}

func NewLedgerServiceWithVersions(db *gorm.DB, locker AffiliateLocker, publisher EventPublisher, cfg config.LedgerConfig, versions BalanceVersions) *LedgerService {
	if versions == nil {
		versions = NewLocalBalanceVersions()
	}
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	if locker == nil {
		locker = NewLocalLocker(cfg.LockTimeout)
	}
	return &LedgerService{
		db:        db,
		locker:    locker,
		publisher: publisher,
		cfg:       cfg,
		cache:     newBalanceCache(versions, cfg.BalanceCacheTTL),
	}
}

// LedgerTx is the view of the ledger handed to code running under an
// affiliate's lock. All reads and writes go through the same transaction.
type LedgerTx struct {
	tx          *gorm.DB
	affiliateID uuid.UUID
	head        *models.LedgerEntry
	headLoaded  bool
	appended    []models.LedgerEntry
}

// DB returns the transaction so callers can persist related rows atomically
// with their ledger entries.
func (l *LedgerTx) DB() *gorm.DB {
	return l.tx
}

func (l *LedgerTx) AffiliateID() uuid.UUID {
	return l.affiliateID
}

// Balance re-folds every entry for the affiliate inside the transaction,
// including entries appended earlier in it. Gating decisions use this, never
// the cache.
func (l *LedgerTx) Balance() (models.WalletBalance, error) {
	var entries []models.LedgerEntry
	if err := l.tx.Where("affiliate_id = ?", l.affiliateID).
		Order("sequence ASC").Find(&entries).Error; err != nil {
		return models.WalletBalance{}, storageUnavailable("fold ledger", err)
	}
	return models.FoldEntries(l.affiliateID, entries), nil
}

// Append validates the entry, chains it to the current head and inserts it.
// A bucket that would go negative fails with ErrInsufficientBalance.
func (l *LedgerTx) Append(entry *models.LedgerEntry) error {
	if entry.AffiliateID != l.affiliateID {
		return fmt.Errorf("ledger entry for affiliate %s appended under lock for %s", entry.AffiliateID, l.affiliateID)
	}
	if err := validateEntry(entry); err != nil {
		return err
	}

	balance, err := l.Balance()
	if err != nil {
		return err
	}
	balance.Apply(*entry)
	if balance.PendingBalance < 0 || balance.AvailableBalance < 0 {
		return fmt.Errorf("%w: %s of %d would overdraw affiliate %s", ErrInsufficientBalance, entry.Kind, entry.Amount, l.affiliateID)
	}

	head, err := l.loadHead()
	if err != nil {
		return err
	}

	entry.ID = uuid.New()
	entry.Sequence = 1
	entry.PrevHash = ""
	if head != nil {
		entry.Sequence = head.Sequence + 1
		entry.PrevHash = head.Hash
	}
	entry.CreatedAt = time.Now().UTC()
	entry.Hash = entry.ComputeHash()

	if err := l.tx.Create(entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: affiliate %s sequence %d", errSequenceConflict, l.affiliateID, entry.Sequence)
		}
		return storageUnavailable("append ledger entry", err)
	}

	appended := *entry
	l.head = &appended
	l.appended = append(l.appended, appended)
	return nil
}

func (l *LedgerTx) loadHead() (*models.LedgerEntry, error) {
	if l.headLoaded {
		return l.head, nil
	}
	var head models.LedgerEntry
	err := l.tx.Where("affiliate_id = ?", l.affiliateID).Order("sequence DESC").First(&head).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		l.head = nil
	case err != nil:
		return nil, storageUnavailable("load ledger head", err)
	default:
		l.head = &head
	}
	l.headLoaded = true
	return l.head, nil
}

func validateEntry(entry *models.LedgerEntry) error {
	switch entry.Kind {
	case models.EntryKindCreditPending, models.EntryKindConfirm, models.EntryKindWithdraw:
		if entry.Amount <= 0 {
			return validationError("%s entry amount must be positive", entry.Kind)
		}
		entry.SourceBucket = models.BucketNone
	case models.EntryKindReverse:
		if entry.Amount >= 0 {
			return validationError("reverse entry amount must be negative")
		}
		if entry.SourceBucket != models.BucketPending && entry.SourceBucket != models.BucketAvailable {
			return validationError("reverse entry must name the pending or available bucket")
		}
	default:
		return validationError("unknown ledger entry kind %q", entry.Kind)
	}
	return nil
}

// WithAffiliate runs fn under the affiliate's single-writer lock inside one
// transaction. Lost races on the ledger sequence or the lock are retried with
// bounded backoff; exhausting retries yields ErrConcurrencyConflict.
func (s *LedgerService) WithAffiliate(ctx context.Context, affiliateID uuid.UUID, fn func(ltx *LedgerTx) error) error {
	attempts := s.cfg.MaxAppendRetries
	if attempts < 1 {
		attempts = 1
	}
	backoff := s.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 10 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff << (attempt - 1)):
			}
		}

		appended, err := s.runLocked(ctx, affiliateID, fn)
		if err == nil {
			s.afterCommit(ctx, affiliateID, appended)
			return nil
		}
		if !errors.Is(err, errSequenceConflict) && !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}

		lastErr = err
		logrus.WithError(err).WithFields(logrus.Fields{
			"affiliate_id": affiliateID,
			"attempt":      attempt + 1,
		}).Warn("Ledger append lost a race, retrying")
	}

	if errors.Is(lastErr, ErrConcurrencyConflict) {
		return lastErr
	}
	return fmt.Errorf("%w: %v", ErrConcurrencyConflict, lastErr)
}

func (s *LedgerService) runLocked(ctx context.Context, affiliateID uuid.UUID, fn func(ltx *LedgerTx) error) ([]models.LedgerEntry, error) {
	unlock, err := s.locker.Lock(ctx, affiliateID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var appended []models.LedgerEntry
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ltx := &LedgerTx{tx: tx, affiliateID: affiliateID}
		if err := fn(ltx); err != nil {
			return err
		}
		appended = ltx.appended
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Invalidate while still holding the lock so no later writer can be
	// overtaken by a stale cached fold.
	if len(appended) > 0 {
		s.cache.invalidate(affiliateID)
	}
	return appended, nil
}

func (s *LedgerService) afterCommit(ctx context.Context, affiliateID uuid.UUID, appended []models.LedgerEntry) {
	if len(appended) == 0 {
		return
	}
	events := make([]DomainEvent, 0, len(appended))
	for _, entry := range appended {
		events = append(events, newEvent(EventLedgerEntryAppended, affiliateID.String(), entry))
	}
	publishQuietly(ctx, s.publisher, events...)
}

// Append commits a single entry and returns its id. On failure nothing was
// committed.
func (s *LedgerService) Append(ctx context.Context, entry *models.LedgerEntry) (uuid.UUID, error) {
	err := s.WithAffiliate(ctx, entry.AffiliateID, func(ltx *LedgerTx) error {
		return ltx.Append(entry)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return entry.ID, nil
}

// BalanceOf serves dashboard reads and may come from the cache. Every append
// bumps the affiliate's shared version before the lock is released, and a
// cached fold is only served while its version is current.
func (s *LedgerService) BalanceOf(ctx context.Context, affiliateID uuid.UUID) (models.WalletBalance, error) {
	version, err := s.cache.version(ctx, affiliateID)
	if err != nil {
		logrus.WithError(err).WithField("affiliate_id", affiliateID).Warn("Balance version unavailable, folding ledger")
		return s.FreshBalance(ctx, affiliateID)
	}
	if balance, ok := s.cache.get(affiliateID, version); ok {
		return balance, nil
	}

	balance, err := s.FreshBalance(ctx, affiliateID)
	if err != nil {
		return models.WalletBalance{}, err
	}
	s.cache.store(affiliateID, balance, version)
	return balance, nil
}

// FreshBalance folds the committed ledger without consulting the cache.
func (s *LedgerService) FreshBalance(ctx context.Context, affiliateID uuid.UUID) (models.WalletBalance, error) {
	entries, err := s.AllEntries(ctx, affiliateID)
	if err != nil {
		return models.WalletBalance{}, err
	}
	return models.FoldEntries(affiliateID, entries), nil
}

// AllEntries returns every committed entry for the affiliate in sequence
// order.
func (s *LedgerService) AllEntries(ctx context.Context, affiliateID uuid.UUID) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	if err := s.db.WithContext(ctx).Where("affiliate_id = ?", affiliateID).
		Order("sequence ASC").Find(&entries).Error; err != nil {
		return nil, storageUnavailable("load ledger", err)
	}
	return entries, nil
}

func (s *LedgerService) Entries(ctx context.Context, affiliateID uuid.UUID, params utils.PaginationParams) ([]models.LedgerEntry, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.LedgerEntry{}).Where("affiliate_id = ?", affiliateID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, storageUnavailable("count ledger entries", err)
	}

	query = utils.ApplySort(query, params, []string{"sequence", "created_at"})
	query = utils.ApplyPagination(query, params)

	var entries []models.LedgerEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, 0, storageUnavailable("fetch ledger entries", err)
	}
	return entries, total, nil
}

type ChainVerification struct {
	AffiliateID  uuid.UUID `json:"affiliate_id"`
	Valid        bool      `json:"valid"`
	EntryCount   int       `json:"entry_count"`
	BrokenAt     int64     `json:"broken_at,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	HeadHash     string    `json:"head_hash,omitempty"`
	NetTotal     int64     `json:"net_total"`
	BalanceTotal int64     `json:"balance_total"`
}

// VerifyChain recomputes the hash chain and checks the balance invariant.
func (s *LedgerService) VerifyChain(ctx context.Context, affiliateID uuid.UUID) (*ChainVerification, error) {
	entries, err := s.AllEntries(ctx, affiliateID)
	if err != nil {
		return nil, err
	}

	result := &ChainVerification{AffiliateID: affiliateID, Valid: true, EntryCount: len(entries)}
	prevHash := ""
	for i, entry := range entries {
		switch {
		case entry.Sequence != int64(i+1):
			result.Valid, result.BrokenAt, result.Reason = false, entry.Sequence, "sequence gap"
		case entry.PrevHash != prevHash:
			result.Valid, result.BrokenAt, result.Reason = false, entry.Sequence, "previous hash mismatch"
		case entry.ComputeHash() != entry.Hash:
			result.Valid, result.BrokenAt, result.Reason = false, entry.Sequence, "entry hash mismatch"
		}
		if !result.Valid {
			break
		}
		prevHash = entry.Hash
		result.NetTotal += entry.NetAmount()
	}
	result.HeadHash = prevHash

	balance := models.FoldEntries(affiliateID, entries)
	result.BalanceTotal = balance.Total()
	if result.Valid && result.NetTotal != result.BalanceTotal {
		result.Valid, result.Reason = false, "balance does not match ledger sum"
	}
	return result, nil
}
