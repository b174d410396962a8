package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"wagerchain/core/events"
	"wagerchain/core/types"
)

// ErrChainBroken reports a row whose digest does not follow from its
// predecessor.
var ErrChainBroken = errors.New("audit: digest chain broken")

// Entry is one persisted event. Digest commits to the previous entry's digest
// so that edited or removed rows are detectable.
type Entry struct {
	Seq        uint64    `gorm:"primaryKey;autoIncrement:false"`
	EventID    uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Type       string    `gorm:"size:64;index"`
	WagerID    string    `gorm:"size:32;index"`
	Attributes string    `gorm:"type:text"`
	PrevDigest string    `gorm:"size:64"`
	Digest     string    `gorm:"size:64;uniqueIndex"`
	CreatedAt  time.Time
}

// TableName pins the table name independent of naming strategy.
func (Entry) TableName() string { return "wager_audit_entries" }

// Store appends events to a relational audit trail.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time
	mu     sync.Mutex
}

// Open connects to the configured driver ("sqlite" or "postgres") and
// migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("audit: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", driver, err)
	}
	return NewStore(db)
}

// NewStore wraps an existing connection and migrates the schema.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("audit: nil database")
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return &Store{
		db:     db,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		nowFn:  time.Now,
	}, nil
}

// SetLogger configures where append failures are reported.
func (s *Store) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l.With(slog.String("component", "audit"))
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Emit implements events.Emitter. Failures are logged; the wager operation
// has already committed by the time events are emitted.
func (s *Store) Emit(evt events.Event) {
	if s == nil || evt == nil {
		return
	}
	if _, err := s.Append(context.Background(), evt.Event()); err != nil {
		s.logger.Error("audit append failed",
			slog.String("type", evt.EventType()),
			slog.Any("error", err),
		)
	}
}

// Append persists evt as the next entry of the chain.
func (s *Store) Append(ctx context.Context, evt *types.Event) (*Entry, error) {
	if evt == nil {
		return nil, errors.New("audit: nil event")
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return nil, fmt.Errorf("audit: encode attributes: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var entry *Entry
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last Entry
		prevSeq, prevDigest := uint64(0), ""
		res := tx.Order("seq desc").Limit(1).Find(&last)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			prevSeq, prevDigest = last.Seq, last.Digest
		}
		entry = &Entry{
			Seq:        prevSeq + 1,
			EventID:    uuid.New(),
			Type:       evt.Type,
			WagerID:    evt.Attributes["id"],
			Attributes: string(attrs),
			PrevDigest: prevDigest,
			CreatedAt:  s.nowFn().UTC(),
		}
		entry.Digest = digest(entry)
		return tx.Create(entry).Error
	})
	if err != nil {
		return nil, fmt.Errorf("audit: append: %w", err)
	}
	return entry, nil
}

// History returns the entries recorded for a wager, oldest first.
func (s *Store) History(ctx context.Context, wagerID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	var entries []Entry
	err := s.db.WithContext(ctx).
		Where("wager_id = ?", wagerID).
		Order("seq asc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("audit: history: %w", err)
	}
	return entries, nil
}

// Verify walks the whole chain and returns the number of entries checked.
// The first inconsistency is reported as an error wrapping ErrChainBroken.
func (s *Store) Verify(ctx context.Context) (int, error) {
	const page = 256
	checked := 0
	prev := ""
	expectSeq := uint64(1)
	for {
		var batch []Entry
		err := s.db.WithContext(ctx).
			Where("seq >= ?", expectSeq).
			Order("seq asc").
			Limit(page).
			Find(&batch).Error
		if err != nil {
			return checked, fmt.Errorf("audit: verify: %w", err)
		}
		for i := range batch {
			entry := &batch[i]
			if entry.Seq != expectSeq {
				return checked, fmt.Errorf("%w: expected seq %d, found %d", ErrChainBroken, expectSeq, entry.Seq)
			}
			if entry.PrevDigest != prev || digest(entry) != entry.Digest {
				return checked, fmt.Errorf("%w: at seq %d", ErrChainBroken, entry.Seq)
			}
			prev = entry.Digest
			expectSeq++
			checked++
		}
		if len(batch) < page {
			return checked, nil
		}
	}
}

func digest(e *Entry) string {
	h := blake3.New(32, nil)
	for _, part := range []string{
		e.PrevDigest,
		strconv.FormatUint(e.Seq, 10),
		e.EventID.String(),
		e.Type,
		e.Attributes,
	} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
