package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Ledger is the durable report store. All writes go through gorm with
// TranslateError enabled, so unique violations surface as
// gorm.ErrDuplicatedKey regardless of driver.
type Ledger struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewLedger(db *gorm.DB, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.AutoMigrate(&Report{}, &TargetStatus{}, &StreamCursor{}); err != nil {
		return nil, fmt.Errorf("migrating ledger schema: %w", err)
	}
	return &Ledger{
		db:     db,
		logger: logger.With("system", "ledger"),
	}, nil
}

// IncomingReport is a validated report ready for persistence. ReportedAt is
// the event's created_at, not the local receive time.
type IncomingReport struct {
	EventID    string
	Reporter   string
	Target     string
	Category   Category
	ReportedAt time.Time
	Payload    string
}

type UpsertOutcome int

const (
	UpsertInserted UpsertOutcome = iota
	UpsertReplaced
	UpsertSkippedOlder
)

func (o UpsertOutcome) String() string {
	switch o {
	case UpsertInserted:
		return "inserted"
	case UpsertReplaced:
		return "replaced"
	case UpsertSkippedOlder:
		return "skipped-older"
	default:
		return "unknown"
	}
}

// Upsert stores rep under the one-row-per-(reporter, target) rule: a missing
// pair inserts, a newer ReportedAt replaces, anything equal-or-older is
// skipped. A concurrent insert racing on the unique index surfaces as
// gorm.ErrDuplicatedKey; one retry then resolves against the winning row.
func (l *Ledger) Upsert(ctx context.Context, rep *IncomingReport) (UpsertOutcome, error) {
	outcome, err := l.upsertOnce(ctx, rep)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		outcome, err = l.upsertOnce(ctx, rep)
	}
	if err != nil {
		return outcome, fmt.Errorf("upserting report for target %s: %w", rep.Target, err)
	}
	return outcome, nil
}

func (l *Ledger) upsertOnce(ctx context.Context, rep *IncomingReport) (UpsertOutcome, error) {
	var outcome UpsertOutcome
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Report
		err := tx.Where("reporter = ? AND target = ?", rep.Reporter, rep.Target).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			outcome = UpsertInserted
			return tx.Create(&Report{
				EventID:    rep.EventID,
				Reporter:   rep.Reporter,
				Target:     rep.Target,
				Category:   rep.Category,
				ReportedAt: rep.ReportedAt,
				Payload:    rep.Payload,
			}).Error
		}
		if err != nil {
			return err
		}
		if !rep.ReportedAt.After(existing.ReportedAt) {
			outcome = UpsertSkippedOlder
			return nil
		}
		outcome = UpsertReplaced
		return tx.Model(&existing).Updates(map[string]any{
			"event_id":    rep.EventID,
			"category":    rep.Category,
			"reported_at": rep.ReportedAt,
			"payload":     rep.Payload,
		}).Error
	})
	return outcome, err
}

// Membership is the trust predicate used when tallying. A nil Membership
// counts every reporter.
type Membership interface {
	Contains(pubkey string) bool
}

// Tally counts distinct reporters per category within the window. Reporters
// are distinct by construction: the ledger holds at most one row per
// (reporter, target) pair, so each reporter contributes exactly one category.
type Tally struct {
	PerCategory map[Category]int
	Total       int
}

func (t *Tally) Count(c Category) int {
	if t == nil {
		return 0
	}
	return t.PerCategory[c]
}

// CountTrusted tallies reports against target with ReportedAt at or after
// since, keeping only reporters the membership predicate admits. Membership
// is checked at count time, so a reporter who has since left the trust graph
// stops counting on the next evaluation.
func (l *Ledger) CountTrusted(ctx context.Context, target string, trusted Membership, since time.Time) (*Tally, error) {
	var rows []Report
	if err := l.db.WithContext(ctx).Where("target = ? AND reported_at >= ?", target, since).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading reports for target %s: %w", target, err)
	}
	tally := &Tally{PerCategory: make(map[Category]int)}
	for _, r := range rows {
		if trusted != nil && !trusted.Contains(r.Reporter) {
			continue
		}
		tally.PerCategory[r.Category]++
		tally.Total++
	}
	return tally, nil
}

// Prune hard-deletes report rows with ReportedAt before olderThan and
// returns how many went. Callers must keep olderThan at least one full
// counting window in the past, or windowed tallies would undercount.
func (l *Ledger) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res := l.db.WithContext(ctx).Where("reported_at < ?", olderThan).Delete(&Report{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning reports: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		l.logger.Info("pruned old reports", "count", res.RowsAffected, "olderThan", olderThan)
	}
	return res.RowsAffected, nil
}

// RecordTrigger ensures a status row exists for target and stamps the
// trigger bookkeeping. The Acted flag is never touched here.
func (l *Ledger) RecordTrigger(ctx context.Context, target, reason string) error {
	now := time.Now()
	err := l.db.WithContext(ctx).Create(&TargetStatus{
		Target:      target,
		TriggeredAt: &now,
		Reason:      reason,
	}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return l.db.WithContext(ctx).Model(&TargetStatus{}).
			Where("target = ?", target).
			Updates(map[string]any{"triggered_at": &now, "reason": reason}).Error
	}
	return err
}

// MarkActed flips the Acted flag for target and reports whether this call
// won the flip. The conditional update is the at-most-once guard: of any
// number of concurrent callers exactly one sees an affected row.
func (l *Ledger) MarkActed(ctx context.Context, target string) (bool, error) {
	now := time.Now()
	res := l.db.WithContext(ctx).Model(&TargetStatus{}).
		Where("target = ? AND acted = ?", target, false).
		Updates(map[string]any{"acted": true, "acted_at": &now})
	if res.Error != nil {
		return false, fmt.Errorf("marking target %s acted: %w", target, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RecordAttempt bumps the attempt counter for target and stores the latest
// failure, or clears it on success.
func (l *Ledger) RecordAttempt(ctx context.Context, target string, attemptErr error) error {
	updates := map[string]any{"attempts": gorm.Expr("attempts + 1")}
	if attemptErr != nil {
		updates["last_error"] = attemptErr.Error()
	} else {
		updates["last_error"] = ""
	}
	return l.db.WithContext(ctx).Model(&TargetStatus{}).Where("target = ?", target).Updates(updates).Error
}

// GetStatus returns the status row for target, or nil when the target has
// never triggered.
func (l *Ledger) GetStatus(ctx context.Context, target string) (*TargetStatus, error) {
	var st TargetStatus
	err := l.db.WithContext(ctx).Where("target = ?", target).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading status for target %s: %w", target, err)
	}
	return &st, nil
}

func (l *Ledger) HasActed(ctx context.Context, target string) (bool, error) {
	st, err := l.GetStatus(ctx, target)
	if err != nil {
		return false, err
	}
	return st != nil && st.Acted, nil
}

type Stats struct {
	TotalReports      int64
	DistinctTargets   int64
	DistinctReporters int64
	ActedTargets      int64
}

func (l *Ledger) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	db := l.db.WithContext(ctx)
	if err := db.Model(&Report{}).Count(&s.TotalReports).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Report{}).Distinct("target").Count(&s.DistinctTargets).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Report{}).Distinct("reporter").Count(&s.DistinctReporters).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&TargetStatus{}).Where("acted = ?", true).Count(&s.ActedTargets).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadCursor returns the stored resume point for relay, zero when none.
func (l *Ledger) LoadCursor(ctx context.Context, relay string) (int64, error) {
	var cur StreamCursor
	err := l.db.WithContext(ctx).Where("relay_url = ?", relay).First(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loading cursor for %s: %w", relay, err)
	}
	return cur.LastSeen, nil
}

func (l *Ledger) SaveCursor(ctx context.Context, relay string, lastSeen int64) error {
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "relay_url"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen", "updated_at"}),
	}).Create(&StreamCursor{
		RelayURL:  relay,
		LastSeen:  lastSeen,
		UpdatedAt: time.Now(),
	}).Error
}
