package ledger

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Category is a NIP-56 report type. Unknown or empty values normalize to
// CategoryOther; see ParseCategory.
type Category string

const (
	CategoryNudity        Category = "nudity"
	CategoryMalware       Category = "malware"
	CategoryProfanity     Category = "profanity"
	CategoryIllegal       Category = "illegal"
	CategorySpam          Category = "spam"
	CategoryImpersonation Category = "impersonation"
	CategoryOther         Category = "other"
)

var knownCategories = map[Category]bool{
	CategoryNudity:        true,
	CategoryMalware:       true,
	CategoryProfanity:     true,
	CategoryIllegal:       true,
	CategorySpam:          true,
	CategoryImpersonation: true,
	CategoryOther:         true,
}

func ParseCategory(raw string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	if knownCategories[c] {
		return c
	}
	return CategoryOther
}

// KnownCategory reports whether raw names a recognized report type, which
// lets callers tell an explicit category apart from stray tag fields like
// relay hints.
func KnownCategory(raw string) bool {
	return knownCategories[Category(strings.ToLower(strings.TrimSpace(raw)))]
}

func (c Category) String() string {
	return string(c)
}

// Report is one row per (reporter, target) pair. When the same reporter
// files against the same target again, the row with the greatest ReportedAt
// wins; see Ledger.Upsert.
type Report struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	EventID    string    `gorm:"size:64"`
	Reporter   string    `gorm:"size:64;uniqueIndex:idx_reports_reporter_target"`
	Target     string    `gorm:"size:64;uniqueIndex:idx_reports_reporter_target;index:idx_reports_target"`
	Category   Category  `gorm:"size:32"`
	ReportedAt time.Time `gorm:"index"`
	Payload    string
}

// TargetStatus tracks the action state machine for one reported event. The
// Acted flag flips false to true at most once (conditional update in
// MarkActed) and is never reset.
type TargetStatus struct {
	gorm.Model
	Target      string `gorm:"size:64;uniqueIndex"`
	Acted       bool   `gorm:"default:false"`
	ActedAt     *time.Time
	Attempts    int
	LastError   string
	TriggeredAt *time.Time
	Reason      string
}

// StreamCursor is the per-relay resume point for the report subscription.
// LastSeen is unix seconds of the newest ingested event's created_at.
type StreamCursor struct {
	RelayURL  string `gorm:"primaryKey"`
	LastSeen  int64
	UpdatedAt time.Time
}
