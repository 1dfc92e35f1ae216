package wot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TrustedMember is one persisted graph member. The table is replaced
// wholesale inside a transaction on every successful rebuild.
type TrustedMember struct {
	ID     uint   `gorm:"primarykey"`
	Pubkey string `gorm:"size:64;uniqueIndex"`
	Hop    int
}

// BuildMeta is a single-row summary of the persisted membership.
type BuildMeta struct {
	ID      uint   `gorm:"primarykey"`
	Root    string `gorm:"size:64"`
	Depth   int
	Size    int
	Version int64
	BuiltAt time.Time
}

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&TrustedMember{}, &BuildMeta{}); err != nil {
		return nil, fmt.Errorf("migrating trust graph schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Save replaces the persisted membership with snap.
func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	rows := make([]TrustedMember, 0, snap.Size())
	for _, pk := range snap.Members() {
		rows = append(rows, TrustedMember{Pubkey: pk, Hop: snap.Hop(pk)})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&TrustedMember{}).Error; err != nil {
			return err
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, 500).Error; err != nil {
				return err
			}
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&BuildMeta{
			ID:      1,
			Root:    snap.Root(),
			Depth:   snap.Depth(),
			Size:    snap.Size(),
			Version: snap.Version(),
			BuiltAt: snap.BuiltAt(),
		}).Error
	})
}

// Load restores the last persisted snapshot, or nil when nothing was saved.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	var meta BuildMeta
	err := s.db.WithContext(ctx).First(&meta, "id = ?", 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading trust graph metadata: %w", err)
	}

	limit := 10_000
	offset := 0
	members := make(map[string]int, meta.Size)
	for {
		var rows []TrustedMember
		if err := s.db.WithContext(ctx).Order("id").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("loading trust graph members: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		offset += len(rows)
		for _, r := range rows {
			members[r.Pubkey] = r.Hop
		}
	}
	return NewSnapshot(meta.Version, meta.Root, meta.Depth, meta.BuiltAt, members), nil
}
