package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nostr-net/lookup-moderator/ledger"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func SetupDatabase(dburl string, maxConnections int) (*gorm.DB, error) {
	var dial gorm.Dialector

	isSqlite := false
	openConns := maxConnections
	if strings.HasPrefix(dburl, "sqlite://") {
		sqliteSuffix := dburl[len("sqlite://"):]
		// if this isn't ":memory:", ensure that directory exists (eg, if db
		// file is being initialized)
		if !strings.Contains(sqliteSuffix, ":?") {
			os.MkdirAll(filepath.Dir(sqliteSuffix), os.ModePerm)
		}
		dial = sqlite.Open(sqliteSuffix)
		openConns = 1
		isSqlite = true
	} else if strings.HasPrefix(dburl, "postgresql://") || strings.HasPrefix(dburl, "postgres://") {
		// can pass entire URL, with prefix, to gorm driver
		dial = postgres.Open(dburl)
	} else {
		return nil, fmt.Errorf("unsupported or unrecognized DATABASE_URL value")
	}

	db, err := gorm.Open(dial, &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 slogGorm.New(),
	})
	if err != nil {
		return nil, err
	}

	sqldb, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqldb.SetMaxIdleConns(80)
	sqldb.SetMaxOpenConns(openConns)
	sqldb.SetConnMaxIdleTime(time.Hour)

	if isSqlite {
		// Set pragmas for sqlite
		if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
			return nil, err
		}
		if err := db.Exec("PRAGMA synchronous=normal;").Error; err != nil {
			return nil, err
		}
	}

	return db, nil
}

// parseTrustRoot accepts a hex pubkey or an npub.
func parseTrustRoot(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("a trust-root pubkey is required")
	}
	if strings.HasPrefix(raw, "npub") {
		prefix, val, err := nip19.Decode(raw)
		if err != nil {
			return "", fmt.Errorf("decoding trust-root: %w", err)
		}
		if prefix != "npub" {
			return "", fmt.Errorf("trust-root must be an npub or hex pubkey, got %s", prefix)
		}
		return val.(string), nil
	}
	if !nostr.IsValid32ByteHex(raw) {
		return "", fmt.Errorf("trust-root is not a valid hex pubkey")
	}
	return raw, nil
}

// parseSecretKey accepts a hex secret key or an nsec. Empty stays empty,
// which disables delete notices.
func parseSecretKey(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if strings.HasPrefix(raw, "nsec") {
		prefix, val, err := nip19.Decode(raw)
		if err != nil {
			return "", fmt.Errorf("decoding secret key: %w", err)
		}
		if prefix != "nsec" {
			return "", fmt.Errorf("secret key must be an nsec or hex, got %s", prefix)
		}
		return val.(string), nil
	}
	if !nostr.IsValid32ByteHex(raw) {
		return "", fmt.Errorf("secret key is not valid hex")
	}
	return raw, nil
}

// parseCategoryThresholds turns "category:count" pairs into per-category
// overrides. Unknown category names are an error rather than silently
// folding into "other".
func parseCategoryThresholds(pairs []string) (map[ledger.Category]int, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[ledger.Category]int, len(pairs))
	for _, pair := range pairs {
		name, val, found := strings.Cut(pair, ":")
		if !found {
			return nil, fmt.Errorf("invalid category threshold %q, want category:count", pair)
		}
		name = strings.TrimSpace(name)
		if !ledger.KnownCategory(name) {
			return nil, fmt.Errorf("unknown report category %q", name)
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf("invalid category threshold %q: %w", pair, err)
		}
		out[ledger.ParseCategory(name)] = n
	}
	return out, nil
}
