package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// StrfryDeleter shells out to the relay's strfry binary to purge an event
// from its database.
type StrfryDeleter struct {
	Log    *slog.Logger
	Exec   string
	DBDir  string
	DryRun bool
	// Timeout bounds one strfry invocation.
	Timeout time.Duration
}

var _ Deleter = (*StrfryDeleter)(nil)

func NewStrfryDeleter(execPath, dbDir string) *StrfryDeleter {
	return &StrfryDeleter{
		Log:     slog.Default().With("system", "strfry"),
		Exec:    execPath,
		DBDir:   dbDir,
		Timeout: 10 * time.Second,
	}
}

func (s *StrfryDeleter) Delete(ctx context.Context, eventID string) error {
	if !nostr.IsValid32ByteHex(eventID) {
		return fmt.Errorf("refusing to delete malformed event id %q", eventID)
	}

	args := []string{"delete"}
	if s.DBDir != "" {
		args = append(args, "--dir", s.DBDir)
	}
	args = append(args, "--id", eventID)

	if s.DryRun {
		s.Log.Info("dry run: would execute", "exec", s.Exec, "args", strings.Join(args, " "))
		return nil
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.Exec, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("strfry delete %s: %w: %s", eventID, err, msg)
		}
		return fmt.Errorf("strfry delete %s: %w", eventID, err)
	}
	s.Log.Info("deleted event from relay storage", "event", eventID)
	return nil
}
