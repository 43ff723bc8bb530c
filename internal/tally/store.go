package tally

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gofrs/flock"
)

var (
	// ErrLockTimeout indicates the per-user record lock could not be
	// acquired within the bounded wait. Transient: callers should retry,
	// never treat it as an allow or deny decision.
	ErrLockTimeout = errors.New("tally lock acquisition timed out")
	// ErrInvalidUsername indicates a username that cannot safely name a
	// record file.
	ErrInvalidUsername = errors.New("invalid username")
)

const (
	// DefaultLockWait bounds how long a record-failure call waits on the
	// per-user lock when the caller's context has no deadline. Contention
	// between near-simultaneous attempts is expected and short-lived.
	DefaultLockWait = 5 * time.Second

	lockRetryDelay = 25 * time.Millisecond
	recordPerm     = 0o600
)

// Store is the file-backed tally store. One record per user under dir,
// named by username. Safe for use by independent, unsynchronized
// processes: the read-modify-write in RecordFailure is serialized by an
// exclusive advisory lock on a per-user lock file, and every write is
// atomic (temp file + fsync + rename), so a reader never observes a
// half-written record.
type Store struct {
	dir      string
	lockWait time.Duration
	logger   *slog.Logger
}

// NewStore creates a Store over the given tally directory.
func NewStore(dir string, logger *slog.Logger) *Store {
	return &Store{
		dir:      dir,
		lockWait: DefaultLockWait,
		logger:   logger,
	}
}

// Get returns the tally for user, or the zero tally when no record
// exists. A record that exists but cannot be parsed is treated as the
// zero tally and logged: an unreadable record must degrade to "no
// failures" rather than perpetuate a lockout caused by file damage.
//
// Get does not take the record lock; writes are atomic, so a plain read
// always observes a complete record.
func (s *Store) Get(ctx context.Context, user string) (Tally, error) {
	if err := ValidateUsername(user); err != nil {
		return Tally{}, err
	}
	return s.read(user)
}

// RecordFailure increments the user's failure count by exactly one, sets
// the failure instant to now and persists the result, all under the
// user's exclusive record lock. Returns the persisted tally.
func (s *Store) RecordFailure(ctx context.Context, user string) (Tally, error) {
	if err := ValidateUsername(user); err != nil {
		return Tally{}, err
	}

	fl, err := s.acquireLock(ctx, user)
	if err != nil {
		return Tally{}, err
	}
	defer fl.Unlock()

	cur, err := s.read(user)
	if err != nil {
		return Tally{}, err
	}

	next := Tally{
		Count:   cur.Count + 1,
		Instant: time.Now().UTC(),
	}
	if err := s.write(user, next); err != nil {
		return Tally{}, err
	}
	return next, nil
}

// Reset removes the user's record. Resetting a user with no record is a
// successful no-op; the returned bool reports whether a record existed.
// Reset does not wait on the record lock: removal is unconditional, and
// an in-flight failure write that loses the race simply re-creates the
// record, which is the same outcome as the failure arriving after the
// reset.
func (s *Store) Reset(ctx context.Context, user string) (bool, error) {
	if err := ValidateUsername(user); err != nil {
		return false, err
	}

	err := os.Remove(s.recordPath(user))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("removing tally record for %s: %w", user, err)
	}
	return true, nil
}

// Exists reports whether a record file is present for user.
func (s *Store) Exists(user string) (bool, error) {
	if err := ValidateUsername(user); err != nil {
		return false, err
	}
	_, err := os.Stat(s.recordPath(user))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking tally record for %s: %w", user, err)
	}
	return true, nil
}

// ValidateUsername rejects usernames that cannot safely name a file in
// the tally directory.
func ValidateUsername(user string) error {
	if user == "" || user == "." || user == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, user)
	}
	if strings.ContainsAny(user, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, user)
	}
	return nil
}

func (s *Store) recordPath(user string) string {
	return filepath.Join(s.dir, user)
}

func (s *Store) lockPath(user string) string {
	return filepath.Join(s.dir, user+".lock")
}

// acquireLock takes the user's exclusive record lock, waiting at most
// lockWait unless the caller's context imposes a tighter deadline. Lock
// files are left in place after use: unlinking them would race a
// concurrent locker onto a dead inode.
func (s *Store) acquireLock(ctx context.Context, user string) (*flock.Flock, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.lockWait)
		defer cancel()
	}

	fl := flock.New(s.lockPath(user))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, fmt.Errorf("locking tally record for %s: %w", user, err)
	}
	if !locked {
		return nil, ErrLockTimeout
	}
	return fl, nil
}

func (s *Store) read(user string) (Tally, error) {
	data, err := os.ReadFile(s.recordPath(user))
	if err != nil {
		if os.IsNotExist(err) {
			return Tally{}, nil
		}
		return Tally{}, fmt.Errorf("reading tally record for %s: %w", user, err)
	}

	var rec record
	if err := toml.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("corrupt tally record, treating as zero",
			slog.String("user", user),
			slog.Any("error", err))
		return Tally{}, nil
	}
	if rec.Fails.Count < 0 {
		s.logger.Warn("corrupt tally record, treating as zero",
			slog.String("user", user),
			slog.Int("count", rec.Fails.Count))
		return Tally{}, nil
	}

	return Tally{Count: rec.Fails.Count, Instant: rec.Fails.Instant}, nil
}

// write persists the record atomically: encode, write to a temp file in
// the tally directory, fsync, then rename over the record path. A
// process killed mid-write leaves either the old record or the new one,
// never a mix.
func (s *Store) write(user string, t Tally) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(record{Fails: fails(t)}); err != nil {
		return fmt.Errorf("encoding tally record for %s: %w", user, err)
	}

	f, err := os.CreateTemp(s.dir, ".tally-")
	if err != nil {
		return fmt.Errorf("creating temp tally record for %s: %w", user, err)
	}
	tmpPath := f.Name()

	written := false
	defer func() {
		if !written {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing tally record for %s: %w", user, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing tally record for %s: %w", user, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing tally record for %s: %w", user, err)
	}
	if err := os.Chmod(tmpPath, recordPerm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("setting tally record mode for %s: %w", user, err)
	}
	if err := os.Rename(tmpPath, s.recordPath(user)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("publishing tally record for %s: %w", user, err)
	}

	written = true
	return nil
}
