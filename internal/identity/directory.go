package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Directory is the account service used by the rest of the system. It layers
// an optional shared Blocklist and a process-local pending set over the Store.
// The pending set holds blocks this process applied that have no durable
// record yet, so a block takes effect locally even if persisting it fails.
// Blocks seen through the Blocklist or the Store are never cached locally,
// which lets an unblock on any instance take effect on all of them.
type Directory struct {
	store     Store
	blocklist Blocklist
	logger    *slog.Logger

	mu      sync.RWMutex
	pending map[string]struct{}
}

// Option configures a Directory.
type Option func(*Directory)

// WithBlocklist adds a shared blocklist cache.
func WithBlocklist(b Blocklist) Option {
	return func(d *Directory) { d.blocklist = b }
}

// WithLogger sets the logger used for swallowed cache errors.
func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) { d.logger = l }
}

// NewDirectory creates a Directory over store.
func NewDirectory(store Store, opts ...Option) *Directory {
	d := &Directory{
		store:   store,
		logger:  slog.Default(),
		pending: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register creates an active account with a bcrypt password hash.
func (d *Directory) Register(ctx context.Context, username, email, password string, role Role) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	if role == "" {
		role = RoleUser
	}
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		Active:       true,
	}
	if err := d.store.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// EnsureUser registers the account unless it already exists.
func (d *Directory) EnsureUser(ctx context.Context, username, password string, role Role) (created bool, err error) {
	if _, err := d.store.GetByUsername(ctx, username); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if _, err := d.Register(ctx, username, "", password, role); err != nil {
		if errors.Is(err, ErrUserExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Authenticate verifies a password. Unknown users and wrong passwords both
// yield ErrInvalidCredentials.
func (d *Directory) Authenticate(ctx context.Context, username, password string) (*User, error) {
	u, err := d.store.GetByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// GetUser looks an account up by username.
func (d *Directory) GetUser(ctx context.Context, username string) (*User, error) {
	return d.store.GetByUsername(ctx, username)
}

// GetUserByID looks an account up by numeric id.
func (d *Directory) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return d.store.GetByID(ctx, id)
}

// SetRole changes an account's role.
func (d *Directory) SetRole(ctx context.Context, username string, role Role) error {
	if !role.Valid() {
		return ErrInvalidRole
	}
	return d.store.SetRole(ctx, username, role)
}

// IsBlocked reports whether the account is disabled. Unknown accounts are
// not blocked. An error means the answer is unknown; callers decide whether
// to fail closed.
func (d *Directory) IsBlocked(ctx context.Context, username string) (bool, error) {
	if username == "" {
		return false, nil
	}
	d.mu.RLock()
	_, local := d.pending[username]
	d.mu.RUnlock()
	if local {
		return true, nil
	}

	if d.blocklist != nil {
		hit, err := d.blocklist.IsBlocked(ctx, username)
		if err != nil {
			d.logger.Warn("blocklist lookup failed", "user", username, "error", err)
		} else if hit {
			return true, nil
		}
	}

	u, err := d.store.GetByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blocked check: %w", err)
	}
	return !u.Active, nil
}

// Disable blocks the account. The local block applies before any I/O, so
// the account is blocked in this process even when the returned error
// reports that persisting the block failed. Once the store holds the block
// the local entry is dropped and the store answers from then on. Accounts
// the store does not know stay blocked locally.
func (d *Directory) Disable(ctx context.Context, username string) error {
	d.setPending(username, true)

	var errs []error
	err := d.store.SetActive(ctx, username, false)
	switch {
	case err == nil:
		d.setPending(username, false)
	case !errors.Is(err, ErrNotFound):
		errs = append(errs, fmt.Errorf("persist disable: %w", err))
	}
	if d.blocklist != nil {
		if err := d.blocklist.Block(ctx, username); err != nil {
			errs = append(errs, fmt.Errorf("publish block: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Enable reactivates a disabled account everywhere.
func (d *Directory) Enable(ctx context.Context, username string) error {
	if err := d.store.SetActive(ctx, username, true); err != nil {
		return err
	}
	d.setPending(username, false)
	if d.blocklist != nil {
		if err := d.blocklist.Unblock(ctx, username); err != nil {
			return fmt.Errorf("clear shared block: %w", err)
		}
	}
	return nil
}

func (d *Directory) setPending(username string, blocked bool) {
	d.mu.Lock()
	if blocked {
		d.pending[username] = struct{}{}
	} else {
		delete(d.pending, username)
	}
	d.mu.Unlock()
}
