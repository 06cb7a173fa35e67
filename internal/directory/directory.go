package directory

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"parley/internal/models"

	"github.com/c-pro/geche"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserExists = errors.New("user already exists")
)

// Store is the durable side of the directory.
type Store interface {
	UpsertUser(user models.User) error
	ListUsers() ([]models.User, error)
}

// Directory validates username/password pairs and lists known users.
// Credentials are cached in a locked map loaded from the store at startup;
// writes go through the store first so a crash never loses a registration.
type Directory struct {
	users *geche.Locker[string, models.User]
	store Store
	now   func() time.Time
}

func New(store Store) (*Directory, error) {
	d := &Directory{
		users: geche.NewLocker[string, models.User](geche.NewMapCache[string, models.User]()),
		store: store,
		now:   time.Now,
	}

	existing, err := store.ListUsers()
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}

	tx := d.users.Lock()
	defer tx.Unlock()
	for _, u := range existing {
		tx.Set(u.Username, u)
	}

	slog.Info("directory loaded", "users", len(existing))

	return d, nil
}

// Find reports whether username is known.
func (d *Directory) Find(username string) bool {
	tx := d.users.RLock()
	defer tx.Unlock()
	_, err := tx.Get(username)
	return err == nil
}

// Verify checks a username/password pair against the stored hash.
func (d *Directory) Verify(username, password string) bool {
	tx := d.users.RLock()
	user, err := tx.Get(username)
	tx.Unlock()
	if err != nil {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}

// Create registers a new user. It fails with ErrUserExists if the username
// is taken, and persists the user before making it visible to readers.
func (d *Directory) Create(username, password string) error {
	tx := d.users.Lock()
	defer tx.Unlock()

	if _, err := tx.Get(username); err == nil {
		return ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	user := models.User{
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    d.now().UnixMilli(),
	}

	if err := d.store.UpsertUser(user); err != nil {
		return fmt.Errorf("failed to persist user: %w", err)
	}
	tx.Set(username, user)

	slog.Info("user registered", "username", username)

	return nil
}

// AllUsernames returns every known username, sorted.
func (d *Directory) AllUsernames() []string {
	tx := d.users.RLock()
	snapshot := tx.Snapshot()
	tx.Unlock()

	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
