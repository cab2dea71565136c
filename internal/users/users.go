// Package users manages operator accounts backed by users.json in the data
// directory. Passwords are bcrypt-hashed; a default admin is seeded on first
// start so the server is never reachable without credentials.
package users

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

var (
	ErrNotFound           = errors.New("user not found")
	ErrExists             = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidRole        = errors.New("invalid role")
)

// DefaultAdminUsername is the account seeded when no users exist.
const DefaultAdminUsername = "admin"

// Manager is the account catalog. Usernames are case-insensitive; the map is
// keyed by their lowercase form.
type Manager struct {
	logger        *slog.Logger
	path          string
	now           func() time.Time
	adminPassword string

	mu    sync.Mutex
	users map[string]models.User
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With("component", "users")
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithAdminPassword sets the bootstrap admin password instead of generating
// one. Ignored when users already exist.
func WithAdminPassword(password string) Option {
	return func(m *Manager) {
		m.adminPassword = password
	}
}

// fileShape is the users.json layout.
type fileShape struct {
	Users []models.User `json:"users"`
}

// NewManager loads path (creating it with a seeded admin when absent).
func NewManager(path string, opts ...Option) (*Manager, error) {
	m := &Manager{
		logger: slog.Default().With("component", "users"),
		path:   path,
		now:    time.Now,
		users:  make(map[string]models.User),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	if err := m.ensureAdmin(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read users file: %w", err)
	}
	var file fileShape
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse users file: %w", err)
	}
	for _, u := range file.Users {
		if u.Username == "" {
			continue
		}
		m.users[strings.ToLower(u.Username)] = u
	}
	m.logger.Info("users loaded", "count", len(m.users))
	return nil
}

// ensureAdmin seeds the default admin account when the catalog is empty. The
// bootstrap password is taken from configuration or generated and logged
// exactly once.
func (m *Manager) ensureAdmin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.users) > 0 {
		return nil
	}
	password := m.adminPassword
	generated := false
	if password == "" {
		buf := make([]byte, 9)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate admin password: %w", err)
		}
		password = hex.EncodeToString(buf)
		generated = true
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	m.users[DefaultAdminUsername] = models.User{
		ID:           uuid.NewString()[:12],
		Username:     DefaultAdminUsername,
		DisplayName:  "Administrator",
		Role:         models.RoleAdmin,
		PasswordHash: string(hash),
		CreatedAt:    models.Timestamp(m.now()),
	}
	if err := m.saveLocked(); err != nil {
		return err
	}
	if generated {
		m.logger.Warn("created default admin user", "username", DefaultAdminUsername, "generated_password", password)
	} else {
		m.logger.Info("created default admin user", "username", DefaultAdminUsername)
	}
	return nil
}

// Create adds an account. An empty role defaults to operator.
func (m *Manager) Create(username, password, role, displayName, email string) (models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return models.User{}, errors.New("username required")
	}
	if role == "" {
		role = models.RoleOperator
	}
	if !models.ValidRole(role) {
		return models.User{}, ErrInvalidRole
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}
	if displayName == "" {
		displayName = username
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(username)
	if _, ok := m.users[key]; ok {
		return models.User{}, ErrExists
	}
	user := models.User{
		ID:           uuid.NewString()[:12],
		Username:     username,
		DisplayName:  displayName,
		Email:        email,
		Role:         role,
		PasswordHash: string(hash),
		CreatedAt:    models.Timestamp(m.now()),
	}
	m.users[key] = user
	if err := m.saveLocked(); err != nil {
		delete(m.users, key)
		return models.User{}, err
	}
	m.logger.Info("user created", "username", username, "role", role)
	return user, nil
}

// Authenticate checks credentials and, on success, stamps last_login and
// returns the account. Disabled accounts fail the same way wrong passwords
// do.
func (m *Manager) Authenticate(username, password string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[strings.ToLower(strings.TrimSpace(username))]
	if !ok || user.Disabled {
		return models.User{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return models.User{}, ErrInvalidCredentials
	}
	user.LastLogin = models.Timestamp(m.now())
	m.users[strings.ToLower(user.Username)] = user
	if err := m.saveLocked(); err != nil {
		m.logger.Warn("last_login not persisted", "username", user.Username, "error", err)
	}
	return user, nil
}

// Get returns the account for username.
func (m *Manager) Get(username string) (models.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[strings.ToLower(strings.TrimSpace(username))]
	return user, ok
}

// List returns public projections sorted by username.
func (m *Manager) List() []models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u.Public())
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Username) < strings.ToLower(out[j].Username)
	})
	return out
}

// ChangePassword rehashes the account password.
func (m *Manager) ChangePassword(username, newPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(username))
	user, ok := m.users[key]
	if !ok {
		return ErrNotFound
	}
	user.PasswordHash = string(hash)
	m.users[key] = user
	return m.saveLocked()
}

// SetDisabled flips the account's disabled flag.
func (m *Manager) SetDisabled(username string, disabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(username))
	user, ok := m.users[key]
	if !ok {
		return ErrNotFound
	}
	user.Disabled = disabled
	m.users[key] = user
	return m.saveLocked()
}

// Delete removes an account.
func (m *Manager) Delete(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(username))
	if _, ok := m.users[key]; !ok {
		return ErrNotFound
	}
	delete(m.users, key)
	if err := m.saveLocked(); err != nil {
		return err
	}
	m.logger.Info("user deleted", "username", username)
	return nil
}

// Len reports the number of accounts.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

// saveLocked writes users.json via temp + rename. 0600: the file holds
// password hashes.
func (m *Manager) saveLocked() error {
	out := fileShape{Users: make([]models.User, 0, len(m.users))}
	for _, u := range m.users {
		out.Users = append(out.Users, u)
	}
	sort.Slice(out.Users, func(i, j int) bool {
		return strings.ToLower(out.Users[i].Username) < strings.ToLower(out.Users[j].Username)
	})
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal users: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write users file: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace users file: %w", err)
	}
	return nil
}
