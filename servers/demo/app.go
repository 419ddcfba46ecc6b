// Package demo implements the sample tool server: an in-memory user store
// exposed as create_user/get_user tools, plus a chat tool that combines
// intent detection with the text-generation backend. The business logic here
// is deliberately replaceable; any handler matching the tool contract can
// take its place.
package demo

import (
	"log/slog"
	"sync"
)

// User is one record in the store.
type User struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// App is the in-memory user store behind the sample tools.
type App struct {
	mu    sync.RWMutex
	users map[string]User

	logger *slog.Logger
}

// NewApp creates an empty store. A nil logger falls back to slog.Default.
func NewApp(logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		users:  make(map[string]User),
		logger: logger.With(slog.String("component", "demo-app")),
	}
}

// CreateUser stores a user record, replacing any existing record with the
// same id, and returns it.
func (a *App) CreateUser(userID, name string) User {
	user := User{UserID: userID, Name: name}

	a.mu.Lock()
	a.users[userID] = user
	total := len(a.users)
	a.mu.Unlock()

	a.logger.Info("created user",
		slog.String("userID", userID),
		slog.Int("totalUsers", total))
	return user
}

// GetUser retrieves a user record by id.
func (a *App) GetUser(userID string) (User, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	user, ok := a.users[userID]
	return user, ok
}

// UserCount returns the number of stored users.
func (a *App) UserCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return len(a.users)
}
