// Package handlers implements the HTTP endpoints on top of the storage
// services. Handlers are plain functions wrapped by the server package.
package handlers

import (
	"github.com/maruel/fmdhost/internal/deploy"
	"github.com/maruel/fmdhost/internal/storage"
	"github.com/maruel/fmdhost/internal/storage/content"
	"github.com/maruel/fmdhost/internal/storage/history"
	"github.com/maruel/fmdhost/internal/storage/identity"
)

// Services holds the storage and integration services shared by handlers.
type Services struct {
	User    *identity.UserService
	Project *content.ProjectService
	Deploy  *deploy.Dispatcher
	// History is nil when db history is disabled.
	History *history.Repo
}

// CountryLookup resolves a client IP to a country code.
type CountryLookup interface {
	CountryCode(ip string) string
}

// Config holds the server-wide settings handlers need.
type Config struct {
	storage.ServerConfig
	DataDir string
	BaseURL string
	Version string
	// IPGeo is nil when no GeoIP database is configured.
	IPGeo CountryLookup
}

// GitAuthor returns the commit author recorded for changes made by user.
func GitAuthor(user *identity.User) history.Author {
	if user == nil {
		return history.Author{}
	}
	return history.Author{Name: user.Name, Email: user.Email}
}
