package store

import (
	"fmt"
)

// Config selects and parameterizes a store backend. Dispatch on Type happens
// in the factory package so backend drivers stay out of consumers that only
// need the interface.
type Config struct {
	Type string `json:"type" mapstructure:"type"` // "sqlite" or "postgres"

	// SQLite specific. Use ":memory:" for an in-memory database.
	Path string `json:"path,omitempty" mapstructure:"path"`

	// PostgreSQL specific.
	Host     string `json:"host,omitempty" mapstructure:"host"`
	Port     int    `json:"port,omitempty" mapstructure:"port"`
	Database string `json:"database,omitempty" mapstructure:"database"`
	Username string `json:"username,omitempty" mapstructure:"username"`
	Password string `json:"password,omitempty" mapstructure:"password"`
	SSLMode  string `json:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// DSN builds a PostgreSQL connection string from the config.
func (c Config) DSN() string {
	ssl := c.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Username, c.Password, c.Host, port, c.Database, ssl)
}
