package static

import (
	"log/slog"
)

type Config struct {
	// Logger to use
	Logger *slog.Logger
	// Addresses of the machines backing the pool, as "public" or
	// "public/private"
	Addresses []string
}
