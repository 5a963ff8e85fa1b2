package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Backends lists the kinds NewStore accepts
var Backends = []string{"memory", "sqlite"}

// NewStore opens the result store named by kind. The sqlite backend keeps its
// rows in the database file at sqlitePath, so runs can be summarized later;
// the memory backend forgets them when the process exits.
func NewStore(kind, sqlitePath string) (Store, error) {
	switch strings.ToLower(kind) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		if sqlitePath == "" {
			return nil, errors.New("sqlite result store needs a database path")
		}
		return NewSQLiteStore(sqlitePath), nil
	default:
		return nil, fmt.Errorf("unknown result store %q (want %s)", kind, strings.Join(Backends, " or "))
	}
}

// CloseIfSupported releases the resources of stores that hold any
func CloseIfSupported(store Store) error {
	if closer, ok := store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
