package task

import (
	"context"
	"fmt"
	"io"
)

// OpenRepository selects a Repository implementation by DATABASE_TYPE (spec
// §6.6): "memory" for the in-process MemRepository, "embedded" for a
// SQLite-backed file store, "network" for Postgres. sqlitePath and
// postgresDSN are only consulted for the matching databaseType; an
// unsupported value fails loudly rather than silently falling back to
// memory. The returned io.Closer is nil for the memory backend.
func OpenRepository(ctx context.Context, databaseType, sqlitePath, postgresDSN string) (Repository, io.Closer, error) {
	switch databaseType {
	case "memory", "":
		return NewMemRepository(), nil, nil
	case "embedded":
		repo, err := NewSQLiteRepository(sqlitePath)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo, nil
	case "network":
		repo, err := NewPostgresRepository(ctx, postgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo, nil
	default:
		return nil, nil, fmt.Errorf("task: unsupported DATABASE_TYPE %q (want memory, embedded, or network)", databaseType)
	}
}
