package memory

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ent0n29/carevoice/internal/realtime"
)

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
// publisher receives insert announcements in addition to the database's own
// NOTIFY; it may be nil. Failed announcements are logged on logger.
func NewStore(ctx context.Context, databaseURL string, publisher realtime.Publisher, logger zerolog.Logger) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(publisher).WithLogger(logger), nil
	}
	s, err := NewPostgresStore(ctx, databaseURL, publisher)
	if err != nil {
		return nil, err
	}
	return s.WithLogger(logger), nil
}
