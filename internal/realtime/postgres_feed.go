package realtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// PostgresFeed listens on NotifyChannel. Each subscription holds its own
// connection; pooled connections cannot stay in LISTEN.
type PostgresFeed struct {
	databaseURL string
	logger      zerolog.Logger
}

func NewPostgresFeed(databaseURL string, logger zerolog.Logger) *PostgresFeed {
	return &PostgresFeed{
		databaseURL: strings.TrimSpace(databaseURL),
		logger:      logger.With().Str("feed", "postgres").Logger(),
	}
}

func (f *PostgresFeed) Subscribe(ctx context.Context, filter Filter) (<-chan RawEvent, func(), error) {
	connectCtx, cancelConnect := context.WithTimeout(ctx, 10*time.Second)
	conn, err := pgx.Connect(connectCtx, f.databaseURL)
	cancelConnect()
	if err != nil {
		return nil, nil, fmt.Errorf("connect listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan RawEvent, 32)
	go func() {
		defer close(out)
		defer func() {
			closeCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			_ = conn.Close(closeCtx)
			done()
		}()
		for {
			n, err := conn.WaitForNotification(subCtx)
			if err != nil {
				if subCtx.Err() == nil {
					f.logger.Warn().Err(err).Msg("listener dropped")
				}
				return
			}
			event, err := DecodeRawEvent([]byte(n.Payload))
			if err != nil {
				f.logger.Debug().Err(err).Msg("ignoring malformed notification")
				continue
			}
			if !filter.Match(event) {
				continue
			}
			select {
			case out <- event:
			case <-subCtx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}
