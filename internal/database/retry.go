package database

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	connectAttempts = 5
	connectBackoff  = 2 * time.Second
)

// withRetry runs connect until it succeeds, the attempts run out or ctx is
// done. Containers often start before their database accepts connections.
func withRetry(ctx context.Context, log zerolog.Logger, name string, connect func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = connect(ctx); err == nil {
			return nil
		}
		if attempt == connectAttempts {
			break
		}
		log.Warn().Err(err).Str("target", name).Int("attempt", attempt).Msg("Connection failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * connectBackoff):
		}
	}
	return err
}
