package badger

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// badgerOptions tunes Badger for a small, append-only, TTL-heavy keyspace
func badgerOptions(config Config, logger zerolog.Logger) badger.Options {
	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Join(config.DataDir, "journal"))
	}

	opts = opts.WithLogger(zerologAdapter{logger: logger.With().Str("subsystem", "badger").Logger()})
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithSyncWrites(config.SyncWrites)

	// Events are written once and never updated
	opts = opts.WithNumVersionsToKeep(1)
	opts = opts.WithDetectConflicts(false)

	// Memory and table settings
	opts = opts.WithMemTableSize(16 << 20)
	opts = opts.WithNumMemtables(3)
	opts = opts.WithValueLogFileSize(128 << 20)
	opts = opts.WithBlockCacheSize(32 << 20)
	opts = opts.WithIndexCacheSize(16 << 20)

	return opts
}

// zerologAdapter routes Badger's internal logging through zerolog
type zerologAdapter struct {
	logger zerolog.Logger
}

func (z zerologAdapter) Errorf(format string, args ...interface{}) {
	z.logger.Error().Msg(trim(format, args...))
}

func (z zerologAdapter) Warningf(format string, args ...interface{}) {
	z.logger.Warn().Msg(trim(format, args...))
}

func (z zerologAdapter) Infof(format string, args ...interface{}) {
	z.logger.Info().Msg(trim(format, args...))
}

func (z zerologAdapter) Debugf(format string, args ...interface{}) {
	z.logger.Debug().Msg(trim(format, args...))
}

func trim(format string, args ...interface{}) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}
