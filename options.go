package timefork

import (
	"log/slog"

	"github.com/cockroachdb/pebble"
	"github.com/timefork/timefork/utils"
)

type Options struct {
	Logger             utils.Logger
	PebbleWriteOptions *pebble.WriteOptions

	// CacheEnabled turns on the decoded-document entry cache.
	CacheEnabled bool
	CacheMaxSize int

	// QueryCacheEnabled turns on the LRU query-result cache.
	QueryCacheEnabled    bool
	QueryCacheMaxSize    int
	QueryCacheStatistics bool
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.PebbleWriteOptions == nil {
		o.PebbleWriteOptions = &pebble.WriteOptions{Sync: true}
	}
	if o.CacheMaxSize <= 0 {
		o.CacheMaxSize = 100_000
	}
	if o.QueryCacheMaxSize <= 0 {
		o.QueryCacheMaxSize = 10_000
	}
}
