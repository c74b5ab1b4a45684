package database

import (
	"fmt"
	"net/url"
	"strings"
)

// buildConnectionString generates a modernc.org/sqlite DSN from options
func (opts *SQLiteOptions) buildConnectionString() string {
	params := url.Values{}

	if opts.Mode != "" {
		params.Set("mode", opts.Mode)
	}

	// modernc applies each _pragma on every new connection
	if opts.Journal != "" {
		params.Add("_pragma", fmt.Sprintf("journal_mode(%s)", opts.Journal))
	}
	if opts.BusyTimeout > 0 {
		params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout))
	}
	if opts.ForeignKeys {
		params.Add("_pragma", "foreign_keys(1)")
	}
	if opts.Synchronous != "" {
		params.Add("_pragma", fmt.Sprintf("synchronous(%s)", opts.Synchronous))
	}
	if opts.CacheSize != 0 {
		params.Add("_pragma", fmt.Sprintf("cache_size(%d)", opts.CacheSize))
	}
	if opts.TxLock != "" {
		params.Set("_txlock", string(opts.TxLock))
	}

	connStr := opts.Path
	if !strings.HasPrefix(connStr, "file:") {
		connStr = "file:" + connStr
	}
	if encoded := params.Encode(); encoded != "" {
		connStr += "?" + encoded
	}

	return connStr
}
