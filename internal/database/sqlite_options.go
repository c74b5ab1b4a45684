package database

// SynchronousMode represents the available synchronous settings for SQLite
type SynchronousMode string

const (
	SynchronousOff    SynchronousMode = "OFF"
	SynchronousNormal SynchronousMode = "NORMAL"
	SynchronousFull   SynchronousMode = "FULL"
	SynchronousExtra  SynchronousMode = "EXTRA"
)

// JournalMode represents the available journal modes for SQLite
type JournalMode string

const (
	JournalDelete   JournalMode = "DELETE"
	JournalTruncate JournalMode = "TRUNCATE"
	JournalMemory   JournalMode = "MEMORY"
	JournalWAL      JournalMode = "WAL"
	JournalOff      JournalMode = "OFF"
)

// TxLock is the BEGIN mode the driver uses for transactions
type TxLock string

const (
	TxLockDeferred  TxLock = "deferred"
	TxLockImmediate TxLock = "immediate"
	TxLockExclusive TxLock = "exclusive"
)

// SQLiteOptions contains configuration options for SQLite connection.
// Every pragma is sent through the DSN so that each pooled connection gets it.
type SQLiteOptions struct {
	// Path to the SQLite database file
	Path string

	Mode        string          // ro, rw, rwc, memory
	Journal     JournalMode     // journal_mode
	ForeignKeys bool            // foreign_keys
	BusyTimeout int             // busy_timeout (milliseconds)
	CacheSize   int             // cache_size (in KB when negative, pages otherwise)
	Synchronous SynchronousMode // synchronous
	TxLock      TxLock          // _txlock
	MaxOpenConn int             // 0 leaves database/sql's default
}

// NewDefaultOptions creates SQLiteOptions with recommended defaults
func NewDefaultOptions(path string) SQLiteOptions {
	return SQLiteOptions{
		Path:        path,
		Mode:        "rwc",
		Journal:     JournalWAL,
		ForeignKeys: true,
		BusyTimeout: 5000,
		CacheSize:   -2000,
		Synchronous: SynchronousNormal,
		TxLock:      TxLockImmediate,
	}
}
