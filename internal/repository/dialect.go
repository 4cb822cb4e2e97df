package repository

// Dialect isolates the handful of SQL differences between backends the
// engine has to speak to directly: the upsert clause and whether row-level
// locking syntax is available. Spec §1 explicitly treats "SQL driver and
// connection pooling" as an external collaborator; Dialect is the minimal
// seam needed so the same repository code can run against a
// FOR-UPDATE-capable server (MySQL, Postgres) and against SQLite in tests,
// where whole-database write serialization already provides the same
// single-writer guarantee lock_and_write needs.
type Dialect interface {
	// Table returns the entries table name for one shard's connection.
	Table() string
	// SupportsRowLock reports whether "FOR UPDATE" is meaningful here.
	SupportsRowLock() bool
}

// Standard is the default dialect: assumes a server (MySQL/Postgres-family)
// that supports SELECT ... FOR UPDATE.
type Standard struct{ TableName string }

func (s Standard) Table() string         { return tableOr(s.TableName) }
func (s Standard) SupportsRowLock() bool { return true }

// SQLite is the dialect used by the test suite's in-process database. SQLite
// serializes writers at the connection/database level, so lock_and_write's
// atomicity holds without an explicit row lock.
type SQLite struct{ TableName string }

func (s SQLite) Table() string         { return tableOr(s.TableName) }
func (s SQLite) SupportsRowLock() bool { return false }

func tableOr(name string) string {
	if name == "" {
		return "entries"
	}
	return name
}
