// Package repository is the batched SQL executor (spec §4.B): every
// operation the rest of the engine needs against one shard's entries table,
// expressed as plain database/sql calls with hand-built batch SQL cached by
// (operation, batch width) so a steady-state workload never re-builds the
// same query text twice.
//
// Grounded on agentuity-go-common's cache/sqlite.go: same reliance on
// database/sql as the seam against the driver, the same
// INSERT ... ON CONFLICT DO UPDATE upsert shape, and the same "the driver and
// its connection pool are somebody else's problem" posture the spec assigns
// this component (spec §1 Non-goals). The teacher has no SQL layer at all
// (its storage is process-local maps); repository's batching and
// candidate-scan queries are new code written in that database/sql idiom.
package repository

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dbcache/dbcache/internal/entry"
	sharedbytes "github.com/dbcache/dbcache/internal/shared/bytes"
)

// maxBatch bounds how many rows a single INSERT/SELECT/DELETE statement
// touches; wider requests are chunked into multiple round trips (spec §4.B
// "batches of up to 1000 rows").
const maxBatch = 1000

// Payload is one key/value pair queued for a write_multi call. KeyHash and
// Key are both carried because the row needs both the indexed hash and the
// original (possibly truncated) key text for read-back and diagnostics.
type Payload struct {
	KeyHash int64
	Key     []byte
	Value   []byte
}

// Repository executes batched entry operations against a single shard's
// *sql.DB. It holds no shard-routing knowledge; the dispatcher decides which
// Repository a given key's operations land on.
type Repository struct {
	db      *sql.DB
	dialect Dialect
	stmts   *stmtCache
}

// New builds a Repository over an already-configured connection pool. The
// caller owns db's lifecycle (spec §1 Non-goals: connection pooling is an
// external collaborator).
func New(db *sql.DB, dialect Dialect) *Repository {
	if dialect == nil {
		dialect = Standard{}
	}
	return &Repository{db: db, dialect: dialect, stmts: newStmtCache()}
}

// WriteMulti upserts rows in batches of at most maxBatch, keyed by key_hash.
func (r *Repository) WriteMulti(ctx context.Context, rows []entry.Row) error {
	for _, chunk := range chunkRows(rows, maxBatch) {
		if err := r.writeChunk(ctx, chunk); err != nil {
			return fmt.Errorf("repository: write_multi: %w", err)
		}
	}
	return nil
}

func (r *Repository) writeChunk(ctx context.Context, rows []entry.Row) error {
	table := r.dialect.Table()
	sqlText := r.stmts.get("write_multi:"+table, len(rows), func(n int) string {
		values := make([]string, n)
		for i := range values {
			values[i] = "(?, ?, ?, ?, ?)"
		}
		return fmt.Sprintf(
			`INSERT INTO %s (key_hash, key, value, byte_size, created_at) VALUES %s
			ON CONFLICT(key_hash) DO UPDATE SET
				key = excluded.key,
				value = excluded.value,
				byte_size = excluded.byte_size,
				created_at = excluded.created_at`,
			table, strings.Join(values, ", "),
		)
	})

	args := make([]any, 0, len(rows)*5)
	for _, row := range rows {
		args = append(args, row.KeyHash, row.Key, row.Value, row.ByteSize, row.CreatedAt)
	}

	_, err := r.db.ExecContext(ctx, sqlText, args...)
	return err
}

// ReadMulti fetches every row whose key_hash is in hashes, batching the IN()
// clause at maxBatch entries.
func (r *Repository) ReadMulti(ctx context.Context, hashes []int64) ([]entry.Row, error) {
	var out []entry.Row
	for _, chunk := range chunkHashes(hashes, maxBatch) {
		rows, err := r.readChunk(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("repository: read_multi: %w", err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (r *Repository) readChunk(ctx context.Context, hashes []int64) ([]entry.Row, error) {
	table := r.dialect.Table()
	sqlText := r.stmts.get("read_multi:"+table, len(hashes), func(n int) string {
		return fmt.Sprintf(
			"SELECT id, key_hash, key, value, byte_size, created_at FROM %s WHERE key_hash IN (%s)",
			table, placeholders(n),
		)
	})

	args := make([]any, len(hashes))
	for i, h := range hashes {
		args[i] = h
	}

	rows, err := r.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// DeleteByKey removes every row whose key_hash is in hashes and returns the
// total number of rows actually deleted.
func (r *Repository) DeleteByKey(ctx context.Context, hashes []int64) (int64, error) {
	var total int64
	for _, chunk := range chunkHashes(hashes, maxBatch) {
		n, err := r.deleteChunk(ctx, chunk)
		if err != nil {
			return total, fmt.Errorf("repository: delete_by_key: %w", err)
		}
		total += n
	}
	return total, nil
}

func (r *Repository) deleteChunk(ctx context.Context, hashes []int64) (int64, error) {
	table := r.dialect.Table()
	sqlText := r.stmts.get("delete_by_key:"+table, len(hashes), func(n int) string {
		return fmt.Sprintf("DELETE FROM %s WHERE key_hash IN (%s)", table, placeholders(n))
	})

	args := make([]any, len(hashes))
	for i, h := range hashes {
		args[i] = h
	}

	res, err := r.db.ExecContext(ctx, sqlText, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteByID removes rows by primary key, the shape the eviction controller
// needs after it has picked candidates by an id or byte-size scan.
func (r *Repository) DeleteByID(ctx context.Context, ids []int64) (int64, error) {
	var total int64
	for _, chunk := range chunkHashes(ids, maxBatch) {
		table := r.dialect.Table()
		sqlText := r.stmts.get("delete_by_id:"+table, len(chunk), func(n int) string {
			return fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", table, placeholders(n))
		})
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		res, err := r.db.ExecContext(ctx, sqlText, args...)
		if err != nil {
			return total, fmt.Errorf("repository: delete_by_id: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// ClearTruncate empties the table in one statement (fast, non-transactional
// on most backends).
func (r *Repository) ClearTruncate(ctx context.Context) error {
	table := r.dialect.Table()
	stmt := fmt.Sprintf("DELETE FROM %s", table)
	if r.dialect.SupportsRowLock() {
		// Backends that support row locks generally also support a real
		// TRUNCATE; SQLite (SupportsRowLock == false) does not.
		stmt = fmt.Sprintf("TRUNCATE TABLE %s", table)
	}
	_, err := r.db.ExecContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("repository: clear (truncate): %w", err)
	}
	return nil
}

// ClearDelete empties the table incrementally, chunkSize rows per statement,
// so it doesn't hold a single enormous transaction against a large table
// (spec §4.B "clear_delete: chunked DELETE, bounded per-statement work").
func (r *Repository) ClearDelete(ctx context.Context, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = maxBatch
	}
	table := r.dialect.Table()
	stmt := fmt.Sprintf(
		"DELETE FROM %s WHERE id IN (SELECT id FROM %s LIMIT ?)",
		table, table,
	)
	for {
		res, err := r.db.ExecContext(ctx, stmt, chunkSize)
		if err != nil {
			return fmt.Errorf("repository: clear (delete): %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("repository: clear (delete): %w", err)
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// LockAndWrite runs fn under a per-row lock: it reads the current value (if
// any) for key_hash, calls fn with (current, found), and if fn asks for a
// write, upserts the returned value in the same transaction. This is the
// primitive incr/decr and other read-modify-write cache operations build on
// (spec §4.B, §4.G).
//
// On backends that support it, the read uses SELECT ... FOR UPDATE so
// concurrent lock_and_write calls against the same key serialize at the
// database; on SQLite the surrounding transaction's write lock provides the
// same guarantee without needing that syntax (see Dialect).
func (r *Repository) LockAndWrite(
	ctx context.Context,
	key []byte,
	keyHash int64,
	fn func(current []byte, found bool) (next []byte, write bool),
) (result []byte, wrote bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("repository: lock_and_write: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	table := r.dialect.Table()
	selectSQL := fmt.Sprintf("SELECT key, value FROM %s WHERE key_hash = ?", table)
	if r.dialect.SupportsRowLock() {
		selectSQL += " FOR UPDATE"
	}

	var storedKey, current []byte
	found := true
	if scanErr := tx.QueryRowContext(ctx, selectSQL, keyHash).Scan(&storedKey, &current); scanErr != nil {
		if scanErr != sql.ErrNoRows {
			err = fmt.Errorf("repository: lock_and_write: select: %w", scanErr)
			return nil, false, err
		}
		found = false
	} else if !bytes.Equal(storedKey, key) {
		// key_hash collision: the row at this hash belongs to a different
		// key. Treat it as absent rather than handing fn a stale value that
		// isn't actually the entry it asked for (spec §7, §9(a)).
		found = false
		current = nil
	}

	next, write := fn(current, found)
	if !write || (found && sharedbytes.IsBytesAreEquals(current, next) && bytes.Equal(current, next)) {
		// Either fn declined to write, or it wrote back the same value it
		// was handed — skip the upsert so an unchanged read-modify-write
		// doesn't bump created_at or count as a row mutation. The windowed
		// IsBytesAreEquals check rejects most changed values cheaply;
		// bytes.Equal confirms the rest byte for byte.
		err = tx.Commit()
		if err != nil {
			return nil, false, fmt.Errorf("repository: lock_and_write: commit: %w", err)
		}
		return current, false, nil
	}

	upsertSQL := fmt.Sprintf(
		`INSERT INTO %s (key_hash, key, value, byte_size, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key_hash) DO UPDATE SET
			value = excluded.value,
			byte_size = excluded.byte_size,
			created_at = excluded.created_at`,
		table,
	)
	row := entry.Row{
		KeyHash:  keyHash,
		Key:      key,
		Value:    next,
		ByteSize: entry.ByteSize(key, next, false),
	}
	if _, execErr := tx.ExecContext(ctx, upsertSQL, row.KeyHash, row.Key, row.Value, row.ByteSize, time.Now().UTC()); execErr != nil {
		err = fmt.Errorf("repository: lock_and_write: upsert: %w", execErr)
		return nil, false, err
	}

	if err = tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("repository: lock_and_write: commit: %w", err)
	}
	return next, true, nil
}

// IDRange returns a cheap upper-bound row count — MAX(id) - MIN(id) + 1 —
// together with the underlying min/max ids, the estimator the eviction
// controller uses for the max-entries bound (spec §4.B "id_range()", §9(c):
// "overestimates after deletes; this is intentional"). It deliberately
// avoids COUNT(*): that would force a full table scan on every eviction
// tick, exactly what this estimator exists to sidestep. MIN(id) coming back
// NULL is how an index-only aggregate reports an empty table.
func (r *Repository) IDRange(ctx context.Context) (count int64, minID int64, maxID int64, err error) {
	table := r.dialect.Table()
	sqlText := fmt.Sprintf("SELECT MIN(id), MAX(id) FROM %s", table)
	var minN, maxN sql.NullInt64
	if scanErr := r.db.QueryRowContext(ctx, sqlText).Scan(&minN, &maxN); scanErr != nil {
		return 0, 0, 0, fmt.Errorf("repository: id_range: %w", scanErr)
	}
	if !minN.Valid {
		return 0, 0, 0, nil
	}
	minID, maxID = minN.Int64, maxN.Int64
	return maxID - minID + 1, minID, maxID, nil
}

// OldestByID returns up to limit rows in ascending id order, i.e. the
// oldest-inserted rows, the candidate pool for age- and count-based eviction
// (spec §4.E "oldest-by-id candidate sampling").
func (r *Repository) OldestByID(ctx context.Context, limit int) ([]entry.Row, error) {
	table := r.dialect.Table()
	sqlText := fmt.Sprintf(
		"SELECT id, key_hash, key, value, byte_size, created_at FROM %s ORDER BY id ASC LIMIT ?",
		table,
	)
	rows, err := r.db.QueryContext(ctx, sqlText, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: oldest_by_id: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// LargestByteSizes returns up to limit rows ordered by descending byte_size,
// the candidate pool a size-pressure eviction pass drains first.
func (r *Repository) LargestByteSizes(ctx context.Context, limit int) ([]entry.Row, error) {
	table := r.dialect.Table()
	sqlText := fmt.Sprintf(
		"SELECT id, key_hash, key, value, byte_size, created_at FROM %s ORDER BY byte_size DESC LIMIT ?",
		table,
	)
	rows, err := r.db.QueryContext(ctx, sqlText, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: largest_byte_sizes: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// InKeyHashRange returns up to limit rows whose key_hash falls in [lo, hi].
// Because key_hash is uniformly distributed (spec §4.G, SHA-256-derived), a
// narrow hash range is an unbiased random sample of the table, which is what
// EstimatedSize uses it for.
func (r *Repository) InKeyHashRange(ctx context.Context, lo, hi int64, limit int) ([]entry.Row, error) {
	table := r.dialect.Table()
	sqlText := fmt.Sprintf(
		"SELECT id, key_hash, key, value, byte_size, created_at FROM %s WHERE key_hash BETWEEN ? AND ? LIMIT ?",
		table,
	)
	rows, err := r.db.QueryContext(ctx, sqlText, lo, hi, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: in_key_hash_range: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// UpToByteSize returns the oldest-by-id rows whose running byte_size total
// stays at or under cutoff, stopping as soon as the next row would cross it
// (scanning at most limit candidates). It is the third of the size
// estimator's three query helpers named by spec §4.B, alongside
// LargestByteSizes and InKeyHashRange: where those sample by size and by
// hash respectively, UpToByteSize answers "how many of the oldest rows fit
// in a byte budget" — EstimatedSize uses it to sum a small table exactly
// instead of extrapolating from a sample.
func (r *Repository) UpToByteSize(ctx context.Context, cutoff int64, limit int) ([]entry.Row, error) {
	rows, err := r.OldestByID(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: up_to_byte_size: %w", err)
	}
	var total int64
	for i, row := range rows {
		total += row.ByteSize
		if total > cutoff {
			return rows[:i], nil
		}
	}
	return rows, nil
}

// EstimatedSize approximates the table's total byte footprint without a full
// scan. When the whole table fits within `samples` rows, it sums every row
// exactly via UpToByteSize rather than extrapolating. Otherwise it samples
// up to `samples` rows from a narrow key_hash window starting at 0,
// averages their byte_size, and extrapolates by row count. The spec leaves
// the estimator's exact statistics up to the implementation (§9 Open
// Question b: "estimated_size sampling estimator"); this repository commits
// to a uniform key-hash-window sample as the concrete choice for large
// tables, recorded in the design notes.
func (r *Repository) EstimatedSize(ctx context.Context, samples int) (int64, error) {
	if samples <= 0 {
		samples = 1
	}
	count, _, _, err := r.IDRange(ctx)
	if err != nil {
		return 0, fmt.Errorf("repository: estimated_size: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	if count <= int64(samples) {
		rows, err := r.UpToByteSize(ctx, math.MaxInt64, int(count))
		if err != nil {
			return 0, fmt.Errorf("repository: estimated_size: %w", err)
		}
		var sum int64
		for _, row := range rows {
			sum += row.ByteSize
		}
		return sum, nil
	}

	// key_hash spans the full signed 64-bit range; size the sample window
	// from the row count (see estimateWindow).
	hi := estimateWindow(count, int64(samples))
	rows, err := r.InKeyHashRange(ctx, 0, hi, samples)
	if err != nil {
		return 0, fmt.Errorf("repository: estimated_size: %w", err)
	}
	if len(rows) == 0 {
		// Sparse window: fall back to the largest-rows sample, still a valid
		// (if biased toward large rows) upper-bound estimate.
		rows, err = r.LargestByteSizes(ctx, samples)
		if err != nil {
			return 0, fmt.Errorf("repository: estimated_size: %w", err)
		}
		if len(rows) == 0 {
			return 0, nil
		}
	}

	var sum int64
	for _, row := range rows {
		sum += row.ByteSize
	}
	avg := sum / int64(len(rows))
	return avg * count, nil
}

// estimateWindow picks a [0, window] key_hash span covering target/count of
// the non-negative half of key_hash's range, which under a uniform key_hash
// distribution holds roughly target/2 of the count rows. It scales relative
// to math.MaxInt64 rather than the true 2^64 span, since it only needs to be a
// reasonable sampling heuristic: the extrapolation in EstimatedSize scales by
// the actual row count, not by the window's share of the address space.
func estimateWindow(count, target int64) int64 {
	if count <= 0 {
		return math.MaxInt64
	}
	fraction := float64(target) / float64(count)
	if fraction > 1 {
		fraction = 1
	}
	window := fraction * float64(math.MaxInt64)
	if window < 1 {
		window = 1
	}
	return int64(window)
}

func chunkRows(rows []entry.Row, size int) [][]entry.Row {
	var out [][]entry.Row
	for len(rows) > 0 {
		n := size
		if n > len(rows) {
			n = len(rows)
		}
		out = append(out, rows[:n])
		rows = rows[n:]
	}
	return out
}

func chunkHashes(hashes []int64, size int) [][]int64 {
	var out [][]int64
	for len(hashes) > 0 {
		n := size
		if n > len(hashes) {
			n = len(hashes)
		}
		out = append(out, hashes[:n])
		hashes = hashes[n:]
	}
	return out
}

func scanRows(rows *sql.Rows) ([]entry.Row, error) {
	var out []entry.Row
	for rows.Next() {
		var row entry.Row
		if err := rows.Scan(&row.ID, &row.KeyHash, &row.Key, &row.Value, &row.ByteSize, &row.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
