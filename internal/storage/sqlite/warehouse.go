package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"dwetl/internal/storage"
)

// Warehouse implements storage.Warehouse for SQLite.
//
// Key design points vs SQL Server / Postgres:
//   - SQLite has no schemas. "dim.DimSite" is flattened to the table
//     "dim__DimSite"; EnsureSchemas is a no-op.
//   - The database is the file: EnsureDatabase is a no-op and the file is
//     created on first open.
//   - UNIQUE + ON CONFLICT DO NOTHING gives the same conflict-safe
//     resolution as the server backends; foreign keys are enforced because
//     the DSN turns PRAGMA foreign_keys on.
//   - Timestamps are stored as RFC3339Nano strings for reliable round-trip
//     behavior and easy debugging; dates and times as ISO strings.
type Warehouse struct{}

func init() {
	storage.Register("sqlite", func() storage.Warehouse { return New() })
}

// New returns the SQLite backend.
func New() *Warehouse { return &Warehouse{} }

func (*Warehouse) Kind() string       { return "sqlite" }
func (*Warehouse) DriverName() string { return "sqlite" }

// AdminDatabase returns target itself: there is no server-level catalog.
func (*Warehouse) AdminDatabase(target string) string { return target }

// DSN renders a file: URI for <Dir>/<Database>.db with the pragmas the
// loader relies on.
func (*Warehouse) DSN(p storage.ConnParams) string {
	path := p.Database
	if path != ":memory:" {
		if !strings.HasSuffix(path, ".db") {
			path += ".db"
		}
		if p.Dir != "" {
			path = filepath.Join(p.Dir, path)
		}
	}

	busy := 5 * time.Second
	if p.ConnectTimeout > 0 {
		busy = p.ConnectTimeout
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

func (*Warehouse) EnsureDatabase(context.Context, storage.Querier, string) error { return nil }

func (*Warehouse) EnsureSchemas(context.Context, storage.Querier, []string) error { return nil }

// EnsureTables creates each table if missing, then ensures its identity
// columns.
func (*Warehouse) EnsureTables(ctx context.Context, q storage.Querier, tables []storage.TableSpec) error {
	for _, t := range tables {
		stmt, err := buildCreateTableSQL(t)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
		for _, c := range t.IdentityColumns() {
			if err := ensureIdentity(ctx, q, t.Name, c.Name); err != nil {
				return fmt.Errorf("ensure %s.%s: %w", t.Name, c.Name, err)
			}
		}
	}
	return nil
}

// ensureIdentity emulates an identity column. SQLite only generates values
// for the INTEGER PRIMARY KEY, so the column copies the rowid: a trigger
// fills it on insert and rows that predate the column are backfilled.
// Without AUTOINCREMENT a new rowid is still above every existing one.
func ensureIdentity(ctx context.Context, q storage.Querier, table, column string) error {
	var n int
	err := sqlx.GetContext(ctx, q, &n,
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", sqliteTableName(table), column)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := q.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s INTEGER",
			sqliteTableIdent(table), sqlIdent(column))); err != nil {
			return err
		}
	}
	for _, stmt := range buildIdentitySQL(table, column) {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ResolveDimension inserts the member with ON CONFLICT DO NOTHING (the
// natural key carries a UNIQUE constraint) and re-selects the surrogate key.
func (*Warehouse) ResolveDimension(ctx context.Context, q storage.Querier, row storage.DimensionRow) (int64, error) {
	if row.Table == "" || row.SurrogateKey == "" || row.NaturalKey == "" {
		return 0, fmt.Errorf("ResolveDimension: table, surrogate key and natural key are required")
	}
	if len(row.Columns) != len(row.Values) {
		return 0, fmt.Errorf("ResolveDimension: %s: %d columns vs %d values", row.Table, len(row.Columns), len(row.Values))
	}
	nkIdx, ok := storage.IndexOfColumn(row.Columns, row.NaturalKey)
	if !ok || row.Values[nkIdx] == nil {
		return 0, fmt.Errorf("ResolveDimension: %s: natural key %q missing or NULL", row.Table, row.NaturalKey)
	}

	args := bindValues(row.Values)
	if _, err := q.ExecContext(ctx, buildInsertSQL(row.Table, row.Columns, []string{row.NaturalKey}, ""), args...); err != nil {
		return 0, fmt.Errorf("insert %s: %w", row.Table, err)
	}

	var key int64
	if err := sqlx.GetContext(ctx, q, &key, buildSelectKeySQL(row.Table, row.SurrogateKey, []string{row.NaturalKey}), args[nkIdx]); err != nil {
		return 0, fmt.Errorf("select %s.%s: %w", row.Table, row.SurrogateKey, err)
	}
	return key, nil
}

// InsertFact appends one fact row with ON CONFLICT DO NOTHING RETURNING.
func (*Warehouse) InsertFact(ctx context.Context, q storage.Querier, row storage.FactRow) (int64, bool, error) {
	if row.Table == "" || row.SurrogateKey == "" {
		return 0, false, fmt.Errorf("InsertFact: table and surrogate key are required")
	}
	if len(row.Columns) == 0 || len(row.Columns) != len(row.Values) {
		return 0, false, fmt.Errorf("InsertFact: %s: %d columns vs %d values", row.Table, len(row.Columns), len(row.Values))
	}
	dedupeIdx, ok := storage.IndicesFor(row.DedupeColumns, row.Columns)
	if !ok {
		return 0, false, fmt.Errorf("InsertFact: %s: dedupe columns %v not present in columns", row.Table, row.DedupeColumns)
	}

	args := bindValues(row.Values)
	var key int64
	err := sqlx.GetContext(ctx, q, &key, buildInsertSQL(row.Table, row.Columns, row.DedupeColumns, row.SurrogateKey), args...)
	switch {
	case err == nil:
		return key, true, nil
	case errors.Is(err, sql.ErrNoRows) && len(dedupeIdx) > 0:
	default:
		return 0, false, fmt.Errorf("insert %s: %w", row.Table, err)
	}

	match := make([]any, len(dedupeIdx))
	for i, idx := range dedupeIdx {
		match[i] = args[idx]
	}
	if err := sqlx.GetContext(ctx, q, &key, buildSelectKeySQL(row.Table, row.SurrogateKey, row.DedupeColumns), match...); err != nil {
		return 0, false, fmt.Errorf("select existing %s: %w", row.Table, err)
	}
	return key, false, nil
}

// SelectStaging reads one keyset page.
func (*Warehouse) SelectStaging(ctx context.Context, q storage.Querier, page storage.StagingPage, dest any) error {
	query, args := buildStagingQuery(page)
	if err := sqlx.SelectContext(ctx, q, dest, query, args...); err != nil {
		return fmt.Errorf("read %s after %d: %w", page.Table, page.After, err)
	}
	return nil
}

// ServerVersion returns sqlite_version().
func (*Warehouse) ServerVersion(ctx context.Context, q storage.Querier) (string, error) {
	var v string
	if err := sqlx.GetContext(ctx, q, &v, "SELECT sqlite_version()"); err != nil {
		return "", err
	}
	return "SQLite " + v, nil
}

// bindValues converts values the driver would otherwise reject or store in
// an unstable format.
func bindValues(in []any) []any {
	out := make([]any, len(in))
	for i, v := range in {
		switch t := v.(type) {
		case civil.Date:
			out[i] = t.String()
		case civil.Time:
			out[i] = t.String()
		case time.Time:
			out[i] = formatSQLiteTime(t)
		default:
			out[i] = v
		}
	}
	return out
}

// ---- SQL builders ----

func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}

	var parts []string

	if t.PrimaryKey != nil {
		// "INTEGER PRIMARY KEY" is special in sqlite: it becomes the rowid and auto-generates values.
		switch strings.TrimSpace(strings.ToLower(t.PrimaryKey.Type)) {
		case "identity", "bigidentity", "int identity", "serial", "bigserial":
			parts = append(parts, fmt.Sprintf(`%s INTEGER PRIMARY KEY AUTOINCREMENT`, sqlIdent(t.PrimaryKey.Name)))
		default:
			parts = append(parts, fmt.Sprintf(`%s %s PRIMARY KEY`, sqlIdent(t.PrimaryKey.Name), t.PrimaryKey.Type))
		}
	}

	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Type) == "" {
			return "", fmt.Errorf("%s: column name/type must be set", t.Name)
		}
		if c.Identity {
			parts = append(parts, sqlIdent(c.Name)+" INTEGER")
			continue
		}
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), c.Type)
		if c.Nullable != nil && !*c.Nullable {
			col += " NOT NULL"
		}
		if c.References != nil {
			col += fmt.Sprintf(" REFERENCES %s (%s)", sqliteTableIdent(c.References.Table), sqlIdent(c.References.Column))
		}
		parts = append(parts, col)
	}

	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return "", fmt.Errorf("%s unique constraint has no columns", t.Name)
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", joinIdents(con.Columns)))
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("%s: no columns", t.Name)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqliteTableIdent(t.Name), strings.Join(parts, ",\n  ")), nil
}

// buildIdentitySQL returns the fill trigger and the backfill for an
// identity column.
func buildIdentitySQL(table, column string) []string {
	tbl, col := sqliteTableIdent(table), sqlIdent(column)
	return []string{
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER INSERT ON %s FOR EACH ROW WHEN NEW.%s IS NULL "+
			"BEGIN UPDATE %s SET %s = NEW.rowid WHERE rowid = NEW.rowid; END",
			sqlIdent(sqliteTableName(table)+"__"+column), tbl, col, tbl, col),
		fmt.Sprintf("UPDATE %s SET %s = rowid WHERE %s IS NULL", tbl, col, col),
	}
}

func buildInsertSQL(table string, columns, conflict []string, returning string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqliteTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES (")
	b.WriteString(strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", "))
	b.WriteString(")")
	if len(conflict) > 0 {
		b.WriteString(" ON CONFLICT (")
		b.WriteString(joinIdents(conflict))
		b.WriteString(") DO NOTHING")
	}
	if returning != "" {
		b.WriteString(" RETURNING ")
		b.WriteString(sqlIdent(returning))
	}
	return b.String()
}

func buildSelectKeySQL(table, keyColumn string, match []string) string {
	conds := make([]string, len(match))
	for i, c := range match {
		conds[i] = sqlIdent(c) + " = ?"
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s", sqlIdent(keyColumn), sqliteTableIdent(table), strings.Join(conds, " AND "))
}

func buildStagingQuery(page storage.StagingPage) (string, []any) {
	cols := make([]string, len(page.Columns))
	for i, c := range page.Columns {
		cols[i] = sqlIdent(c)
	}
	order := sqlIdent(page.OrderColumn)

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(cols...).
		From(sqliteTableIdent(page.Table)).
		Where(sb.GreaterThan(order, page.After)).
		OrderBy(order).Asc()
	if page.Limit > 0 {
		sb.Limit(page.Limit)
	}
	return sb.Build()
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// sqliteTableIdent flattens a schema-qualified name into one identifier.
//
// Example:
//
//	"dim.DimSite" -> "dim__DimSite"
func sqliteTableIdent(name string) string {
	return sqlIdent(sqliteTableName(name))
}

// sqliteTableName is the unquoted flattened name.
func sqliteTableName(name string) string {
	schema, table := storage.SplitQualifiedName(name)
	if schema == "" {
		return table
	}
	return schema + "__" + table
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = sqlIdent(c)
	}
	return strings.Join(out, ", ")
}

// formatSQLiteTime returns a stable RFC3339Nano UTC representation.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

var _ storage.Warehouse = (*Warehouse)(nil)
