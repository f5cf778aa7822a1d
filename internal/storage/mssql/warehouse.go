package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	mssqldb "github.com/microsoft/go-mssqldb"

	"dwetl/internal/storage"
)

// SQL Server error numbers for duplicate keys on a UNIQUE constraint (2627)
// and a unique index (2601).
const (
	errUniqueConstraint = 2627
	errUniqueIndex      = 2601
)

// Warehouse implements storage.Warehouse for Microsoft SQL Server.
//
// This implementation supports:
//   - Conditional DDL for database, schema and table creation (DB_ID,
//     sys.schemas and OBJECT_ID guards), safe to run on every start.
//   - Conflict-safe dimension resolution: INSERT .. SELECT .. WHERE NOT EXISTS
//     under UPDLOCK+HOLDLOCK, backed by a UNIQUE constraint on the natural
//     key, followed by a re-select of the surrogate key.
//   - Fact appends deduplicated on the natural transaction id, returning the
//     identity via OUTPUT INSERTED.
//
// Concurrency:
//   - HOLDLOCK takes a key-range lock on the natural key, so two sessions
//     resolving the same unseen key serialize instead of both inserting.
//     A duplicate-key error that still slips through (2627/2601) is treated
//     as "another writer won" and answered with a re-select.
type Warehouse struct{}

func init() {
	storage.Register("mssql", func() storage.Warehouse { return New() })
}

// New returns the SQL Server backend.
func New() *Warehouse { return &Warehouse{} }

func (*Warehouse) Kind() string       { return "mssql" }
func (*Warehouse) DriverName() string { return "sqlserver" }

// AdminDatabase returns "master": CREATE DATABASE must run from there, on an
// autocommit session.
func (*Warehouse) AdminDatabase(string) string { return "master" }

// DSN renders a sqlserver:// URL.
//
// ConnectTimeout maps to both "dial timeout" and "connection timeout". They
// bound the TCP dial and the login only; statements are bounded by the
// caller's context.
func (*Warehouse) DSN(p storage.ConnParams) string {
	q := url.Values{}
	if p.Database != "" {
		q.Set("database", p.Database)
	}
	if p.ConnectTimeout > 0 {
		secs := strconv.Itoa(int(p.ConnectTimeout.Seconds()))
		q.Set("dial timeout", secs)
		q.Set("connection timeout", secs)
	}
	q.Set("app name", "dwetl")

	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(p.User, p.Password),
		Host:     net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		RawQuery: q.Encode(),
	}
	return u.String()
}

// EnsureDatabase creates the database when DB_ID reports it missing.
//
// CREATE DATABASE cannot run inside a transaction: q must be an autocommit
// session on the admin database.
func (*Warehouse) EnsureDatabase(ctx context.Context, q storage.Querier, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("mssql: database name is empty")
	}
	if _, err := q.ExecContext(ctx, buildEnsureDatabaseSQL(name)); err != nil {
		return fmt.Errorf("mssql: ensure database %s: %w", name, err)
	}
	return nil
}

// EnsureSchemas creates each schema that sys.schemas does not list yet.
func (*Warehouse) EnsureSchemas(ctx context.Context, q storage.Querier, schemas []string) error {
	for _, s := range schemas {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("mssql: schema name is empty")
		}
		if _, err := q.ExecContext(ctx, buildEnsureSchemaSQL(s), s); err != nil {
			return fmt.Errorf("mssql: ensure schema %s: %w", s, err)
		}
	}
	return nil
}

// EnsureTables creates each table that OBJECT_ID does not find, then adds
// identity columns that an older table lacks. SQL Server numbers the
// existing rows when the column is added.
//
// This method is idempotent and safe to run on every ETL invocation.
func (*Warehouse) EnsureTables(ctx context.Context, q storage.Querier, tables []storage.TableSpec) error {
	for _, t := range tables {
		stmt, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
		}
		for _, c := range t.IdentityColumns() {
			if _, err := q.ExecContext(ctx, buildAddIdentitySQL(t.Name, c)); err != nil {
				return fmt.Errorf("mssql: add %s.%s: %w", t.Name, c.Name, err)
			}
		}
	}
	return nil
}

// ResolveDimension inserts the member if its natural key is unseen and
// returns the surrogate key of the one row holding that key.
//
// First write wins: attributes of an existing member are left untouched.
func (*Warehouse) ResolveDimension(ctx context.Context, q storage.Querier, row storage.DimensionRow) (int64, error) {
	nkIdx, err := validateDimensionRow(row)
	if err != nil {
		return 0, err
	}

	insertSQL := buildResolveInsertSQL(row.Table, row.Columns, row.NaturalKey, nkIdx)
	if _, err := q.ExecContext(ctx, insertSQL, row.Values...); err != nil && !isUniqueViolation(err) {
		return 0, fmt.Errorf("mssql: insert %s: %w", row.Table, err)
	}

	var key int64
	selectSQL := buildSelectKeySQL(row.Table, row.SurrogateKey, []string{row.NaturalKey})
	if err := sqlx.GetContext(ctx, q, &key, selectSQL, row.Values[nkIdx]); err != nil {
		return 0, fmt.Errorf("mssql: select %s.%s: %w", row.Table, row.SurrogateKey, err)
	}
	return key, nil
}

// InsertFact appends one fact row, skipping it when a row with the same
// DedupeColumns already exists.
//
// Returns (existingKey, false, nil) for a skipped duplicate.
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

	var key int64
	err := sqlx.GetContext(ctx, q, &key, buildInsertFactSQL(row.Table, row.SurrogateKey, row.Columns, row.DedupeColumns, dedupeIdx), row.Values...)
	switch {
	case err == nil:
		return key, true, nil
	case errors.Is(err, sql.ErrNoRows), isUniqueViolation(err):
		// Duplicate: fall through to fetch the stored row's key.
	default:
		return 0, false, fmt.Errorf("mssql: insert %s: %w", row.Table, err)
	}

	if len(dedupeIdx) == 0 {
		return 0, false, fmt.Errorf("mssql: insert %s returned no identity", row.Table)
	}
	args := make([]any, len(dedupeIdx))
	for i, idx := range dedupeIdx {
		args[i] = row.Values[idx]
	}
	if err := sqlx.GetContext(ctx, q, &key, buildSelectKeySQL(row.Table, row.SurrogateKey, row.DedupeColumns), args...); err != nil {
		return 0, false, fmt.Errorf("mssql: select existing %s: %w", row.Table, err)
	}
	return key, false, nil
}

// SelectStaging reads one keyset page ordered by page.OrderColumn.
func (*Warehouse) SelectStaging(ctx context.Context, q storage.Querier, page storage.StagingPage, dest any) error {
	query, args := buildStagingQuery(page)
	if err := sqlx.SelectContext(ctx, q, dest, query, args...); err != nil {
		return fmt.Errorf("mssql: read %s after %d: %w", page.Table, page.After, err)
	}
	return nil
}

// ServerVersion returns @@VERSION.
func (*Warehouse) ServerVersion(ctx context.Context, q storage.Querier) (string, error) {
	var v string
	if err := sqlx.GetContext(ctx, q, &v, "SELECT @@VERSION"); err != nil {
		return "", err
	}
	return v, nil
}

// isUniqueViolation reports whether err is a duplicate key error.
func isUniqueViolation(err error) bool {
	var e mssqldb.Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Number == errUniqueConstraint || e.Number == errUniqueIndex
}

func validateDimensionRow(row storage.DimensionRow) (int, error) {
	if row.Table == "" || row.SurrogateKey == "" || row.NaturalKey == "" {
		return 0, fmt.Errorf("ResolveDimension: table, surrogate key and natural key are required")
	}
	if len(row.Columns) != len(row.Values) {
		return 0, fmt.Errorf("ResolveDimension: %s: %d columns vs %d values", row.Table, len(row.Columns), len(row.Values))
	}
	idx, ok := storage.IndexOfColumn(row.Columns, row.NaturalKey)
	if !ok {
		return 0, fmt.Errorf("ResolveDimension: %s: natural key %q not present in columns", row.Table, row.NaturalKey)
	}
	if row.Values[idx] == nil {
		return 0, fmt.Errorf("ResolveDimension: %s: natural key %q is NULL", row.Table, row.NaturalKey)
	}
	return idx, nil
}

// ---- SQL builders (pure, split out for tests) ----

func buildEnsureDatabaseSQL(name string) string {
	return fmt.Sprintf("IF DB_ID(N'%s') IS NULL CREATE DATABASE %s;", escapeLiteral(name), mssqlIdent(name))
}

// buildEnsureSchemaSQL wraps CREATE SCHEMA in EXEC: it must be the only
// statement in its batch. The schema name is bound as @p1 for the lookup.
func buildEnsureSchemaSQL(schema string) string {
	return fmt.Sprintf(
		"IF NOT EXISTS (SELECT 1 FROM sys.schemas WHERE name = @p1) EXEC(N'CREATE SCHEMA %s');",
		escapeLiteral(mssqlIdent(schema)),
	)
}

// buildCreateSQL builds idempotent CREATE TABLE SQL.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}

	defs, err := buildCreateTableDefs(t)
	if err != nil {
		return "", err
	}
	return wrapCreateIfMissing(t.Name, defs), nil
}

// buildCreateTableDefs produces the "(...)" inner content for CREATE TABLE.
func buildCreateTableDefs(t storage.TableSpec) (string, error) {
	var parts []string

	if t.PrimaryKey != nil {
		pkDef, err := mssqlPrimaryKeyDef(*t.PrimaryKey)
		if err != nil {
			return "", err
		}
		parts = append(parts, pkDef)
	}

	for _, c := range t.Columns {
		def, err := mssqlColumnDef(c)
		if err != nil {
			return "", fmt.Errorf("%s: %w", t.Name, err)
		}
		parts = append(parts, def)
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
	return strings.Join(parts, ", "), nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
//
// This keeps EnsureTables idempotent without requiring IF NOT EXISTS syntax.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		escapeLiteral(tableName),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// buildAddIdentitySQL adds an identity column guarded by COL_LENGTH.
func buildAddIdentitySQL(table string, c storage.ColumnSpec) string {
	return fmt.Sprintf(
		"IF COL_LENGTH(N'%s', N'%s') IS NULL ALTER TABLE %s ADD %s;",
		escapeLiteral(table),
		escapeLiteral(c.Name),
		mssqlTableIdent(table),
		identityColumnDef(c),
	)
}

func identityColumnDef(c storage.ColumnSpec) string {
	return fmt.Sprintf("%s %s IDENTITY(1,1) NOT NULL", mssqlIdent(c.Name), c.Type)
}

// mssqlPrimaryKeyDef returns a column definition for an identity primary key.
//
// Supported types (case-insensitive):
//   - "identity" -> INT IDENTITY(1,1) PRIMARY KEY
//   - "bigidentity" -> BIGINT IDENTITY(1,1) PRIMARY KEY
//   - otherwise uses pk.Type verbatim with PRIMARY KEY.
func mssqlPrimaryKeyDef(pk storage.PrimaryKeySpec) (string, error) {
	if strings.TrimSpace(pk.Name) == "" {
		return "", fmt.Errorf("mssql: primary key name is empty")
	}
	switch strings.ToLower(strings.TrimSpace(pk.Type)) {
	case "identity", "int identity", "serial":
		return fmt.Sprintf("%s INT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name)), nil
	case "bigidentity", "bigserial":
		return fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name)), nil
	default:
		return fmt.Sprintf("%s %s PRIMARY KEY", mssqlIdent(pk.Name), pk.Type), nil
	}
}

// mssqlColumnDef builds a SQL Server column definition from storage.ColumnSpec.
func mssqlColumnDef(c storage.ColumnSpec) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("mssql: column name is empty")
	}
	if strings.TrimSpace(c.Type) == "" {
		return "", fmt.Errorf("mssql: column %s type is empty", c.Name)
	}
	if c.Identity {
		return identityColumnDef(c), nil
	}

	var b strings.Builder
	b.WriteString(mssqlIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(c.Type)

	nullable := true
	if c.Nullable != nil {
		nullable = *c.Nullable
	}
	if !nullable {
		b.WriteString(" NOT NULL")
	}
	if c.References != nil {
		fmt.Fprintf(&b, " REFERENCES %s (%s)", mssqlTableIdent(c.References.Table), mssqlIdent(c.References.Column))
	}

	return b.String(), nil
}

// buildResolveInsertSQL returns the conflict-safe member insert.
//
// All values are bound positionally (@p1..@pN) in column order; the natural
// key parameter is reused by the NOT EXISTS probe.
func buildResolveInsertSQL(table string, columns []string, naturalKey string, nkIdx int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") SELECT ")
	writeParams(&b, len(columns), 1)
	b.WriteString(" WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" WITH (UPDLOCK, HOLDLOCK) WHERE ")
	b.WriteString(mssqlIdent(naturalKey))
	fmt.Fprintf(&b, " = @p%d);", nkIdx+1)
	return b.String()
}

// buildInsertFactSQL returns an INSERT that outputs the new identity and,
// when dedupe columns are given, inserts nothing if a matching row exists.
func buildInsertFactSQL(table, surrogateKey string, columns, dedupeColumns []string, dedupeIdx []int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") OUTPUT INSERTED.")
	b.WriteString(mssqlIdent(surrogateKey))
	b.WriteString(" SELECT ")
	writeParams(&b, len(columns), 1)

	if len(dedupeColumns) > 0 {
		b.WriteString(" WHERE NOT EXISTS (SELECT 1 FROM ")
		b.WriteString(mssqlTableIdent(table))
		b.WriteString(" WITH (UPDLOCK, HOLDLOCK) WHERE ")
		for i, dc := range dedupeColumns {
			if i > 0 {
				b.WriteString(" AND ")
			}
			fmt.Fprintf(&b, "%s = @p%d", mssqlIdent(dc), dedupeIdx[i]+1)
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String()
}

// buildSelectKeySQL selects keyColumn where every match column equals its
// positional parameter.
func buildSelectKeySQL(table, keyColumn string, match []string) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(mssqlIdent(keyColumn))
	b.WriteString(" FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" WHERE ")
	for i, c := range match {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "%s = @p%d", mssqlIdent(c), i+1)
	}
	b.WriteString(";")
	return b.String()
}

// buildStagingQuery renders a keyset page with OFFSET/FETCH paging.
func buildStagingQuery(page storage.StagingPage) (string, []any) {
	cols := make([]string, len(page.Columns))
	for i, c := range page.Columns {
		cols[i] = mssqlIdent(c)
	}
	order := mssqlIdent(page.OrderColumn)

	sb := sqlbuilder.SQLServer.NewSelectBuilder()
	sb.Select(cols...).
		From(mssqlTableIdent(page.Table)).
		Where(sb.GreaterThan(order, page.After)).
		OrderBy(order).Asc()
	if page.Limit > 0 {
		sb.Limit(page.Limit)
	}
	return sb.Build()
}

func writeParams(b *strings.Builder, n, start int) {
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(b, "@p%d", start+i)
	}
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = mssqlIdent(c)
	}
	return strings.Join(out, ", ")
}

// escapeLiteral doubles single quotes for embedding in N'...' literals.
func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dim.DimSite" -> [dim].[DimSite]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

var _ storage.Warehouse = (*Warehouse)(nil)
