package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"dwetl/internal/storage"
)

// SQLSTATE codes handled explicitly.
const (
	codeUniqueViolation   = "23505"
	codeDuplicateDatabase = "42P04"
)

/*
Warehouse implements storage.Warehouse for Postgres through pgx's
database/sql driver ("pgx").

It provides:
  - CREATE SCHEMA / CREATE TABLE IF NOT EXISTS provisioning
  - ON CONFLICT (natural key) DO NOTHING dimension resolution + re-select
  - ON CONFLICT (dedupe columns) DO NOTHING RETURNING fact appends

Column types are declared in SQL Server spelling by the catalog and
translated by pgType.
*/
type Warehouse struct{}

func init() {
	storage.Register("postgres", func() storage.Warehouse { return New() })
}

// New returns the Postgres backend.
func New() *Warehouse { return &Warehouse{} }

func (*Warehouse) Kind() string       { return "postgres" }
func (*Warehouse) DriverName() string { return "pgx" }

// AdminDatabase returns the maintenance database CREATE DATABASE runs from.
func (*Warehouse) AdminDatabase(string) string { return "postgres" }

// DSN renders a postgres:// URL understood by pgx.
func (*Warehouse) DSN(p storage.ConnParams) string {
	q := url.Values{}
	if p.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(p.ConnectTimeout.Seconds())))
	}
	q.Set("application_name", "dwetl")

	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:     "/" + p.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// EnsureDatabase creates the database if pg_database does not list it.
//
// A concurrent creator winning the race surfaces as 42P04, which is ignored.
func (*Warehouse) EnsureDatabase(ctx context.Context, q storage.Querier, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("postgres: database name is empty")
	}

	var exists bool
	if err := sqlx.GetContext(ctx, q, &exists, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name); err != nil {
		return fmt.Errorf("postgres: lookup database %s: %w", name, err)
	}
	if exists {
		return nil
	}
	if _, err := q.ExecContext(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil && !hasCode(err, codeDuplicateDatabase) {
		return fmt.Errorf("postgres: create database %s: %w", name, err)
	}
	return nil
}

// EnsureSchemas creates each schema if missing.
func (*Warehouse) EnsureSchemas(ctx context.Context, q storage.Querier, schemas []string) error {
	for _, s := range schemas {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("postgres: schema name is empty")
		}
		if _, err := q.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{s}.Sanitize()); err != nil {
			return fmt.Errorf("postgres: ensure schema %s: %w", s, err)
		}
	}
	return nil
}

// EnsureTables creates each table if missing and adds identity columns an
// older table lacks. Existing rows are numbered when the column is added.
func (*Warehouse) EnsureTables(ctx context.Context, q storage.Querier, tables []storage.TableSpec) error {
	for _, t := range tables {
		stmt, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: create table %s: %w", t.Name, err)
		}
		for _, c := range t.IdentityColumns() {
			if _, err := q.ExecContext(ctx, buildAddIdentitySQL(t.Name, c)); err != nil {
				return fmt.Errorf("postgres: add %s.%s: %w", t.Name, c.Name, err)
			}
		}
	}
	return nil
}

// ResolveDimension inserts the member with ON CONFLICT DO NOTHING and
// re-selects the surrogate key. Existing members are not updated.
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
		return 0, fmt.Errorf("postgres: insert %s: %w", row.Table, err)
	}

	var key int64
	if err := sqlx.GetContext(ctx, q, &key, buildSelectKeySQL(row.Table, row.SurrogateKey, []string{row.NaturalKey}), args[nkIdx]); err != nil {
		return 0, fmt.Errorf("postgres: select %s.%s: %w", row.Table, row.SurrogateKey, err)
	}
	return key, nil
}

// InsertFact appends one fact row, returning the existing key when the
// dedupe columns already match a stored row.
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
		return 0, false, fmt.Errorf("postgres: insert %s: %w", row.Table, err)
	}

	match := make([]any, len(dedupeIdx))
	for i, idx := range dedupeIdx {
		match[i] = args[idx]
	}
	if err := sqlx.GetContext(ctx, q, &key, buildSelectKeySQL(row.Table, row.SurrogateKey, row.DedupeColumns), match...); err != nil {
		return 0, false, fmt.Errorf("postgres: select existing %s: %w", row.Table, err)
	}
	return key, false, nil
}

// SelectStaging reads one keyset page.
func (*Warehouse) SelectStaging(ctx context.Context, q storage.Querier, page storage.StagingPage, dest any) error {
	query, args := buildStagingQuery(page)
	if err := sqlx.SelectContext(ctx, q, dest, query, args...); err != nil {
		return fmt.Errorf("postgres: read %s after %d: %w", page.Table, page.After, err)
	}
	return nil
}

// ServerVersion returns version().
func (*Warehouse) ServerVersion(ctx context.Context, q storage.Querier) (string, error) {
	var v string
	if err := sqlx.GetContext(ctx, q, &v, "SELECT version()"); err != nil {
		return "", err
	}
	return v, nil
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// bindValues converts civil values pgx cannot encode directly.
func bindValues(in []any) []any {
	out := make([]any, len(in))
	for i, v := range in {
		switch t := v.(type) {
		case civil.Date:
			out[i] = t.In(time.UTC)
		case civil.Time:
			out[i] = t.String()
		default:
			out[i] = v
		}
	}
	return out
}

// ---- SQL builders ----

// buildCreateSQL builds CREATE TABLE IF NOT EXISTS for one table.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}

	var defs []string
	if t.PrimaryKey != nil {
		pk := strings.TrimSpace(t.PrimaryKey.Name)
		if pk == "" {
			return "", fmt.Errorf("table %s: primary_key.name is required", t.Name)
		}
		defs = append(defs, fmt.Sprintf(`%s %s PRIMARY KEY`, pgIdent(pk), pgPrimaryKeyType(t.PrimaryKey.Type)))
	}

	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", fmt.Errorf("table %s: %w", t.Name, err)
		}
		defs = append(defs, def)
	}

	for _, c := range t.Constraints {
		if !strings.EqualFold(strings.TrimSpace(c.Kind), "unique") {
			return "", fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, c.Kind)
		}
		if len(c.Columns) == 0 {
			return "", fmt.Errorf("table %s: unique constraint requires columns", t.Name)
		}
		defs = append(defs, fmt.Sprintf("UNIQUE (%s)", joinIdents(c.Columns)))
	}

	if len(defs) == 0 {
		return "", fmt.Errorf("table %s: no columns", t.Name)
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, pgTableIdent(t.Name), strings.Join(defs, ", ")), nil
}

// buildColumnDef renders a single column definition.
//
// Nullable semantics follow SQL: nil or true => NULL, false => NOT NULL.
func buildColumnDef(c storage.ColumnSpec) (string, error) {
	name := strings.TrimSpace(c.Name)
	typ := strings.TrimSpace(c.Type)
	if name == "" || typ == "" {
		return "", fmt.Errorf("column name/type must be set")
	}

	if c.Identity {
		return identityColumnDef(c), nil
	}

	var b strings.Builder
	b.WriteString(pgIdent(name))
	b.WriteString(" ")
	b.WriteString(pgType(typ))

	if c.Nullable != nil && !*c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if c.References != nil {
		fmt.Fprintf(&b, " REFERENCES %s (%s)", pgTableIdent(c.References.Table), pgIdent(c.References.Column))
	}
	return b.String(), nil
}

func identityColumnDef(c storage.ColumnSpec) string {
	return fmt.Sprintf("%s %s GENERATED BY DEFAULT AS IDENTITY", pgIdent(c.Name), pgType(c.Type))
}

func buildAddIdentitySQL(table string, c storage.ColumnSpec) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s;", pgTableIdent(table), identityColumnDef(c))
}

func pgPrimaryKeyType(typ string) string {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "identity", "int identity", "serial":
		return "INTEGER GENERATED BY DEFAULT AS IDENTITY"
	case "bigidentity", "bigserial":
		return "BIGINT GENERATED BY DEFAULT AS IDENTITY"
	default:
		return typ
	}
}

// pgType translates SQL Server type spellings used by the catalog.
func pgType(typ string) string {
	upper := strings.ToUpper(typ)
	switch {
	case upper == "BIT":
		return "BOOLEAN"
	case upper == "DATETIME2", upper == "DATETIME":
		return "TIMESTAMP"
	case upper == "TINYINT":
		return "SMALLINT"
	case strings.HasPrefix(upper, "NVARCHAR"):
		return "VARCHAR" + typ[len("NVARCHAR"):]
	default:
		return typ
	}
}

// buildInsertSQL renders INSERT .. VALUES ($1..$n), optionally guarded by
// ON CONFLICT (conflict) DO NOTHING and returning the given column.
func buildInsertSQL(table string, columns, conflict []string, returning string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
	}
	b.WriteString(")")
	if len(conflict) > 0 {
		b.WriteString(" ON CONFLICT (")
		b.WriteString(joinIdents(conflict))
		b.WriteString(") DO NOTHING")
	}
	if returning != "" {
		b.WriteString(" RETURNING ")
		b.WriteString(pgIdent(returning))
	}
	return b.String()
}

func buildSelectKeySQL(table, keyColumn string, match []string) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(pgIdent(keyColumn))
	b.WriteString(" FROM ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" WHERE ")
	for i, c := range match {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "%s = $%d", pgIdent(c), i+1)
	}
	return b.String()
}

func buildStagingQuery(page storage.StagingPage) (string, []any) {
	cols := make([]string, len(page.Columns))
	for i, c := range page.Columns {
		cols[i] = pgIdent(c)
	}
	order := pgIdent(page.OrderColumn)

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(cols...).
		From(pgTableIdent(page.Table)).
		Where(sb.GreaterThan(order, page.After)).
		OrderBy(order).Asc()
	if page.Limit > 0 {
		sb.Limit(page.Limit)
	}
	return sb.Build()
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return strings.Join(out, ", ")
}

func pgIdent(name string) string {
	return pgx.Identifier{strings.TrimSpace(name)}.Sanitize()
}

// pgTableIdent quotes a schema-qualified name: "dim.DimSite" -> "dim"."DimSite".
func pgTableIdent(name string) string {
	schema, table := storage.SplitQualifiedName(name)
	if schema == "" {
		return pgx.Identifier{table}.Sanitize()
	}
	return pgx.Identifier{schema, table}.Sanitize()
}

var _ storage.Warehouse = (*Warehouse)(nil)
