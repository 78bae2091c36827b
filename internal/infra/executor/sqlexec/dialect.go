package sqlexec

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	mssql "github.com/microsoft/go-mssqldb"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Dialect captures the SQL differences between supported databases.
type Dialect struct {
	// Name identifies the dialect in configuration and executor identities.
	Name string
	// DriverName is the database/sql driver the dialect opens.
	DriverName string

	quote       func(ident string) string
	placeholder func(n int) string
	// window renders a row window. limit < 0 means unbounded.
	window func(b *builder, ordered bool, limit, offset int)
	// duplicate reports unique/primary key violations.
	duplicate func(err error) bool
}

// SQLite renders for modernc.org/sqlite.
var SQLite = Dialect{
	Name:        "sqlite",
	DriverName:  "sqlite",
	quote:       doubleQuote,
	placeholder: func(int) string { return "?" },
	window:      limitOffset("-1"),
	duplicate: func(err error) bool {
		var se *sqlite.Error
		if !errors.As(err, &se) {
			return false
		}
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	},
}

// Postgres renders for pgx through its database/sql adapter.
var Postgres = Dialect{
	Name:        "postgres",
	DriverName:  "pgx",
	quote:       func(ident string) string { return pgx.Identifier{ident}.Sanitize() },
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	window:      limitOffset("ALL"),
	duplicate: func(err error) bool {
		var pe *pgconn.PgError
		return errors.As(err, &pe) && pe.Code == "23505"
	},
}

// SQLServer renders for github.com/microsoft/go-mssqldb. Row windows need an
// ORDER BY, so unordered windows order by a constant.
var SQLServer = Dialect{
	Name:        "sqlserver",
	DriverName:  "sqlserver",
	quote:       func(ident string) string { return "[" + strings.ReplaceAll(ident, "]", "]]") + "]" },
	placeholder: func(n int) string { return "@p" + strconv.Itoa(n) },
	window: func(b *builder, ordered bool, limit, offset int) {
		if !ordered {
			b.WriteString(" ORDER BY (SELECT NULL)")
		}
		fmt.Fprintf(b, " OFFSET %d ROWS", offset)
		if limit >= 0 {
			fmt.Fprintf(b, " FETCH NEXT %d ROWS ONLY", limit)
		}
	},
	duplicate: func(err error) bool {
		var me mssql.Error
		return errors.As(err, &me) && (me.Number == 2627 || me.Number == 2601)
	},
}

// DialectFor returns the dialect registered under name. "pgx" and "mssql"
// are accepted as aliases.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlserver", "mssql":
		return SQLServer, nil
	default:
		return Dialect{}, fmt.Errorf("unknown sql dialect %q", name)
	}
}

// Quote quotes a possibly schema-qualified identifier.
func (d Dialect) Quote(ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		parts[i] = d.quote(p)
	}
	return strings.Join(parts, ".")
}

func doubleQuote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func limitOffset(unbounded string) func(*builder, bool, int, int) {
	return func(b *builder, _ bool, limit, offset int) {
		if limit >= 0 {
			fmt.Fprintf(b, " LIMIT %d", limit)
		} else {
			b.WriteString(" LIMIT " + unbounded)
		}
		if offset > 0 {
			fmt.Fprintf(b, " OFFSET %d", offset)
		}
	}
}

// isolation maps ExecutionOptions.Isolation names to database/sql levels.
func isolation(name string) (sql.IsolationLevel, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", " ")) {
	case "":
		return sql.LevelDefault, nil
	case "read uncommitted":
		return sql.LevelReadUncommitted, nil
	case "read committed":
		return sql.LevelReadCommitted, nil
	case "repeatable read":
		return sql.LevelRepeatableRead, nil
	case "snapshot":
		return sql.LevelSnapshot, nil
	case "serializable":
		return sql.LevelSerializable, nil
	default:
		return 0, fmt.Errorf("unknown isolation level %q", name)
	}
}
