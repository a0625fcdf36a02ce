// Package backlog counts open items in external SQLite stores, such as
// pending questions or untriaged reports, for the commit gate's primary
// branch policy.
package backlog

import (
	"context"
	"errors"
	"fmt"
	"os"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Source is one count query over one database.
type Source struct {
	Name     string
	Database string
	Query    string
}

// Count runs the source query read-only. The query must return exactly one
// row whose first column is an integer. A missing database is an error, not
// an empty backlog.
func Count(ctx context.Context, src Source) (int64, error) {
	if _, err := os.Stat(src.Database); err != nil {
		return 0, fmt.Errorf("backlog %s: %w", src.Name, err)
	}
	conn, err := sqlite.OpenConn(src.Database, sqlite.OpenReadOnly)
	if err != nil {
		return 0, fmt.Errorf("backlog %s: open %s: %w", src.Name, src.Database, err)
	}
	defer conn.Close()
	conn.SetInterrupt(ctx.Done())

	var (
		count int64
		rows  int
	)
	err = sqlitex.Execute(conn, src.Query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rows++
			if rows > 1 {
				return errors.New("query returned more than one row")
			}
			if stmt.ColumnCount() < 1 || stmt.ColumnType(0) != sqlite.TypeInteger {
				return errors.New("query must return one integer column")
			}
			count = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("backlog %s: %w", src.Name, err)
	}
	if rows == 0 {
		return 0, fmt.Errorf("backlog %s: query returned no rows", src.Name)
	}
	return count, nil
}
