package db

import (
	"database/sql"
	"fmt"

	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"
)

const (
	// SQLiteDriverName is the project-specific SQLCipher driver.
	SQLiteDriverName = "sqlite3_readaloud"
)

// connectPragmas run on every new connection, including in-memory test
// connections that never see the file DSN parameters.
var connectPragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
}

func init() {
	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			for _, pragma := range connectPragmas {
				if _, err := conn.Exec(pragma, nil); err != nil {
					return fmt.Errorf("apply %q: %w", pragma, err)
				}
			}
			return nil
		},
	})
}
