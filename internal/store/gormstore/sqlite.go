package gormstore

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// DefaultSQLiteBusyTimeout is how long a SQLite writer waits for a lock held by another process.
const DefaultSQLiteBusyTimeout = 5 * time.Second

// OpenSQLite opens the SQLite file at path for the store.
//
// The pool holds one connection so writers inside this process queue in database/sql instead of
// racing for the file lock. Transactions begin IMMEDIATE and wait up to busyTimeout for writers in
// other processes, such as the catalog commands running next to a server.
func OpenSQLite(path string, busyTimeout time.Duration, config *gorm.Config) (*gorm.DB, error) {
	query := url.Values{}
	query.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	query.Add("_txlock", "immediate")
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	db, err := gorm.Open(sqlite.Open(path+separator+query.Encode()), config)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}
