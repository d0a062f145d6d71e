//go:build !cgo

package database

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// 无 cgo 时使用纯 Go 的 sqlite
func sqliteDialector(dsn string) gorm.Dialector {
	return sqlite.Open(dsn)
}
