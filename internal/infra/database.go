// Package infra は外部サービスとの接続を提供する。
package infra

import (
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"session-key-service/config"
)

// sqlitePrefix はDATABASE_URLでSQLiteを選択する接頭辞。
const sqlitePrefix = "sqlite:"

// Dialector はDATABASE_URLに対応するgormのダイアレクタを返す。
// "sqlite:<path>" はSQLite、それ以外はMySQLのDSNとして扱う。
func Dialector(databaseURL string) gorm.Dialector {
	if path, ok := strings.CutPrefix(databaseURL, sqlitePrefix); ok {
		return sqlite.Open(path)
	}
	return mysql.Open(databaseURL)
}

// NewDB はgormによるデータベース接続を初期化する。
func NewDB(databaseURL string, cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(Dialector(databaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if cfg != nil && cfg.OtelEnabled {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, err
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 接続プール設定
	if strings.HasPrefix(databaseURL, sqlitePrefix) {
		// SQLiteは書き込みが直列化されるため接続を1本にする
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(5)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return db, nil
}
