package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open открывает однофайловую базу SQLite с прагмами для единственного
// писателя и многих читателей. Файл пригоден для внешнего read-only SQL.
func Open(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(ON)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("открытие базы %s: %w", path, err)
	}
	// modernc/sqlite не поддерживает конкурентных писателей; сериализуем
	// на уровне пула соединений.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("проверка базы %s: %w", path, err)
	}
	return conn, nil
}
