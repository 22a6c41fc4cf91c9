package postgres

import (
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
)

func sqlxConnect(dsn string) (*sqlx.DB, error) {
	return sqlx.Connect("pgx", dsn)
}
