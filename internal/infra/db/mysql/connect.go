package mysql

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/bryanwahyu/medscan/internal/infra/db/sqlstore"
)

// errDuplicateEntry is ER_DUP_ENTRY
const errDuplicateEntry = 1062

func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	// test ping
	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx2); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Dialect for sqlstore
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:        "mysql",
		IsDuplicate: IsDuplicate,
	}
}

// NewStore bungkus koneksi jadi record store
func NewStore(db *sql.DB) *sqlstore.Store {
	return sqlstore.New(db, Dialect())
}

func IsDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == errDuplicateEntry
}

// DSN helper; parseTime wajib supaya DATETIME terbaca sebagai time.Time
func DSN(user, password, host string, port int, name string) string {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = host
	if port > 0 {
		cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	}
	cfg.DBName = name
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}
