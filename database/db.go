package database

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/sendbridge/sendbridge/config"
	"github.com/sendbridge/sendbridge/internal/cache"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		cacheInstance, cacheErr := cache.NewCache()
		if cacheErr != nil {
			log.Printf("cache unavailable, reads go straight to the store: %v", cacheErr)
		}
		instance = &Datasource{Conn: con, Cache: cacheInstance}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// ConnectDB opens the relational store. The driver is inferred from the DSN:
// mysql:// selects the MySQL driver, anything else uses Postgres.
func ConnectDB(dns string) (*sql.DB, error) {
	driver := "postgres"
	if strings.HasPrefix(dns, "mysql://") {
		driver = "mysql"
		dns = strings.TrimPrefix(dns, "mysql://")
	}
	db, err := sql.Open(driver, dns)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		log.Printf("database connection error ❌: %v", err)
		return nil, err
	}
	return db, nil
}

// IsUniqueViolation reports whether err was caused by a unique constraint,
// e.g. a concurrent first delivery of the same webhook external id.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}

// IsRetryableError reports whether err is a transient store conflict
// (serialization failure or deadlock) that should be retried rather than
// surfaced.
func IsRetryableError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1213
	}
	return false
}

// rollback discards a store transaction, logging everything except the
// "already finished" case after a successful commit.
func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.Printf("rollback error: %v", err)
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func beginTx(ctx context.Context, conn *sql.DB) (*sql.Tx, error) {
	return conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
}
