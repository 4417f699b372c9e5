package store

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/roach88/uow/internal/driver"
)

// classifyError wraps constraint failures in driver.ConstraintViolationError
// and returns other errors unchanged.
func classifyError(err error, entityType string) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return driver.NewConstraintViolation(sqliteKind(sqliteErr.ExtendedCode), entityType, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return driver.NewConstraintViolation(pgKind(pgErr.Code), entityType, err)
	}

	return err
}

func sqliteKind(code sqlite3.ErrNoExtended) driver.ConstraintKind {
	switch code {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return driver.ConstraintUnique
	case sqlite3.ErrConstraintForeignKey:
		return driver.ConstraintForeignKey
	case sqlite3.ErrConstraintNotNull:
		return driver.ConstraintNotNull
	case sqlite3.ErrConstraintCheck:
		return driver.ConstraintCheck
	default:
		return driver.ConstraintOther
	}
}

// pgKind maps SQLSTATE class 23 (integrity constraint violation) codes.
func pgKind(code string) driver.ConstraintKind {
	switch code {
	case "23505":
		return driver.ConstraintUnique
	case "23503":
		return driver.ConstraintForeignKey
	case "23502":
		return driver.ConstraintNotNull
	case "23514":
		return driver.ConstraintCheck
	default:
		return driver.ConstraintOther
	}
}
