package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"

	"github.com/hitoshi/entitlement/internal/model"
)

// PostgreSQLのSQLSTATEのうち、再試行で回復しうるもの
const (
	pgClassConnectionException   = "08"
	pgClassInsufficientResources = "53"
	pgClassOperatorIntervention  = "57"
	pgCodeSerializationFailure   = "40001"
	pgCodeDeadlockDetected       = "40P01"
	pgCodeLockNotAvailable       = "55P03"
	pgCodeUniqueViolation        = "23505"
)

// classifyPostgresError は一時的な障害をmodel.ErrStoreUnavailableでラップする。
// それ以外のエラーはそのまま返す。
func classifyPostgresError(err error) error {
	if err == nil {
		return nil
	}
	if isTransientPostgresError(err) {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return err
}

func isTransientPostgresError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case pgClassConnectionException, pgClassInsufficientResources, pgClassOperatorIntervention:
			return true
		}
		switch pqErr.Code {
		case pgCodeSerializationFailure, pgCodeDeadlockDetected, pgCodeLockNotAvailable:
			return true
		}
		return false
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func hasPostgresCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == code
	}
	return false
}
