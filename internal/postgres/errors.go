package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/lib/pq"

	"github.com/blackmichael/timeline-cache/internal/domain"
)

// wrapf builds an error like fmt.Errorf and reports failures to reach the
// database as domain.StoreUnavailableError. The last argument must be the
// wrapped error.
func wrapf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	if len(args) == 0 {
		return err
	}
	cause, ok := args[len(args)-1].(error)
	if !ok || !unreachable(cause) {
		return err
	}
	return &domain.StoreUnavailableError{Store: "source", Err: err}
}

// unreachable reports whether err means the database could not be used at
// all, as opposed to a statement that failed against a healthy database.
func unreachable(err error) bool {
	var (
		netErr net.Error
		pqErr  *pq.Error
	)
	switch {
	case err == nil, errors.Is(err, sql.ErrNoRows), errors.Is(err, domain.ErrStoreUnavailable):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The caller gave up; context errors also satisfy net.Error.
		return false
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, driver.ErrBadConn), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.As(err, &netErr):
		return true
	case errors.As(err, &pqErr):
		// Class 08 is connection exception, 53 insufficient resources and
		// 57 operator intervention (admin shutdown, cannot connect now).
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return true
		}
		return false
	}
	// database/sql does not export the error returned after Close.
	return strings.Contains(err.Error(), "sql: database is closed")
}
