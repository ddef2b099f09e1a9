// Package resilience provides retry with exponential backoff, transient
// failure classification, and circuit breaking for storage backends and
// external providers.
package resilience

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/lib/pq"
)

// SQLSTATE class prefixes. Classes 08 (connection), 40 (transaction
// rollback, includes deadlocks), 53 (insufficient resources), 57
// (operator intervention), 58 (system error) are worth retrying; 22
// (data), 23 (integrity), 28 (authorization), 42 (syntax/access) are not.
var (
	transientSQLClasses = map[string]struct{}{
		"08": {}, "40": {}, "53": {}, "57": {}, "58": {},
	}
	permanentSQLClasses = map[string]struct{}{
		"22": {}, "23": {}, "28": {}, "42": {},
	}
)

// maxUnwrapDepth bounds cause-chain traversal against cyclic wrapping.
const maxUnwrapDepth = 32

// sqlStater is implemented by drivers (pgx, some sqlite shims) that carry
// a five-character SQLSTATE.
type sqlStater interface {
	SQLState() string
}

// IsTransient reports whether the error is expected to succeed on retry:
// connection, timeout, deadlock, and resource-exhaustion failures.
// Integrity, authorization, and syntax failures are permanent, as are nil
// and unrecognized errors.
func IsTransient(err error) bool {
	transient := false
	permanent := false

	visit(err, func(e error) bool {
		switch classify(e) {
		case classTransient:
			transient = true
		case classPermanent:
			permanent = true
			return false
		}
		return true
	})

	return transient && !permanent
}

// IsPermanent reports whether the error must not be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return true
	}
	return !IsTransient(err)
}

type class int

const (
	classUnknown class = iota
	classTransient
	classPermanent
)

func classify(err error) class {
	if err == nil {
		return classPermanent
	}

	// Context cancellation is the caller's decision, never retried.
	if errors.Is(err, context.Canceled) {
		return classPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return classTransient
	}

	// SQLSTATE-bearing errors.
	if state := sqlState(err); state != "" {
		return classifySQLState(state)
	}

	// Connection-level driver and network failures.
	if errors.Is(err, driver.ErrBadConn) {
		return classTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return classTransient
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return classTransient
	}

	// The embedded backend surfaces lock contention as plain text.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "i/o timeout"):
		return classTransient
	}

	return classUnknown
}

func classifySQLState(state string) class {
	if len(state) < 2 {
		return classPermanent
	}
	prefix := state[:2]
	if _, ok := transientSQLClasses[prefix]; ok {
		return classTransient
	}
	if _, ok := permanentSQLClasses[prefix]; ok {
		return classPermanent
	}
	return classUnknown
}

func sqlState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var st sqlStater
	if errors.As(err, &st) {
		return st.SQLState()
	}
	return ""
}

// visit walks the cause chain, calling fn on every error until it returns
// false. Traversal terminates on nil, on a self-referencing Unwrap, and
// at maxUnwrapDepth.
func visit(err error, fn func(error) bool) {
	for depth := 0; err != nil && depth < maxUnwrapDepth; depth++ {
		if !fn(err) {
			return
		}
		next := errors.Unwrap(err)
		if next == err {
			return
		}
		err = next
	}
}
