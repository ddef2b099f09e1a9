package resilience

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestIsTransientSQLStates(t *testing.T) {
	transient := []string{"08006", "08001", "40001", "40P01", "53300", "57014", "58000"}
	for _, code := range transient {
		err := &pq.Error{Code: pq.ErrorCode(code)}
		assert.True(t, IsTransient(err), "SQLSTATE %s should be transient", code)
	}

	permanent := []string{"22001", "23505", "23503", "28000", "42601", "42501"}
	for _, code := range permanent {
		err := &pq.Error{Code: pq.ErrorCode(code)}
		assert.False(t, IsTransient(err), "SQLSTATE %s should be permanent", code)
	}
}

func TestIsTransientNilAndEmpty(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsPermanent(nil))

	err := &pq.Error{Code: pq.ErrorCode("")}
	assert.False(t, IsTransient(err))
}

func TestIsTransientConnectionKinds(t *testing.T) {
	assert.True(t, IsTransient(driver.ErrBadConn))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(errors.New("database is locked")))
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	assert.False(t, IsTransient(errors.New("parse error at line 3")))
}

func TestIsTransientWrappedCause(t *testing.T) {
	cause := &pq.Error{Code: pq.ErrorCode("40001")}
	wrapped := fmt.Errorf("upsert entity: %w", fmt.Errorf("tx failed: %w", cause))
	assert.True(t, IsTransient(wrapped))

	// A permanent error anywhere in the chain wins.
	mixed := fmt.Errorf("retryable wrapper: %w", &pq.Error{Code: pq.ErrorCode("23505")})
	assert.False(t, IsTransient(mixed))
}

type selfRefError struct{}

func (selfRefError) Error() string        { return "self-referencing" }
func (e selfRefError) Unwrap() error      { return e }

func TestVisitTerminatesOnSelfReference(t *testing.T) {
	// Must not hang.
	assert.False(t, IsTransient(selfRefError{}))
}
