package pgerr

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"
)

/* SQLSTATE codes surfaced at the core boundary */
const (
	ProtocolViolation    = "08P01"
	InvalidPassword      = "28P01"
	InvalidAuthorization = "28000"
	InvalidCatalogName   = "3D000"
	TooManyConnections   = "53300"
	AdminShutdown        = "57P01"
	CannotConnectNow     = "57P03"
	QueryCanceled        = "57014"

	/* pgdog-specific routing failures */
	RoutingError = "PGD01"
)

var _ error = &PgError{}

// PgError is an error that maps onto a wire ErrorResponse.
type PgError struct {
	Code     string
	Severity string
	Err      error
}

func New(code string, msg string) *PgError {
	return &PgError{
		Code:     code,
		Severity: "ERROR",
		Err:      errors.New(msg),
	}
}

func Newf(code string, format string, args ...any) *PgError {
	return &PgError{
		Code:     code,
		Severity: "ERROR",
		Err:      fmt.Errorf(format, args...),
	}
}

func Wrap(code string, err error) *PgError {
	return &PgError{
		Code:     code,
		Severity: "ERROR",
		Err:      err,
	}
}

func (e *PgError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Err)
}

func (e *PgError) Unwrap() error {
	return e.Err
}

// Response builds the ErrorResponse for any error, defaulting
// unclassified errors to a protocol-level failure.
func Response(err error) *pgproto3.ErrorResponse {
	var pe *PgError
	if errors.As(err, &pe) {
		return &pgproto3.ErrorResponse{
			Severity: pe.Severity,
			Code:     pe.Code,
			Message:  pe.Err.Error(),
		}
	}
	return &pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     ProtocolViolation,
		Message:  err.Error(),
	}
}

var (
	ErrCheckoutTimeout    = New(TooManyConnections, "connection checkout timeout")
	ErrShardingKeyMissing = New(RoutingError, "sharding key not found in query")
	ErrCrossShardQuery    = New(RoutingError, "cross-shard operation is not supported")
)
