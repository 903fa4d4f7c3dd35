package models

import "time"

// ErrorKind classifies fetch and persistence failures. The string value
// is stored in the exception_class column of ohlcvs_errors.
type ErrorKind string

const (
	ErrKindHTTPStatus     ErrorKind = "http_status_error"
	ErrKindRequest        ErrorKind = "request_error"
	ErrKindDecode         ErrorKind = "decode_error"
	ErrKindParse          ErrorKind = "parse_error"
	ErrKindDBIntegrity    ErrorKind = "db_integrity_violation"
	ErrKindDBConnection   ErrorKind = "db_connection_error"
	ErrKindMaxRetries     ErrorKind = "maximum_retries_reached"
	ErrKindLockContention ErrorKind = "lock_contention"
)

// ErrorRecord is one row of the ohlcvs_errors table. HTTPStatus zero is
// persisted as SQL NULL. Records are inserted with duplicate-ignore so a
// recurring failure does not inflate the table.
type ErrorRecord struct {
	Exchange   string
	Symbol     string
	StartTS    time.Time
	EndTS      time.Time
	Interval   string
	Section    string
	HTTPStatus int
	Kind       ErrorKind
	Message    string
}
