package sublimate

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun/driver/pgdriver"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrorCode represents a database error classification
type ErrorCode string

const (
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeForeignKey       ErrorCode = "FOREIGN_KEY"
	CodeCheckViolation   ErrorCode = "CHECK_VIOLATION"
	CodeNotNullViolation ErrorCode = "NOT_NULL"
	CodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeSerialization    ErrorCode = "SERIALIZATION"
	CodeDeadlock         ErrorCode = "DEADLOCK"
	CodeConflict         ErrorCode = "CONFLICT"
	CodeDecode           ErrorCode = "DECODE"
	CodeUnsupported      ErrorCode = "UNSUPPORTED"
	CodeUnknown          ErrorCode = "UNKNOWN"
)

// Sentinel errors for quick checks
var (
	ErrNotFound         = errors.New("sublimate: record not found")
	ErrDuplicate        = errors.New("sublimate: duplicate key violation")
	ErrForeignKey       = errors.New("sublimate: foreign key violation")
	ErrCheckViolation   = errors.New("sublimate: check constraint violation")
	ErrNotNullViolation = errors.New("sublimate: not null violation")
	ErrConnection       = errors.New("sublimate: connection failed")
	ErrTimeout          = errors.New("sublimate: operation timeout")
	ErrSerialization    = errors.New("sublimate: serialization failure")
	ErrDeadlock         = errors.New("sublimate: deadlock detected")
	ErrConflict         = errors.New("sublimate: optimistic locking conflict - record was modified")
	ErrDecode           = errors.New("sublimate: cannot decode row")
	ErrUnsupported      = errors.New("sublimate: operation not supported by dialect")
)

// codeInfo ties a code to its sentinel, its HTTP status and the message
// used when a driver error is classified under it.
type codeInfo struct {
	sentinel error
	status   int
	message  string
}

var errorCodes = map[ErrorCode]codeInfo{
	CodeNotFound:         {ErrNotFound, http.StatusNotFound, "record not found"},
	CodeDuplicate:        {ErrDuplicate, http.StatusConflict, "duplicate key value violates unique constraint"},
	CodeForeignKey:       {ErrForeignKey, http.StatusConflict, "foreign key constraint violation"},
	CodeCheckViolation:   {ErrCheckViolation, http.StatusBadRequest, "check constraint violation"},
	CodeNotNullViolation: {ErrNotNullViolation, http.StatusBadRequest, "null value in column violates not-null constraint"},
	CodeConnectionFailed: {ErrConnection, http.StatusServiceUnavailable, "database connection failed"},
	CodeTimeout:          {ErrTimeout, http.StatusGatewayTimeout, "query was cancelled due to timeout"},
	CodeSerialization:    {ErrSerialization, http.StatusConflict, "serialization failure, retry transaction"},
	CodeDeadlock:         {ErrDeadlock, http.StatusConflict, "deadlock detected"},
	CodeConflict:         {ErrConflict, http.StatusConflict, "record was modified concurrently"},
	CodeDecode:           {ErrDecode, http.StatusInternalServerError, "cannot decode row"},
	CodeUnsupported:      {ErrUnsupported, http.StatusInternalServerError, "operation not supported"},
}

// Status is the HTTP status a failure of this kind answers with.
func (c ErrorCode) Status() int {
	if info, ok := errorCodes[c]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Error is a rich database error with context
type Error struct {
	Code       ErrorCode // Error classification
	Message    string    // Human-readable message
	Op         string    // Operation that failed (e.g., "Query.First", "Create")
	Table      string    // Table name if known
	Column     string    // Column name if known
	Constraint string    // Constraint name if applicable
	Detail     string    // Additional detail from the server
	Hint       string    // Hint from the server
	Query      string    // Query that failed (may be empty for security)
	Cause      error     // Underlying error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("sublimate")
	if e.Op != "" {
		b.WriteString("." + e.Op)
	}
	b.WriteString(": " + e.Message)
	if e.Table != "" {
		fmt.Fprintf(&b, " (table: %s)", e.Table)
	}
	if e.Constraint != "" {
		fmt.Fprintf(&b, " (constraint: %s)", e.Constraint)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel of the error's code.
func (e *Error) Is(target error) bool {
	info, ok := errorCodes[e.Code]
	return ok && info.sentinel == target
}

// classified builds an Error whose message is the default of its code.
func classified(code ErrorCode, op string, cause error) *Error {
	return &Error{Code: code, Message: errorCodes[code].message, Op: op, Cause: cause}
}

// wrapError converts a raw error to a rich Error
func wrapError(err error, op string) error {
	if err == nil {
		return nil
	}

	// Already classified
	var dbErr *Error
	if errors.As(err, &dbErr) {
		return err
	}
	var abort *Abort
	if errors.As(err, &abort) {
		return err
	}

	if errors.Is(err, sql.ErrNoRows) {
		return classified(CodeNotFound, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPostgres(pgErr.Code, pgErr.Message, op, pgFields{
			table:      pgErr.TableName,
			column:     pgErr.ColumnName,
			constraint: pgErr.ConstraintName,
			detail:     pgErr.Detail,
			hint:       pgErr.Hint,
		}, err)
	}

	var drvErr pgdriver.Error
	if errors.As(err, &drvErr) {
		return classifyPostgres(drvErr.Field('C'), drvErr.Field('M'), op, pgFields{
			table:      drvErr.Field('t'),
			column:     drvErr.Field('c'),
			constraint: drvErr.Field('n'),
			detail:     drvErr.Field('D'),
			hint:       drvErr.Field('H'),
		}, err)
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return classifySQLite(liteErr, op)
	}

	return &Error{
		Code:    CodeUnknown,
		Message: err.Error(),
		Op:      op,
		Cause:   err,
	}
}

type pgFields struct {
	table, column, constraint, detail, hint string
}

// sqlstates maps SQLSTATE codes, whichever driver reported them.
// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
var sqlstates = map[string]ErrorCode{
	"23505": CodeDuplicate,        // unique_violation
	"23503": CodeForeignKey,       // foreign_key_violation
	"23502": CodeNotNullViolation, // not_null_violation
	"23514": CodeCheckViolation,   // check_violation
	"40001": CodeSerialization,    // serialization_failure
	"40P01": CodeDeadlock,         // deadlock_detected
	"57014": CodeTimeout,          // query_canceled
	"08000": CodeConnectionFailed,
	"08003": CodeConnectionFailed,
	"08006": CodeConnectionFailed,
}

func classifyPostgres(sqlstate, message, op string, f pgFields, cause error) *Error {
	e := &Error{Code: CodeUnknown, Message: message}
	if code, ok := sqlstates[sqlstate]; ok {
		e = classified(code, op, cause)
	}
	e.Op = op
	e.Cause = cause
	e.Table = f.table
	e.Column = f.column
	e.Constraint = f.constraint
	e.Detail = f.detail
	e.Hint = f.hint
	return e
}

// sqliteCodes maps extended SQLite result codes.
var sqliteCodes = map[int]ErrorCode{
	sqlite3.SQLITE_CONSTRAINT_UNIQUE:     CodeDuplicate,
	sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY: CodeDuplicate,
	sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY: CodeForeignKey,
	sqlite3.SQLITE_CONSTRAINT_NOTNULL:    CodeNotNullViolation,
	sqlite3.SQLITE_CONSTRAINT_CHECK:      CodeCheckViolation,
	sqlite3.SQLITE_BUSY:                  CodeSerialization,
	sqlite3.SQLITE_LOCKED:                CodeSerialization,
	sqlite3.SQLITE_INTERRUPT:             CodeTimeout,
	sqlite3.SQLITE_CANTOPEN:              CodeConnectionFailed,
}

// sqliteMessages classifies plain SQLITE_CONSTRAINT errors, reported when
// extended codes are disabled on the connection.
var sqliteMessages = []struct {
	fragment string
	code     ErrorCode
}{
	{"UNIQUE constraint failed", CodeDuplicate},
	{"FOREIGN KEY constraint failed", CodeForeignKey},
	{"NOT NULL constraint failed", CodeNotNullViolation},
	{"CHECK constraint failed", CodeCheckViolation},
}

func classifySQLite(liteErr *sqlite.Error, op string) *Error {
	code, ok := sqliteCodes[liteErr.Code()]
	if !ok && liteErr.Code() == sqlite3.SQLITE_CONSTRAINT {
		for _, m := range sqliteMessages {
			if strings.Contains(liteErr.Error(), m.fragment) {
				code, ok = m.code, true
				break
			}
		}
	}
	if !ok {
		return &Error{Code: CodeUnknown, Message: liteErr.Error(), Op: op, Cause: liteErr}
	}
	e := classified(code, op, liteErr)
	e.Detail = liteErr.Error()
	return e
}

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicate checks if error is a duplicate key error
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsConflict checks if error is an optimistic locking conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsForeignKey checks if error is a foreign key error
func IsForeignKey(err error) bool {
	return errors.Is(err, ErrForeignKey)
}

// IsConnection checks if error is a connection error
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsTimeout checks if error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsRetryable checks if the error is retryable (serialization, deadlock)
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSerialization) || errors.Is(err, ErrDeadlock)
}

// GetErrorCode extracts the error code if it's a sublimate error
func GetErrorCode(err error) (ErrorCode, bool) {
	var dbErr *Error
	if errors.As(err, &dbErr) {
		return dbErr.Code, true
	}
	return "", false
}

// GetConstraint extracts the constraint name if available
func GetConstraint(err error) (string, bool) {
	var dbErr *Error
	if errors.As(err, &dbErr) && dbErr.Constraint != "" {
		return dbErr.Constraint, true
	}
	return "", false
}
