package sublimate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fernandezvara/sublimate/future"
)

// Sentinel causes carried by aborts raised inside sublimate.
var (
	ErrWouldDeadlock    = errors.New("sublimate: ambient database used inside a scoped transaction")
	ErrRawUnsupported   = errors.New("sublimate: cannot do raw SQL queries on non-SQL database")
	ErrUnauthenticated  = errors.New("sublimate: not authenticated")
	ErrEngineNotMounted = errors.New("sublimate: engine middleware is not installed")
)

// Abort is an error that maps directly to an HTTP response. File and Line
// record where it was raised.
type Abort struct {
	Status int
	Reason string
	File   string
	Line   int
	Cause  error
}

// NewAbort creates an abort raised at the caller's location.
func NewAbort(status int, reason string) *Abort {
	return abortAt(1, status, nil, reason)
}

// Abortf is NewAbort with a formatted reason.
func Abortf(status int, format string, args ...any) *Abort {
	return abortAt(1, status, nil, fmt.Sprintf(format, args...))
}

// abortAt builds an Abort located skip frames above its caller, so skip=1
// points at whoever called the function that calls abortAt.
func abortAt(skip, status int, cause error, reason string) *Abort {
	a := &Abort{Status: status, Reason: reason, Cause: cause}
	if _, file, line, ok := runtime.Caller(skip + 1); ok {
		a.File = file
		a.Line = line
	}
	if a.Reason == "" {
		a.Reason = http.StatusText(status)
	}
	return a
}

// libraryDir is the source directory of this module.
var libraryDir = func() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Dir(file)
}()

// inLibrary reports whether file is a non-test source file of this module.
func inLibrary(file string) bool {
	return strings.HasPrefix(file, libraryDir+"/") && !strings.HasSuffix(file, "_test.go")
}

// abortAtCaller is abortAt located at the first frame outside this module,
// which is where the application called into it.
func abortAtCaller(status int, cause error, reason string) *Abort {
	a := abortAt(1, status, cause, reason)

	pcs := make([]uintptr, 32)
	frames := runtime.CallersFrames(pcs[:runtime.Callers(2, pcs)])
	for {
		frame, more := frames.Next()
		if frame.File != "" && !inLibrary(frame.File) {
			a.File = frame.File
			a.Line = frame.Line
			break
		}
		if !more {
			break
		}
	}
	return a
}

func (a *Abort) Error() string {
	msg := fmt.Sprintf("sublimate: %d %s", a.Status, a.Reason)
	if a.File != "" {
		msg += fmt.Sprintf(" (%s:%d)", filepath.Base(a.File), a.Line)
	}
	return msg
}

func (a *Abort) Unwrap() error {
	return a.Cause
}

// StatusCode implements StatusCoder.
func (a *Abort) StatusCode() int {
	return a.Status
}

// StatusCoder lets application errors pick their own HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// ErrorStatus maps an error returned from a handler body to an HTTP status.
func ErrorStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}

	var dbErr *Error
	if errors.As(err, &dbErr) {
		return dbErr.Code.Status()
	}

	var pe *future.PanicError
	if errors.As(err, &pe) {
		return http.StatusInternalServerError
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errorReason picks the text sent to the client for err.
func errorReason(err error, status int, expose bool) string {
	var a *Abort
	if errors.As(err, &a) {
		return a.Reason
	}
	if status >= http.StatusInternalServerError && !expose {
		return http.StatusText(status)
	}
	return err.Error()
}

// errorBody is the JSON document written for failed requests.
type errorBody struct {
	Error  bool   `json:"error"`
	Reason string `json:"reason"`
}
