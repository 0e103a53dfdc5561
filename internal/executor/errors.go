package executor

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds. Every *Error wraps exactly one of these, so callers branch with
// errors.Is(err, executor.ErrTimeout) and friends.
var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrSpawn               = errors.New("spawn failure")
	ErrScratch             = errors.New("scratch file failure")
	ErrCompile             = errors.New("compile failure")
	ErrRuntime             = errors.New("runtime failure")
	ErrDecode              = errors.New("decode failure")
	ErrTimeout             = errors.New("timeout")
	ErrCanceled            = errors.New("canceled")
	// ErrCleanup is only ever logged; Execute never returns it.
	ErrCleanup = errors.New("cleanup failure")
)

// Error is the structured failure returned by an Executor.
type Error struct {
	Kind     error // one of the Err* kinds above
	Language Language
	Stage    Stage
	Message  string
	Cause    error            // underlying OS/IO error, if any
	Result   *ExecutionResult // output captured before the failure, if any
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Language != "" {
		msg = fmt.Sprintf("%s: %s", e.Language, msg)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// KindName returns a stable machine-readable name for err's kind, or "" if err
// is not an executor error. Used for JSON responses and run history.
func KindName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnsupportedLanguage):
		return "unsupported_language"
	case errors.Is(err, ErrSpawn):
		return "spawn_failure"
	case errors.Is(err, ErrScratch):
		return "scratch_failure"
	case errors.Is(err, ErrCompile):
		return "compile_failure"
	case errors.Is(err, ErrRuntime):
		return "runtime_failure"
	case errors.Is(err, ErrDecode):
		return "decode_failure"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrCleanup):
		return "cleanup_failure"
	}
	return ""
}

// ResultOf extracts the captured result from an executor error, if there is one.
func ResultOf(err error) *ExecutionResult {
	var execErr *Error
	if errors.As(err, &execErr) {
		return execErr.Result
	}
	return nil
}

func Unsupported(lang Language) *Error {
	return &Error{
		Kind:     ErrUnsupportedLanguage,
		Language: lang,
		Message:  fmt.Sprintf("language %q is not supported", string(lang)),
	}
}

func SpawnFailed(lang Language, stage Stage, cause error) *Error {
	return &Error{Kind: ErrSpawn, Language: lang, Stage: stage, Message: "could not start process", Cause: cause}
}

func ScratchFailed(lang Language, msg string, cause error) *Error {
	return &Error{Kind: ErrScratch, Language: lang, Stage: StageCompile, Message: msg, Cause: cause}
}

func CompileFailed(lang Language, res *ExecutionResult) *Error {
	return &Error{
		Kind:     ErrCompile,
		Language: lang,
		Stage:    StageCompile,
		Message:  fmt.Sprintf("compiler exited with code %d", res.ExitCode),
		Result:   res,
	}
}

func RuntimeFailed(lang Language, res *ExecutionResult) *Error {
	return &Error{
		Kind:     ErrRuntime,
		Language: lang,
		Stage:    StageRun,
		Message:  fmt.Sprintf("program exited with code %d", res.ExitCode),
		Result:   res,
	}
}

func DecodeFailed(lang Language, stage Stage, stream string, res *ExecutionResult) *Error {
	return &Error{
		Kind:     ErrDecode,
		Language: lang,
		Stage:    stage,
		Message:  fmt.Sprintf("%s is not valid UTF-8", stream),
		Result:   res,
	}
}

func TimedOut(lang Language, stage Stage, res *ExecutionResult) *Error {
	msg := "execution timed out"
	if res != nil {
		msg = fmt.Sprintf("execution timed out after %s", res.Duration.Round(time.Millisecond))
	}
	return &Error{Kind: ErrTimeout, Language: lang, Stage: stage, Message: msg, Result: res}
}

func Canceled(lang Language, stage Stage, cause error) *Error {
	return &Error{Kind: ErrCanceled, Language: lang, Stage: stage, Message: "execution canceled", Cause: cause}
}

func CleanupFailed(lang Language, cause error) *Error {
	return &Error{Kind: ErrCleanup, Language: lang, Message: "could not remove temporary files", Cause: cause}
}
