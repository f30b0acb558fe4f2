package engine

import (
	"errors"
	"strings"
)

// ErrorClass says which layer an error came from and so how a caller recovers.
type ErrorClass string

const (
	// ErrorClassStructural is a rejected graph mutation: bad link type, unknown node,
	// duplicate name. The graph is left as it was.
	ErrorClassStructural ErrorClass = "structural"

	// ErrorClassEvaluation is a node body failing during apply. The run is aborted.
	ErrorClassEvaluation ErrorClass = "evaluation"

	// ErrorClassCacheCorruption is an unreadable .zencache file. The load is dropped
	// and the frame may be marked broken.
	ErrorClassCacheCorruption ErrorClass = "cache_corruption"

	ErrorClassInterrupted ErrorClass = "interrupted"
)

// Error codes carried by *Error.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	ErrCodeTypeMismatch  = "TYPE_MISMATCH"
	ErrCodeCycle         = "CYCLE"
	ErrCodeApplyFailed   = "APPLY_FAILED"
	ErrCodeInterrupted   = "INTERRUPTED"
	ErrCodeBadMagic      = "BAD_MAGIC"
	ErrCodeTruncated     = "TRUNCATED"
	ErrCodeOffsetRange   = "OFFSET_RANGE"
	ErrCodeDecode        = "DECODE_FAILED"
	ErrCodeInternal      = "INTERNAL_ERROR"
)

// Error is a classified failure of the graph, an evaluation or the frame cache.
// Node is the uuid path of the node involved, when there is one.
type Error struct {
	Class     ErrorClass     `json:"class"`
	Message   string         `json:"message"`
	Code      string         `json:"code,omitempty"`
	Node      string         `json:"node,omitempty"`
	Operation string         `json:"operation,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Err       error          `json:"-"`
}

func newError(class ErrorClass, message string, err error) *Error {
	return &Error{Class: class, Message: message, Err: err}
}

// NewStructuralError returns a structural error wrapping err, which may be nil.
func NewStructuralError(message string, err error) *Error {
	return newError(ErrorClassStructural, message, err)
}

func NewEvaluationError(message string, err error) *Error {
	return newError(ErrorClassEvaluation, message, err)
}

func NewCacheCorruptionError(message string, err error) *Error {
	return newError(ErrorClassCacheCorruption, message, err)
}

// NewInterruptedError always carries ErrCodeInterrupted.
func NewInterruptedError(message string) *Error {
	e := newError(ErrorClassInterrupted, message, nil)
	e.Code = ErrCodeInterrupted
	return e
}

// Error renders "[class] message: cause (node=..., operation=...)".
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[" + string(e.Class) + "] " + e.Message)
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	var ctx []string
	if e.Node != "" {
		ctx = append(ctx, "node="+e.Node)
	}
	if e.Node != "" && e.Operation != "" {
		ctx = append(ctx, "operation="+e.Operation)
	}
	if len(ctx) > 0 {
		b.WriteString(" (" + strings.Join(ctx, ", ") + ")")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same class and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Class == t.Class && e.Code == t.Code
}

func (e *Error) WithNode(uuidPath string) *Error {
	e.Node = uuidPath
	return e
}

func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func IsStructural(err error) bool { return classOf(err) == ErrorClassStructural }
func IsEvaluation(err error) bool { return classOf(err) == ErrorClassEvaluation }
func IsCacheCorruption(err error) bool { return classOf(err) == ErrorClassCacheCorruption }
func IsInterrupted(err error) bool { return classOf(err) == ErrorClassInterrupted }

// HasCode reports whether any *Error in the chain carries code.
func HasCode(err error, code string) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// NodeOf returns the node of the outermost *Error in the chain.
func NodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Node
	}
	return ""
}

func classOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}
