package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var ErrNotFound = errors.New("not found")

// Kind classifies a failure for reporting. No kind is fatal to a loop; the
// kind only decides how the failure is described and counted.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindPermanent
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap attaches kind and op to err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// StatusCoder is implemented by adapter errors that carry a remote status code.
type StatusCoder interface {
	StatusCode() int
}

// Classify reports the kind of err. Explicit kinds win; otherwise status
// codes and well-known network failures are mapped.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var te *Error
	if errors.As(err, &te) && te.Kind != KindUnknown {
		return te.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return kindFromStatus(sc.StatusCode())
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "too many requests"), strings.Contains(msg, "retry after"):
		return KindTransient
	case strings.Contains(msg, "forbidden"), strings.Contains(msg, "not found"),
		strings.Contains(msg, "chat not found"), strings.Contains(msg, "bad request"):
		return KindPermanent
	}
	return KindUnknown
}

func kindFromStatus(code int) Kind {
	switch {
	case code == 429 || code >= 500:
		return KindTransient
	case code >= 400:
		return KindPermanent
	default:
		return KindUnknown
	}
}

func formatChatID(id int64) string { return strconv.FormatInt(id, 10) }
