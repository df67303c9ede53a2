package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failure of the remote name store.
type Kind int

const (
	// Unavailable means the remote could not be reached, timed out, or
	// reported a temporary failure.
	Unavailable Kind = iota + 1
	// Rejected means the remote refused a write, e.g. failed validation.
	Rejected
	// Malformed means the remote responded with data of an unexpected shape.
	Malformed
)

var (
	ErrUnavailable = errors.New("remote unavailable")
	ErrRejected    = errors.New("remote rejected")
	ErrMalformed   = errors.New("remote response malformed")
)

func (k Kind) sentinel() error {
	switch k {
	case Unavailable:
		return ErrUnavailable
	case Rejected:
		return ErrRejected
	case Malformed:
		return ErrMalformed
	}
	return nil
}

func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the type of error returned by a remote name gateway. It carries the
// failure kind and, for HTTP gateways, the response status code.
type Error struct {
	kind   Kind
	err    error
	status int
}

// ErrorMessage is the JSON body a name store returns with a failed request.
type ErrorMessage struct {
	Message string `json:",omitempty"`
	Status  int    `json:",omitempty"`
}

var serverError []byte

func init() {
	e := ErrorMessage{
		Message: http.StatusText(http.StatusInternalServerError),
		Status:  http.StatusInternalServerError,
	}

	eb, err := json.Marshal(&e)
	if err != nil {
		panic(err)
	}
	serverError = eb
}

func New(kind Kind, err error, status int) *Error {
	return &Error{
		kind:   kind,
		err:    err,
		status: status,
	}
}

func NewUnavailable(err error) *Error { return New(Unavailable, err, 0) }

func NewRejected(err error) *Error { return New(Rejected, err, 0) }

func NewMalformed(err error) *Error { return New(Malformed, err, 0) }

// Classify returns err as an *Error. Errors that are already classified are
// returned unchanged. Anything else, including context deadline and
// cancellation, is treated as the remote being unavailable.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(Unavailable, fmt.Errorf("timed out: %w", err), 0)
	}
	return New(Unavailable, err, 0)
}

// KindFromStatus maps an HTTP status code to the failure kind it represents.
func KindFromStatus(status int) Kind {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return Unavailable
	case status >= 400:
		return Rejected
	}
	return Malformed
}

// FromResponse creates an error from a failed HTTP response. The body may be
// a JSON ErrorMessage or plain text.
func FromResponse(status int, body []byte) error {
	var err error
	var msg ErrorMessage
	if json.Unmarshal(body, &msg) == nil && msg.Message != "" {
		err = errors.New(msg.Message)
	} else if text := strings.TrimSpace(string(body)); text != "" {
		err = errors.New(text)
	}
	if status == 0 {
		if err == nil {
			return nil
		}
		return New(Unavailable, err, 0)
	}
	return New(KindFromStatus(status), err, status)
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	if e.status == 0 {
		return e.kind.String()
	}
	if text := http.StatusText(e.status); text != "" {
		return fmt.Sprintf("%d %s", e.status, text)
	}
	return fmt.Sprintf("%d", e.status)
}

func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Status() int {
	return e.status
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	s := e.kind.sentinel()
	return s != nil && target == s
}

func (e *Error) Unwrap() error {
	return e.err
}

// EncodeError encodes err as a JSON ErrorMessage.
func EncodeError(err error) []byte {
	if err == nil {
		return nil
	}

	e := ErrorMessage{
		Message: err.Error(),
	}
	var apierr *Error
	if errors.As(err, &apierr) {
		e.Status = apierr.Status()
	}

	data, err := json.Marshal(&e)
	if err != nil {
		return serverError
	}
	return data
}
