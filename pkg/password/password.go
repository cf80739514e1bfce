// Package password retrieves the one-time initial account password from the
// metadata service's password server.
//
// The exchange has two steps. The first request asks for the password. When
// a real password comes back, a second request tells the server it has been
// saved, otherwise the server keeps handing the same password out on every
// later request. A missing or already saved password is not an error.
package password

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/cloudboss/metaboot/pkg/constants"
	"github.com/cloudboss/metaboot/pkg/httpclient"
	"github.com/cloudboss/metaboot/pkg/observe"
)

var (
	ErrUnacknowledged = errors.New("password delivered but not acknowledged")
	ErrInvalidUTF8    = errors.New("password is not valid UTF-8")
)

type State int

const (
	StateEmpty State = iota
	StateAlreadySaved
	StatePendingDelivery
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateAlreadySaved:
		return "already-saved"
	case StatePendingDelivery:
		return "pending-delivery"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Result struct {
	State    State
	Password string
}

// Delivered reports whether the handshake produced a password that the
// server has acknowledged as saved.
func (r Result) Delivered() bool {
	return r.State == StatePendingDelivery && len(r.Password) > 0
}

// UnacknowledgedError is returned when a password was read but the request
// marking it as saved failed. The server side state is unknown afterwards.
type UnacknowledgedError struct {
	URL   string
	Cause error
}

func (u *UnacknowledgedError) Error() string {
	return fmt.Sprintf("password read from %s but not acknowledged: %s", u.URL, u.Cause)
}

func (u *UnacknowledgedError) Is(target error) bool {
	return target == ErrUnacknowledged
}

func (u *UnacknowledgedError) Unwrap() error {
	return u.Cause
}

type Handshake struct {
	fetcher  httpclient.Fetcher
	url      string
	observer observe.Observer
}

func NewHandshake(fetcher httpclient.Fetcher, url string, observer observe.Observer) *Handshake {
	if observer == nil {
		observer = observe.Nop{}
	}
	return &Handshake{
		fetcher:  fetcher,
		url:      url,
		observer: observer,
	}
}

func directive(value string) http.Header {
	return http.Header{constants.HeaderPasswordRequest: []string{value}}
}

// Retrieve runs the handshake once. A real password is only returned after
// the server acknowledged it.
func (h *Handshake) Retrieve(ctx context.Context) (Result, error) {
	body, err := h.fetcher.Fetch(ctx, h.url, directive(constants.DirectiveSendPassword))
	if err != nil {
		return Result{}, fmt.Errorf("unable to request password: %w", err)
	}
	if !utf8.Valid(body) {
		return Result{}, ErrInvalidUTF8
	}

	pw := string(body)
	switch pw {
	case "":
		return Result{State: StateEmpty}, nil
	case constants.DirectiveSavedPassword:
		return Result{State: StateAlreadySaved}, nil
	}
	h.observer.PasswordFound()

	_, err = h.fetcher.Fetch(ctx, h.url, directive(constants.DirectiveSavedPassword))
	if err != nil {
		unacked := &UnacknowledgedError{URL: h.url, Cause: err}
		h.observer.PasswordUnacknowledged(unacked)
		return Result{}, unacked
	}

	return Result{State: StatePendingDelivery, Password: pw}, nil
}
