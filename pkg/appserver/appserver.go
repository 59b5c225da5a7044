// Package appserver holds what the application server backends share: the
// error values they return, the JSON documents exchanged with a remote server
// and the readiness check.
package appserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/marmos91/dropboxd/pkg/registrator"
)

var (
	// ErrRegistrationExists is returned when a registration id is reused.
	ErrRegistrationExists = errors.New("registration id already used")

	// ErrDataSetExists is returned when a data set code is registered twice.
	ErrDataSetExists = errors.New("data set already registered")

	// ErrUnknownDataSet is returned when confirming storage of a data set
	// the server does not know.
	ErrUnknownDataSet = errors.New("unknown data set")

	// ErrNotReady is returned by Ping when the server cannot take requests.
	ErrNotReady = errors.New("application server not ready")
)

// Server is an ApplicationServer that can be checked for readiness.
type Server interface {
	registrator.ApplicationServer

	// Ping returns nil when the server accepts requests.
	Ping(ctx context.Context) error
}

// IDResponse is the body returned when drawing an id.
type IDResponse struct {
	ID string `json:"id"`
}

// RegisterRequest is the body of a registration.
type RegisterRequest struct {
	DataSets []registrator.RegistrationInfo `json:"data_sets"`
}

// StatusResponse reports an entity operation status.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx answer. Code names one of the
// sentinel errors of this package and is empty for anything else.
type ErrorResponse struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

var errorCodes = map[string]error{
	"registration_exists": ErrRegistrationExists,
	"data_set_exists":     ErrDataSetExists,
	"unknown_data_set":    ErrUnknownDataSet,
	"not_ready":           ErrNotReady,
}

// ErrorCode returns the wire code of the sentinel err wraps, or "".
func ErrorCode(err error) string {
	for code, sentinel := range errorCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}

// DecodeError turns an ErrorResponse back into an error that matches the
// sentinel named by its code.
func DecodeError(resp ErrorResponse) error {
	if sentinel, ok := errorCodes[resp.Code]; ok {
		if resp.Error == "" || resp.Error == sentinel.Error() {
			return sentinel
		}
		return fmt.Errorf("%s: %w", strings.TrimSuffix(resp.Error, ": "+sentinel.Error()), sentinel)
	}
	return errors.New(resp.Error)
}

// ParseOperationStatus is the inverse of registrator.OperationStatus.String.
func ParseOperationStatus(s string) (registrator.OperationStatus, error) {
	for _, st := range []registrator.OperationStatus{
		registrator.StatusInProgress,
		registrator.StatusNoOperation,
		registrator.StatusSucceeded,
	} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown operation status %q", s)
}
