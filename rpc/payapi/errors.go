package payapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/instapay/instapayd/internal/db"
	"github.com/instapay/instapayd/keystore"
	"github.com/instapay/instapayd/wallet"
)

// ErrorCode is the machine readable kind of an API error.
type ErrorCode string

const (
	BadRequest   ErrorCode = "bad-request"
	NotFound     ErrorCode = "not-found"
	NotAvailable ErrorCode = "not-available"
	UnknownError ErrorCode = "unknown-error"
)

var httpCodeForError = map[ErrorCode]int{
	BadRequest:   http.StatusBadRequest,
	NotFound:     http.StatusNotFound,
	NotAvailable: http.StatusServiceUnavailable,
	UnknownError: http.StatusInternalServerError,
}

// HTTPStatusForError maps an error code to the HTTP status it is sent with.
func HTTPStatusForError(code ErrorCode) int {
	status, found := httpCodeForError[code]
	if !found {
		status = http.StatusInternalServerError
	}
	return status
}

// errorCodeFor classifies errors returned by the payment components.
func errorCodeFor(err error) ErrorCode {
	var (
		unknownClient *keystore.UnknownClientError
		lockTime      *keystore.InvalidLockTimeError
	)
	switch {
	case errors.As(err, &unknownClient), errors.Is(err, db.ErrNotFound):
		return NotFound

	case errors.As(err, &lockTime):
		return BadRequest

	case errors.Is(err, keystore.ErrLocked),
		errors.Is(err, wallet.ErrNotSynced),
		errors.Is(err, wallet.ErrWalletShuttingDown):

		return NotAvailable

	default:
		return UnknownError
	}
}

func sendResponse(w http.ResponseWriter, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		sendErrorResponse(w, http.StatusInternalServerError, UnknownError,
			fmt.Sprintf("in json.Marshal: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(b)
}

func sendBadRequest(w http.ResponseWriter, format string, args ...any) {
	sendErrorResponse(w, http.StatusBadRequest, BadRequest,
		fmt.Sprintf(format, args...))
}

func sendError(w http.ResponseWriter, where string, err error) {
	code := errorCodeFor(err)
	message := fmt.Sprintf("%s: %v", where, err)
	sendErrorResponse(w, HTTPStatusForError(code), code, message)
}

func sendErrorResponse(w http.ResponseWriter, statusCode int, code ErrorCode,
	message string) {

	if statusCode >= http.StatusInternalServerError {
		log.Errorf("%s: %s", code, message)
	} else {
		log.Debugf("%s: %s", code, message)
	}

	// Formatted by hand so that encoding the error cannot fail.
	payload := fmt.Sprintf("{\"error\":{\"code\":%q,\"message\":%q}}",
		code, message)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte(payload))
}
