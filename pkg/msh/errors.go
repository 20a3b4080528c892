package msh

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingContentType is returned when a request has no Content-Type
	ErrMissingContentType = errors.New("Content-Type header is missing")
	// ErrInvalidContentType is returned for an unparsable Content-Type
	ErrInvalidContentType = errors.New("failed to parse Content-Type")
	// ErrNoSOAPDocument is returned when the payload is not XML
	ErrNoSOAPDocument = errors.New("failed to parse incoming message")
	// ErrUnknownSOAPVersion is returned when neither the document nor the
	// content type reveal the SOAP version
	ErrUnknownSOAPVersion = errors.New("failed to determine SOAP version of XML document")
	// ErrNoSOAPHeader is returned when the envelope has no Header element
	ErrNoSOAPHeader = errors.New("SOAP document is missing a Header element")
	// ErrNoSOAPBody is returned when the envelope has no Body element
	ErrNoSOAPBody = errors.New("SOAP document is missing a Body element")
	// ErrRequiredHeader is returned when a mustUnderstand header was not processed
	ErrRequiredHeader = errors.New("required SOAP header element could not be handled")
	// ErrNoPMode is returned when a user message or pull request has no P-Mode
	ErrNoPMode = errors.New("no AS4 P-Mode configuration found")
	// ErrNoLeg is returned when no P-Mode leg applies to a user message
	ErrNoLeg = errors.New("no AS4 P-Mode leg could be determined")
	// ErrUnknownProfile is returned when the selected profile is not registered
	ErrUnknownProfile = errors.New("AS4 profile does not exist")
	// ErrProfileValidation is returned when a profile validator reports errors
	ErrProfileValidation = errors.New("error validating incoming AS4 message with the profile")
	// ErrDuplicateProcessor is returned when a QName is registered twice
	ErrDuplicateProcessor = errors.New("SOAP header element processor already registered")
)

// ProtocolError reports a malformed or non-conformant incoming message.
// It aborts processing; the receiver answers it with an EBMS:0004 error.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Msg == "":
		return e.Err.Error()
	case e.Err == nil:
		return e.Msg
	default:
		return e.Msg + ": " + e.Err.Error()
	}
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// protocolError wraps a sentinel with detail text
func protocolError(err error, format string, args ...any) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// IsProtocolError reports whether err is or wraps a *ProtocolError
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
