package message

import (
	"fmt"
)

// Severity of an ebMS error
type Severity string

const (
	SeverityFailure Severity = "failure"
	SeverityWarning Severity = "warning"
)

// Category groups ebMS errors by processing stage
type Category string

const (
	CategoryContent       Category = "Content"
	CategoryCommunication Category = "Communication"
	CategoryUnpackaging   Category = "Unpackaging"
	CategoryProcessing    Category = "Processing"
)

// EbmsError is an entry of the ebMS 3.0 error catalogue (ebMS Core 6.7)
type EbmsError struct {
	Code             string
	ShortDescription string
	Severity         Severity
	Category         Category
	Detail           string
}

// The ebMS 3.0 and AS4 error catalogue
var (
	EbmsValueNotRecognized = &EbmsError{"EBMS:0001", "ValueNotRecognized", SeverityFailure, CategoryContent,
		"Although the message document is well formed and schema valid, some element/attribute contains a value that could not be recognized and therefore could not be used by the MSH"}
	EbmsFeatureNotSupportedWarning = &EbmsError{"EBMS:0002", "FeatureNotSupported", SeverityWarning, CategoryContent,
		"Although the message document is well formed and schema valid, some element/attribute value cannot be processed as expected because the related feature is not supported by the MSH"}
	EbmsValueInconsistent = &EbmsError{"EBMS:0003", "ValueInconsistent", SeverityFailure, CategoryContent,
		"Although the message document is well formed and schema valid, some element/attribute value is inconsistent either with the content of other element/attribute, or with the processing mode of the MSH, or with the normative requirements of the ebMS specification"}
	EbmsOther = &EbmsError{"EBMS:0004", "Other", SeverityFailure, CategoryContent,
		"Unknown error"}
	EbmsConnectionFailure = &EbmsError{"EBMS:0005", "ConnectionFailure", SeverityFailure, CategoryCommunication,
		"The MSH is experiencing temporary or permanent failure in trying to open a transport connection with a remote MSH"}
	EbmsEmptyMessagePartitionChannel = &EbmsError{"EBMS:0006", "EmptyMessagePartitionChannel", SeverityWarning, CategoryCommunication,
		"There is no message available for pulling from this MPC at this moment"}
	EbmsMimeInconsistency = &EbmsError{"EBMS:0007", "MimeInconsistency", SeverityFailure, CategoryUnpackaging,
		"The use of MIME is not consistent with the required usage in this specification"}
	EbmsFeatureNotSupportedFailure = &EbmsError{"EBMS:0008", "FeatureNotSupported", SeverityFailure, CategoryUnpackaging,
		"Although the message document is well formed and schema valid, the presence or absence of some element/attribute is not consistent with the capability of the MSH, with respect to supported features"}
	EbmsInvalidHeader = &EbmsError{"EBMS:0009", "InvalidHeader", SeverityFailure, CategoryUnpackaging,
		"The ebMS header is either not well formed as an XML document, or does not conform to the ebMS packaging rules"}
	EbmsProcessingModeMismatch = &EbmsError{"EBMS:0010", "ProcessingModeMismatch", SeverityFailure, CategoryProcessing,
		"The ebMS header or another header (e.g. reliability, security) expected by the MSH is not compatible with the expected content, based on the associated P-Mode"}
	EbmsExternalPayloadError = &EbmsError{"EBMS:0011", "ExternalPayloadError", SeverityFailure, CategoryContent,
		"The MSH is unable to resolve an external payload reference (i.e. a Part that is not contained within the ebMS Message, as identified by a PartInfo/href URI)"}
	EbmsFailedAuthentication = &EbmsError{"EBMS:0101", "FailedAuthentication", SeverityFailure, CategoryProcessing,
		"The signature in the Security header was not validated"}
	EbmsFailedDecryption = &EbmsError{"EBMS:0102", "FailedDecryption", SeverityFailure, CategoryProcessing,
		"The encrypted data reference the Security header intended for the \"ebms\" SOAP actor could not be decrypted by the Security Module"}
	EbmsPolicyNoncompliance = &EbmsError{"EBMS:0103", "PolicyNoncompliance", SeverityFailure, CategoryProcessing,
		"The processor determined that the message's security methods, parameters, scope or other security policy-level requirements or agreements were not satisfied"}
	EbmsDysfunctionalReliability = &EbmsError{"EBMS:0201", "DysfunctionalReliability", SeverityFailure, CategoryProcessing,
		"Some reliability function as implemented by the Reliability module, is not operational, or the reliability state associated with this message sequence is not valid"}
	EbmsDeliveryFailure = &EbmsError{"EBMS:0202", "DeliveryFailure", SeverityFailure, CategoryCommunication,
		"Although the message was sent under Guaranteed delivery requirement, the Reliability module could not get assurance that the message was properly delivered, in spite of resending efforts"}
	EbmsMissingReceipt = &EbmsError{"EBMS:0301", "MissingReceipt", SeverityFailure, CategoryCommunication,
		"A Receipt has not been received for a message that was previously sent by the MSH generating this error"}
	EbmsInvalidReceipt = &EbmsError{"EBMS:0302", "InvalidReceipt", SeverityFailure, CategoryCommunication,
		"A Receipt has been received for a message that was previously sent by the MSH generating this error, but the content does not match the message content"}
	EbmsDecompressionFailure = &EbmsError{"EBMS:0303", "DecompressionFailure", SeverityFailure, CategoryCommunication,
		"An error occurred during the decompression"}
)

var catalogue = map[string]*EbmsError{}

func init() {
	for _, e := range []*EbmsError{
		EbmsValueNotRecognized, EbmsFeatureNotSupportedWarning, EbmsValueInconsistent, EbmsOther,
		EbmsConnectionFailure, EbmsEmptyMessagePartitionChannel, EbmsMimeInconsistency,
		EbmsFeatureNotSupportedFailure, EbmsInvalidHeader, EbmsProcessingModeMismatch,
		EbmsExternalPayloadError, EbmsFailedAuthentication, EbmsFailedDecryption,
		EbmsPolicyNoncompliance, EbmsDysfunctionalReliability, EbmsDeliveryFailure,
		EbmsMissingReceipt, EbmsInvalidReceipt, EbmsDecompressionFailure,
	} {
		catalogue[e.Code] = e
	}
}

// LookupError finds a catalogue entry by its code (e.g. "EBMS:0004")
func LookupError(code string) (*EbmsError, bool) {
	e, ok := catalogue[code]
	return e, ok
}

// Text renders the error the way it is logged: "[Category] detail"
func (e *EbmsError) Text() string {
	detail := e.Detail
	if detail == "" {
		detail = e.ShortDescription
	}
	return fmt.Sprintf("[%s] %s", e.Category, detail)
}

// Error lets a catalogue entry be used as a Go error
func (e *EbmsError) Error() string {
	return e.Code + " " + e.Text()
}

// AsEbms3Error creates the wire form of the error. An empty description
// defaults to the short description.
func (e *EbmsError) AsEbms3Error(refToMessageInError, origin, description string) *Error {
	if description == "" {
		description = e.ShortDescription
	}
	return &Error{
		Category:            string(e.Category),
		ErrorCode:           e.Code,
		Origin:              origin,
		RefToMessageInError: refToMessageInError,
		Severity:            string(e.Severity),
		ShortDescription:    e.ShortDescription,
		Description:         &Description{Lang: "en", Value: description},
		ErrorDetail:         e.Detail,
	}
}

// Errorf creates a processing error bound to a catalogue entry with a
// specific detail text.
func (e *EbmsError) Errorf(format string, args ...any) *ProcessingError {
	return &ProcessingError{Def: e, Detail: fmt.Sprintf(format, args...)}
}

// ProcessingError is an error collected while processing an incoming
// message. Def is nil for errors outside the ebMS catalogue; Code and
// Severity then carry the raw values.
type ProcessingError struct {
	Def      *EbmsError
	Code     string
	Severity Severity
	Detail   string
	Origin   string
}

func (e *ProcessingError) Error() string {
	code := e.Code
	if e.Def != nil {
		code = e.Def.Code
	}
	if e.Detail == "" && e.Def != nil {
		return code + " " + e.Def.Text()
	}
	return code + ": " + e.Detail
}

// ErrorCode returns the catalogue code or the raw code
func (e *ProcessingError) ErrorCode() string {
	if e.Def != nil {
		return e.Def.Code
	}
	return e.Code
}

// ErrorList accumulates processing errors for one incoming message
type ErrorList struct {
	items []*ProcessingError
}

// Add appends an error
func (l *ErrorList) Add(err *ProcessingError) {
	if err != nil {
		l.items = append(l.items, err)
	}
}

// AddDef appends a catalogue error with a detail text
func (l *ErrorList) AddDef(def *EbmsError, detail string) {
	l.Add(&ProcessingError{Def: def, Detail: detail})
}

// Len returns the number of collected errors
func (l *ErrorList) Len() int { return len(l.items) }

// IsEmpty reports whether no error was collected
func (l *ErrorList) IsEmpty() bool { return len(l.items) == 0 }

// Items returns the collected errors in order
func (l *ErrorList) Items() []*ProcessingError { return l.items }

// AsEbms3Error renders the error for an Error signal. Errors with a known
// code take category and short description from the catalogue; Detail then
// replaces the catalogue detail. Other errors are rendered as they are.
func (e *ProcessingError) AsEbms3Error(refToMessageInError string) *Error {
	def := e.Def
	if def == nil {
		def, _ = LookupError(e.Code)
	}
	if def != nil {
		out := def.AsEbms3Error(refToMessageInError, e.Origin, "")
		if e.Detail != "" {
			out.ErrorDetail = e.Detail
		}
		return out
	}

	severity := e.Severity
	if severity == "" {
		severity = SeverityFailure
	}
	out := &Error{
		ErrorCode:   e.Code,
		Origin:      e.Origin,
		Severity:    string(severity),
		ErrorDetail: e.Detail,
	}
	if e.Detail != "" {
		out.Description = &Description{Lang: "en", Value: e.Detail}
	}
	return out
}
