package queue

import "fmt"

// StatusKind enumerates the per-recipient delivery states.
type StatusKind uint8

const (
	// StatusScheduled means no delivery attempt has concluded yet.
	StatusScheduled StatusKind = iota
	// StatusTemporaryFailure means the last attempt failed and the
	// recipient will be retried.
	StatusTemporaryFailure
	// StatusPermanentFailure is terminal: the recipient will never be
	// retried and owes a failure DSN entry unless suppressed.
	StatusPermanentFailure
	// StatusCompleted is terminal: the message was accepted by the
	// remote host.
	StatusCompleted
)

// Status is the tagged per-recipient outcome. Exactly one of Response
// (Completed) or Err (failures) is set; both are nil while Scheduled.
type Status struct {
	Kind     StatusKind
	Response *HostResponse
	Err      *ErrorDetails
}

// Scheduled returns the initial recipient status.
func Scheduled() Status {
	return Status{Kind: StatusScheduled}
}

// Completed returns a terminal success status.
func Completed(response HostResponse) Status {
	return Status{Kind: StatusCompleted, Response: &response}
}

// TemporaryFailure returns a retryable failure status.
func TemporaryFailure(details ErrorDetails) Status {
	return Status{Kind: StatusTemporaryFailure, Err: &details}
}

// PermanentFailure returns a terminal failure status.
func PermanentFailure(details ErrorDetails) Status {
	return Status{Kind: StatusPermanentFailure, Err: &details}
}

// IntoPermanent collapses a temporary failure into a permanent one. Used
// when a recipient expires. All other states pass through unchanged.
func (s Status) IntoPermanent() Status {
	if s.Kind == StatusTemporaryFailure {
		s.Kind = StatusPermanentFailure
	}
	return s
}

// IntoTemporary converts a permanent failure back into a temporary one,
// used when an administrator forces a retry. All other states pass
// through unchanged.
func (s Status) IntoTemporary() Status {
	if s.Kind == StatusPermanentFailure {
		s.Kind = StatusTemporaryFailure
	}
	return s
}

// IsPermanent reports whether the status is a permanent failure.
func (s Status) IsPermanent() bool {
	return s.Kind == StatusPermanentFailure
}

// IsFinal reports whether the status is terminal.
func (s Status) IsFinal() bool {
	return s.Kind == StatusCompleted || s.Kind == StatusPermanentFailure
}

// Pending reports whether the recipient still needs delivery work.
func (s Status) Pending() bool {
	return s.Kind == StatusScheduled || s.Kind == StatusTemporaryFailure
}

// ErrorKind classifies recipient-scoped delivery errors. All are
// non-fatal to the process; the transport collaborator decides whether
// each becomes a temporary or permanent failure.
type ErrorKind uint8

const (
	ErrorDNS ErrorKind = iota
	ErrorConnection
	ErrorTLS
	ErrorDANE
	ErrorMTASTS
	ErrorRateLimited
	ErrorConcurrencyLimited
	ErrorIO
	ErrorUnexpectedResponse
)

// SMTPResponse is a reply from a remote host, with the RFC 3463 enhanced
// status code when one was supplied.
type SMTPResponse struct {
	Code     int
	Enhanced [3]int
	Message  string
}

// EnhancedStatus renders the enhanced code, deriving one from the basic
// reply code when the remote did not send one.
func (r SMTPResponse) EnhancedStatus() string {
	if r.Enhanced[0] > 0 {
		return fmt.Sprintf("%d.%d.%d", r.Enhanced[0], r.Enhanced[1], r.Enhanced[2])
	}
	return fmt.Sprintf("%d.%d.%d", r.Code/100, (r.Code/10)%10, r.Code%10)
}

// HostResponse records which host accepted the message and its reply.
type HostResponse struct {
	Hostname string
	Response SMTPResponse
}

// DeliveryError is one entry of the error taxonomy. Message carries the
// human-readable detail; Command and Response are set only for
// ErrorUnexpectedResponse.
type DeliveryError struct {
	Kind     ErrorKind
	Message  string
	Command  string
	Response *SMTPResponse
}

// ErrorDetails ties a delivery error to the remote entity involved
// (MX hostname, relay address, or lookup target).
type ErrorDetails struct {
	Entity string
	Err    DeliveryError
}

// Error makes DeliveryError usable where an error is expected.
func (e DeliveryError) Error() string {
	return e.String()
}

func (e DeliveryError) String() string {
	switch e.Kind {
	case ErrorDNS:
		return "DNS lookup failed: " + e.Message
	case ErrorConnection:
		return "connection failed: " + e.Message
	case ErrorTLS:
		return "TLS error: " + e.Message
	case ErrorDANE:
		return "DANE verification failed: " + e.Message
	case ErrorMTASTS:
		return "MTA-STS verification failed: " + e.Message
	case ErrorRateLimited:
		return "rate limited"
	case ErrorConcurrencyLimited:
		return "too many concurrent connections to remote server"
	case ErrorIO:
		return "queue error: " + e.Message
	case ErrorUnexpectedResponse:
		if e.Response != nil {
			return fmt.Sprintf("unexpected response to %s: %d %s", e.Command, e.Response.Code, e.Response.Message)
		}
		return "unexpected response to " + e.Command
	default:
		return e.Message
	}
}
