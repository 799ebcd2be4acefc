package engine

import (
	"github.com/go-errors/errors"
	"github.com/lightningnetwork/lnd/lnwire"

	"github.com/fiatjaf/immortan/engine/route"
)

// errorCode represents the various internal (programmer/caller) errors that
// can occur within this package, as opposed to PaymentFailure which
// represents expected payment-level outcomes.
type errorCode uint8

const (
	// ErrSenderNotFound is returned when an event targets a FullPaymentTag
	// that has no registered sender.
	ErrSenderNotFound errorCode = iota

	// ErrSenderAlreadyExists is the code for a CreateSenderFSM whose tag is
	// already registered. The master logs and ignores such a request
	// rather than returning this code.
	ErrSenderAlreadyExists

	// ErrUnknownPart is returned when an event references a partId that is
	// no longer tracked by the sender (stale retry, or already resolved).
	ErrUnknownPart

	// ErrMasterShuttingDown is returned by any master-facing call once the
	// master has begun shutting down.
	ErrMasterShuttingDown
)

// engineError is a coded error, mirroring the teacher's routerError: a
// stack-tracing *errors.Error from go-errors paired with a code that
// callers outside the package can switch on.
type engineError struct {
	err  *errors.Error
	code errorCode
}

// Error implements the error interface.
func (e *engineError) Error() string {
	return e.err.Error()
}

var _ error = (*engineError)(nil)

func newErr(code errorCode, a interface{}) *engineError {
	return &engineError{code: code, err: errors.New(a)}
}

func newErrf(code errorCode, format string, a ...interface{}) *engineError {
	return &engineError{code: code, err: errors.Errorf(format, a...)}
}

// IsError reports whether err is an *engineError carrying one of codes.
func IsError(err error, codes ...errorCode) bool {
	e, ok := err.(*engineError)
	if !ok {
		return false
	}
	for _, c := range codes {
		if e.code == c {
			return true
		}
	}
	return false
}

// LocalFailureCode enumerates the locally-decided, non-retriable-at-this-
// level failure reasons a part or a whole payment can carry. The string
// values are the wire-visible diagnostic tags named in the spec.
type LocalFailureCode string

const (
	NoRoutesFound           LocalFailureCode = "NO_ROUTES_FOUND"
	NotEnoughFunds          LocalFailureCode = "NOT_ENOUGH_FUNDS"
	PaymentNotSendable      LocalFailureCode = "PAYMENT_NOT_SENDABLE"
	RunOutOfRetryAttempts   LocalFailureCode = "RUN_OUT_OF_RETRY_ATTEMPTS"
	RunOutOfCapableChannels LocalFailureCode = "RUN_OUT_OF_CAPABLE_CHANNELS"
	NodeCouldNotParseOnion  LocalFailureCode = "NODE_COULD_NOT_PARSE_ONION"
	NotRetryingNoDetails    LocalFailureCode = "NOT_RETRYING_NO_DETAILS"
	OnionCreationFailure    LocalFailureCode = "ONION_CREATION_FAILURE"
	TimedOut                LocalFailureCode = "TIMED_OUT"
)

// PaymentFailure is a closed sum type describing why a part (or, via the
// accumulated failures list, the whole payment) did not succeed. The three
// variants below are the only implementations; exhaustive switches over
// PaymentFailure should not need a default case for correctness, only for
// defensive logging.
type PaymentFailure interface {
	// PartAmount is the amount of the part this failure applies to.
	PartAmount() lnwire.MilliSatoshi

	sealedPaymentFailure()
}

// LocalFailure is a failure decided entirely by this process, without ever
// handing the HTLC to a channel (or after a local reject from a channel).
type LocalFailure struct {
	Code   LocalFailureCode
	Amount lnwire.MilliSatoshi
}

func (f LocalFailure) PartAmount() lnwire.MilliSatoshi { return f.Amount }
func (LocalFailure) sealedPaymentFailure()             {}

// RemoteFailure is a failure whose cause was successfully decrypted from a
// remote node's sphinx failure packet.
type RemoteFailure struct {
	Packet *DecryptedFailure
	Route  *route.Route
}

func (f RemoteFailure) PartAmount() lnwire.MilliSatoshi { return f.Route.ReceiverAmt() }
func (RemoteFailure) sealedPaymentFailure()             {}

// UnreadableRemoteFailure is recorded when the sphinx failure packet for a
// remote reject could not be decrypted with any of the part's shared
// secrets.
type UnreadableRemoteFailure struct {
	Route *route.Route
}

func (f UnreadableRemoteFailure) PartAmount() lnwire.MilliSatoshi { return f.Route.ReceiverAmt() }
func (UnreadableRemoteFailure) sealedPaymentFailure()             {}
