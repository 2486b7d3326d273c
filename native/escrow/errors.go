package escrow

import "errors"

var (
	ErrInvalidState        = errors.New("escrow: operation not valid for current status")
	ErrNotAuthorized       = errors.New("escrow: caller not authorized")
	ErrNotFound            = errors.New("escrow: item not found")
	ErrInvalidPrincipal    = errors.New("escrow: invalid principal")
	ErrInsufficientPayment = errors.New("escrow: insufficient payment")
	ErrSelfTrade           = errors.New("escrow: seller cannot buy own item")
	ErrEmptyReason         = errors.New("escrow: reason required")
	ErrOutOfRange          = errors.New("escrow: rating out of range")
	ErrAlreadyRated        = errors.New("escrow: transaction already rated")
	ErrTransferFailed      = errors.New("escrow: transfer failed")
	ErrInvalidArgument     = errors.New("escrow: invalid argument")
	ErrAdminAlreadySet     = errors.New("escrow: admin already set")

	errNilState      = errors.New("escrow engine: state not configured")
	errNilSettlement = errors.New("escrow engine: settlement not configured")
)

// ErrorKind maps an engine error onto its taxonomy label. Unknown errors are
// reported as "Internal".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidState):
		return "InvalidState"
	case errors.Is(err, ErrNotAuthorized):
		return "NotAuthorized"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrInvalidPrincipal):
		return "InvalidPrincipal"
	case errors.Is(err, ErrInsufficientPayment):
		return "InsufficientPayment"
	case errors.Is(err, ErrSelfTrade):
		return "SelfTrade"
	case errors.Is(err, ErrEmptyReason):
		return "EmptyReason"
	case errors.Is(err, ErrOutOfRange):
		return "OutOfRange"
	case errors.Is(err, ErrAlreadyRated):
		return "AlreadyRated"
	case errors.Is(err, ErrTransferFailed):
		return "TransferFailed"
	case errors.Is(err, ErrInvalidArgument):
		return "InvalidArgument"
	case errors.Is(err, ErrAdminAlreadySet):
		return "AdminAlreadySet"
	default:
		return "Internal"
	}
}
