package relay

import (
	"errors"
	"fmt"

	"github.com/dkeye/VideoCall/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
	ErrUnsupported  = errors.New("track cannot be published")
)

// remoteError maps a relay error message onto the domain taxonomy.
func remoteError(m errorMessage) error {
	var kind error
	switch m.Code {
	case "auth", "invalid_token", "token_expired":
		kind = domain.ErrAuthFailure
	case "already_joined":
		kind = domain.ErrAlreadyConnected
	default:
		kind = domain.ErrNetworkFailure
	}
	return fmt.Errorf("%w: relay %s: %s", kind, m.Code, m.Error)
}

func networkError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrNetworkFailure, op, err)
}
