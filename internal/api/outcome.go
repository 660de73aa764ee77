package api

import (
	"fmt"
	"net/http"
)

// Kind classifies the result of one CM call.
type Kind int

const (
	Success Kind = iota
	TransientFailure
	AuthRejected
	AuthRenewalFailed
	PermanentFailure
	LocalIOError
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case TransientFailure:
		return "transient_failure"
	case AuthRejected:
		return "auth_rejected"
	case AuthRenewalFailed:
		return "auth_renewal_failed"
	case PermanentFailure:
		return "permanent_failure"
	case LocalIOError:
		return "local_io_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText makes Kind readable in JSON result logs.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Outcome is what every Client operation returns. It is consumed right away
// by the caller and never stored.
type Outcome struct {
	Kind       Kind
	StatusCode int
	DocID      string
	// TokenGeneration identifies the token the call was made with, so an
	// AuthRejected caller can ask for exactly that token to be replaced.
	TokenGeneration uint64
	Err             error
}

func (o Outcome) OK() bool { return o.Kind == Success }

func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s: %v", o.Kind, o.Err)
	}
	if o.StatusCode != 0 && o.Kind != Success {
		return fmt.Sprintf("%s: status %d", o.Kind, o.StatusCode)
	}
	return o.Kind.String()
}

func kindForStatus(code int) Kind {
	switch {
	case code >= 200 && code < 300:
		return Success
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return AuthRejected
	case code >= 500:
		return TransientFailure
	default:
		return PermanentFailure
	}
}
