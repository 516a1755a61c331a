package errors

import "errors"

// Transport errors.
var (
	ErrNetworkUnreachable = errors.New("network unreachable")
	ErrUnauthorized       = errors.New("authentication required or session expired")
	ErrNotFound           = errors.New("resource not found")
	ErrAPIResponse        = errors.New("unexpected API response")
)

// Key errors.
var (
	ErrKeyNotFound   = errors.New("vault key not found on server")
	ErrWrongPassword = errors.New("wrong password")
	ErrNoSyncKey     = errors.New("no sync key available")
)

// Protocol and configuration errors.
var (
	ErrProtocol        = errors.New("protocol violation")
	ErrBackendNotFound = errors.New("backend not found")
	ErrNoVaultConfig   = errors.New("backend has no vault configured")
)

// Kind groups errors by how the scheduler reacts to them.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindAuth
	KindKeyNotFound
	KindWrongPassword
	KindProtocol
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindKeyNotFound:
		return "key_not_found"
	case KindWrongPassword:
		return "wrong_password"
	case KindProtocol:
		return "protocol"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// Classify maps an error chain onto a Kind. The order matters: a wrong
// password wrapped inside a network helper is still a wrong password.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrWrongPassword):
		return KindWrongPassword
	case errors.Is(err, ErrKeyNotFound):
		return KindKeyNotFound
	case errors.Is(err, ErrUnauthorized):
		return KindAuth
	case errors.Is(err, ErrNetworkUnreachable):
		return KindNetwork
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrNoVaultConfig), errors.Is(err, ErrNoSyncKey):
		return KindProtocol
	case errors.Is(err, ErrAPIResponse):
		return KindServer
	default:
		return KindUnknown
	}
}

// Retryable reports whether the next scheduled cycle may retry the
// failed operation without user involvement.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindNetwork, KindServer, KindKeyNotFound, KindUnknown:
		return true
	default:
		return false
	}
}
