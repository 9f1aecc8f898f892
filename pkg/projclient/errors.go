package projclient

import (
	"errors"
	"strings"
)

var (
	// ErrRemote wraps an error reported by the daemon.
	ErrRemote = errors.New("projclient: daemon error")
	// ErrInvalidArgument is returned before any request is sent when a kind
	// or entity cannot be encoded into a subject.
	ErrInvalidArgument = errors.New("projclient: invalid argument")
)

// validToken reports whether s can be used as a subject token. Entities may
// contain dots; kinds may not.
func validToken(s string, allowDots bool) bool {
	if s == "" || strings.ContainsAny(s, " *>\t\r\n") {
		return false
	}
	if !allowDots && strings.Contains(s, ".") {
		return false
	}
	// Empty tokens ("a..b", leading or trailing dot) are not valid subjects.
	for _, tok := range strings.Split(s, ".") {
		if tok == "" {
			return false
		}
	}
	return true
}
