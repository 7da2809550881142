// Package gwerr defines the gateway's error-kind vocabulary (spec.md §7)
// as github.com/nabbar/golib/errors.CodeError values, and maps each kind
// to an HTTP status and a branded response body. It follows the
// const-block-of-codes idiom of nabbar-golib/httpserver/error.go and
// nabbar-golib/errors/code.go.
package gwerr

import (
	liberr "github.com/nabbar/golib/errors"
)

// Kind enumerates the error kinds of spec.md §7. Each wraps a
// liberr.CodeError so call sites can still use the errors package's
// hierarchy/trace machinery (Add, HasCode, GetTrace, ...).
const (
	KindParseInvalid      liberr.CodeError = iota + 5000
	KindUnsupportedMethod
	KindURITooLong
	KindRequestTooLarge
	KindAuthFailed
	KindRouteNotFound
	KindUpstreamDNS
	KindUpstreamConnect
	KindUpstreamIO
	KindUpstreamTimeout
	KindRateLimited
	KindInternal
)

// Status returns the HTTP status code for a gateway error kind.
func Status(k liberr.CodeError) int {
	switch k {
	case KindParseInvalid:
		return 400
	case KindUnsupportedMethod:
		return 405
	case KindURITooLong:
		return 414
	case KindRequestTooLarge:
		return 413
	case KindAuthFailed:
		return 403
	case KindRouteNotFound:
		return 404
	case KindUpstreamDNS, KindUpstreamConnect, KindUpstreamIO:
		return 502
	case KindUpstreamTimeout:
		return 504
	case KindRateLimited:
		return 429
	case KindInternal:
		return 500
	default:
		return 500
	}
}

// New builds a liberr.Error for the given kind with an operator-visible
// reason. The reason never reaches the client; ResponseBody below is
// what is sent instead.
func New(k liberr.CodeError, reason string) liberr.Error {
	return liberr.New(uint16(k), reason)
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(k liberr.CodeError, pattern string, args ...any) liberr.Error {
	return liberr.Newf(uint16(k), pattern, args...)
}

// title returns the generic, non-revealing prose for a status code.
func title(status int) (short, prose string) {
	switch status {
	case 400:
		return "Bad Request", "The request could not be understood by the server."
	case 403:
		return "Forbidden", "You don't have permission to access this resource."
	case 404:
		return "Not Found", "The requested resource could not be found."
	case 405:
		return "Method Not Allowed", "The request method is not supported for this resource."
	case 413:
		return "Request Entity Too Large", "The request is larger than the server is willing to process."
	case 414:
		return "Request-URI Too Long", "The requested URI exceeds the maximum allowed length."
	case 429:
		return "Too Many Requests", "You have sent too many requests in a given amount of time."
	case 502:
		return "Bad Gateway", "The server received an invalid response from the upstream server."
	case 503:
		return "Service Unavailable", "The server is temporarily unable to handle the request."
	case 504:
		return "Gateway Timeout", "The upstream server failed to respond in time."
	default:
		return "Internal Server Error", "The server encountered an unexpected condition."
	}
}

// ResponseBody renders the branded HTML error page for a status code.
// It never includes internal state (file paths, stack traces, upstream
// addresses) — only generic, operator-safe prose.
func ResponseBody(status int) []byte {
	short, prose := title(status)
	return []byte("<!DOCTYPE html>\n<html><head><title>" + short +
		"</title></head><body><h1>" + short + "</h1><p>" + prose +
		"</p><hr><address>x-server</address></body></html>\n")
}
