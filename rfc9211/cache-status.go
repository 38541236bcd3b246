// Package rfc9211 builds the Cache-Status HTTP response header field (RFC 9211),
// which explains how the worker handled a request.
package rfc9211

import (
	"fmt"
	"strings"
)

// DefaultCacheName identifies the worker in Cache-Status header values.
const DefaultCacheName = "Offline-Worker"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdReasonMiss FwdReason = "miss"

	// The cache was able to select a fresh response for the
	// request, but the request's semantics did not allow its use.
	FwdReasonRequest FwdReason = "request"
)

type CacheStatus struct {
	// Name of the cache, DefaultCacheName if empty.
	Cache     string
	Status    Status
	FwdReason FwdReason
	// Status code of the forwarded response, 0 if not forwarded.
	FwdStatus int
	// The response was stored in the cache.
	Stored bool
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// IsHit reports whether the response was served from the cache.
func (cs CacheStatus) IsHit() bool {
	return cs.Status == StatusHit
}

// String returns the header field value, e.g.
//
//	Offline-Worker; fwd=uri-miss; fwd-status=200; stored
func (cs CacheStatus) String() string {
	name := cs.Cache
	if name == "" {
		name = DefaultCacheName
	}
	params := []string{name}
	switch {
	case cs.Status == StatusHit:
		params = append(params, "hit")
	case cs.Status == StatusFwd && cs.FwdReason != "":
		params = append(params, "fwd="+string(cs.FwdReason))
	}
	if cs.FwdStatus != 0 {
		params = append(params, fmt.Sprintf("fwd-status=%d", cs.FwdStatus))
	}
	if cs.Stored {
		params = append(params, "stored")
	}
	if cs.Detail != "" {
		params = append(params, fmt.Sprintf("detail=%q", cs.Detail))
	}
	return strings.Join(params, "; ")
}
