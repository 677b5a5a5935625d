package model

import "time"

// Reason classifies why a price lookup produced no price.
// ReasonNone means the lookup succeeded.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonCooldown           Reason = "cooldown"
	ReasonRateLimited        Reason = "rate_limited"
	ReasonServerError        Reason = "server_error"
	ReasonClientError        Reason = "client_error"
	ReasonInvalidCredentials Reason = "invalid_credentials"
	ReasonTimeout            Reason = "timeout"
	ReasonNetworkError       Reason = "network_error"
	ReasonParseError         Reason = "parse_error"
	ReasonSymbolUnresolved   Reason = "symbol_unresolved"
	ReasonUnknown            Reason = "unknown_exception"
)

// Retryable reports whether an attempt that ended with this reason may be
// retried. Permanent classes (bad parameters, bad credentials, unparseable
// responses, unknown symbols) are surfaced immediately; everything transient
// is retried within the caller's attempt budget.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonRateLimited, ReasonServerError, ReasonTimeout, ReasonNetworkError, ReasonUnknown:
		return true
	default:
		return false
	}
}

// Source tags identify which backend produced a price.
const (
	SourceStream = "stream"
	SourceQuote  = "quote"
)

// PriceResult is the normalized outcome of a router lookup.
type PriceResult struct {
	Symbol string
	Price  float64
	Reason Reason
	Source string
}

// OK reports whether the lookup produced a usable price.
func (p PriceResult) OK() bool { return p.Reason == ReasonNone }

// PricePoint is one cached quote observation from the streaming gateway.
// A zero Bid or Ask marks a partial tick that has not been merged yet.
type PricePoint struct {
	Bid        float64
	Ask        float64
	ObservedAt time.Time
}

// Mid returns the bid/ask midpoint.
func (p PricePoint) Mid() float64 { return (p.Bid + p.Ask) / 2 }
