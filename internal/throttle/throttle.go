// Package throttle implements outbound/inbound rate limiters and queue
// quotas. Entries are classified once at configuration load into sender,
// recipient and remote buckets depending on which key dimensions and
// expression variables they reference; the guard then evaluates only the
// bucket relevant to the calling context.
package throttle

import (
	"fmt"
	"time"

	"github.com/busybox42/spoold/internal/expr"
)

// Key dimensions a limiter or quota may participate in.
const (
	KeyListener uint16 = 1 << iota
	KeyRemoteIP
	KeyLocalIP
	KeyAuthAs
	KeyHeloDomain
	KeyRcpt
	KeyRcptDomain
	KeySender
	KeySenderDomain
	KeyMX
)

// Variable names matching each key dimension.
var keyVariables = map[string]uint16{
	"listener":         KeyListener,
	"remote_ip":        KeyRemoteIP,
	"local_ip":         KeyLocalIP,
	"authenticated_as": KeyAuthAs,
	"helo_domain":      KeyHeloDomain,
	"rcpt":             KeyRcpt,
	"rcpt_domain":      KeyRcptDomain,
	"sender":           KeySender,
	"sender_domain":    KeySenderDomain,
	"mx":               KeyMX,
}

// keyOrder fixes the order dimension values are folded into limiter keys.
var keyOrder = []struct {
	bit  uint16
	name string
}{
	{KeyListener, "listener"},
	{KeyRemoteIP, "remote_ip"},
	{KeyLocalIP, "local_ip"},
	{KeyAuthAs, "authenticated_as"},
	{KeyHeloDomain, "helo_domain"},
	{KeyRcpt, "rcpt"},
	{KeyRcptDomain, "rcpt_domain"},
	{KeySender, "sender"},
	{KeySenderDomain, "sender_domain"},
	{KeyMX, "mx"},
}

// ParseKey maps a configured key name to its dimension bit.
func ParseKey(name string) (uint16, error) {
	if bit, ok := keyVariables[name]; ok {
		return bit, nil
	}
	return 0, fmt.Errorf("invalid throttle key %q", name)
}

// Inbound and outbound dimension allow-lists. Outbound limiters run before
// a delivery attempt, where per-connection inbound dimensions are
// unavailable; quotas are evaluated at admission where only envelope
// dimensions exist.
const (
	InboundKeys = KeyListener | KeyRemoteIP | KeyLocalIP | KeyAuthAs | KeyHeloDomain |
		KeyRcpt | KeyRcptDomain | KeySender | KeySenderDomain
	OutboundKeys = KeyRcptDomain | KeySender | KeySenderDomain | KeyMX | KeyRemoteIP | KeyLocalIP
	QuotaKeys    = KeyRcpt | KeyRcptDomain | KeySender | KeySenderDomain
)

// Rate is a windowed request ceiling.
type Rate struct {
	Requests int64
	Period   time.Duration
}

// Limiter is one configured rate/concurrency throttle.
type Limiter struct {
	ID          string
	Expr        string // optional match expression; empty matches everything
	Keys        uint16
	Rate        *Rate
	Concurrency int64 // 0 means no concurrency ceiling
}

// Quota is one configured queue quota. At least one of Size or Messages is
// greater than zero.
type Quota struct {
	ID       string
	Expr     string
	Keys     uint16
	Size     int64
	Messages int64
}

// LimiterSet partitions limiters by evaluation context.
type LimiterSet struct {
	Sender []Limiter
	Rcpt   []Limiter
	Remote []Limiter
}

// QuotaSet partitions quotas by evaluation context.
type QuotaSet struct {
	Sender     []Quota
	Rcpt       []Quota
	RcptDomain []Quota
}

func exprReferences(expression string, mask uint16) bool {
	for _, name := range expr.ReferencedVariables(expression) {
		if bit, ok := keyVariables[name]; ok && bit&mask != 0 {
			return true
		}
	}
	return false
}

// ClassifyInbound buckets inbound limiters: recipient-scoped entries go to
// Rcpt, sender/session-scoped to Sender, everything else to Remote.
func ClassifyInbound(entries []Limiter) LimiterSet {
	var set LimiterSet
	for _, t := range entries {
		switch {
		case t.Keys&(KeyRcpt|KeyRcptDomain) != 0 ||
			exprReferences(t.Expr, KeyRcpt|KeyRcptDomain):
			set.Rcpt = append(set.Rcpt, t)
		case t.Keys&(KeySender|KeySenderDomain|KeyHeloDomain|KeyAuthAs) != 0 ||
			exprReferences(t.Expr, KeySender|KeySenderDomain|KeyHeloDomain|KeyAuthAs):
			set.Sender = append(set.Sender, t)
		default:
			set.Remote = append(set.Remote, t)
		}
	}
	return set
}

// ClassifyOutbound buckets outbound limiters: host-scoped entries go to
// Remote, recipient-domain entries to Rcpt, everything else to Sender.
func ClassifyOutbound(entries []Limiter) LimiterSet {
	var set LimiterSet
	for _, t := range entries {
		switch {
		case t.Keys&(KeyMX|KeyRemoteIP|KeyLocalIP) != 0 ||
			exprReferences(t.Expr, KeyMX|KeyRemoteIP|KeyLocalIP):
			set.Remote = append(set.Remote, t)
		case t.Keys&KeyRcptDomain != 0 || exprReferences(t.Expr, KeyRcptDomain):
			set.Rcpt = append(set.Rcpt, t)
		default:
			set.Sender = append(set.Sender, t)
		}
	}
	return set
}

// ClassifyQuotas buckets quotas by the narrowest recipient dimension they
// reference.
func ClassifyQuotas(entries []Quota) QuotaSet {
	var set QuotaSet
	for _, q := range entries {
		switch {
		case q.Keys&KeyRcpt != 0 || exprReferences(q.Expr, KeyRcpt):
			set.Rcpt = append(set.Rcpt, q)
		case q.Keys&KeyRcptDomain != 0 || exprReferences(q.Expr, KeyRcptDomain):
			set.RcptDomain = append(set.RcptDomain, q)
		default:
			set.Sender = append(set.Sender, q)
		}
	}
	return set
}
