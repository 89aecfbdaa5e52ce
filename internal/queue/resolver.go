package queue

import (
	"strconv"

	"github.com/busybox42/spoold/internal/expr"
)

// Resolver evaluates the configured strategy-selection chains against
// message or recipient attributes and resolves the result through the
// catalog. Resolution is side-effect free and never fails: a missing
// strategy name falls back to the catalog's default entry.
type Resolver struct {
	Catalog *Catalog
	Eval    expr.Evaluator
}

// NewResolver binds a catalog to an expression evaluator.
func NewResolver(catalog *Catalog, eval expr.Evaluator) *Resolver {
	return &Resolver{Catalog: catalog, Eval: eval}
}

// messageVars is the sender-scoped variable set.
func messageVars(m *Message) expr.MapVars {
	return expr.MapVars{
		"sender":        m.ReturnPath,
		"sender_domain": m.ReturnPathDomain(),
		"queue_id":      strconv.FormatUint(m.ID, 10),
	}
}

// recipientVars is the recipient-scoped variable set.
func recipientVars(m *Message, r *Recipient) expr.MapVars {
	vars := messageVars(m)
	vars["rcpt"] = r.Address
	vars["rcpt_domain"] = r.Domain()
	return vars
}

// hostVars extends the recipient scope with the remote host selected for
// the current attempt.
func hostVars(m *Message, r *Recipient, mx string) expr.MapVars {
	vars := recipientVars(m, r)
	vars["mx"] = mx
	return vars
}

// ScheduleFor resolves the retry/notify schedule for one recipient.
func (res *Resolver) ScheduleFor(m *Message, r *Recipient) QueueStrategy {
	name := res.Catalog.Policy.Schedule.Eval(res.Eval, recipientVars(m, r))
	return res.Catalog.QueueOrDefault(name)
}

// RouteFor resolves the routing strategy for one recipient.
func (res *Resolver) RouteFor(m *Message, r *Recipient) RoutingStrategy {
	name := res.Catalog.Policy.Route.Eval(res.Eval, recipientVars(m, r))
	return res.Catalog.RouteOrDefault(name)
}

// ConnectionFor resolves the outbound connection policy for one host.
func (res *Resolver) ConnectionFor(m *Message, r *Recipient, mx string) ConnectionStrategy {
	name := res.Catalog.Policy.Connection.Eval(res.Eval, hostVars(m, r, mx))
	return res.Catalog.ConnectionOrDefault(name)
}

// TlsFor resolves the transport security policy for one host.
func (res *Resolver) TlsFor(m *Message, r *Recipient, mx string) TlsStrategy {
	name := res.Catalog.Policy.TLS.Eval(res.Eval, hostVars(m, r, mx))
	return res.Catalog.TlsOrDefault(name)
}
