package queue

import (
	"math"
	"net"
	"time"

	"github.com/busybox42/spoold/internal/expr"
)

// ExpiryKind selects how a schedule decides a recipient is undeliverable.
type ExpiryKind uint8

const (
	// ExpiryTTL expires a recipient once message age exceeds TTL.
	ExpiryTTL ExpiryKind = iota
	// ExpiryAttempts expires a recipient after a fixed attempt count.
	ExpiryAttempts
)

// Expiry is exactly one of a TTL or an attempt ceiling, never both.
type Expiry struct {
	Kind     ExpiryKind
	TTL      time.Duration
	Attempts int
}

// DefaultExpiry is applied when a schedule specifies neither expire nor
// max-attempts: messages are abandoned after three days.
var DefaultExpiry = Expiry{Kind: ExpiryTTL, TTL: 3 * 24 * time.Hour}

// QueueStrategy is a named retry/notify schedule bound to a virtual queue.
// Retry and Notify are always non-empty after configuration loading.
type QueueStrategy struct {
	Retry        []time.Duration
	Notify       []time.Duration
	Expiry       Expiry
	VirtualQueue QueueName
}

// RetryInterval returns the backoff for the given attempt count, holding at
// the last configured interval once the list is exhausted.
func (s *QueueStrategy) RetryInterval(attempt int) time.Duration {
	if attempt >= len(s.Retry) {
		return s.Retry[len(s.Retry)-1]
	}
	return s.Retry[attempt]
}

// NotifyInterval returns the delay-notification interval for the given
// notification count, or false once the list is exhausted.
func (s *QueueStrategy) NotifyInterval(count int) (time.Duration, bool) {
	if count >= len(s.Notify) {
		return 0, false
	}
	return s.Notify[count], true
}

// VirtualQueue is the concurrency budget dedicated to one named queue.
type VirtualQueue struct {
	Threads int
}

// Protocol selects the wire protocol used towards a relay host.
type Protocol uint8

const (
	ProtocolSMTP Protocol = iota
	ProtocolLMTP
)

// Credentials are the optional relay authentication parameters.
type Credentials struct {
	Username string
	Secret   string
}

// IPLookupStrategy controls address family preference during MX
// resolution.
type IPLookupStrategy uint8

const (
	IPv4ThenIPv6 IPLookupStrategy = iota
	IPv6ThenIPv4
	IPv4Only
	IPv6Only
)

// RoutingStrategy decides how a message leaves the queue. Implementations
// are LocalRoute, MxRoute and RelayRoute.
type RoutingStrategy interface {
	// Kind returns the configuration name of the route type.
	Kind() string
}

// LocalRoute delivers to the local message store without network egress.
type LocalRoute struct{}

func (LocalRoute) Kind() string { return "local" }

// MxRoute performs standard DNS-based MX routing.
type MxRoute struct {
	MaxMX         int
	MaxMultihomed int
	IPLookup      IPLookupStrategy
}

func (MxRoute) Kind() string { return "mx" }

// RelayRoute forces all matching traffic through one static smart host.
type RelayRoute struct {
	Address           string
	Port              int
	Protocol          Protocol
	Auth              *Credentials
	TLSImplicit       bool
	AllowInvalidCerts bool
}

func (RelayRoute) Kind() string { return "relay" }

// Requirement is the per-mechanism TLS enforcement level.
type Requirement uint8

const (
	Optional Requirement = iota
	Require
	Disable
)

// TlsStrategy is the transport security policy towards a remote host.
type TlsStrategy struct {
	DANE              Requirement
	MTASTS            Requirement
	StartTLS          Requirement
	AllowInvalidCerts bool

	TimeoutTLS    time.Duration
	TimeoutMTASTS time.Duration
}

func (s *TlsStrategy) TryDANE() bool     { return s.DANE != Disable }
func (s *TlsStrategy) TryStartTLS() bool { return s.StartTLS != Disable }
func (s *TlsStrategy) TryMTASTS() bool   { return s.MTASTS != Disable }

func (s *TlsStrategy) IsDANERequired() bool   { return s.DANE == Require }
func (s *TlsStrategy) IsMTASTSRequired() bool { return s.MTASTS == Require }

// IsTLSRequired reports whether any mechanism individually mandates TLS.
func (s *TlsStrategy) IsTLSRequired() bool {
	return s.StartTLS == Require || s.IsDANERequired() || s.IsMTASTSRequired()
}

// IPAndHost is a source address, optionally bound to a specific EHLO
// hostname.
type IPAndHost struct {
	IP   net.IP
	Host string
}

// ConnectionStrategy is the outbound connection policy: source address
// pools and per-phase timeouts.
type ConnectionStrategy struct {
	SourceIPv4   []IPAndHost
	SourceIPv6   []IPAndHost
	EHLOHostname string

	TimeoutConnect  time.Duration
	TimeoutGreeting time.Duration
	TimeoutEHLO     time.Duration
	TimeoutMail     time.Duration
	TimeoutRcpt     time.Duration
	TimeoutData     time.Duration
}

// DefaultConnectionStrategy mirrors the configuration defaults.
func DefaultConnectionStrategy() ConnectionStrategy {
	return ConnectionStrategy{
		TimeoutConnect:  5 * time.Minute,
		TimeoutGreeting: 5 * time.Minute,
		TimeoutEHLO:     5 * time.Minute,
		TimeoutMail:     5 * time.Minute,
		TimeoutRcpt:     5 * time.Minute,
		TimeoutData:     10 * time.Minute,
	}
}

// DefaultTlsStrategy mirrors the configuration defaults.
func DefaultTlsStrategy() TlsStrategy {
	return TlsStrategy{
		TimeoutTLS:    3 * time.Minute,
		TimeoutMTASTS: 5 * time.Minute,
	}
}

// NeverNotify is the notify interval used when a schedule disables delay
// notifications entirely.
const NeverNotify = 10000 * 24 * time.Hour

// DefaultQueueStrategy mirrors the configuration defaults: hourly retries,
// delay notifications disabled, three-day TTL, default virtual queue.
func DefaultQueueStrategy() QueueStrategy {
	return QueueStrategy{
		Retry:        []time.Duration{time.Hour},
		Notify:       []time.Duration{NeverNotify},
		Expiry:       DefaultExpiry,
		VirtualQueue: DefaultQueueName,
	}
}

// DSNPolicy holds the evaluated sender identity for generated reports.
type DSNPolicy struct {
	FromName    expr.RuleChain
	FromAddress expr.RuleChain
	Sign        expr.RuleChain
}

// Policy groups the strategy-resolution chains evaluated per message or
// per recipient.
type Policy struct {
	Route      expr.RuleChain
	Schedule   expr.RuleChain
	Connection expr.RuleChain
	TLS        expr.RuleChain
	DSN        DSNPolicy
}

// Catalog holds the immutable strategy maps built from configuration. It
// is read-only after load and safely shared across workers.
type Catalog struct {
	Policy Policy

	QueueStrategies      map[string]QueueStrategy
	RoutingStrategies    map[string]RoutingStrategy
	ConnectionStrategies map[string]ConnectionStrategy
	TlsStrategies        map[string]TlsStrategy
	VirtualQueues        map[QueueName]VirtualQueue
}

// NewCatalog returns an empty catalog with default policy chains.
func NewCatalog() *Catalog {
	return &Catalog{
		Policy: Policy{
			Route:      expr.Literal("mx"),
			Schedule:   expr.Literal("default"),
			Connection: expr.Literal("default"),
			TLS:        expr.Literal("default"),
			DSN: DSNPolicy{
				FromName:    expr.Literal("Mail Delivery Subsystem"),
				FromAddress: expr.Literal("MAILER-DAEMON@localhost"),
			},
		},
		QueueStrategies:      make(map[string]QueueStrategy),
		RoutingStrategies:    make(map[string]RoutingStrategy),
		ConnectionStrategies: make(map[string]ConnectionStrategy),
		TlsStrategies:        make(map[string]TlsStrategy),
		VirtualQueues:        make(map[QueueName]VirtualQueue),
	}
}

// QueueOrDefault resolves a schedule name, falling back to the catalog's
// "default" entry and finally to the built-in defaults. A missing strategy
// name is never an error.
func (c *Catalog) QueueOrDefault(name string) QueueStrategy {
	if s, ok := c.QueueStrategies[name]; ok {
		return s
	}
	if s, ok := c.QueueStrategies["default"]; ok {
		return s
	}
	return DefaultQueueStrategy()
}

// RouteOrDefault resolves a routing strategy name, defaulting to MX routing.
func (c *Catalog) RouteOrDefault(name string) RoutingStrategy {
	if s, ok := c.RoutingStrategies[name]; ok {
		return s
	}
	if s, ok := c.RoutingStrategies["default"]; ok {
		return s
	}
	return MxRoute{MaxMX: 5, MaxMultihomed: 2, IPLookup: IPv4ThenIPv6}
}

// ConnectionOrDefault resolves a connection strategy name.
func (c *Catalog) ConnectionOrDefault(name string) ConnectionStrategy {
	if s, ok := c.ConnectionStrategies[name]; ok {
		return s
	}
	if s, ok := c.ConnectionStrategies["default"]; ok {
		return s
	}
	return DefaultConnectionStrategy()
}

// TlsOrDefault resolves a TLS strategy name.
func (c *Catalog) TlsOrDefault(name string) TlsStrategy {
	if s, ok := c.TlsStrategies[name]; ok {
		return s
	}
	if s, ok := c.TlsStrategies["default"]; ok {
		return s
	}
	return DefaultTlsStrategy()
}

// VirtualQueueOrDefault resolves a virtual queue, falling back to the
// implicit default queue with one worker.
func (c *Catalog) VirtualQueueOrDefault(name QueueName) VirtualQueue {
	if q, ok := c.VirtualQueues[name]; ok {
		return q
	}
	if q, ok := c.VirtualQueues[DefaultQueueName]; ok {
		return q
	}
	return VirtualQueue{Threads: 1}
}

// NeverDue is the schedule timestamp meaning "no further event".
const NeverDue int64 = math.MaxInt64
