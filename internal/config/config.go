// Package config loads the TOML configuration and builds the immutable
// strategy catalog, limiter sets and quota sets consumed by the queue.
// Loading is best-effort: an invalid entry is reported and dropped, never
// fatal to the rest of the catalog.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/busybox42/spoold/internal/expr"
	"github.com/busybox42/spoold/internal/queue"
	"github.com/busybox42/spoold/internal/throttle"
)

// Config is the on-disk configuration model.
type Config struct {
	Server struct {
		Hostname string `toml:"hostname"`
	} `toml:"server"`

	Logging struct {
		Type   string `toml:"type"` // "console", "file"
		Level  string `toml:"level"`
		Format string `toml:"format"`
		File   string `toml:"file"`
	} `toml:"logging"`

	Storage struct {
		Driver string `toml:"driver"` // "sqlite", "memory"
		Path   string `toml:"path"`
	} `toml:"storage"`

	Counters struct {
		Type     string `toml:"type"` // "redis", "memcached", "memory"
		Host     string `toml:"host"`
		Port     int    `toml:"port"`
		Password string `toml:"password"`
		Database int    `toml:"database"`
	} `toml:"counters"`

	API struct {
		Enabled bool   `toml:"enabled"`
		Listen  string `toml:"listen"`
	} `toml:"api"`

	Queue  QueueConfig  `toml:"queue"`
	Report ReportConfig `toml:"report"`
}

// QueueConfig covers the queue.* configuration surface.
type QueueConfig struct {
	Tick     string                      `toml:"tick"`
	Virtual  map[string]VirtualConfig    `toml:"virtual"`
	Schedule map[string]ScheduleConfig   `toml:"schedule"`
	Route    map[string]RouteConfig      `toml:"route"`
	TLS      map[string]TLSConfig        `toml:"tls"`
	Conn     map[string]ConnectionConfig `toml:"connection"`
	Strategy StrategyConfig              `toml:"strategy"`
	Limiter  LimiterConfig               `toml:"limiter"`
	Quota    map[string]QuotaConfig      `toml:"quota"`
}

type VirtualConfig struct {
	Threads int `toml:"threads-per-node"`
}

type ScheduleConfig struct {
	Retry       []string `toml:"retry"`
	Notify      []string `toml:"notify"`
	Expire      string   `toml:"expire"`
	MaxAttempts int      `toml:"max-attempts"`
	QueueName   string   `toml:"queue-name"`
}

type RouteConfig struct {
	Type     string `toml:"type"` // "local", "mx", "relay"
	Address  string `toml:"address"`
	Port     int    `toml:"port"`
	Protocol string `toml:"protocol"` // "smtp", "lmtp"
	Auth     struct {
		Username string `toml:"username"`
		Secret   string `toml:"secret"`
	} `toml:"auth"`
	TLS struct {
		Implicit          bool `toml:"implicit"`
		AllowInvalidCerts bool `toml:"allow-invalid-certs"`
	} `toml:"tls"`
	Limits struct {
		MX         int `toml:"mx"`
		Multihomed int `toml:"multihomed"`
	} `toml:"limits"`
	IPLookup string `toml:"ip-lookup"` // "ipv4_then_ipv6", ...
}

type TLSConfig struct {
	DANE              string `toml:"dane"`
	MTASTS            string `toml:"mta-sts"`
	StartTLS          string `toml:"starttls"`
	AllowInvalidCerts bool   `toml:"allow-invalid-certs"`
	Timeout           struct {
		TLS    string `toml:"tls"`
		MTASTS string `toml:"mta-sts"`
	} `toml:"timeout"`
}

type ConnectionConfig struct {
	EHLOHostname string `toml:"ehlo-hostname"`
	SourceIPv4   []struct {
		IP           string `toml:"ip"`
		EHLOHostname string `toml:"ehlo-hostname"`
	} `toml:"source-ipv4"`
	SourceIPv6 []struct {
		IP           string `toml:"ip"`
		EHLOHostname string `toml:"ehlo-hostname"`
	} `toml:"source-ipv6"`
	Timeout struct {
		Connect  string `toml:"connect"`
		Greeting string `toml:"greeting"`
		EHLO     string `toml:"ehlo"`
		Mail     string `toml:"mail"`
		Rcpt     string `toml:"rcpt"`
		Data     string `toml:"data"`
	} `toml:"timeout"`
}

// RuleConfig is one branch of a strategy chain. A branch without a
// condition is the chain's default.
type RuleConfig struct {
	If   string `toml:"if"`
	Then string `toml:"then"`
}

type StrategyConfig struct {
	Route      []RuleConfig `toml:"route"`
	Schedule   []RuleConfig `toml:"schedule"`
	Connection []RuleConfig `toml:"connection"`
	TLS        []RuleConfig `toml:"tls"`
}

type LimiterConfig struct {
	Inbound  []LimiterEntry `toml:"inbound"`
	Outbound []LimiterEntry `toml:"outbound"`
}

type LimiterEntry struct {
	ID          string   `toml:"id"`
	Key         []string `toml:"key"`
	Match       string   `toml:"match"`
	Rate        string   `toml:"rate"` // "100/1h"
	Concurrency int64    `toml:"concurrency"`
}

type QuotaConfig struct {
	Key      []string `toml:"key"`
	Match    string   `toml:"match"`
	Size     int64    `toml:"size"`
	Messages int64    `toml:"messages"`
}

type ReportConfig struct {
	DSN struct {
		FromName    string       `toml:"from-name"`
		FromAddress string       `toml:"from-address"`
		Sign        []RuleConfig `toml:"sign"`
	} `toml:"dsn"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Hostname = "localhost"
	cfg.Logging.Type = "console"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.Path = "/var/spool/spoold/spool.db"
	cfg.Counters.Type = "memory"
	cfg.API.Listen = ":8025"
	cfg.Queue.Tick = "1s"
	return cfg
}

// Load reads and parses the configuration file, applying defaults for
// anything unset.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Bundle is everything the queue consumes from configuration.
type Bundle struct {
	Catalog  *queue.Catalog
	Inbound  throttle.LimiterSet
	Outbound throttle.LimiterSet
	Quotas   throttle.QuotaSet

	// Errors lists every entry dropped or defaulted during the build.
	// The bundle itself is always usable.
	Errors []error
}

// Build validates the queue configuration into an immutable catalog plus
// classified limiter and quota sets. Invalid entries are dropped and
// reported; the remaining catalog stays usable.
func (cfg *Config) Build() *Bundle {
	b := &Bundle{Catalog: queue.NewCatalog()}

	cfg.buildVirtualQueues(b)
	cfg.buildSchedules(b)
	cfg.buildRoutes(b)
	cfg.buildTLS(b)
	cfg.buildConnections(b)
	cfg.buildStrategies(b)
	cfg.buildLimiters(b)
	cfg.buildQuotas(b)
	cfg.buildDSN(b)

	return b
}

func (b *Bundle) errorf(format string, args ...interface{}) {
	b.Errors = append(b.Errors, fmt.Errorf(format, args...))
}

func (cfg *Config) buildVirtualQueues(b *Bundle) {
	for name, vc := range cfg.Queue.Virtual {
		qn, ok := queue.NewQueueName(name)
		if !ok {
			b.errorf("queue.virtual.%s: name must be 1-8 bytes", name)
			continue
		}
		threads := vc.Threads
		if threads < 1 {
			threads = 1
		}
		b.Catalog.VirtualQueues[qn] = queue.VirtualQueue{Threads: threads}
	}
}

func (cfg *Config) buildSchedules(b *Bundle) {
	for id, sc := range cfg.Queue.Schedule {
		if sc.Expire != "" && sc.MaxAttempts > 0 {
			b.errorf("queue.schedule.%s: expire and max-attempts are mutually exclusive", id)
			continue
		}

		strategy := queue.DefaultQueueStrategy()

		retry, err := parseDurations(sc.Retry)
		if err != nil {
			b.errorf("queue.schedule.%s.retry: %v", id, err)
			continue
		}
		if len(retry) == 0 {
			// Keep the hourly default, but surface the omission.
			b.errorf("queue.schedule.%s: empty retry list, defaulting to 1h", id)
		} else {
			strategy.Retry = retry
		}

		notify, err := parseDurations(sc.Notify)
		if err != nil {
			b.errorf("queue.schedule.%s.notify: %v", id, err)
			continue
		}
		if len(notify) > 0 {
			strategy.Notify = notify
		}

		switch {
		case sc.Expire != "":
			ttl, err := parseDuration(sc.Expire)
			if err != nil {
				b.errorf("queue.schedule.%s.expire: %v", id, err)
				continue
			}
			strategy.Expiry = queue.Expiry{Kind: queue.ExpiryTTL, TTL: ttl}
		case sc.MaxAttempts > 0:
			strategy.Expiry = queue.Expiry{Kind: queue.ExpiryAttempts, Attempts: sc.MaxAttempts}
		}

		if sc.QueueName != "" {
			qn, ok := queue.NewQueueName(sc.QueueName)
			if !ok {
				b.errorf("queue.schedule.%s: invalid queue-name %q", id, sc.QueueName)
				continue
			}
			if _, exists := b.Catalog.VirtualQueues[qn]; !exists && qn != queue.DefaultQueueName {
				b.errorf("queue.schedule.%s: queue-name %q does not reference a virtual queue", id, sc.QueueName)
				continue
			}
			strategy.VirtualQueue = qn
		}

		b.Catalog.QueueStrategies[id] = strategy
	}
}

func (cfg *Config) buildRoutes(b *Bundle) {
	for id, rc := range cfg.Queue.Route {
		switch strings.ToLower(rc.Type) {
		case "local":
			b.Catalog.RoutingStrategies[id] = queue.LocalRoute{}
		case "mx", "":
			route := queue.MxRoute{MaxMX: 5, MaxMultihomed: 2}
			if rc.Limits.MX > 0 {
				route.MaxMX = rc.Limits.MX
			}
			if rc.Limits.Multihomed > 0 {
				route.MaxMultihomed = rc.Limits.Multihomed
			}
			lookup, err := parseIPLookup(rc.IPLookup)
			if err != nil {
				b.errorf("queue.route.%s: %v", id, err)
				continue
			}
			route.IPLookup = lookup
			b.Catalog.RoutingStrategies[id] = route
		case "relay":
			if rc.Address == "" {
				b.errorf("queue.route.%s: relay requires an address", id)
				continue
			}
			route := queue.RelayRoute{
				Address:           rc.Address,
				Port:              25,
				TLSImplicit:       rc.TLS.Implicit,
				AllowInvalidCerts: rc.TLS.AllowInvalidCerts,
			}
			if rc.Port > 0 {
				route.Port = rc.Port
			}
			if strings.EqualFold(rc.Protocol, "lmtp") {
				route.Protocol = queue.ProtocolLMTP
			}
			// Credentials exist only when both halves are present.
			if rc.Auth.Username != "" && rc.Auth.Secret != "" {
				route.Auth = &queue.Credentials{
					Username: rc.Auth.Username,
					Secret:   rc.Auth.Secret,
				}
			}
			b.Catalog.RoutingStrategies[id] = route
		default:
			b.errorf("queue.route.%s: unknown type %q", id, rc.Type)
		}
	}
}

func (cfg *Config) buildTLS(b *Bundle) {
	for id, tc := range cfg.Queue.TLS {
		strategy := queue.DefaultTlsStrategy()
		strategy.AllowInvalidCerts = tc.AllowInvalidCerts

		var err error
		if strategy.DANE, err = parseRequirement(tc.DANE); err != nil {
			b.errorf("queue.tls.%s.dane: %v", id, err)
			continue
		}
		if strategy.MTASTS, err = parseRequirement(tc.MTASTS); err != nil {
			b.errorf("queue.tls.%s.mta-sts: %v", id, err)
			continue
		}
		if strategy.StartTLS, err = parseRequirement(tc.StartTLS); err != nil {
			b.errorf("queue.tls.%s.starttls: %v", id, err)
			continue
		}
		if tc.Timeout.TLS != "" {
			if strategy.TimeoutTLS, err = parseDuration(tc.Timeout.TLS); err != nil {
				b.errorf("queue.tls.%s.timeout.tls: %v", id, err)
				continue
			}
		}
		if tc.Timeout.MTASTS != "" {
			if strategy.TimeoutMTASTS, err = parseDuration(tc.Timeout.MTASTS); err != nil {
				b.errorf("queue.tls.%s.timeout.mta-sts: %v", id, err)
				continue
			}
		}
		b.Catalog.TlsStrategies[id] = strategy
	}
}

func (cfg *Config) buildConnections(b *Bundle) {
	for id, cc := range cfg.Queue.Conn {
		strategy := queue.DefaultConnectionStrategy()
		strategy.EHLOHostname = cc.EHLOHostname

		ok := true
		for name, pair := range map[string]struct {
			raw string
			dst *time.Duration
		}{
			"connect":  {cc.Timeout.Connect, &strategy.TimeoutConnect},
			"greeting": {cc.Timeout.Greeting, &strategy.TimeoutGreeting},
			"ehlo":     {cc.Timeout.EHLO, &strategy.TimeoutEHLO},
			"mail":     {cc.Timeout.Mail, &strategy.TimeoutMail},
			"rcpt":     {cc.Timeout.Rcpt, &strategy.TimeoutRcpt},
			"data":     {cc.Timeout.Data, &strategy.TimeoutData},
		} {
			if pair.raw == "" {
				continue
			}
			d, err := parseDuration(pair.raw)
			if err != nil {
				b.errorf("queue.connection.%s.timeout.%s: %v", id, name, err)
				ok = false
				break
			}
			*pair.dst = d
		}
		if !ok {
			continue
		}

		for _, src := range cc.SourceIPv4 {
			ip, err := parseIP(src.IP)
			if err != nil {
				b.errorf("queue.connection.%s.source-ipv4: %v", id, err)
				ok = false
				break
			}
			strategy.SourceIPv4 = append(strategy.SourceIPv4, queue.IPAndHost{IP: ip, Host: src.EHLOHostname})
		}
		for _, src := range cc.SourceIPv6 {
			ip, err := parseIP(src.IP)
			if err != nil {
				b.errorf("queue.connection.%s.source-ipv6: %v", id, err)
				ok = false
				break
			}
			strategy.SourceIPv6 = append(strategy.SourceIPv6, queue.IPAndHost{IP: ip, Host: src.EHLOHostname})
		}
		if !ok {
			continue
		}

		b.Catalog.ConnectionStrategies[id] = strategy
	}
}

func (cfg *Config) buildStrategies(b *Bundle) {
	if chain, ok := buildChain(cfg.Queue.Strategy.Route, "queue.strategy.route", b); ok && !chain.IsEmpty() {
		b.Catalog.Policy.Route = chain
	}
	if chain, ok := buildChain(cfg.Queue.Strategy.Schedule, "queue.strategy.schedule", b); ok && !chain.IsEmpty() {
		b.Catalog.Policy.Schedule = chain
	}
	if chain, ok := buildChain(cfg.Queue.Strategy.Connection, "queue.strategy.connection", b); ok && !chain.IsEmpty() {
		b.Catalog.Policy.Connection = chain
	}
	if chain, ok := buildChain(cfg.Queue.Strategy.TLS, "queue.strategy.tls", b); ok && !chain.IsEmpty() {
		b.Catalog.Policy.TLS = chain
	}
}

// buildChain folds rule entries into a chain. Branches with a condition
// are evaluated in order; the first branch without one becomes the
// default and terminates the chain.
func buildChain(rules []RuleConfig, key string, b *Bundle) (expr.RuleChain, bool) {
	var chain expr.RuleChain
	for i, rc := range rules {
		if rc.Then == "" {
			b.errorf("%s[%d]: missing then value", key, i)
			return expr.RuleChain{}, false
		}
		if rc.If == "" {
			chain.Default = rc.Then
			break
		}
		chain.Rules = append(chain.Rules, expr.Rule{If: rc.If, Then: rc.Then})
	}
	return chain, true
}

func (cfg *Config) buildLimiters(b *Bundle) {
	inbound := cfg.parseLimiters(cfg.Queue.Limiter.Inbound, "inbound", throttle.InboundKeys, b)
	outbound := cfg.parseLimiters(cfg.Queue.Limiter.Outbound, "outbound", throttle.OutboundKeys, b)
	b.Inbound = throttle.ClassifyInbound(inbound)
	b.Outbound = throttle.ClassifyOutbound(outbound)
}

func (cfg *Config) parseLimiters(entries []LimiterEntry, scope string, allowed uint16, b *Bundle) []throttle.Limiter {
	var out []throttle.Limiter
	for i, e := range entries {
		id := e.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", scope, i)
		}
		keys, err := parseKeys(e.Key, allowed)
		if err != nil {
			b.errorf("queue.limiter.%s[%s]: %v", scope, id, err)
			continue
		}
		lim := throttle.Limiter{
			ID:          id,
			Expr:        e.Match,
			Keys:        keys,
			Concurrency: e.Concurrency,
		}
		if e.Rate != "" {
			rate, err := parseRate(e.Rate)
			if err != nil {
				b.errorf("queue.limiter.%s[%s]: %v", scope, id, err)
				continue
			}
			lim.Rate = &rate
		}
		if lim.Rate == nil && lim.Concurrency <= 0 {
			b.errorf("queue.limiter.%s[%s]: entry has neither rate nor concurrency", scope, id)
			continue
		}
		out = append(out, lim)
	}
	return out
}

func (cfg *Config) buildQuotas(b *Bundle) {
	var quotas []throttle.Quota
	for id, qc := range cfg.Queue.Quota {
		if qc.Size <= 0 && qc.Messages <= 0 {
			b.errorf("queue.quota.%s: at least one of size or messages must be greater than zero", id)
			continue
		}
		keys, err := parseKeys(qc.Key, throttle.QuotaKeys)
		if err != nil {
			b.errorf("queue.quota.%s: %v", id, err)
			continue
		}
		quotas = append(quotas, throttle.Quota{
			ID:       id,
			Expr:     qc.Match,
			Keys:     keys,
			Size:     qc.Size,
			Messages: qc.Messages,
		})
	}
	b.Quotas = throttle.ClassifyQuotas(quotas)
}

func (cfg *Config) buildDSN(b *Bundle) {
	if v := cfg.Report.DSN.FromName; v != "" {
		b.Catalog.Policy.DSN.FromName = expr.Literal(v)
	}
	if v := cfg.Report.DSN.FromAddress; v != "" {
		b.Catalog.Policy.DSN.FromAddress = expr.Literal(v)
	}
	if chain, ok := buildChain(cfg.Report.DSN.Sign, "report.dsn.sign", b); ok && !chain.IsEmpty() {
		b.Catalog.Policy.DSN.Sign = chain
	}
}

func parseKeys(names []string, allowed uint16) (uint16, error) {
	var keys uint16
	for _, name := range names {
		bit, err := throttle.ParseKey(name)
		if err != nil {
			return 0, err
		}
		if bit&allowed == 0 {
			return 0, fmt.Errorf("key %q is not available in this context", name)
		}
		keys |= bit
	}
	return keys, nil
}

// parseDuration extends time.ParseDuration with a "d" (day) suffix and
// bare seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func parseDurations(values []string) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(values))
	for _, v := range values {
		d, err := parseDuration(v)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// parseRate parses "100/1h" style windowed ceilings.
func parseRate(s string) (throttle.Rate, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return throttle.Rate{}, fmt.Errorf("invalid rate %q, expected count/period", s)
	}
	count, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || count <= 0 {
		return throttle.Rate{}, fmt.Errorf("invalid rate count in %q", s)
	}
	period, err := parseDuration(parts[1])
	if err != nil || period <= 0 {
		return throttle.Rate{}, fmt.Errorf("invalid rate period in %q", s)
	}
	return throttle.Rate{Requests: count, Period: period}, nil
}

func parseRequirement(s string) (queue.Requirement, error) {
	switch strings.ToLower(s) {
	case "", "optional":
		return queue.Optional, nil
	case "require", "required":
		return queue.Require, nil
	case "disable", "disabled", "none":
		return queue.Disable, nil
	default:
		return queue.Optional, fmt.Errorf("invalid requirement %q", s)
	}
}

func parseIP(s string) (net.IP, error) {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return nil, fmt.Errorf("invalid ip address %q", s)
	}
	return ip, nil
}

func parseIPLookup(s string) (queue.IPLookupStrategy, error) {
	switch strings.ToLower(s) {
	case "", "ipv4_then_ipv6", "ipv4-then-ipv6":
		return queue.IPv4ThenIPv6, nil
	case "ipv6_then_ipv4", "ipv6-then-ipv4":
		return queue.IPv6ThenIPv4, nil
	case "ipv4_only", "ipv4-only", "ipv4":
		return queue.IPv4Only, nil
	case "ipv6_only", "ipv6-only", "ipv6":
		return queue.IPv6Only, nil
	default:
		return queue.IPv4ThenIPv6, fmt.Errorf("invalid ip-lookup strategy %q", s)
	}
}
