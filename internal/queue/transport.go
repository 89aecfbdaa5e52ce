package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/busybox42/spoold/internal/storage"
)

// SMTPTransport delivers messages over SMTP. Route resolution, host
// selection and outcome classification all happen here; the queue core
// only sees the resulting Status.
type SMTPTransport struct {
	store    storage.Store
	logger   *slog.Logger
	hostname string

	// lookupMX is swappable for tests.
	lookupMX func(domain string) ([]*net.MX, error)
}

// NewSMTPTransport creates the production transport. hostname is the
// EHLO identity used when the connection strategy does not set one.
func NewSMTPTransport(store storage.Store, logger *slog.Logger, hostname string) *SMTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPTransport{
		store:    store,
		logger:   logger.With("component", "smtp-transport"),
		hostname: hostname,
		lookupMX: net.LookupMX,
	}
}

// remoteHost is one delivery target produced by route resolution.
type remoteHost struct {
	host        string
	port        int
	implicitTLS bool
	auth        *Credentials
	allowBadTLS bool
}

// Deliver attempts one SMTP conversation for the recipient and maps the
// outcome onto the per-recipient status taxonomy. A 5xx reply is
// permanent; everything retryable is temporary.
func (t *SMTPTransport) Deliver(ctx context.Context, attempt *Attempt) Status {
	domain := attempt.Recipient.Domain()

	hosts, status := t.resolveHosts(attempt, domain)
	if status != nil {
		return *status
	}

	body, err := t.store.GetBlob(ctx, attempt.Message.BlobHash, 0, int(attempt.Message.Size))
	if err != nil {
		return TemporaryFailure(ErrorDetails{
			Entity: domain,
			Err:    DeliveryError{Kind: ErrorIO, Message: err.Error()},
		})
	}

	var last Status
	for _, host := range hosts {
		last = t.deliverToHost(ctx, host, attempt, body)
		if last.Kind == StatusCompleted || last.Kind == StatusPermanentFailure {
			return last
		}
		t.logger.Debug("delivery attempt failed, trying next host",
			"queue_id", attempt.Message.ID,
			"rcpt", attempt.Recipient.Address,
			"host", host.host,
			"error", last.Err.Err.String(),
		)
	}
	return last
}

// resolveHosts expands the routing strategy into an ordered host list.
// A non-nil status short-circuits the attempt.
func (t *SMTPTransport) resolveHosts(attempt *Attempt, domain string) ([]remoteHost, *Status) {
	switch route := attempt.Route.(type) {
	case RelayRoute:
		port := route.Port
		if port == 0 {
			port = 25
		}
		return []remoteHost{{
			host:        route.Address,
			port:        port,
			implicitTLS: route.TLSImplicit,
			auth:        route.Auth,
			allowBadTLS: route.AllowInvalidCerts,
		}}, nil

	case LocalRoute:
		// Local routing hands the message to the co-located store over
		// the loopback interface.
		return []remoteHost{{host: "localhost", port: 25}}, nil

	default:
		mx, _ := route.(MxRoute)
		maxMX := mx.MaxMX
		if maxMX <= 0 {
			maxMX = 5
		}
		records, err := t.lookupMX(domain)
		if err != nil {
			var dnsErr *net.DNSError
			details := ErrorDetails{
				Entity: domain,
				Err:    DeliveryError{Kind: ErrorDNS, Message: err.Error()},
			}
			if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
				s := PermanentFailure(details)
				return nil, &s
			}
			s := TemporaryFailure(details)
			return nil, &s
		}
		if len(records) == 0 {
			// Implicit MX: fall back to the domain's own address record.
			records = []*net.MX{{Host: domain}}
		}
		hosts := make([]remoteHost, 0, maxMX)
		for _, rec := range records {
			if len(hosts) == maxMX {
				break
			}
			hosts = append(hosts, remoteHost{
				host: strings.TrimSuffix(rec.Host, "."),
				port: 25,
			})
		}
		return hosts, nil
	}
}

func (t *SMTPTransport) deliverToHost(ctx context.Context, host remoteHost, attempt *Attempt, body []byte) Status {
	addr := net.JoinHostPort(host.host, strconv.Itoa(host.port))
	fail := func(kind ErrorKind, err error) Status {
		return TemporaryFailure(ErrorDetails{
			Entity: host.host,
			Err:    DeliveryError{Kind: kind, Message: err.Error()},
		})
	}

	dialer := net.Dialer{Timeout: attempt.Connection.TimeoutConnect}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fail(ErrorConnection, err)
	}

	allowBadTLS := host.allowBadTLS || attempt.TLS.AllowInvalidCerts
	tlsConfig := &tls.Config{
		ServerName:         host.host,
		InsecureSkipVerify: allowBadTLS,
	}
	if host.implicitTLS {
		tlsConn := tls.Client(conn, tlsConfig)
		if attempt.TLS.TimeoutTLS > 0 {
			_ = tlsConn.SetDeadline(deadlineAfter(attempt.TLS.TimeoutTLS))
		}
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = tlsConn.Close()
			return fail(ErrorTLS, err)
		}
		_ = tlsConn.SetDeadline(deadlineAfter(0))
		conn = tlsConn
	}

	if attempt.Connection.TimeoutGreeting > 0 {
		_ = conn.SetDeadline(deadlineAfter(attempt.Connection.TimeoutGreeting))
	}
	client, err := smtp.NewClient(conn, host.host)
	if err != nil {
		_ = conn.Close()
		return t.classify(host.host, "greeting", err)
	}
	defer func() { _ = client.Close() }()

	ehlo := attempt.Connection.EHLOHostname
	if ehlo == "" {
		ehlo = t.hostname
	}
	_ = conn.SetDeadline(deadlineAfter(attempt.Connection.TimeoutEHLO))
	if err := client.Hello(ehlo); err != nil {
		return t.classify(host.host, "EHLO", err)
	}

	if !host.implicitTLS && attempt.TLS.TryStartTLS() {
		if ok, _ := client.Extension("STARTTLS"); ok {
			_ = conn.SetDeadline(deadlineAfter(attempt.TLS.TimeoutTLS))
			if err := client.StartTLS(tlsConfig); err != nil {
				return fail(ErrorTLS, err)
			}
		} else if attempt.TLS.IsTLSRequired() {
			return TemporaryFailure(ErrorDetails{
				Entity: host.host,
				Err:    DeliveryError{Kind: ErrorTLS, Message: "STARTTLS not offered by remote host"},
			})
		}
	}

	if host.auth != nil {
		auth := smtp.PlainAuth("", host.auth.Username, host.auth.Secret, host.host)
		if err := client.Auth(auth); err != nil {
			return t.classify(host.host, "AUTH", err)
		}
	}

	_ = conn.SetDeadline(deadlineAfter(attempt.Connection.TimeoutMail))
	if err := client.Mail(attempt.Message.ReturnPath); err != nil {
		return t.classify(host.host, "MAIL FROM", err)
	}

	_ = conn.SetDeadline(deadlineAfter(attempt.Connection.TimeoutRcpt))
	if err := client.Rcpt(attempt.Recipient.Address); err != nil {
		return t.classify(host.host, "RCPT TO", err)
	}

	_ = conn.SetDeadline(deadlineAfter(attempt.Connection.TimeoutData))
	writer, err := client.Data()
	if err != nil {
		return t.classify(host.host, "DATA", err)
	}
	if _, err := writer.Write(body); err != nil {
		return fail(ErrorIO, err)
	}
	if err := writer.Close(); err != nil {
		return t.classify(host.host, "DATA", err)
	}
	if err := client.Quit(); err != nil {
		t.logger.Debug("QUIT failed after accepted message", "host", host.host, "error", err)
	}

	return Completed(HostResponse{
		Hostname: host.host,
		Response: SMTPResponse{Code: 250, Enhanced: [3]int{2, 0, 0}, Message: "Message accepted for delivery"},
	})
}

// classify turns an SMTP conversation error into a recipient status. A
// remote reply becomes an unexpected-response failure carrying the reply
// code; anything else is a connection-level temporary failure.
func (t *SMTPTransport) classify(host, command string, err error) Status {
	if tpErr, ok := err.(*textproto.Error); ok {
		resp := SMTPResponse{
			Code:     tpErr.Code,
			Enhanced: parseEnhancedCode(tpErr.Msg),
			Message:  tpErr.Msg,
		}
		details := ErrorDetails{
			Entity: host,
			Err: DeliveryError{
				Kind:     ErrorUnexpectedResponse,
				Command:  command,
				Response: &resp,
			},
		}
		if tpErr.Code >= 500 {
			return PermanentFailure(details)
		}
		return TemporaryFailure(details)
	}
	return TemporaryFailure(ErrorDetails{
		Entity: host,
		Err:    DeliveryError{Kind: ErrorConnection, Message: err.Error()},
	})
}

// parseEnhancedCode extracts a leading RFC 3463 code ("5.7.1 ...") from a
// reply text, returning zeros when none is present.
func parseEnhancedCode(msg string) [3]int {
	var code [3]int
	fields := strings.Fields(msg)
	if len(fields) == 0 {
		return code
	}
	parts := strings.Split(fields[0], ".")
	if len(parts) != 3 {
		return code
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || (i == 0 && n != 2 && n != 4 && n != 5) {
			return [3]int{}
		}
		code[i] = n
	}
	return code
}

// deadlineAfter converts a phase timeout into an absolute deadline; a
// non-positive timeout clears the deadline.
func deadlineAfter(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}
