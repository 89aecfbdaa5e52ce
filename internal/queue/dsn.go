package queue

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/busybox42/spoold/internal/metrics"
	"github.com/busybox42/spoold/internal/storage"
)

// maxHeaderSize caps how much of the original message is returned inside
// a delivery report: up to the first 4096 bytes of headers.
const maxHeaderSize = 4096

// Report is a rendered delivery status notification, ready to re-enter
// the queue addressed to the original sender.
type Report struct {
	From    string
	To      string
	Subject string
	Body    []byte
}

// DSNBuilder renders RFC 3464 delivery status reports from recipient
// outcomes and enforces double-bounce protection.
type DSNBuilder struct {
	resolver *Resolver
	store    storage.Store
	logger   *slog.Logger
	hostname string
}

// NewDSNBuilder creates a report builder. hostname is the Reporting-MTA
// identity.
func NewDSNBuilder(resolver *Resolver, store storage.Store, logger *slog.Logger, hostname string) *DSNBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	if hostname == "" {
		hostname = "localhost"
	}
	return &DSNBuilder{
		resolver: resolver,
		store:    store,
		logger:   logger.With("component", "dsn"),
		hostname: hostname,
	}
}

// Build renders a delivery report for every recipient owing one. It
// returns nil when no recipient needs reporting; this is not an error.
//
// Side effects on success: success and failure recipients are flagged as
// reported, and delay recipients have their notification schedule
// advanced in lock-step with the emitted report. Callers must persist the
// message afterwards.
func (b *DSNBuilder) Build(ctx context.Context, m *Message, now int64) *Report {
	var txtSuccess, txtDelay, txtFailed, machine strings.Builder

	for i := range m.Recipients {
		r := &m.Recipients[i]
		if r.HasFlag(FlagDSNSent) || r.HasFlag(FlagNotifyNever) {
			continue
		}
		switch r.Status.Kind {
		case StatusCompleted:
			r.Flags |= FlagDSNSent
			if !r.HasFlag(FlagNotifySuccess) {
				continue
			}
			writeMachineBlock(&machine, r, now)
			writeSuccessText(&txtSuccess, r)
		case StatusTemporaryFailure:
			if r.Notify.Due > now || !r.HasFlag(FlagNotifyDelay) {
				continue
			}
			writeMachineBlock(&machine, r, now)
			writeFailureText(&txtDelay, r.Address, r.Status.Err)
		case StatusPermanentFailure:
			r.Flags |= FlagDSNSent
			if !r.HasFlag(FlagNotifyFailure) {
				continue
			}
			writeMachineBlock(&machine, r, now)
			writeFailureText(&txtFailed, r.Address, r.Status.Err)
		case StatusScheduled:
			// Only reachable when a message was deferred before its
			// first attempt, for longer than the notify interval.
			if r.Notify.Due > now || !r.HasFlag(FlagNotifyDelay) {
				continue
			}
			writeMachineBlock(&machine, r, now)
			writeFailureText(&txtDelay, r.Address, &ErrorDetails{
				Entity: "localhost",
				Err:    DeliveryError{Kind: ErrorConcurrencyLimited},
			})
		}
	}

	hasSuccess := txtSuccess.Len() > 0
	hasDelay := txtDelay.Len() > 0
	hasFailure := txtFailed.Len() > 0
	if !hasSuccess && !hasDelay && !hasFailure {
		return nil
	}

	var txt strings.Builder
	subject, mixed := reportSubject(&txt, hasSuccess, hasDelay, hasFailure)
	if hasSuccess {
		if mixed {
			txt.WriteString("    ----- Delivery to the following addresses was successful -----\r\n")
		}
		txt.WriteString(txtSuccess.String())
		txt.WriteString("\r\n")
	}
	if hasDelay {
		if mixed {
			txt.WriteString("    ----- There was a temporary problem delivering to these addresses -----\r\n")
		}
		txt.WriteString(txtDelay.String())
		txt.WriteString("\r\n")
	}
	if hasFailure {
		if mixed {
			txt.WriteString("    ----- Delivery to the following addresses failed -----\r\n")
		}
		txt.WriteString(txtFailed.String())
		txt.WriteString("\r\n")
	}

	// Advance the delay notification schedule only when a delay section
	// was actually emitted, keeping cadence and reports in lock-step.
	if hasDelay {
		b.advanceNotify(m, now)
	}

	vars := messageVars(m)
	fromName := b.resolver.Catalog.Policy.DSN.FromName.Eval(b.resolver.Eval, vars)
	if fromName == "" {
		fromName = "Mail Delivery Subsystem"
	}
	fromAddr := b.resolver.Catalog.Policy.DSN.FromAddress.Eval(b.resolver.Eval, vars)
	if fromAddr == "" {
		fromAddr = "MAILER-DAEMON@localhost"
	}

	var header strings.Builder
	fmt.Fprintf(&header, "Reporting-MTA: dns;%s\r\n", b.hostname)
	fmt.Fprintf(&header, "Arrival-Date: %s\r\n", rfc822Date(m.Created))
	if m.EnvID != "" {
		fmt.Fprintf(&header, "Original-Envelope-Id: %s\r\n", m.EnvID)
	}
	header.WriteString("\r\n")

	body, err := composeReport(reportParts{
		fromName:   fromName,
		fromAddr:   fromAddr,
		to:         m.ReturnPath,
		subject:    subject,
		hostname:   b.hostname,
		text:       txt.String(),
		status:     header.String() + machine.String(),
		origHeader: b.fetchHeaders(ctx, m),
	})
	if err != nil {
		b.logger.Error("failed to compose delivery report", "queue_id", m.ID, "error", err)
		return nil
	}

	return &Report{
		From:    fromAddr,
		To:      m.ReturnPath,
		Subject: subject,
		Body:    body,
	}
}

// advanceNotify moves each due delay notification to its next configured
// interval, or disables it once the list is exhausted.
func (b *DSNBuilder) advanceNotify(m *Message, now int64) {
	for i := range m.Recipients {
		r := &m.Recipients[i]
		if r.Status.Kind != StatusTemporaryFailure && r.Status.Kind != StatusScheduled {
			continue
		}
		if r.Notify.Due > now {
			continue
		}
		strategy := b.resolver.ScheduleFor(m, r)
		if interval, ok := strategy.NotifyInterval(r.Notify.Attempts + 1); ok {
			r.Notify.Attempts++
			r.Notify.Due = now + int64(interval/time.Second)
		} else {
			r.Notify.Due = NeverDue
		}
	}
}

// HandleDoubleBounce quiesces a failed delivery report. No outbound DSN
// is ever built for a message with an empty return path: unreported
// permanent failures are flagged as reported and logged once, and any due
// notification is pushed past the message's expiry so the bounce is never
// re-queued for its own notification cycle.
func (b *DSNBuilder) HandleDoubleBounce(m *Message, now int64) {
	var failed []string
	for i := range m.Recipients {
		r := &m.Recipients[i]
		if !r.HasFlag(FlagDSNSent) && !r.HasFlag(FlagNotifyNever) && r.Status.Kind == StatusPermanentFailure {
			r.Flags |= FlagDSNSent
			failed = append(failed, r.Address)
		}
		if r.Notify.Due <= now {
			if exp := r.ExpirationTime(); exp != NeverDue {
				r.Notify.Due = exp + 10
			} else {
				r.Notify.Due = NeverDue
			}
		}
	}
	if len(failed) > 0 {
		metrics.Get().DoubleBounces.Inc()
		b.logger.Warn("undeliverable delivery report dropped",
			"queue_id", m.ID,
			"recipients", failed,
		)
	}
}

// Log emits one structured event per recipient whose outcome is worth
// reporting, independent of whether a report is built.
func (b *DSNBuilder) Log(m *Message, now int64) {
	for i := range m.Recipients {
		r := &m.Recipients[i]
		if r.HasFlag(FlagDSNSent) {
			continue
		}
		switch r.Status.Kind {
		case StatusCompleted:
			b.logger.Info("message delivered",
				"queue_id", m.ID,
				"to", r.Address,
				"hostname", r.Status.Response.Hostname,
				"code", r.Status.Response.Response.Code,
				"details", r.Status.Response.Response.Message,
			)
		case StatusTemporaryFailure:
			if r.Notify.Due > now {
				continue
			}
			b.logger.Warn("message delivery delayed",
				"queue_id", m.ID,
				"to", r.Address,
				"hostname", r.Status.Err.Entity,
				"details", r.Status.Err.Err.String(),
				"next_retry", time.Unix(r.Retry.Due, 0).UTC(),
				"attempts", r.Retry.Attempts,
			)
		case StatusPermanentFailure:
			b.logger.Warn("message delivery failed",
				"queue_id", m.ID,
				"to", r.Address,
				"hostname", r.Status.Err.Entity,
				"details", r.Status.Err.Err.String(),
				"attempts", r.Retry.Attempts,
			)
		case StatusScheduled:
			if r.Notify.Due > now {
				continue
			}
			b.logger.Warn("message delivery delayed",
				"queue_id", m.ID,
				"to", r.Address,
				"details", "concurrency limited",
				"next_retry", time.Unix(r.Retry.Due, 0).UTC(),
				"attempts", r.Retry.Attempts,
			)
		}
	}
}

// fetchHeaders reads up to the first 4096 bytes of the original message
// and truncates at the last complete header line, never mid-header.
func (b *DSNBuilder) fetchHeaders(ctx context.Context, m *Message) string {
	buf, err := b.store.GetBlob(ctx, m.BlobHash, 0, maxHeaderSize)
	if err != nil {
		b.logger.Error("failed to fetch message headers",
			"queue_id", m.ID,
			"blob", m.BlobHash.String(),
			"error", err,
		)
		return ""
	}
	return string(truncateHeaders(buf))
}

// truncateHeaders cuts buf at the header/body boundary when one is
// present, otherwise at the last complete line before the byte cap.
func truncateHeaders(buf []byte) []byte {
	var prev byte
	lastLF := len(buf)
scan:
	for pos, ch := range buf {
		switch ch {
		case '\n':
			lastLF = pos + 1
			if prev == '\n' {
				break scan
			}
			prev = ch
		case '\r':
		case 0:
			break scan
		default:
			prev = ch
		}
	}
	if lastLF < maxHeaderSize {
		return buf[:lastLF]
	}
	return buf
}

// reportSubject picks the narrative intro and subject line for the
// combination of sections present.
func reportSubject(txt *strings.Builder, hasSuccess, hasDelay, hasFailure bool) (string, bool) {
	switch {
	case hasSuccess && !hasDelay && !hasFailure:
		txt.WriteString("Your message has been successfully delivered to the following recipients:\r\n\r\n")
		return "Successfully delivered message", false
	case hasDelay && !hasSuccess && !hasFailure:
		txt.WriteString("There was a temporary problem delivering your message to the following recipients:\r\n\r\n")
		return "Warning: Delay in message delivery", false
	case hasFailure && !hasSuccess && !hasDelay:
		txt.WriteString("Your message could not be delivered to the following recipients:\r\n\r\n")
		return "Failed to deliver message", false
	case hasSuccess:
		txt.WriteString("Your message has been partially delivered:\r\n\r\n")
		return "Partially delivered message", true
	default:
		txt.WriteString("Your message could not be delivered to some recipients:\r\n\r\n")
		return "Warning: Temporary and permanent failures during message delivery", true
	}
}

func writeSuccessText(w *strings.Builder, r *Recipient) {
	resp := r.Status.Response
	fmt.Fprintf(w, "<%s> (delivered to '%s' with code %d (%s) '%s')\r\n",
		r.Address, resp.Hostname, resp.Response.Code,
		resp.Response.EnhancedStatus(), sanitizeResponse(resp.Response.Message))
}

func writeFailureText(w *strings.Builder, addr string, details *ErrorDetails) {
	entity := details.Entity
	switch details.Err.Kind {
	case ErrorUnexpectedResponse:
		fmt.Fprintf(w, "<%s> (host '%s' rejected ", addr, entity)
		if details.Err.Command != "" {
			fmt.Fprintf(w, "command '%s'", details.Err.Command)
		} else {
			w.WriteString("transaction")
		}
		resp := details.Err.Response
		fmt.Fprintf(w, " with code %d (%s) '%s')\r\n",
			resp.Code, resp.EnhancedStatus(), sanitizeResponse(resp.Message))
	case ErrorDNS:
		fmt.Fprintf(w, "<%s> (failed to lookup '%s': %s)\r\n", addr, entity, details.Err.Message)
	case ErrorConnection:
		fmt.Fprintf(w, "<%s> (connection to '%s' failed: %s)\r\n", addr, entity, details.Err.Message)
	case ErrorTLS:
		fmt.Fprintf(w, "<%s> (TLS error from '%s': %s)\r\n", addr, entity, details.Err.Message)
	case ErrorDANE:
		fmt.Fprintf(w, "<%s> (DANE failed to authenticate '%s': %s)\r\n", addr, entity, details.Err.Message)
	case ErrorMTASTS:
		fmt.Fprintf(w, "<%s> (MTA-STS failed to authenticate '%s': %s)\r\n", addr, entity, details.Err.Message)
	case ErrorRateLimited:
		fmt.Fprintf(w, "<%s> (rate limited)\r\n", addr)
	case ErrorConcurrencyLimited:
		fmt.Fprintf(w, "<%s> (too many concurrent connections to remote server)\r\n", addr)
	default:
		fmt.Fprintf(w, "<%s> (queue error: %s)\r\n", addr, details.Err.Message)
	}
}

// writeMachineBlock renders one recipient's message/delivery-status
// fields.
func writeMachineBlock(w *strings.Builder, r *Recipient, now int64) {
	if r.ORcpt != "" {
		fmt.Fprintf(w, "Original-Recipient: rfc822;%s\r\n", r.ORcpt)
	}
	fmt.Fprintf(w, "Final-Recipient: rfc822;%s\r\n", r.Address)

	var action string
	switch r.Status.Kind {
	case StatusCompleted:
		action = "delivered"
	case StatusPermanentFailure:
		action = "failed"
	default:
		action = "delayed"
	}
	fmt.Fprintf(w, "Action: %s\r\n", action)
	fmt.Fprintf(w, "Status: %s\r\n", machineStatus(r.Status))

	if details := r.Status.Err; details != nil && details.Err.Kind == ErrorUnexpectedResponse && details.Err.Response != nil {
		fmt.Fprintf(w, "Diagnostic-Code: smtp;%d %s\r\n",
			details.Err.Response.Code, sanitizeResponse(details.Err.Response.Message))
	}

	switch r.Status.Kind {
	case StatusCompleted:
		fmt.Fprintf(w, "Remote-MTA: dns;%s\r\n", r.Status.Response.Hostname)
	case StatusTemporaryFailure, StatusPermanentFailure:
		switch r.Status.Err.Err.Kind {
		case ErrorUnexpectedResponse, ErrorConnection, ErrorTLS, ErrorDANE:
			fmt.Fprintf(w, "Remote-MTA: dns;%s\r\n", r.Status.Err.Entity)
		}
	}

	if !r.Status.IsFinal() {
		if exp := r.ExpirationTime(); exp != NeverDue && exp > now {
			fmt.Fprintf(w, "Will-Retry-Until: %s\r\n", rfc822Date(exp))
		}
	}

	w.WriteString("\r\n")
}

func machineStatus(s Status) string {
	switch s.Kind {
	case StatusCompleted:
		return s.Response.Response.EnhancedStatus()
	case StatusTemporaryFailure, StatusPermanentFailure:
		if s.Err.Err.Kind == ErrorUnexpectedResponse && s.Err.Err.Response != nil {
			return s.Err.Err.Response.EnhancedStatus()
		}
		if s.Kind == StatusPermanentFailure {
			return "5.0.0"
		}
		return "4.0.0"
	default:
		return "4.0.0"
	}
}

// sanitizeResponse strips line breaks from remote replies before they are
// embedded in a report line.
func sanitizeResponse(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, s)
}

func rfc822Date(unix int64) string {
	return time.Unix(unix, 0).UTC().Format("Mon, 2 Jan 2006 15:04:05 -0700")
}

type reportParts struct {
	fromName   string
	fromAddr   string
	to         string
	subject    string
	hostname   string
	text       string
	status     string
	origHeader string
}

// composeReport assembles the multipart/report MIME message.
func composeReport(p reportParts) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %q <%s>\r\n", p.fromName, p.fromAddr)
	fmt.Fprintf(&buf, "To: <%s>\r\n", p.to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", p.subject)
	fmt.Fprintf(&buf, "Message-ID: <%s@%s>\r\n", uuid.NewString(), p.hostname)
	fmt.Fprintf(&buf, "Date: %s\r\n", rfc822Date(time.Now().Unix()))
	buf.WriteString("Auto-Submitted: auto-generated\r\n")
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/report; report-type=delivery-status;\r\n\tboundary=%q\r\n", mw.Boundary())
	buf.WriteString("\r\n")

	textPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": []string{`text/plain; charset="utf-8"`},
	})
	if err != nil {
		return nil, err
	}
	if _, err := textPart.Write([]byte(p.text)); err != nil {
		return nil, err
	}

	statusPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": []string{"message/delivery-status"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := statusPart.Write([]byte(p.status)); err != nil {
		return nil, err
	}

	origPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": []string{"message/rfc822"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := origPart.Write([]byte(p.origHeader)); err != nil {
		return nil, err
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
