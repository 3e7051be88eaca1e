package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/foxzi/eventcast/internal/dkim"
	"github.com/foxzi/eventcast/internal/models"
	"github.com/google/uuid"
)

// EmailConfig configures the SMTP relay used for campaign email
type EmailConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	From     string        `yaml:"from"`
	FromName string        `yaml:"from_name"`
	Timeout  time.Duration `yaml:"timeout"`
}

type sendMailFunc func(addr string, a sasl.Client, from string, to []string, r io.Reader) error

// EmailSender relays messages through an SMTP submission server
type EmailSender struct {
	cfg      EmailConfig
	signer   *dkim.Signer
	logger   *slog.Logger
	sendMail sendMailFunc
	now      func() time.Time
}

// NewEmailSender creates an email sender. signer may be nil.
func NewEmailSender(cfg EmailConfig, signer *dkim.Signer, logger *slog.Logger) *EmailSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &EmailSender{
		cfg:      cfg,
		signer:   signer,
		logger:   logger.With("component", "sender.email"),
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
}

func (s *EmailSender) Send(ctx context.Context, msg *Message) error {
	if _, err := mail.ParseAddress(msg.To); err != nil {
		return &DeliveryError{Reason: models.ReasonInvalidAddress, Message: "invalid recipient address", Err: err}
	}

	data := s.build(msg)
	if s.signer != nil {
		signed, err := s.signer.Sign(data)
		if err != nil {
			s.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", s.signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	var auth sasl.Client
	if s.cfg.Username != "" {
		auth = sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	done := make(chan error, 1)
	go func() {
		done <- s.sendMail(addr, auth, s.cfg.From, []string{msg.To}, bytes.NewReader(data))
	}()

	select {
	case <-ctx.Done():
		return &DeliveryError{Reason: models.ReasonTimeout, Temporary: true, Message: "smtp relay did not answer in time", Err: ctx.Err()}
	case err := <-done:
		if err != nil {
			return classifySMTPError(err)
		}
	}

	s.logger.Debug("message relayed", "job_id", msg.JobID, "recipient_id", msg.RecipientID)
	return nil
}

// build renders a single-part RFC 5322 message with CRLF line endings
func (s *EmailSender) build(msg *Message) []byte {
	from := (&mail.Address{Name: s.cfg.FromName, Address: s.cfg.From}).String()
	domain := domainOf(s.cfg.From)
	if domain == "" {
		domain = "localhost"
	}

	contentType := "text/plain; charset=utf-8"
	if looksLikeHTML(msg.Body) {
		contentType = "text/html; charset=utf-8"
	}

	var b bytes.Buffer
	writeHeader(&b, "From", from)
	writeHeader(&b, "To", msg.To)
	writeHeader(&b, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader(&b, "Date", s.now().Format(time.RFC1123Z))
	writeHeader(&b, "Message-ID", fmt.Sprintf("<%s@%s>", uuid.New().String(), domain))
	writeHeader(&b, "MIME-Version", "1.0")
	writeHeader(&b, "Content-Type", contentType)
	writeHeader(&b, "Content-Transfer-Encoding", "8bit")
	if msg.JobID != "" {
		writeHeader(&b, "X-Campaign-Job", msg.JobID)
	}
	b.WriteString("\r\n")

	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\r\n")
	}
	return b.Bytes()
}

func writeHeader(b *bytes.Buffer, key, value string) {
	b.WriteString(key)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\r\n")
}

func looksLikeHTML(body string) bool {
	trimmed := strings.TrimSpace(body)
	return strings.HasPrefix(trimmed, "<") && strings.Contains(trimmed, "</")
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b([45])\d{2}\b`)

// classifySMTPError maps a relay error to a failure reason
func classifySMTPError(err error) *DeliveryError {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		de := &DeliveryError{Temporary: se.Code >= 400 && se.Code < 500, Message: fmt.Sprintf("smtp %d", se.Code), Err: err}
		class, subject := se.EnhancedCode[0], se.EnhancedCode[1]
		switch {
		case class == 5 && subject == 1:
			de.Reason = models.ReasonInvalidAddress
		case class == 5 && subject == 7:
			de.Reason = models.ReasonBlocked
		case se.Code == 421 || (se.Code == 450 || se.Code == 451) && subject == 7:
			de.Reason = models.ReasonRateLimit
		default:
			de.Reason = models.ReasonProviderError
		}
		return de
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &DeliveryError{Reason: models.ReasonTimeout, Temporary: true, Message: "smtp relay timeout", Err: err}
	}

	if m := smtpCodePattern.FindStringSubmatch(err.Error()); len(m) > 1 {
		return &DeliveryError{Reason: models.ReasonProviderError, Temporary: m[1] == "4", Message: "smtp relay rejected message", Err: err}
	}

	return &DeliveryError{Reason: models.ReasonProviderError, Temporary: true, Message: "smtp relay unreachable", Err: err}
}

// domainOf returns the lowercased domain of an email address
func domainOf(address string) string {
	if addr, err := mail.ParseAddress(address); err == nil {
		address = addr.Address
	}
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}
