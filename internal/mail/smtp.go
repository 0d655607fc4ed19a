package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// Transport delivers a composed envelope and returns the Message-ID it carried.
type Transport interface {
	Send(ctx context.Context, e Envelope) (string, error)
}

// SMTPTransport sends through an SMTP relay. Mode is "starttls" (default),
// "smtps" (implicit TLS) or "plain".
type SMTPTransport struct {
	Host     string
	Port     int
	Username string
	Password string
	Mode     string
	Timeout  time.Duration
	Log      *slog.Logger
}

func (s *SMTPTransport) Send(ctx context.Context, e Envelope) (string, error) {
	raw, err := Compose(e)
	if err != nil {
		return "", err
	}

	client, err := s.dial(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	if s.Username != "" && s.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", s.Username, s.Password, s.Host)); err != nil {
			return "", fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}
	if err := client.Mail(e.FromAddress); err != nil {
		return "", fmt.Errorf("failed to set sender: %w", err)
	}
	for _, to := range e.Recipients() {
		if err := client.Rcpt(to); err != nil {
			return "", fmt.Errorf("failed to set recipient %s: %w", to, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return "", fmt.Errorf("failed to initiate data transfer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return "", fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close data transfer: %w", err)
	}
	// The server accepted the message once DATA closed; a failed QUIT must
	// not turn into a retry that delivers it again.
	if err := client.Quit(); err != nil {
		s.logger().Warn("smtp quit failed after delivery", "mail_message_id", e.Mail.MessageID, "err", err)
	}
	return e.Mail.MessageID, nil
}

func (s *SMTPTransport) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *SMTPTransport) dial(ctx context.Context) (*smtp.Client, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	tlsConfig := &tls.Config{ServerName: s.Host}
	d := &net.Dialer{Timeout: timeout}

	var (
		conn net.Conn
		err  error
	)
	mode := strings.ToLower(strings.TrimSpace(s.Mode))
	if mode == "smtps" {
		conn, err = (&tls.Dialer{NetDialer: d, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}
	if mode == "" || mode == "starttls" {
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	return client, nil
}
