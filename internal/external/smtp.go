package external

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"qsldigest/internal/types"
)

// SMTPConfig configures an SMTPClient.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password types.SecretString
	StartTLS bool
	Timeout  time.Duration
}

// SMTPClient relays mail through an authenticated submission server.
// Each Send opens its own connection.
type SMTPClient struct {
	cfg  SMTPConfig
	dial func(ctx context.Context, addr string) (net.Conn, error)
	now  func() time.Time
}

// NewSMTPClient creates an SMTPClient. A zero timeout means 20 seconds.
func NewSMTPClient(cfg SMTPConfig) *SMTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	d := &net.Dialer{Timeout: cfg.Timeout}
	return &SMTPClient{
		cfg:  cfg,
		dial: func(ctx context.Context, addr string) (net.Conn, error) { return d.DialContext(ctx, "tcp", addr) },
		now:  time.Now,
	}
}

// Send delivers the message and returns the Message-Id it generated.
func (c *SMTPClient) Send(ctx context.Context, input SendInput) (string, error) {
	if c.cfg.Host == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamEmailProvider, "smtp host not configured", nil)
	}
	msgID := fmt.Sprintf("<%s@%s>", uuid.NewString(), senderDomain(input.From.Address))
	raw, err := buildMIMEMessage(input, msgID, c.now())
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "building mime message", err)
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamEmailProvider, "smtp connect failed", err)
	}
	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		conn.Close()
		return "", types.NewAppError(types.ErrCodeUpstreamEmailProvider, "smtp greeting failed", err)
	}
	defer client.Close()

	if err := c.transmit(client, input, raw); err != nil {
		return "", mapSMTPError(err)
	}
	return msgID, nil
}

func (c *SMTPClient) transmit(client *smtp.Client, input SendInput, raw []byte) error {
	if c.cfg.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return errors.New("server does not advertise STARTTLS")
		}
		if err := client.StartTLS(&tls.Config{ServerName: c.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return err
		}
	}
	if c.cfg.Username != "" {
		auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password.Unmask(), c.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return err
		}
	}
	if err := client.Mail(input.From.Address); err != nil {
		return err
	}
	if err := client.Rcpt(input.Message.To); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// mapSMTPError treats 550-class mailbox rejections as a blocked recipient.
func mapSMTPError(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && (tpErr.Code == 550 || tpErr.Code == 553) {
		return types.NewAppError(types.ErrCodeEmailBlocked,
			fmt.Sprintf("smtp rejected recipient: %s", tpErr.Msg), err)
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, "smtp delivery failed", err)
}

func senderDomain(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}

// buildMIMEMessage renders a multipart/alternative message, or a single
// text/plain part when there is no HTML body.
func buildMIMEMessage(input SendInput, msgID string, now time.Time) ([]byte, error) {
	msg := input.Message
	var buf bytes.Buffer

	from := input.From.Address
	if input.From.Name != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", input.From.Name), input.From.Address)
	}
	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	header("From", from)
	header("To", msg.To)
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", now.Format(time.RFC1123Z))
	header("Message-Id", msgID)
	header("MIME-Version", "1.0")
	if msg.ReferenceID != "" {
		header("X-Reference-Id", msg.ReferenceID)
	}

	if msg.HTMLBody == "" {
		header("Content-Type", `text/plain; charset="utf-8"`)
		header("Content-Transfer-Encoding", "8bit")
		buf.WriteString("\r\n")
		buf.WriteString(toCRLF(msg.TextBody))
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	header("Content-Type", fmt.Sprintf(`multipart/alternative; boundary="%s"`, mw.Boundary()))
	buf.WriteString("\r\n")

	for _, part := range []struct{ ctype, body string }{
		{`text/plain; charset="utf-8"`, msg.TextBody},
		{`text/html; charset="utf-8"`, msg.HTMLBody},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.ctype},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(toCRLF(part.body))); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func toCRLF(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\n", "\r\n")
}

var _ EmailProvider = (*SMTPClient)(nil)
