package external

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"qsldigest/internal/types"
)

// fakeSMTP is a minimal single-connection SMTP server. rcptReply is the
// RCPT TO response; data receives the DATA section.
type fakeSMTP struct {
	ln        net.Listener
	rcptReply string
	data      chan string
}

func startFakeSMTP(t *testing.T, rcptReply string) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeSMTP{ln: ln, rcptReply: rcptReply, data: make(chan string, 1)}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeSMTP) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(line string) { _, _ = conn.Write([]byte(line + "\r\n")) }

	reply("220 fake.local ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(cmd, "EHLO"):
			reply("250-fake.local")
			reply("250 8BITMIME")
		case strings.HasPrefix(cmd, "MAIL FROM"):
			reply("250 OK")
		case strings.HasPrefix(cmd, "RCPT TO"):
			reply(s.rcptReply)
		case cmd == "DATA":
			reply("354 go ahead")
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			s.data <- b.String()
			reply("250 queued")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 OK")
		}
	}
}

func newTestSMTPClient(s *fakeSMTP) *SMTPClient {
	host, port, _ := net.SplitHostPort(s.ln.Addr().String())
	c := NewSMTPClient(SMTPConfig{Host: host, Timeout: 5 * time.Second})
	c.cfg.Port, _ = strconv.Atoi(port)
	c.now = func() time.Time { return time.Date(2026, 2, 14, 15, 0, 0, 0, time.UTC) }
	return c
}

func TestSMTPSend_Success(t *testing.T) {
	s := startFakeSMTP(t, "250 OK")

	id, err := newTestSMTPClient(s).Send(context.Background(), digestInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(id, "<") || !strings.HasSuffix(id, "@mobilelotw.org>") {
		t.Errorf("unexpected message id %q", id)
	}

	var data string
	select {
	case data = <-s.data:
	case <-time.After(2 * time.Second):
		t.Fatal("no DATA received")
	}
	for _, want := range []string{
		"To: k1abc@example.org\r\n",
		"Subject: Daily QSL Digest: 3 new QSLs\r\n",
		"Message-Id: " + id + "\r\n",
		"multipart/alternative",
		"text/plain; charset=\"utf-8\"",
		"<p>Hi K1ABC,</p>",
		"X-Reference-Id: batch-77\r\n",
	} {
		if !strings.Contains(data, want) {
			t.Errorf("DATA missing %q", want)
		}
	}
}

func TestSMTPSend_RecipientRejectedIsBlocked(t *testing.T) {
	s := startFakeSMTP(t, "550 mailbox unavailable")

	_, err := newTestSMTPClient(s).Send(context.Background(), digestInput())
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeEmailBlocked {
		t.Errorf("expected %s, got %s", types.ErrCodeEmailBlocked, appErr.Code)
	}
}

func TestSMTPSend_StartTLSRequiredButMissing(t *testing.T) {
	s := startFakeSMTP(t, "250 OK")
	c := newTestSMTPClient(s)
	c.cfg.StartTLS = true

	_, err := c.Send(context.Background(), digestInput())
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeUpstreamEmailProvider {
		t.Fatalf("expected upstream email provider error, got %v", err)
	}
}

func TestSMTPSend_NoHost(t *testing.T) {
	_, err := NewSMTPClient(SMTPConfig{}).Send(context.Background(), digestInput())
	if err == nil {
		t.Fatal("expected error without host")
	}
}

func TestBuildMIMEMessage_TextOnly(t *testing.T) {
	in := digestInput()
	in.Message.HTMLBody = ""
	in.Message.TextBody = "line one\nline two"
	raw, err := buildMIMEMessage(in, "<id@x>", time.Date(2026, 2, 14, 15, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg := string(raw)
	if strings.Contains(msg, "multipart") {
		t.Error("text-only message should not be multipart")
	}
	if !strings.HasSuffix(msg, "\r\n\r\nline one\r\nline two") {
		t.Errorf("expected CRLF body, got %q", msg)
	}
	if !strings.Contains(msg, "From: Mobile LoTW <info@mobilelotw.org>\r\n") {
		t.Errorf("unexpected From header in %q", msg)
	}
}
