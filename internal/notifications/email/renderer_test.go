package email

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"qsldigest/internal/types"
)

func sampleDigest(items int) DigestEmail {
	d := DigestEmail{
		To:          "k1abc@example.org",
		Op:          "K1ABC",
		QSLCount:    items,
		DigestDate:  "2026-02-14",
		URL:         "https://mobilelotw.org/qsl/digest?date=2026-02-14",
		ReferenceID: "77",
	}
	for i := 0; i < items; i++ {
		d.Items = append(d.Items, types.DigestItem{
			QSOID:   int64(100 + i),
			Call:    fmt.Sprintf("W%dAW", i),
			Band:    "20M",
			Mode:    "FT8",
			RxQSLAt: time.Date(2026, 2, 14, 9, i, 0, 0, time.UTC),
		})
	}
	return d
}

func TestRenderer_TextBodyAndSubject(t *testing.T) {
	r, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer() error: %v", err)
	}

	msg, err := r.Render(sampleDigest(3))
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}

	wantText := "Hi K1ABC,\n\nYou received 3 new LoTW QSLs.\nView your digest: https://mobilelotw.org/qsl/digest?date=2026-02-14\n\n73,\nMobile LoTW"
	if msg.TextBody != wantText {
		t.Errorf("text body mismatch:\n got: %q\nwant: %q", msg.TextBody, wantText)
	}
	if msg.Subject != "Daily QSL Digest: 3 new QSLs" {
		t.Errorf("unexpected subject %q", msg.Subject)
	}
	if msg.To != "k1abc@example.org" || msg.ReferenceID != "77" {
		t.Errorf("addressing not carried through: %+v", msg)
	}
}

func TestRenderer_HTMLBody(t *testing.T) {
	r, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer() error: %v", err)
	}

	msg, err := r.Render(sampleDigest(12))
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}

	for _, want := range []string{
		"<title>Daily QSL Digest</title>",
		"Hi K1ABC,",
		"<strong>12</strong>",
		`href="https://mobilelotw.org/qsl/digest?date=2026-02-14"`,
		"<td>W0AW</td>",
		"<td>W9AW</td>",
		"and 2 more",
	} {
		if !strings.Contains(msg.HTMLBody, want) {
			t.Errorf("html body missing %q", want)
		}
	}
	if strings.Contains(msg.HTMLBody, "W10AW") {
		t.Error("html preview should be capped at 10 rows")
	}
}

func TestRenderer_EscapesHTML(t *testing.T) {
	r, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer() error: %v", err)
	}
	d := sampleDigest(1)
	d.Op = "<script>"

	msg, err := r.Render(d)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if strings.Contains(msg.HTMLBody, "<script>") {
		t.Error("operator callsign must be escaped in html")
	}
	if !strings.HasPrefix(msg.TextBody, "Hi <script>,") {
		t.Error("text body is not html-escaped")
	}
}

func TestSubject(t *testing.T) {
	if got := Subject(1); got != "Daily QSL Digest: 1 new QSLs" {
		t.Errorf("Subject(1) = %q", got)
	}
}
