package bootstrap

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"qsldigest/internal/config"
	"qsldigest/internal/external"
	"qsldigest/internal/notifications/core"
	"qsldigest/internal/notifications/webpush"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewEmailProvider(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.EmailConfig
		wantErr bool
		check   func(t *testing.T, p external.EmailProvider)
	}{
		{
			name: "smtp",
			cfg:  config.EmailConfig{Provider: "smtp", SMTPHost: "smtp.example.org", SMTPPort: 587, SMTPStartTLS: true},
			check: func(t *testing.T, p external.EmailProvider) {
				if _, ok := p.(*external.SMTPClient); !ok {
					t.Errorf("expected *SMTPClient, got %T", p)
				}
			},
		},
		{
			name:    "smtp without host",
			cfg:     config.EmailConfig{Provider: "smtp"},
			wantErr: true,
		},
		{
			name: "sendgrid",
			cfg:  config.EmailConfig{Provider: "sendgrid", SendGridAPIKey: "SG.key"},
			check: func(t *testing.T, p external.EmailProvider) {
				if _, ok := p.(*external.SendGridClient); !ok {
					t.Errorf("expected *SendGridClient, got %T", p)
				}
			},
		},
		{
			name:    "sendgrid without key",
			cfg:     config.EmailConfig{Provider: "sendgrid"},
			wantErr: true,
		},
		{
			name: "stub",
			cfg:  config.EmailConfig{Provider: "stub"},
			check: func(t *testing.T, p external.EmailProvider) {
				if _, ok := p.(*external.StubEmailProvider); !ok {
					t.Errorf("expected *StubEmailProvider, got %T", p)
				}
			},
		},
		{
			name:    "unknown",
			cfg:     config.EmailConfig{Provider: "carrier-pigeon"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewEmailProvider(tt.cfg, discardLogger())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, p)
		})
	}
}

func TestNewPushSender(t *testing.T) {
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("GenerateVAPIDKeys: %v", err)
	}

	cfg := &config.Config{
		Digest: config.DigestConfig{WebPushEnabled: true},
		WebPush: config.WebPushConfig{
			VAPIDPublicKey:  pub,
			VAPIDPrivateKey: config.SecretString(priv),
			Subject:         "mailto:info@mobilelotw.org",
			TTL:             time.Hour,
		},
	}
	sender, err := NewPushSender(cfg)
	if err != nil || sender == nil {
		t.Fatalf("expected sender, got %v, %v", sender, err)
	}

	disabled := *cfg
	disabled.Digest.WebPushEnabled = false
	if s, err := NewPushSender(&disabled); s != nil || err != nil {
		t.Errorf("disabled push should yield nil sender, got %v, %v", s, err)
	}

	noKey := *cfg
	noKey.WebPush.VAPIDPrivateKey = ""
	if s, err := NewPushSender(&noKey); s != nil || err != nil {
		t.Errorf("missing key should yield nil sender, got %v, %v", s, err)
	}

	bad := *cfg
	bad.WebPush.VAPIDPrivateKey = "not-a-key"
	if _, err := NewPushSender(&bad); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestNewDispatcher_EmailDisabled(t *testing.T) {
	cfg := &config.Config{
		Digest: config.DigestConfig{Enabled: true, EmailEnabled: false},
		Email:  config.EmailConfig{Provider: "carrier-pigeon"},
	}
	if _, err := NewDispatcher(cfg, nil, nil, discardLogger()); err != nil {
		t.Fatalf("email provider must not be built when email is disabled: %v", err)
	}

	cfg.Digest.EmailEnabled = true
	if _, err := NewDispatcher(cfg, nil, nil, discardLogger()); err == nil {
		t.Fatal("expected provider error when email is enabled")
	}
}

func TestDriverSettings(t *testing.T) {
	got := DriverSettings(config.DigestConfig{
		Enabled:            true,
		RequireEntitlement: true,
		GenerateLimit:      5,
		DispatchLimit:      100,
		RetentionDays:      30,
		PurgeTimeout:       2 * time.Minute,
	})
	if !got.Enabled || !got.RequireEntitlement || got.GenerateLimit != 5 || got.DispatchLimit != 100 ||
		got.RetentionDays != 30 || got.PurgeTimeout != 2*time.Minute {
		t.Errorf("unexpected settings %+v", got)
	}
}

func TestMetricsEnabled(t *testing.T) {
	cfg := &config.Config{Environment: "local", AWS: config.AWSConfig{MetricsEnabled: true}}
	if metricsEnabled(cfg) {
		t.Error("metrics must be off in local mode")
	}
	cfg.Environment = "prod"
	if !metricsEnabled(cfg) {
		t.Error("metrics should be on in prod")
	}
}

func TestProbes_Empty(t *testing.T) {
	if probes := (&App{}).Probes(); len(probes) != 0 {
		t.Errorf("expected no probes without connections, got %d", len(probes))
	}
}

func TestTransportRetry(t *testing.T) {
	got := transportRetry(core.EmailRetryPolicy)
	want := external.RetryPolicy{MaxRetries: 2, MinWait: time.Second, MaxWait: 10 * time.Second}
	if got != want {
		t.Errorf("email: got %+v, want %+v", got, want)
	}
	if got := transportRetry(core.RetryPolicy{}); got.MaxRetries != 0 {
		t.Errorf("zero policy should not retry, got %+v", got)
	}
}
