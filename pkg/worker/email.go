package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/pulseiot/pulse/pkg/store"
)

const defaultSubjectTemplate = "[Pulse sev {severity}] {alert_type} on {device_id}"

// emailChannel submits plain-text mail over SMTP. use_tls selects
// implicit TLS; otherwise STARTTLS is used when the server offers it.
type emailChannel struct {
	guard *EgressGuard
}

func (c *emailChannel) send(ctx context.Context, job *store.DeliveryJob, in *store.Integration) (*int, error) {
	cfg := emailConfig{Port: 587}
	if err := decodeConfig("email", in.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Host == "" {
		return nil, errors.New("missing_smtp_host")
	}
	if cfg.From == "" || len(cfg.To) == 0 {
		return nil, errors.New("missing_recipients")
	}
	if err := c.guard.CheckHost(ctx, cfg.Host); err != nil {
		return nil, errors.New("url_blocked:" + err.Error())
	}
	view, digest, err := decodePayload(job)
	if err != nil {
		return nil, err
	}

	opts := []mail.Option{mail.WithPort(cfg.Port)}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password))
	}
	if cfg.UseTLS {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp_client: %w", err)
	}

	msg := mail.NewMsg()
	if err := msg.From(cfg.From); err != nil {
		return nil, errors.New("bad_from_address")
	}
	if err := msg.To(cfg.To...); err != nil {
		return nil, errors.New("bad_to_address")
	}
	subject, body := renderEmail(cfg, job, view, digest)
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return nil, fmt.Errorf("smtp_send: %w", err)
	}
	return nil, nil
}

func renderEmail(cfg emailConfig, job *store.DeliveryJob, view *store.AlertView, digest *store.DigestView) (string, string) {
	if digest != nil {
		subject := fmt.Sprintf("[Pulse] Digest: %d alerts for %s", digest.AlertCount, digest.TenantID)
		var b strings.Builder
		fmt.Fprintf(&b, "Alert digest for %s\nPeriod: %s to %s\n\n",
			digest.TenantID,
			digest.PeriodStart.Format(time.RFC3339),
			digest.PeriodEnd.Format(time.RFC3339))
		for i := range digest.Alerts {
			a := &digest.Alerts[i]
			fmt.Fprintf(&b, "- sev %d %s %s on %s: %s\n", a.Severity, a.Status, a.AlertType, a.DeviceID, a.Summary)
		}
		return subject, b.String()
	}

	tpl := cfg.SubjectTemplate
	if tpl == "" {
		tpl = defaultSubjectTemplate
	}
	subject := renderTemplate(tpl, templateVars(job, view, nil))

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", view.Summary)
	fmt.Fprintf(&b, "Event:     %s\n", view.Event)
	fmt.Fprintf(&b, "Alert:     %s\n", view.AlertID)
	fmt.Fprintf(&b, "Device:    %s\n", view.DeviceID)
	fmt.Fprintf(&b, "Site:      %s\n", view.SiteID)
	fmt.Fprintf(&b, "Type:      %s\n", view.AlertType)
	fmt.Fprintf(&b, "Severity:  %d\n", view.Severity)
	fmt.Fprintf(&b, "Status:    %s\n", view.Status)
	fmt.Fprintf(&b, "Opened at: %s\n", view.CreatedAt.Format(time.RFC3339))
	if view.Escalated {
		fmt.Fprintf(&b, "Escalated: level %d\n", view.EscalationLevel)
	}
	return subject, b.String()
}
