package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/slack-go/slack"

	"github.com/pulseiot/pulse/pkg/store"
)

// digestBlockLines caps the digest listing so the message stays under
// Slack's per-block text limit.
const digestBlockLines = 20

// slackChannel posts block-formatted messages to a tenant-configured
// incoming webhook.
type slackChannel struct {
	guard  *EgressGuard
	client *http.Client
}

func (c *slackChannel) send(ctx context.Context, job *store.DeliveryJob, in *store.Integration) (*int, error) {
	var cfg slackConfig
	if err := decodeConfig("slack", in.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.WebhookURL == "" {
		return nil, errors.New("missing_webhook_url")
	}
	if err := c.guard.CheckURL(ctx, cfg.WebhookURL); err != nil {
		return nil, errors.New("url_blocked:" + err.Error())
	}
	view, digest, err := decodePayload(job)
	if err != nil {
		return nil, err
	}

	msg := &slack.WebhookMessage{
		Channel:  cfg.Channel,
		Username: cfg.Username,
	}
	if digest != nil {
		msg.Text = fmt.Sprintf("Pulse digest: %d alerts", digest.AlertCount)
		msg.Blocks = digestBlocks(digest)
	} else {
		msg.Text = view.Summary
		msg.Blocks = alertBlocks(view)
	}

	if err := slack.PostWebhookCustomHTTPContext(ctx, cfg.WebhookURL, c.client, msg); err != nil {
		var sce slack.StatusCodeError
		if errors.As(err, &sce) {
			status := sce.Code
			return &status, fmt.Errorf("http_%d", sce.Code)
		}
		return nil, err
	}
	status := http.StatusOK
	return &status, nil
}

func alertBlocks(v *store.AlertView) *slack.Blocks {
	header := slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType,
		fmt.Sprintf("%s: %s", v.Event, v.AlertType), false, false))
	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Device*\n%s", v.DeviceID), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Site*\n%s", v.SiteID), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Severity*\n%d", v.Severity), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Status*\n%s", v.Status), false, false),
	}
	summary := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, v.Summary, false, false), fields, nil)

	blocks := []slack.Block{header, summary}
	if v.Escalated {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("Escalated to level %d", v.EscalationLevel), false, false)))
	}
	return &slack.Blocks{BlockSet: blocks}
}

func digestBlocks(d *store.DigestView) *slack.Blocks {
	header := slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType,
		fmt.Sprintf("Pulse digest: %d alerts", d.AlertCount), false, false))

	lines := make([]string, 0, digestBlockLines+1)
	for i := range d.Alerts {
		if i == digestBlockLines {
			lines = append(lines, fmt.Sprintf("and %d more", d.AlertCount-digestBlockLines))
			break
		}
		a := &d.Alerts[i]
		lines = append(lines, fmt.Sprintf("sev %d %s `%s` on %s: %s",
			a.Severity, a.Status, a.AlertType, a.DeviceID, a.Summary))
	}
	body := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, strings.Join(lines, "\n"), false, false), nil, nil)
	return &slack.Blocks{BlockSet: []slack.Block{header, body}}
}
