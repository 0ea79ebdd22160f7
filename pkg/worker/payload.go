package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pulseiot/pulse/pkg/store"
)

// decodePayload splits a job payload by event. Exactly one of the two
// views is non-nil on success.
func decodePayload(job *store.DeliveryJob) (*store.AlertView, *store.DigestView, error) {
	if job.DeliverOnEvent == store.EventDigest {
		var d store.DigestView
		if err := json.Unmarshal(job.Payload, &d); err != nil {
			return nil, nil, errors.New("bad_payload")
		}
		return nil, &d, nil
	}
	var v store.AlertView
	if err := json.Unmarshal(job.Payload, &v); err != nil {
		return nil, nil, errors.New("bad_payload")
	}
	return &v, nil, nil
}

// templateVars builds the {token} substitution pairs used by topic and
// subject templates. Digest jobs have no device; those tokens render
// empty.
func templateVars(job *store.DeliveryJob, view *store.AlertView, digest *store.DigestView) []string {
	if digest != nil {
		return []string{
			"{tenant_id}", job.TenantID,
			"{device_id}", "",
			"{site_id}", "",
			"{alert_id}", "",
			"{alert_type}", store.EventDigest,
			"{severity}", "",
			"{summary}", fmt.Sprintf("%d alerts", digest.AlertCount),
			"{event}", digest.Event,
		}
	}
	return []string{
		"{tenant_id}", job.TenantID,
		"{device_id}", view.DeviceID,
		"{site_id}", view.SiteID,
		"{alert_id}", view.AlertID,
		"{alert_type}", view.AlertType,
		"{severity}", strconv.Itoa(view.Severity),
		"{summary}", view.Summary,
		"{event}", view.Event,
	}
}

func renderTemplate(tpl string, vars []string) string {
	return strings.NewReplacer(vars...).Replace(tpl)
}
