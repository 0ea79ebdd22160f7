package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/pulseiot/pulse/pkg/store"
)

// Anomaly and gap defaults, applied when the rule's conditions object
// leaves them unset.
const (
	defaultAnomalyWindowMinutes = 60
	defaultAnomalyMinSamples    = 10
	defaultAnomalyZThreshold    = 3
	defaultGapMinutes           = 15
)

// ruleCondition is one clause of a threshold rule's conditions array. A
// per-condition duration_minutes takes precedence over the rule-level
// duration_seconds.
type ruleCondition struct {
	Metric          string  `json:"metric"`
	Operator        string  `json:"operator"`
	Threshold       float64 `json:"threshold"`
	DurationMinutes int     `json:"duration_minutes"`
}

// anomalyParams are the anomaly knobs carried in the conditions object.
type anomalyParams struct {
	WindowMinutes int     `json:"window_minutes"`
	MinSamples    int64   `json:"min_samples"`
	ZThreshold    float64 `json:"z_threshold"`
}

// gapParams are the telemetry_gap knobs carried in the conditions object.
type gapParams struct {
	GapMinutes int `json:"gap_minutes"`
}

// outcome is the result of evaluating one rule against one device.
type outcome struct {
	fired     bool
	alertType string
	summary   string
	details   map[string]interface{}
}

// compareValues mirrors the SQL comparison set the breach-window query
// uses, so in-process and in-database evaluation agree on operators.
func compareValues(op string, value, threshold float64) (bool, error) {
	switch op {
	case "GT":
		return value > threshold, nil
	case "GTE":
		return value >= threshold, nil
	case "LT":
		return value < threshold, nil
	case "LTE":
		return value <= threshold, nil
	case "EQ":
		return value == threshold, nil
	case "NE":
		return value != threshold, nil
	default:
		return false, fmt.Errorf("evaluator: unknown operator %q", op)
	}
}

// conditionsOf returns the rule's threshold clauses: the conditions
// array when present, otherwise a single clause synthesized from the
// rule-level metric, operator and threshold.
func conditionsOf(r *store.AlertRule) ([]ruleCondition, error) {
	if len(r.Conditions) > 0 {
		var conds []ruleCondition
		if err := json.Unmarshal(r.Conditions, &conds); err != nil {
			return nil, fmt.Errorf("evaluator: rule %s conditions: %w", r.ID, err)
		}
		return conds, nil
	}
	if r.MetricName == "" {
		return nil, nil
	}
	return []ruleCondition{{Metric: r.MetricName, Operator: r.Operator, Threshold: r.Threshold}}, nil
}

func anomalyParamsOf(r *store.AlertRule) (anomalyParams, error) {
	p := anomalyParams{
		WindowMinutes: defaultAnomalyWindowMinutes,
		MinSamples:    defaultAnomalyMinSamples,
		ZThreshold:    defaultAnomalyZThreshold,
	}
	if len(r.Conditions) > 0 {
		if err := json.Unmarshal(r.Conditions, &p); err != nil {
			return p, fmt.Errorf("evaluator: rule %s conditions: %w", r.ID, err)
		}
	}
	if p.WindowMinutes <= 0 {
		p.WindowMinutes = defaultAnomalyWindowMinutes
	}
	if p.MinSamples <= 0 {
		p.MinSamples = defaultAnomalyMinSamples
	}
	if p.ZThreshold <= 0 {
		p.ZThreshold = defaultAnomalyZThreshold
	}
	return p, nil
}

func gapParamsOf(r *store.AlertRule) (gapParams, error) {
	p := gapParams{GapMinutes: defaultGapMinutes}
	if len(r.Conditions) > 0 {
		if err := json.Unmarshal(r.Conditions, &p); err != nil {
			return p, fmt.Errorf("evaluator: rule %s conditions: %w", r.ID, err)
		}
	}
	if p.GapMinutes <= 0 {
		p.GapMinutes = defaultGapMinutes
	}
	return p, nil
}

// normalizeSnapshot copies the raw metrics and layers the tenant's
// metric mappings on top. Mappings arrive ordered by priority then
// created_at; the first mapping producing a normalized name wins, and
// its value shadows any raw metric of the same name.
func normalizeSnapshot(raw map[string]float64, mappings []store.MetricMapping) map[string]float64 {
	snapshot := make(map[string]float64, len(raw))
	for k, v := range raw {
		snapshot[k] = v
	}
	mapped := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		if mapped[m.NormalizedName] {
			continue
		}
		rawVal, ok := raw[m.RawName]
		if !ok {
			continue
		}
		snapshot[m.NormalizedName] = rawVal*m.Multiplier + m.AddOffset
		mapped[m.NormalizedName] = true
	}
	return snapshot
}

// dispatchRule evaluates one rule against one device. An error means
// the rule could not be evaluated (bad config, query failure); the
// caller neither opens nor closes on errors.
func (s *Service) dispatchRule(ctx context.Context, rule *store.AlertRule, dev *store.DeviceRollup, snapshot map[string]float64, now time.Time) (outcome, error) {
	switch rule.RuleType {
	case store.RuleThreshold:
		return s.evalThreshold(ctx, rule, dev, snapshot, now)
	case store.RuleWindow:
		return s.evalWindow(rule, dev, snapshot, now)
	case store.RuleAnomaly:
		return s.evalAnomaly(ctx, rule, dev, now)
	case store.RuleTelemetryGap:
		return s.evalGap(ctx, rule, dev, now)
	default:
		return outcome{}, fmt.Errorf("evaluator: rule %s has unknown type %q", rule.ID, rule.RuleType)
	}
}

// evalThreshold checks every condition, short-circuiting under both
// match modes. A condition with a duration window must have been
// continuously breached: zero non-breaching rows and at least one row.
func (s *Service) evalThreshold(ctx context.Context, rule *store.AlertRule, dev *store.DeviceRollup, snapshot map[string]float64, now time.Time) (outcome, error) {
	conds, err := conditionsOf(rule)
	if err != nil {
		return outcome{}, err
	}
	if len(conds) == 0 {
		return outcome{}, fmt.Errorf("evaluator: rule %s has no conditions", rule.ID)
	}

	matchAll := rule.MatchMode != "any"
	fired := matchAll
	evaluated := make([]map[string]interface{}, 0, len(conds))

	for _, cond := range conds {
		var condMet bool

		window := time.Duration(cond.DurationMinutes) * time.Minute
		if window == 0 && rule.DurationSeconds > 0 {
			window = time.Duration(rule.DurationSeconds) * time.Second
		}

		detail := map[string]interface{}{
			"metric":    cond.Metric,
			"operator":  cond.Operator,
			"threshold": cond.Threshold,
		}
		if window > 0 {
			nonBreaching, total, err := s.telemetry.BreachWindow(ctx, dev.TenantID, dev.DeviceID,
				cond.Metric, cond.Operator, cond.Threshold, now.Add(-window))
			if err != nil {
				return outcome{}, err
			}
			condMet = nonBreaching == 0 && total >= 1
			detail["window_seconds"] = int(window / time.Second)
			detail["samples"] = total
		} else {
			value, ok := snapshot[cond.Metric]
			if ok {
				condMet, err = compareValues(cond.Operator, value, cond.Threshold)
				if err != nil {
					return outcome{}, err
				}
				detail["value"] = value
			}
		}
		detail["breached"] = condMet
		evaluated = append(evaluated, detail)

		if matchAll && !condMet {
			fired = false
			break
		}
		if !matchAll && condMet {
			fired = true
			break
		}
	}

	return outcome{
		fired:     fired,
		alertType: store.AlertThreshold,
		summary:   fmt.Sprintf("%s: conditions met on %s", rule.Name, dev.DeviceID),
		details: map[string]interface{}{
			"rule_name":  rule.Name,
			"match_mode": rule.MatchMode,
			"conditions": evaluated,
		},
	}, nil
}

// evalWindow aggregates the in-process ring for this (rule, device)
// pair. Fewer than two samples means no verdict either way; the ring
// re-warms from live traffic after a restart.
func (s *Service) evalWindow(rule *store.AlertRule, dev *store.DeviceRollup, snapshot map[string]float64, now time.Time) (outcome, error) {
	if rule.WindowSeconds <= 0 {
		return outcome{}, fmt.Errorf("evaluator: rule %s has no window_seconds", rule.ID)
	}
	span := time.Duration(rule.WindowSeconds) * time.Second
	win := s.windows.get(rule.ID, dev.DeviceID, span)

	if value, ok := snapshot[rule.MetricName]; ok && dev.LastTelemetryAt != nil {
		win.Add(value, *dev.LastTelemetryAt)
	}
	win.Prune(now)

	if win.Count() < 2 {
		return outcome{alertType: store.AlertWindow}, nil
	}
	agg, ok := win.Aggregate(rule.Aggregation)
	if !ok {
		return outcome{}, fmt.Errorf("evaluator: rule %s has unknown aggregation %q", rule.ID, rule.Aggregation)
	}
	fired, err := compareValues(rule.Operator, agg, rule.Threshold)
	if err != nil {
		return outcome{}, err
	}

	return outcome{
		fired:     fired,
		alertType: store.AlertWindow,
		summary: fmt.Sprintf("%s %s over %ds is %.4g (threshold %.4g)",
			rule.MetricName, rule.Aggregation, rule.WindowSeconds, agg, rule.Threshold),
		details: map[string]interface{}{
			"rule_name":   rule.Name,
			"metric":      rule.MetricName,
			"aggregation": rule.Aggregation,
			"value":       agg,
			"threshold":   rule.Threshold,
			"samples":     win.Count(),
		},
	}, nil
}

// evalAnomaly fires when the latest sample sits more than z_threshold
// standard deviations from the window mean. Constant data (zero
// stddev) and thin data (under min_samples) produce no verdict.
func (s *Service) evalAnomaly(ctx context.Context, rule *store.AlertRule, dev *store.DeviceRollup, now time.Time) (outcome, error) {
	params, err := anomalyParamsOf(rule)
	if err != nil {
		return outcome{}, err
	}

	since := now.Add(-time.Duration(params.WindowMinutes) * time.Minute)
	stats, err := s.telemetry.Stats(ctx, dev.TenantID, dev.DeviceID, rule.MetricName, since)
	if err != nil {
		return outcome{}, err
	}
	if stats.Count < params.MinSamples || stats.StdDev == 0 {
		return outcome{alertType: store.AlertAnomaly}, nil
	}

	z := math.Abs(stats.Latest-stats.Mean) / stats.StdDev
	return outcome{
		fired:     z > params.ZThreshold,
		alertType: store.AlertAnomaly,
		summary: fmt.Sprintf("%s at %.4g deviates %.2f sigma from mean %.4g",
			rule.MetricName, stats.Latest, z, stats.Mean),
		details: map[string]interface{}{
			"rule_name":   rule.Name,
			"metric":      rule.MetricName,
			"latest":      stats.Latest,
			"mean":        stats.Mean,
			"stddev":      stats.StdDev,
			"z_score":     z,
			"z_threshold": params.ZThreshold,
			"samples":     stats.Count,
		},
	}, nil
}

// evalGap fires when the device produced no row carrying the metric
// inside the gap window. Gap alerts use the NO_TELEMETRY type.
func (s *Service) evalGap(ctx context.Context, rule *store.AlertRule, dev *store.DeviceRollup, now time.Time) (outcome, error) {
	params, err := gapParamsOf(rule)
	if err != nil {
		return outcome{}, err
	}

	since := now.Add(-time.Duration(params.GapMinutes) * time.Minute)
	has, err := s.telemetry.HasMetricSince(ctx, dev.TenantID, dev.DeviceID, rule.MetricName, since)
	if err != nil {
		return outcome{}, err
	}

	return outcome{
		fired:     !has,
		alertType: store.AlertNoTelemetry,
		summary:   fmt.Sprintf("no %s telemetry from %s in %d minutes", rule.MetricName, dev.DeviceID, params.GapMinutes),
		details: map[string]interface{}{
			"rule_name":   rule.Name,
			"metric":      rule.MetricName,
			"gap_minutes": params.GapMinutes,
		},
	}, nil
}
