// Package seed loads a YAML fixture file describing tenants and their
// devices, rules, integrations and routes, validates it, and applies it
// through the store layer. Bootstrap uses it to stand up a working
// deployment; tests use it for fixtures.
package seed

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// File is the root of a seed document.
type File struct {
	Settings map[string]string `yaml:"settings"`
	Tenants  []Tenant          `yaml:"tenants"`
}

// Tenant groups everything seeded under one tenant id.
type Tenant struct {
	TenantID           string              `yaml:"tenant_id"`
	Devices            []Device            `yaml:"devices"`
	Rules              []Rule              `yaml:"rules"`
	MetricMappings     []MetricMapping     `yaml:"metric_mappings"`
	MaintenanceWindows []MaintenanceWindow `yaml:"maintenance_windows"`
	Integrations       []Integration       `yaml:"integrations"`
	Routes             []Route             `yaml:"routes"`
	Digest             *Digest             `yaml:"digest"`
}

// Device provisions one registry entry. ProvisionToken is the shared
// secret in the clear; only its SHA-256 is persisted.
type Device struct {
	DeviceID       string   `yaml:"device_id"`
	SiteID         string   `yaml:"site_id"`
	Status         string   `yaml:"status"`
	ProvisionToken string   `yaml:"provision_token"`
	Metadata       JSONBlob `yaml:"metadata"`
	Groups         []string `yaml:"groups"`
}

// Rule seeds one alert rule. Conditions carries the rule_type-specific
// parameters verbatim.
type Rule struct {
	ID                string   `yaml:"id"`
	Name              string   `yaml:"name"`
	RuleType          string   `yaml:"rule_type"`
	Enabled           *bool    `yaml:"enabled"`
	MetricName        string   `yaml:"metric_name"`
	Operator          string   `yaml:"operator"`
	Threshold         float64  `yaml:"threshold"`
	Severity          int      `yaml:"severity"`
	SiteIDs           []string `yaml:"site_ids"`
	GroupIDs          []string `yaml:"group_ids"`
	Conditions        JSONBlob `yaml:"conditions"`
	MatchMode         string   `yaml:"match_mode"`
	DurationSeconds   int      `yaml:"duration_seconds"`
	Aggregation       string   `yaml:"aggregation"`
	WindowSeconds     int      `yaml:"window_seconds"`
	EscalationMinutes int      `yaml:"escalation_minutes"`
}

// MetricMapping seeds one raw→normalized linear transform.
type MetricMapping struct {
	ID             string  `yaml:"id"`
	NormalizedName string  `yaml:"normalized_name"`
	RawName        string  `yaml:"raw_name"`
	Multiplier     float64 `yaml:"multiplier"`
	AddOffset      float64 `yaml:"add_offset"`
	Priority       int     `yaml:"priority"`
	Enabled        *bool   `yaml:"enabled"`
}

// MaintenanceWindow seeds one suppression window. Timestamps are
// RFC3339 strings.
type MaintenanceWindow struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Enabled     *bool    `yaml:"enabled"`
	StartsAt    string   `yaml:"starts_at"`
	EndsAt      string   `yaml:"ends_at"`
	Recurring   bool     `yaml:"recurring"`
	DaysOfWeek  []int64  `yaml:"days_of_week"`
	StartHour   int      `yaml:"start_hour"`
	EndHour     int      `yaml:"end_hour"`
	SiteIDs     []string `yaml:"site_ids"`
	DeviceTypes []string `yaml:"device_types"`
}

// Integration seeds one external sink. Config is the kind-specific
// object and is stored as given.
type Integration struct {
	ID      string   `yaml:"id"`
	Kind    string   `yaml:"kind"`
	Name    string   `yaml:"name"`
	Enabled *bool    `yaml:"enabled"`
	Config  JSONBlob `yaml:"config"`
}

// Route seeds one alert→integration filter.
type Route struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	IntegrationID  string   `yaml:"integration_id"`
	Enabled        *bool    `yaml:"enabled"`
	Priority       int      `yaml:"priority"`
	MinSeverity    *int     `yaml:"min_severity"`
	AlertTypes     []string `yaml:"alert_types"`
	SiteIDs        []string `yaml:"site_ids"`
	DevicePrefixes []string `yaml:"device_prefixes"`
	DeliverOn      []string `yaml:"deliver_on"`
	FilterCEL      string   `yaml:"filter_cel"`
}

// Digest seeds the tenant's digest settings.
type Digest struct {
	Enabled         *bool  `yaml:"enabled"`
	IntegrationID   string `yaml:"integration_id"`
	IntervalMinutes int    `yaml:"interval_minutes"`
	MinSeverity     *int   `yaml:"min_severity"`
}

// JSONBlob accepts an arbitrary YAML mapping and carries it as
// canonical JSON, the form the JSONB columns store.
type JSONBlob json.RawMessage

func (b *JSONBlob) UnmarshalYAML(value *yaml.Node) error {
	var v any
	if err := value.Decode(&v); err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("seed: encode blob: %w", err)
	}
	*b = JSONBlob(raw)
	return nil
}

// Raw returns the blob as a json.RawMessage, nil when empty.
func (b JSONBlob) Raw() json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

// fileSchema rejects malformed seed documents before any row is
// written. It checks enums and required identifiers; unknown fields
// pass so older seeds keep loading.
const fileSchema = `{
	"type": "object",
	"properties": {
		"settings": {"type": "object", "additionalProperties": {"type": "string"}},
		"tenants": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["tenant_id"],
				"properties": {
					"tenant_id": {"type": "string", "minLength": 1},
					"devices": {"type": "array", "items": {
						"type": "object",
						"required": ["device_id", "site_id"],
						"properties": {
							"device_id": {"type": "string", "minLength": 1},
							"site_id": {"type": "string", "minLength": 1},
							"status": {"enum": ["ACTIVE", "REVOKED", "DELETED"]}
						}
					}},
					"rules": {"type": "array", "items": {
						"type": "object",
						"required": ["name", "rule_type"],
						"properties": {
							"rule_type": {"enum": ["threshold", "window", "anomaly", "telemetry_gap"]},
							"operator": {"enum": ["GT", "GTE", "LT", "LTE", "EQ", "NE"]},
							"severity": {"type": "integer", "minimum": 1, "maximum": 5},
							"match_mode": {"enum": ["all", "any"]},
							"aggregation": {"enum": ["avg", "min", "max", "count", "sum"]}
						}
					}},
					"integrations": {"type": "array", "items": {
						"type": "object",
						"required": ["id", "kind"],
						"properties": {
							"kind": {"enum": ["webhook", "snmp", "email", "mqtt", "slack"]}
						}
					}},
					"routes": {"type": "array", "items": {
						"type": "object",
						"required": ["integration_id"],
						"properties": {
							"deliver_on": {"type": "array", "items": {"enum": ["OPEN", "CLOSED"]}},
							"min_severity": {"type": "integer", "minimum": 1, "maximum": 5}
						}
					}}
				}
			}
		}
	}
}`

var compiledFileSchema = mustCompileFileSchema()

func mustCompileFileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://pulse.schemas.local/seed.schema.json"
	if err := c.AddResource(url, strings.NewReader(fileSchema)); err != nil {
		panic(fmt.Sprintf("seed: schema: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("seed: schema: %v", err))
	}
	return s
}

// Load reads and validates a seed file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse validates and decodes seed YAML.
func Parse(raw []byte) (*File, error) {
	// Validate against the schema on the generic decode so the error
	// points at the document, then decode into the typed form.
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("seed: parse yaml: %w", err)
	}
	if err := compiledFileSchema.Validate(normalizeYAML(generic)); err != nil {
		return nil, fmt.Errorf("seed: invalid seed file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("seed: decode: %w", err)
	}
	for i := range f.Tenants {
		t := &f.Tenants[i]
		for _, r := range t.Routes {
			if !hasIntegration(t.Integrations, r.IntegrationID) {
				return nil, fmt.Errorf("seed: tenant %s: route %q references unknown integration %q",
					t.TenantID, r.Name, r.IntegrationID)
			}
		}
		if t.Digest != nil && !hasIntegration(t.Integrations, t.Digest.IntegrationID) {
			return nil, fmt.Errorf("seed: tenant %s: digest references unknown integration %q",
				t.TenantID, t.Digest.IntegrationID)
		}
	}
	return &f, nil
}

func hasIntegration(ins []Integration, id string) bool {
	for _, in := range ins {
		if in.ID == id {
			return true
		}
	}
	return false
}

// normalizeYAML rewrites yaml's map[string]any / []any tree into the
// shape jsonschema validates (yaml.v3 already decodes mappings with
// string keys, but nested numbers need no coercion either way).
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}
