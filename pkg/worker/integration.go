package worker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Each integration kind carries a typed config parsed from the raw
// JSONB column at send time. Schemas enforce types and enums only;
// presence of the load-bearing fields is checked in channel code so a
// bare token like missing_url lands in last_error instead of a schema
// trace. Unknown fields pass through untouched.

type webhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Secret  string            `json:"secret"`
	Auth    string            `json:"auth"`
}

type snmpConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Version   string `json:"version"`
	Community string `json:"community"`
	User      string `json:"user"`
	AuthProto string `json:"auth_proto"`
	AuthPass  string `json:"auth_pass"`
	PrivProto string `json:"priv_proto"`
	PrivPass  string `json:"priv_pass"`
	OIDPrefix string `json:"oid_prefix"`
}

type emailConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Username        string   `json:"username"`
	Password        string   `json:"password"`
	From            string   `json:"from"`
	To              []string `json:"to"`
	UseTLS          bool     `json:"use_tls"`
	SubjectTemplate string   `json:"subject_template"`
}

type mqttConfig struct {
	TopicTemplate string `json:"topic_template"`
	QoS           int    `json:"qos"`
	Retain        bool   `json:"retain"`
}

type slackConfig struct {
	WebhookURL string `json:"webhook_url"`
	Channel    string `json:"channel"`
	Username   string `json:"username"`
}

var rawConfigSchemas = map[string]string{
	"webhook": `{
		"type": "object",
		"properties": {
			"url": {"type": "string"},
			"headers": {"type": "object", "additionalProperties": {"type": "string"}},
			"secret": {"type": "string"},
			"auth": {"enum": ["none", "bearer_jwt"]}
		}
	}`,
	"snmp": `{
		"type": "object",
		"properties": {
			"host": {"type": "string"},
			"port": {"type": "integer", "minimum": 1, "maximum": 65535},
			"version": {"enum": ["2c", "3"]},
			"community": {"type": "string"},
			"user": {"type": "string"},
			"auth_proto": {"enum": ["MD5", "SHA"]},
			"auth_pass": {"type": "string"},
			"priv_proto": {"enum": ["DES", "AES"]},
			"priv_pass": {"type": "string"},
			"oid_prefix": {"type": "string", "pattern": "^[0-9.]+$"}
		}
	}`,
	"email": `{
		"type": "object",
		"properties": {
			"host": {"type": "string"},
			"port": {"type": "integer", "minimum": 1, "maximum": 65535},
			"username": {"type": "string"},
			"password": {"type": "string"},
			"from": {"type": "string"},
			"to": {"type": "array", "items": {"type": "string"}},
			"use_tls": {"type": "boolean"},
			"subject_template": {"type": "string"}
		}
	}`,
	"mqtt": `{
		"type": "object",
		"properties": {
			"topic_template": {"type": "string"},
			"qos": {"type": "integer", "minimum": 0, "maximum": 2},
			"retain": {"type": "boolean"}
		}
	}`,
	"slack": `{
		"type": "object",
		"properties": {
			"webhook_url": {"type": "string"},
			"channel": {"type": "string"},
			"username": {"type": "string"}
		}
	}`,
}

var configSchemas = mustCompileConfigSchemas()

func mustCompileConfigSchemas() map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(rawConfigSchemas))
	for kind, raw := range rawConfigSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		schemaURL := fmt.Sprintf("https://pulse.schemas.local/integrations/%s.schema.json", kind)
		if err := c.AddResource(schemaURL, strings.NewReader(raw)); err != nil {
			panic(fmt.Sprintf("worker: %s config schema: %v", kind, err))
		}
		compiled, err := c.Compile(schemaURL)
		if err != nil {
			panic(fmt.Sprintf("worker: %s config schema: %v", kind, err))
		}
		out[kind] = compiled
	}
	return out
}

// decodeConfig validates raw against the kind's schema, then decodes
// it into dst. dst should be pre-filled with the kind's defaults.
func decodeConfig(kind string, raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("bad_config:%s", kind)
	}
	if schema, ok := configSchemas[kind]; ok {
		if err := schema.Validate(v); err != nil {
			return fmt.Errorf("bad_config:%s", kind)
		}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("bad_config:%s", kind)
	}
	return nil
}
