package manager

const keyTypeEnum = `["rsa2048", "rsa3072", "rsa4096", "rsa8192", "ec256", "ec384"]`

const durationPattern = `^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

// ConfigSchema defines the JSON schema for the configuration file
const ConfigSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"title": "go-acme-cert-manager configuration",
	"type": "object",
	"required": ["email", "acme_server"],
	"additionalProperties": false,
	"properties": {
		"email": {
			"type": "string",
			"format": "email",
			"description": "Contact address of the ACME account"
		},
		"acme_server": {
			"type": "string",
			"format": "uri",
			"description": "ACME directory URL"
		},
		"storage_path": {
			"type": "string",
			"description": "Directory holding the managed item database, certificates, accounts and logs"
		},
		"key_type": {
			"type": "string",
			"enum": ` + keyTypeEnum + `,
			"description": "Default certificate key type"
		},
		"dns_resolver": {
			"type": "string",
			"description": "Resolver (host or host:port) used for DNS configuration checks"
		},
		"http_timeout": {
			"type": "string",
			"pattern": "` + durationPattern + `",
			"description": "Timeout of HTTP requests to the ACME server"
		},
		"status_report_url": {
			"type": "string",
			"format": "uri",
			"description": "Endpoint receiving failure notifications"
		},
		"renewal": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"interval_days": {"type": "integer", "minimum": 1},
				"max_renewal_requests": {"type": "integer", "minimum": 0},
				"perform_requests_in_parallel": {"type": "boolean"},
				"ignore_stopped_sites": {"type": "boolean"},
				"check_failures": {"type": "boolean"},
				"enable_dns_validation_checks": {"type": "boolean"},
				"validation_wait": {"type": "string", "pattern": "` + durationPattern + `"},
				"schedule": {"type": "string", "minLength": 1},
				"maintenance_schedule": {"type": "string", "minLength": 1}
			}
		},
		"metrics": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"listen": {"type": "string"}
			}
		},
		"server": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"deploy_path": {"type": "string"},
				"sites": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["id", "hostnames"],
						"additionalProperties": false,
						"properties": {
							"id": {"type": "string", "minLength": 1},
							"name": {"type": "string"},
							"root_path": {"type": "string"},
							"hostnames": {
								"type": "array",
								"items": {"type": "string"},
								"minItems": 1
							},
							"stopped": {"type": "boolean"}
						}
					}
				}
			}
		},
		"credentials": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"additionalProperties": {"type": "string"}
			}
		},
		"acme_dns": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"server": {"type": "string", "format": "uri"},
				"accounts_file": {"type": "string"}
			}
		}
	}
}`
