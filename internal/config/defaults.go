package config

import (
	"github.com/knadh/koanf/v2"
)

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"server.host": "0.0.0.0",
		"server.port": 8000,

		"comfy.host":                "127.0.0.1",
		"comfy.port":                8188,
		"comfy.submit_timeout":      "30s",
		"comfy.max_job_duration":    "30m",
		"comfy.stream.max_retries":  5,
		"comfy.stream.base_backoff": "2s",
		"comfy.stream.max_backoff":  "60s",

		"jobs.store": "redis",
		"jobs.ttl":   "24h",

		"redis.url": "redis://localhost:6379/0",

		"workflows.dir": "workflows",

		"storage.enabled":              false,
		"storage.region":               "us-east-1",
		"storage.prefix":               "generations/",
		"storage.cleanup_after_upload": true,

		"cloudfront.enabled":     false,
		"cloudfront.signed_urls": false,
		"cloudfront.url_expiry":  "1h",

		"webhook.max_attempts": 5,
		"webhook.base_backoff": "1s",

		"logging.level":  "info",
		"logging.format": "pretty",
	}

	for key, val := range defaults {
		k.Set(key, val)
	}
	return nil
}
