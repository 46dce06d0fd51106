// Package config loads salonguard configuration from SALONGUARD_* environment
// variables with sensible defaults for all settings.
//
// Server settings:
//
//	SALONGUARD_PORT="8080"
//	SALONGUARD_ENVIRONMENT="production"
//	SALONGUARD_HANDLER_TIMEOUT="10s"
//	SALONGUARD_ALLOWED_ORIGINS="https://book.example-salon.com"
//
// Shared stores:
//
//	SALONGUARD_RATELIMIT_BACKEND="redis"       # memory or redis
//	SALONGUARD_IDEMPOTENCY_BACKEND="postgres"  # memory, redis or postgres
//	SALONGUARD_REDIS_URL="redis://localhost:6379/0"
//	SALONGUARD_POSTGRES_URL="postgres://localhost/salon"
//	SALONGUARD_IDEMPOTENCY_TTL="24h"
//	SALONGUARD_IDEMPOTENCY_LEASE="40s"         # default: handler timeout + 30s
//
// Policy and quotas:
//
//	SALONGUARD_POLICY_FILE="/etc/salonguard/policy.yaml"
//	SALONGUARD_RATELIMIT_CUSTOMER="100"          # per minute
//	SALONGUARD_RATELIMIT_AUTH_MAX="5"
//	SALONGUARD_RATELIMIT_AUTH_WINDOW="15m"
//
// Alerts:
//
//	SALONGUARD_ALERT_THROTTLE_MINUTES="15"
//	SALONGUARD_ALERT_WEBHOOK_URL="https://ops.example.com/hooks/salonguard"
//	SALONGUARD_ALERT_WEBHOOK_SECRET="..."
//	SALONGUARD_ALERT_SMS_RECIPIENTS="+15550100"
//	SALONGUARD_SMTP_ADDR="smtp.example.com:587"
//	SALONGUARD_SMS_GATEWAY_URL="https://sms.example.com/v1/messages"
//
// Audit archive (used by salonguard-sweeper):
//
//	SALONGUARD_AUDIT_FILE="/var/log/salonguard/audit.log"
//	SALONGUARD_S3_BUCKET="salon-audit"
//	SALONGUARD_S3_ENDPOINT="http://minio:9000"   # optional, for S3-compatible stores
//
// Production refuses the memory backends: they cannot enforce limits or
// deduplicate requests across instances.
package config
