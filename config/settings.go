package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Settings is the runtime configuration of the sync service, read from the
// environment (and .env when present).
type Settings struct {
	Beds24APIURL               string
	Beds24ReadToken            string
	Beds24InviteCode           string
	Beds24DeviceName           string
	Beds24SetupEnabled         bool
	Beds24CredentialTTL        time.Duration
	Beds24Timeout              time.Duration
	Beds24RateLimitPerMin      int
	Beds24RateLimitCooldown    time.Duration
	Beds24RateLimitMaxAttempts int
	Beds24TransientMaxAttempts int
	Beds24BackoffBase          time.Duration
	Beds24BackoffMax           time.Duration

	PhoneRegion string

	SyncBatchSize       int
	SyncPageSize        int
	SyncConcurrency     int
	SyncBatchDelay      time.Duration
	SyncNewLookbackDays int
	SyncNewAheadDays    int
	SyncModifiedHours   int
	SyncUpcomingDays    int
	SyncCancelledDays   int

	SyncJobsTopic           string
	SyncJobsSubscription    string
	SyncJobsDeadLetterTopic string
	SyncWorkerConcurrency   int
	SyncJobMaxAttempts      int
	SyncWorkerEnabled       bool

	SyncCronEnabled          bool
	SyncCronSchedule         string
	SyncModifiedCronSchedule string
	SyncCronTZ               string

	ReportBucket    string
	AdminJWTSecret  string
	WebhookToken    string
	WebhookDebounce time.Duration
}

func LoadSettings() Settings {
	godotenv.Load()

	return Settings{
		Beds24APIURL:               strFromEnv("BEDS24_API_URL", "https://api.beds24.com/v2"),
		Beds24ReadToken:            strings.TrimSpace(os.Getenv("BEDS24_TOKEN")),
		Beds24InviteCode:           strings.TrimSpace(os.Getenv("BEDS24_INVITE_CODE")),
		Beds24DeviceName:           strFromEnv("BEDS24_DEVICE_NAME", "booking-sync"),
		Beds24SetupEnabled:         EnvBoolDefault("BEDS24_SETUP_ENABLED", false),
		Beds24CredentialTTL:        durationFromEnv("BEDS24_CREDENTIAL_TTL", 25*24*time.Hour),
		Beds24Timeout:              durationFromEnv("BEDS24_TIMEOUT", 30*time.Second),
		Beds24RateLimitPerMin:      intFromEnv("BEDS24_RATE_LIMIT_PER_MIN", 100),
		Beds24RateLimitCooldown:    durationFromEnv("BEDS24_RATE_LIMIT_COOLDOWN", 6*time.Minute),
		Beds24RateLimitMaxAttempts: intFromEnv("BEDS24_RATE_LIMIT_MAX_ATTEMPTS", 5),
		Beds24TransientMaxAttempts: intFromEnv("BEDS24_TRANSIENT_MAX_ATTEMPTS", 4),
		Beds24BackoffBase:          durationFromEnv("BEDS24_BACKOFF_BASE", time.Second),
		Beds24BackoffMax:           durationFromEnv("BEDS24_BACKOFF_MAX", 30*time.Second),

		PhoneRegion: strFromEnv("BEDS24_PHONE_REGION", "CO"),

		SyncBatchSize:       intFromEnv("SYNC_BATCH_SIZE", 20),
		SyncPageSize:        intFromEnv("SYNC_PAGE_SIZE", 100),
		SyncConcurrency:     intFromEnv("SYNC_CONCURRENCY", 5),
		SyncBatchDelay:      durationFromEnv("SYNC_BATCH_DELAY", time.Second),
		SyncNewLookbackDays: intFromEnv("SYNC_NEW_LOOKBACK_DAYS", 30),
		SyncNewAheadDays:    intFromEnv("SYNC_NEW_AHEAD_DAYS", 365),
		SyncModifiedHours:   intFromEnv("SYNC_MODIFIED_HOURS", 48),
		SyncUpcomingDays:    intFromEnv("SYNC_UPCOMING_DAYS", 30),
		SyncCancelledDays:   intFromEnv("SYNC_CANCELLED_DAYS", 365),

		SyncJobsTopic:           strFromEnv("SYNC_JOBS_TOPIC", "booking-sync-jobs"),
		SyncJobsSubscription:    strFromEnv("SYNC_JOBS_SUBSCRIPTION", "booking-sync-jobs-worker"),
		SyncJobsDeadLetterTopic: strings.TrimSpace(os.Getenv("SYNC_JOBS_DEAD_LETTER_TOPIC")),
		SyncWorkerConcurrency:   intFromEnv("SYNC_WORKER_CONCURRENCY", 2),
		SyncJobMaxAttempts:      intFromEnv("SYNC_JOB_MAX_ATTEMPTS", 3),
		SyncWorkerEnabled:       EnvBoolDefault("SYNC_WORKER_ENABLED", true),

		SyncCronEnabled:          EnvBoolDefault("SYNC_CRON_ENABLED", true),
		SyncCronSchedule:         strFromEnv("SYNC_CRON_SCHEDULE", "0 1 * * *"),
		SyncModifiedCronSchedule: strFromEnv("SYNC_MODIFIED_CRON_SCHEDULE", "*/30 * * * *"),
		SyncCronTZ:               strFromEnv("SYNC_CRON_TZ", "America/Bogota"),

		ReportBucket:    strings.TrimSpace(os.Getenv("REPORT_GCS_BUCKET")),
		AdminJWTSecret:  strings.TrimSpace(os.Getenv("ADMIN_JWT_SECRET")),
		WebhookToken:    strings.TrimSpace(os.Getenv("WEBHOOK_TOKEN")),
		WebhookDebounce: durationFromEnv("WEBHOOK_DEBOUNCE", time.Minute),
	}
}

func strFromEnv(key string, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// durationFromEnv accepts Go durations ("6m", "1h30m") or a bare number of seconds.
func durationFromEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func EnvBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
