package config

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/vigil/internal/failure"
)

// Default reply texts the backend sends for compliance keywords.
const (
	DefaultHelpReply  = "Reply STOP to opt out or contact support@medspa.ai."
	DefaultStopReply  = "You have been opted out. Reply HELP for info."
	DefaultStartReply = "You're opted back in. Reply STOP to opt out."
)

// Config is resolved once at startup and passed by value; nothing mutates it afterwards.
type Config struct {
	APIURL        string
	OrgID         string
	CustomerPhone string
	ClinicPhone   string

	TelnyxSecret          string
	SquareSignatureKey    string
	SquareNotificationURL string
	AdminJWTSecret        string

	DatabaseURL        string
	DBContainerService string
	DBContainerUser    string
	DBContainerName    string
	DBTimeout          time.Duration
	SkipOptionalDB     bool

	HTTPTimeout      time.Duration
	PollInterval     time.Duration
	AckTimeout       time.Duration
	KeywordTimeout   time.Duration
	AIReplyTimeout   time.Duration
	SilenceWindow    time.Duration
	DBSettleTimeout  time.Duration
	MaxAIStep        time.Duration
	FailOnAILatency  bool
	StepDelay        time.Duration
	TranscriptSource string
	TranscriptLimit  int
	RedisURL         string

	DemoMode           bool
	HelpReply          string
	StopReply          string
	StartReply         string
	FirstContactReply  string
	DepositAmountCents int

	// ManualCheckout creates the deposit through POST /payments/checkout
	// instead of waiting for the assistant's deposit link.
	ManualCheckout bool

	ArtifactsDir      string
	NatsURL           string
	SlackBotToken     string
	SlackAlertChannel string
	LogLevel          string
}

// Load resolves every key through src, first source wins.
func Load(src Source) Config {
	l := loader{src: src}
	apiURL := strings.TrimRight(l.str("API_URL", "http://localhost:8082"), "/")
	return Config{
		APIURL:        apiURL,
		OrgID:         l.str("TEST_ORG_ID", "11111111-1111-1111-1111-111111111111"),
		CustomerPhone: l.str("TEST_CUSTOMER_PHONE", "+15550001234"),
		ClinicPhone:   l.str("TEST_CLINIC_PHONE", "+18662894911"),

		TelnyxSecret:          l.str("TELNYX_WEBHOOK_SECRET", ""),
		SquareSignatureKey:    l.str("SQUARE_WEBHOOK_SIGNATURE_KEY", ""),
		SquareNotificationURL: l.str("SQUARE_NOTIFICATION_URL", apiURL+"/webhooks/square"),
		AdminJWTSecret:        l.str("ADMIN_JWT_SECRET", ""),

		DatabaseURL:        l.str("DATABASE_URL", ""),
		DBContainerService: l.str("DB_CONTAINER_SERVICE", "postgres"),
		DBContainerUser:    l.str("DB_CONTAINER_USER", "medspa"),
		DBContainerName:    l.str("DB_CONTAINER_NAME", "medspa"),
		DBTimeout:          l.ms("E2E_DB_TIMEOUT_MS", 10000),
		SkipOptionalDB:     l.bool("E2E_SKIP_OPTIONAL_DB", false),

		HTTPTimeout:      l.ms("E2E_HTTP_TIMEOUT_MS", 20000),
		PollInterval:     l.ms("E2E_POLL_INTERVAL_MS", 600),
		AckTimeout:       l.ms("E2E_ACK_TIMEOUT_MS", 20000),
		KeywordTimeout:   l.ms("E2E_KEYWORD_TIMEOUT_MS", 10000),
		AIReplyTimeout:   l.ms("E2E_AI_REPLY_TIMEOUT_MS", 240000),
		SilenceWindow:    l.ms("E2E_SILENCE_WINDOW_MS", 6000),
		DBSettleTimeout:  l.ms("E2E_DB_SETTLE_TIMEOUT_MS", 30000),
		MaxAIStep:        time.Duration(l.int("E2E_MAX_AI_STEP_SECONDS", 45)) * time.Second,
		FailOnAILatency:  l.bool("E2E_FAIL_ON_AI_LATENCY", false),
		StepDelay:        l.ms("E2E_STEP_DELAY_MS", 0),
		TranscriptSource: strings.ToLower(l.str("E2E_TRANSCRIPT_SOURCE", "api")),
		TranscriptLimit:  l.int("E2E_TRANSCRIPT_LIMIT", 500),
		RedisURL:         l.str("REDIS_URL", ""),

		DemoMode:           l.bool("DEMO_MODE", false),
		HelpReply:          l.str("TELNYX_HELP_REPLY", DefaultHelpReply),
		StopReply:          l.str("TELNYX_STOP_REPLY", DefaultStopReply),
		StartReply:         l.str("TELNYX_START_REPLY", DefaultStartReply),
		FirstContactReply:  l.str("TELNYX_FIRST_CONTACT_REPLY", ""),
		DepositAmountCents: l.int("DEPOSIT_AMOUNT_CENTS", 5000),
		ManualCheckout:     l.bool("E2E_MANUAL_CHECKOUT", false),

		ArtifactsDir:      l.str("E2E_ARTIFACTS_DIR", "tmp/e2e_artifacts"),
		NatsURL:           l.str("NATS_URL", ""),
		SlackBotToken:     l.str("SLACK_BOT_TOKEN", ""),
		SlackAlertChannel: l.str("SLACK_ALERT_CHANNEL", ""),
		LogLevel:          l.str("LOG_LEVEL", "info"),
	}
}

// Validate reports configuration errors before any network call is made.
func (c Config) Validate() error {
	required := []struct{ key, val string }{
		{"TELNYX_WEBHOOK_SECRET", c.TelnyxSecret},
		{"ADMIN_JWT_SECRET", c.AdminJWTSecret},
		{"TEST_ORG_ID", c.OrgID},
		{"TEST_CUSTOMER_PHONE", c.CustomerPhone},
		{"TEST_CLINIC_PHONE", c.ClinicPhone},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			return failure.Config("config", "%s is required", r.key)
		}
	}
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return failure.Config("config", "API_URL %q is not an absolute url", c.APIURL)
	}
	switch c.TranscriptSource {
	case "api":
	case "redis":
		if c.RedisURL == "" {
			return failure.Config("config", "REDIS_URL is required when E2E_TRANSCRIPT_SOURCE=redis")
		}
	default:
		return failure.Config("config", "unknown E2E_TRANSCRIPT_SOURCE %q", c.TranscriptSource)
	}
	if c.AckTimeout <= 0 || c.AIReplyTimeout <= 0 || c.KeywordTimeout <= 0 || c.SilenceWindow <= 0 {
		return failure.Config("config", "timeouts must be positive")
	}
	if c.DepositAmountCents <= 0 {
		return failure.Config("config", "DEPOSIT_AMOUNT_CENTS must be positive, got %d", c.DepositAmountCents)
	}
	return nil
}

type loader struct {
	src Source
}

func (l loader) str(key, fallback string) string {
	if v, ok := l.src.Lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func (l loader) int(key string, fallback int) int {
	if v, ok := l.src.Lookup(key); ok && v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func (l loader) bool(key string, fallback bool) bool {
	v, ok := l.src.Lookup(key)
	if !ok || v == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func (l loader) ms(key string, fallback int) time.Duration {
	return time.Duration(l.int(key, fallback)) * time.Millisecond
}
