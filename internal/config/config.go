package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPlanCatalogHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis    RedisConfig
	Stripe   StripeConfig
	Deploy   DeployConfig
	Mail     MailConfig
	Email    EmailConfig
	Instance InstanceConfig
	Limits   RateLimitConfig

	PlansConfigPath  string
	OperatorAPIToken string
	SweepInterval    time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// RateLimitConfig bounds unauthenticated requests per client IP.
type RateLimitConfig struct {
	PublicPerMinute int
	LoginPerMinute  int
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Timeout       time.Duration
}

type DeployConfig struct {
	Image         string
	BuildContext  string
	DataRoot      string
	ContainerPort int
	BasePort      int
	Network       string
	BaseDomain    string
	Timeout       time.Duration
	SettleDelay   time.Duration

	// InstanceStripeKey is handed to instances for cancel-at-period-end; a restricted key is expected.
	InstanceStripeKey string
}

type MailConfig struct {
	Domain    string
	Container string
	Timeout   time.Duration
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

// InstanceConfig is only read by the per-customer self-service process.
type InstanceConfig struct {
	Subdomain         string
	StatePath         string
	SessionSecret     string
	AdminEmail        string
	AdminPasswordHash string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:           getenv("APP_SERVICE", "minipass"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "minipass"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Stripe: StripeConfig{
			SecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			WebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			SuccessURL:    getenv("CHECKOUT_SUCCESS_URL", "https://minipass.me/success"),
			CancelURL:     getenv("CHECKOUT_CANCEL_URL", "https://minipass.me/pricing"),
			Timeout:       getenvDuration("GATEWAY_TIMEOUT", 30*time.Second),
		},
		Deploy: DeployConfig{
			Image:             getenv("DEPLOY_IMAGE", "minipass/app:latest"),
			BuildContext:      strings.TrimSpace(getenv("DEPLOY_BUILD_CONTEXT", "")),
			DataRoot:          getenv("DEPLOY_DATA_ROOT", "/srv/minipass/deployed"),
			ContainerPort:     getenvInt("DEPLOY_CONTAINER_PORT", 8889),
			BasePort:          getenvInt("DEPLOY_BASE_PORT", 9100),
			Network:           getenv("DEPLOY_NETWORK", ""),
			BaseDomain:        getenv("DEPLOY_BASE_DOMAIN", "minipass.me"),
			Timeout:           getenvDuration("DEPLOY_TIMEOUT", 60*time.Second),
			SettleDelay:       getenvDuration("DEPLOY_SETTLE_DELAY", 3*time.Second),
			InstanceStripeKey: strings.TrimSpace(getenv("DEPLOY_INSTANCE_STRIPE_KEY", "")),
		},
		Mail: MailConfig{
			Domain:    getenv("MAIL_DOMAIN", "minipass.me"),
			Container: getenv("MAIL_CONTAINER", "mailserver"),
			Timeout:   getenvDuration("MAIL_TIMEOUT", 30*time.Second),
		},
		Email: EmailConfig{
			SMTPHost:     getenv("SMTP_HOST", ""),
			SMTPPort:     getenvInt("SMTP_PORT", 587),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "support@minipass.me"),
		},
		Instance: InstanceConfig{
			Subdomain:         strings.ToLower(strings.TrimSpace(getenv("INSTANCE_SUBDOMAIN", ""))),
			StatePath:         getenv("INSTANCE_STATE_PATH", "/app/data/subscription.json"),
			SessionSecret:     getenv("INSTANCE_SESSION_SECRET", ""),
			AdminEmail:        strings.ToLower(strings.TrimSpace(getenv("INSTANCE_ADMIN_EMAIL", ""))),
			AdminPasswordHash: getenv("INSTANCE_ADMIN_PASSWORD_HASH", ""),
		},
		Limits: RateLimitConfig{
			PublicPerMinute: getenvInt("RATE_LIMIT_PUBLIC_PER_MINUTE", 30),
			LoginPerMinute:  getenvInt("RATE_LIMIT_LOGIN_PER_MINUTE", 5),
		},
		PlansConfigPath:  getenv("PLANS_CONFIG_PATH", ""),
		OperatorAPIToken: strings.TrimSpace(getenv("OPERATOR_API_TOKEN", "")),
		SweepInterval:    getenvDuration("SWEEP_INTERVAL", time.Hour),
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
