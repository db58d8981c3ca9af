package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hrfmtzk/mail-digest/retry"
)

// Source names a message store backend.
type Source string

const (
	SourceS3   Source = "s3"
	SourceIMAP Source = "imap"
	SourceMbox Source = "mbox"
)

// Config captures all options required to run the daily digest.
type Config struct {
	Source Source

	// S3 source
	S3Bucket string
	S3Prefix string
	S3Region string

	// IMAP source
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	IMAPMailbox        string
	UseTLS             bool
	InsecureSkipVerify bool

	// Mbox source
	MboxPath string

	Timezone   string
	Recipients []string

	// Extraction
	OpenAIKey     string
	OpenAIBaseURL string
	Model         string
	RatePerMinute int
	QuotaFatal    bool

	// Notification
	WebhookURL     string
	MaxPayloadSize int

	// Retry budget shared by extraction and delivery
	RetryAttempts int
	RetryBase     time.Duration
	RetryFactor   float64
	RetryJitter   float64

	MaxParallel int
	RunTimeout  time.Duration

	StateDir string
	LogLevel string
	LogDir   string
	DryRun   bool
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("source", "s3", "Message source: s3, imap or mbox")
	flags.String("s3-bucket", "", "S3 bucket holding raw messages")
	flags.String("s3-prefix", "raw/", "Key prefix for raw messages")
	flags.String("s3-region", "", "AWS region (falls back to AWS_REGION)")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.String("imap-mailbox", "INBOX", "IMAP mailbox to read")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("mbox", "", "Path to a local .mbox archive source")
	flags.String("timezone", "UTC", "Civil timezone defining the daily window")
	flags.StringArray("recipient", nil, "Monitored recipient address or /regex/; repeatable, empty admits all")
	flags.String("openai-base-url", "", "OpenAI-compatible API base URL (empty for the default)")
	flags.String("model", "gpt-4o-mini", "Extraction model name")
	flags.Int("rate-per-minute", 60, "Extraction request rate limit shared across workers")
	flags.Bool("quota-fatal", true, "Treat exhausted extraction quota as fatal to the run")
	flags.String("webhook-url", "", "Chat webhook URL (falls back to WEBHOOK_URL env var)")
	flags.Int("max-payload-size", 16*1024, "Maximum notification payload size in bytes before splitting")
	flags.Int("retry-attempts", 3, "Retry attempts for extraction and delivery")
	flags.Duration("retry-base", time.Second, "Base retry delay")
	flags.Float64("retry-factor", 2, "Retry backoff factor")
	flags.Float64("retry-jitter", 0.5, "Retry jitter fraction")
	flags.Int("max-parallel", 4, "Concurrent per-item processing units")
	flags.Duration("run-timeout", 15*time.Minute, "Run-level deadline, 0 to disable")
	flags.String("state-dir", defaultStateDir, "Directory for the run report journal")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files, empty for stdout only")
	flags.Bool("dry-run", false, "Process messages but do not deliver the digest")

	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config with
// validation. Secrets missing from flags fall back to the environment,
// optionally seeded from a local .env file.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	// Ignore a missing .env; it only exists in development setups.
	_ = godotenv.Load()

	flags := cmd.Flags()

	source, err := flags.GetString("source")
	if err != nil {
		return Config{}, err
	}
	s3Bucket, err := flags.GetString("s3-bucket")
	if err != nil {
		return Config{}, err
	}
	s3Prefix, err := flags.GetString("s3-prefix")
	if err != nil {
		return Config{}, err
	}
	s3Region, err := flags.GetString("s3-region")
	if err != nil {
		return Config{}, err
	}
	imapHost, err := flags.GetString("imap-host")
	if err != nil {
		return Config{}, err
	}
	imapPort, err := flags.GetInt("imap-port")
	if err != nil {
		return Config{}, err
	}
	imapUser, err := flags.GetString("imap-user")
	if err != nil {
		return Config{}, err
	}
	imapPass, err := flags.GetString("imap-pass")
	if err != nil {
		return Config{}, err
	}
	imapMailbox, err := flags.GetString("imap-mailbox")
	if err != nil {
		return Config{}, err
	}
	useTLS, err := flags.GetBool("use-tls")
	if err != nil {
		return Config{}, err
	}
	insecureSkipVerify, err := flags.GetBool("insecure-skip-verify")
	if err != nil {
		return Config{}, err
	}
	mboxPath, err := flags.GetString("mbox")
	if err != nil {
		return Config{}, err
	}
	timezone, err := flags.GetString("timezone")
	if err != nil {
		return Config{}, err
	}
	recipients, err := flags.GetStringArray("recipient")
	if err != nil {
		return Config{}, err
	}
	openaiBaseURL, err := flags.GetString("openai-base-url")
	if err != nil {
		return Config{}, err
	}
	modelName, err := flags.GetString("model")
	if err != nil {
		return Config{}, err
	}
	ratePerMinute, err := flags.GetInt("rate-per-minute")
	if err != nil {
		return Config{}, err
	}
	quotaFatal, err := flags.GetBool("quota-fatal")
	if err != nil {
		return Config{}, err
	}
	webhookURL, err := flags.GetString("webhook-url")
	if err != nil {
		return Config{}, err
	}
	maxPayloadSize, err := flags.GetInt("max-payload-size")
	if err != nil {
		return Config{}, err
	}
	retryAttempts, err := flags.GetInt("retry-attempts")
	if err != nil {
		return Config{}, err
	}
	retryBase, err := flags.GetDuration("retry-base")
	if err != nil {
		return Config{}, err
	}
	retryFactor, err := flags.GetFloat64("retry-factor")
	if err != nil {
		return Config{}, err
	}
	retryJitter, err := flags.GetFloat64("retry-jitter")
	if err != nil {
		return Config{}, err
	}
	maxParallel, err := flags.GetInt("max-parallel")
	if err != nil {
		return Config{}, err
	}
	runTimeout, err := flags.GetDuration("run-timeout")
	if err != nil {
		return Config{}, err
	}
	stateDir, err := flags.GetString("state-dir")
	if err != nil {
		return Config{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Config{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Config{}, err
	}
	dryRun, err := flags.GetBool("dry-run")
	if err != nil {
		return Config{}, err
	}

	if imapPass == "" {
		imapPass = os.Getenv("IMAP_PASS")
	}
	if webhookURL == "" {
		webhookURL = os.Getenv("WEBHOOK_URL")
	}
	if s3Region == "" {
		s3Region = os.Getenv("AWS_REGION")
	}
	openaiKey := os.Getenv("OPENAI_API_KEY")

	if stateDir == "" {
		stateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}

	logLevel = strings.ToLower(logLevel)
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		Source:             Source(strings.ToLower(source)),
		S3Bucket:           s3Bucket,
		S3Prefix:           s3Prefix,
		S3Region:           s3Region,
		IMAPHost:           imapHost,
		IMAPPort:           imapPort,
		IMAPUser:           imapUser,
		IMAPPass:           imapPass,
		IMAPMailbox:        imapMailbox,
		UseTLS:             useTLS,
		InsecureSkipVerify: insecureSkipVerify,
		MboxPath:           mboxPath,
		Timezone:           timezone,
		Recipients:         recipients,
		OpenAIKey:          openaiKey,
		OpenAIBaseURL:      openaiBaseURL,
		Model:              modelName,
		RatePerMinute:      ratePerMinute,
		QuotaFatal:         quotaFatal,
		WebhookURL:         webhookURL,
		MaxPayloadSize:     maxPayloadSize,
		RetryAttempts:      retryAttempts,
		RetryBase:          retryBase,
		RetryFactor:        retryFactor,
		RetryJitter:        retryJitter,
		MaxParallel:        maxParallel,
		RunTimeout:         runTimeout,
		StateDir:           filepath.Clean(stateDir),
		LogLevel:           logLevel,
		LogDir:             logDir,
		DryRun:             dryRun,
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	switch cfg.Source {
	case SourceS3:
		if cfg.S3Bucket == "" {
			return fmt.Errorf("--s3-bucket is required for the s3 source")
		}
	case SourceIMAP:
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required for the imap source")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required for the imap source")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	case SourceMbox:
		if cfg.MboxPath == "" {
			return fmt.Errorf("--mbox is required for the mbox source")
		}
	default:
		return fmt.Errorf("invalid --source: %s", cfg.Source)
	}

	if cfg.Timezone == "" {
		return fmt.Errorf("--timezone must not be empty")
	}
	if cfg.OpenAIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY must be set")
	}
	if !cfg.DryRun && cfg.WebhookURL == "" {
		return fmt.Errorf("webhook URL must be provided via --webhook-url or WEBHOOK_URL env var")
	}
	if cfg.RetryAttempts < 1 {
		return fmt.Errorf("--retry-attempts must be at least 1")
	}
	if cfg.MaxParallel < 1 {
		return fmt.Errorf("--max-parallel must be at least 1")
	}
	if cfg.MaxPayloadSize < 1024 {
		return fmt.Errorf("--max-payload-size must be at least 1024 bytes")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

// Retry returns the shared retry policy for extraction and delivery.
func (c Config) Retry() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.RetryAttempts,
		BaseDelay:   c.RetryBase,
		Factor:      c.RetryFactor,
		Jitter:      c.RetryJitter,
	}
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mail-digest", "state"), nil
}
