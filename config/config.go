package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/IliaW/url-watcher/internal/model"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const DefaultArtefact = `(?i)<img class="o-stage__image".*?>`

type Config struct {
	Env                string               `mapstructure:"env"`
	LogLevel           string               `mapstructure:"log_level"`
	LogType            string               `mapstructure:"log_type"`
	LogFile            string               `mapstructure:"log_file"`
	ServiceName        string               `mapstructure:"service_name"`
	Version            string               `mapstructure:"version"`
	IntervalSeconds    int                  `mapstructure:"interval"`
	RestartTimeout     time.Duration        `mapstructure:"restart_timeout"`
	AuditDir           string               `mapstructure:"audit_dir"`
	URLs               []string             `mapstructure:"urls"`
	Targets            []*model.WatchTarget `mapstructure:"targets"`
	Artefacts          []string             `mapstructure:"artefacts"`
	SnapshotSettings   *SnapshotConfig      `mapstructure:"snapshot"`
	MailSettings       *MailConfig          `mapstructure:"mail"`
	SmtpSettings       *SmtpConfig          `mapstructure:"smtp"`
	EwsSettings        *EwsConfig           `mapstructure:"ews"`
	HttpClientSettings *HttpClientConfig    `mapstructure:"http_client"`
	CacheSettings      *CacheConfig         `mapstructure:"cache"`
	DbSettings         *DatabaseConfig      `mapstructure:"database"`
	SQSSettings        *SQSConfig           `mapstructure:"sqs"`
	KafkaSettings      *KafkaConfig         `mapstructure:"kafka"`
}

type SnapshotConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

type MailConfig struct {
	FromAddress   string   `mapstructure:"from_address"`
	ToRecipients  []string `mapstructure:"to_recipients"`
	BccRecipients []string `mapstructure:"bcc_recipients"`
}

type SmtpConfig struct {
	Server                string `mapstructure:"server"`
	Port                  int    `mapstructure:"port"`
	Username              string `mapstructure:"username"`
	Password              string `mapstructure:"password"`
	TlsInsecureSkipVerify bool   `mapstructure:"tls_insecure_skip_verify"`
}

type EwsConfig struct {
	Server             string `mapstructure:"server"`
	PrimarySmtpAddress string `mapstructure:"primary_smtp_address"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	Echo               bool   `mapstructure:"echo"`
}

type HttpClientConfig struct {
	RequestTimeout            time.Duration `mapstructure:"request_timeout"`
	MaxIdleConnections        int           `mapstructure:"max_idle_connections"`
	MaxIdleConnectionsPerHost int           `mapstructure:"max_idle_connections_per_host"`
	IdleConnectionTimeout     time.Duration `mapstructure:"idle_connection_timeout"`
	TlsHandshakeTimeout       time.Duration `mapstructure:"tls_handshake_timeout"`
	DialTimeout               time.Duration `mapstructure:"dial_timeout"`
	DialKeepAlive             time.Duration `mapstructure:"dial_keep_alive"`
	TlsInsecureSkipVerify     bool          `mapstructure:"tls_insecure_skip_verify"`
	UserAgent                 string        `mapstructure:"user_agent"`
}

type CacheConfig struct {
	Servers     string        `mapstructure:"servers"`
	NotifiedTtl time.Duration `mapstructure:"notified_ttl"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	PingRetries     int           `mapstructure:"ping_retries"`
}

type SQSConfig struct {
	AwsAccessKey    string `mapstructure:"aws_access_key"`
	AwsSecretKey    string `mapstructure:"aws_secret_key"`
	AwsSessionToken string `mapstructure:"aws_session_token"`
	AwsBaseEndpoint string `mapstructure:"aws_base_endpoint"`
	Region          string `mapstructure:"region"`
	QueueName       string `mapstructure:"queue_name"`
}

type KafkaConfig struct {
	Producer *KafkaProducerConfig `mapstructure:"producer"`
}

type KafkaProducerConfig struct {
	Addr           string        `mapstructure:"addr"`
	WriteTopicName string        `mapstructure:"write_topic_name"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequiredAsks   int           `mapstructure:"required_acks"`
}

func MustLoad() *Config {
	cfg, err := Load(os.Args[1:])
	if err != nil {
		slog.Error("can't load config.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	if err = cfg.Validate(); err != nil {
		slog.Error("invalid config.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	return cfg
}

// Load reads config.yaml (optional), environment variables and the command line, in increasing
// order of precedence.
func Load(args []string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := bindFlags(v, fs); err != nil {
		return nil, err
	}

	if cfgFile, _ := fs.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(path.Join("."))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("can't read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling viper config: %w", err)
	}

	verbose, _ := fs.GetBool("verbose")
	quiet, _ := fs.GetBool("quiet")
	if verbose && quiet {
		return nil, errors.New("--verbose and --quiet are mutually exclusive")
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	if quiet {
		cfg.LogLevel = "error"
	}

	return &cfg, nil
}

// setDefaults registers every key, even those whose default is the zero value: AutomaticEnv only
// overrides keys viper already knows about.
func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "local")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_type", "text")
	v.SetDefault("service_name", "url-watcher")
	v.SetDefault("version", "dev")
	v.SetDefault("restart_timeout", time.Minute)
	v.SetDefault("artefacts", []string{DefaultArtefact})
	v.SetDefault("snapshot.backend", "file")
	v.SetDefault("http_client.request_timeout", time.Minute)
	v.SetDefault("http_client.max_idle_connections", 10)
	v.SetDefault("http_client.max_idle_connections_per_host", 2)
	v.SetDefault("http_client.idle_connection_timeout", 90*time.Second)
	v.SetDefault("http_client.tls_handshake_timeout", 10*time.Second)
	v.SetDefault("http_client.dial_timeout", 30*time.Second)
	v.SetDefault("http_client.dial_keep_alive", 30*time.Second)
	v.SetDefault("http_client.tls_insecure_skip_verify", true)
	v.SetDefault("http_client.user_agent", "url-watcher/1.0")
	v.SetDefault("smtp.tls_insecure_skip_verify", true)
	v.SetDefault("cache.servers", "")
	v.SetDefault("cache.notified_ttl", 24*time.Hour)
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", "3306")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "url_watcher")
	v.SetDefault("database.conn_max_lifetime", 3*time.Minute)
	v.SetDefault("database.max_open_conns", 2)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.ping_retries", 6)
	v.SetDefault("sqs.aws_access_key", "")
	v.SetDefault("sqs.aws_secret_key", "")
	v.SetDefault("sqs.aws_session_token", "")
	v.SetDefault("sqs.aws_base_endpoint", "")
	v.SetDefault("sqs.region", "us-east-1")
	v.SetDefault("sqs.queue_name", "")
	v.SetDefault("kafka.producer.addr", "")
	v.SetDefault("kafka.producer.write_topic_name", "url-changes")
	v.SetDefault("kafka.producer.max_attempts", 3)
	v.SetDefault("kafka.producer.read_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.write_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.required_acks", 1)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("url-watcher", pflag.ContinueOnError)
	fs.String("config", "", "config file (default is ./config.yaml)")
	fs.BoolP("verbose", "v", false, "be very verbose")
	fs.BoolP("quiet", "q", false, "no logging except errors")
	fs.Bool("echo-ews", false, "show debug from using EWS API")
	fs.StringArrayP("url", "u", nil, "URL to monitor")
	fs.IntP("interval", "i", 30, "seconds to wait prior to next diff")
	fs.String("snapshot-path", "old_data.gob", "file holding the stored snapshots")
	fs.String("audit-dir", ".", "directory for the old/new audit files")
	fs.String("log-file", "watch.log", "file the log is appended to, empty to disable")
	fs.String("from-address", "", "sender email address")
	fs.StringArray("to-recipients", nil, "email address to notify")
	fs.StringArray("bcc-recipients", nil, "bcc email addresses to notify")
	fs.String("smtp-server", "", "SMTP server name, will use TLS if offered")
	fs.Int("smtp-port", 587, "SMTP server port")
	fs.String("smtp-username", "", "SMTP username")
	fs.String("smtp-password", "", "SMTP password")
	fs.String("ews-server", "", "EWS server name")
	fs.String("ews-primary-smtp-address", "", "EWS primary smtp address of mailbox")
	fs.String("ews-username", "", "EWS username")
	fs.String("ews-password", "", "EWS password")
	return fs
}

var flagKeys = map[string]string{
	"echo-ews":                 "ews.echo",
	"url":                      "urls",
	"interval":                 "interval",
	"snapshot-path":            "snapshot.path",
	"audit-dir":                "audit_dir",
	"log-file":                 "log_file",
	"from-address":             "mail.from_address",
	"to-recipients":            "mail.to_recipients",
	"bcc-recipients":           "mail.bcc_recipients",
	"smtp-server":              "smtp.server",
	"smtp-port":                "smtp.port",
	"smtp-username":            "smtp.username",
	"smtp-password":            "smtp.password",
	"ews-server":               "ews.server",
	"ews-primary-smtp-address": "ews.primary_smtp_address",
	"ews-username":             "ews.username",
	"ews-password":             "ews.password",
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// Interval is the pause between two polling rounds.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// WatchTargets merges plain URLs given on the command line with the targets of the config file.
// The order is stable: command line first, duplicates dropped.
func (c *Config) WatchTargets() []*model.WatchTarget {
	seen := make(map[string]bool)
	targets := make([]*model.WatchTarget, 0, len(c.URLs)+len(c.Targets))
	for _, u := range c.URLs {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		targets = append(targets, &model.WatchTarget{URL: u, Strategy: model.StandardGet})
	}
	for _, t := range c.Targets {
		if t == nil || seen[t.URL] {
			continue
		}
		seen[t.URL] = true
		if t.Strategy == "" {
			t.Strategy = model.StandardGet
		}
		targets = append(targets, t)
	}
	return targets
}

// Validate fails on configuration that would only break later, e.g. a transport with incomplete credentials.
func (c *Config) Validate() error {
	var errs []error
	targets := c.WatchTargets()
	if len(targets) == 0 {
		errs = append(errs, errors.New("no URL to watch given"))
	}
	for _, t := range targets {
		if t.URL == "" {
			errs = append(errs, errors.New("target without url"))
		}
		if t.Strategy != model.StandardGet && t.Strategy != model.CustomRequest {
			errs = append(errs, fmt.Errorf("unknown fetch strategy %q for %s", t.Strategy, t.URL))
		}
	}
	if c.IntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %d", c.IntervalSeconds))
	}
	for _, a := range c.Artefacts {
		if _, err := regexp.Compile(a); err != nil {
			errs = append(errs, fmt.Errorf("invalid artefact pattern %q: %w", a, err))
		}
	}
	if c.SnapshotSettings == nil || (c.SnapshotSettings.Backend != "file" && c.SnapshotSettings.Backend != "mysql") {
		errs = append(errs, errors.New("snapshot backend must be 'file' or 'mysql'"))
	} else if c.SnapshotSettings.Backend == "file" && c.SnapshotSettings.Path == "" {
		errs = append(errs, errors.New("snapshot path is empty"))
	} else if c.SnapshotSettings.Backend == "mysql" && (c.DbSettings == nil || c.DbSettings.Host == "") {
		errs = append(errs, errors.New("mysql snapshot backend requires database.host"))
	}

	mail := c.MailSettings
	if mail == nil {
		mail = &MailConfig{}
	}
	if c.SmtpEnabled() {
		if mail.FromAddress == "" {
			errs = append(errs, errors.New("smtp: from address is required"))
		}
		if len(mail.ToRecipients) == 0 {
			errs = append(errs, errors.New("smtp: at least one recipient is required"))
		}
		if (c.SmtpSettings.Username == "") != (c.SmtpSettings.Password == "") {
			errs = append(errs, errors.New("smtp: username and password must be given together"))
		}
		if c.SmtpSettings.Port <= 0 {
			errs = append(errs, errors.New("smtp: port must be positive"))
		}
	}
	if c.EwsEnabled() {
		if c.EwsSettings.Username == "" || c.EwsSettings.Password == "" {
			errs = append(errs, errors.New("ews: username and password are required"))
		}
		if c.EwsSettings.PrimarySmtpAddress == "" {
			errs = append(errs, errors.New("ews: primary smtp address is required"))
		}
		if len(mail.ToRecipients) == 0 {
			errs = append(errs, errors.New("ews: at least one recipient is required"))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) SmtpEnabled() bool {
	return c.SmtpSettings != nil && c.SmtpSettings.Server != ""
}

func (c *Config) EwsEnabled() bool {
	return c.EwsSettings != nil && c.EwsSettings.Server != ""
}

func (c *Config) CacheEnabled() bool {
	return c.CacheSettings != nil && c.CacheSettings.Servers != ""
}

func (c *Config) KafkaEnabled() bool {
	return c.KafkaSettings != nil && c.KafkaSettings.Producer != nil && c.KafkaSettings.Producer.Addr != ""
}

func (c *Config) SQSEnabled() bool {
	return c.SQSSettings != nil && c.SQSSettings.QueueName != ""
}
