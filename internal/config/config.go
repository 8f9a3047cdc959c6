// Package config resolves settings from flags, DEHC_* environment variables
// and an optional dehc.yaml file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/dehc/internal/blob"
	"github.com/roach88/dehc/internal/docstore"
	"github.com/roach88/dehc/internal/evac"
	"github.com/roach88/dehc/internal/journal"
)

// EnvPrefix prefixes every environment variable, e.g. DEHC_WEB_ADDR.
const EnvPrefix = "DEHC"

// Backends.
const (
	BackendCouch  = "couch"
	BackendMemory = "memory"
)

// Keys.
const (
	KeyNamespace        = "namespace"
	KeyAuth             = "auth"
	KeyRemoteAuth       = "remote-auth"
	KeyRemoteNamespace  = "remote-namespace"
	KeySchema           = "schema"
	KeySchemaVersion    = "schema-version"
	KeyForceLocalSchema = "force-local-schema"
	KeyUpdateSchema     = "update-schema"
	KeyOverrideVersion  = "override-version"
	KeyBackend          = "backend"
	KeyRequestTimeout   = "request-timeout"
	KeyPollInterval     = "poll-interval"
	KeyJournalDriver    = "journal-driver"
	KeyJournalDSN       = "journal-dsn"
	KeyWebAddr          = "web-addr"
	KeyWebAuth          = "web-auth"
	KeyS3Bucket         = "s3-bucket"
	KeyS3Prefix         = "s3-prefix"
	KeyS3Region         = "s3-region"
	KeyS3Endpoint       = "s3-endpoint"
	KeyS3PathStyle      = "s3-path-style"
)

// Config is the resolved configuration.
type Config struct {
	Namespace        string
	Auth             string // local database auth file
	RemoteAuth       string // remote database auth file, replication only
	RemoteNamespace  string
	Schema           string
	SchemaVersion    string
	ForceLocalSchema bool
	UpdateSchema     bool
	OverrideVersion  bool
	Backend          string
	RequestTimeout   time.Duration
	PollInterval     time.Duration
	JournalDriver    string
	JournalDSN       string // empty disables the journal
	WebAddr          string
	WebAuth          string // empty disables basic auth
	S3               blob.S3Config
}

// Flags registers the persistent flags every command shares.
func Flags(fs *pflag.FlagSet) {
	fs.String(KeyNamespace, evac.DefaultNamespace, "database namespace")
	fs.String(KeyAuth, "db_auth.json", "path to the database auth file")
	fs.String(KeyRemoteAuth, "", "path to the remote database auth file")
	fs.String(KeyRemoteNamespace, "", "remote namespace (defaults to --namespace)")
	fs.String(KeySchema, "db_schema.json", "path to the local schema file")
	fs.String(KeySchemaVersion, "", "schema version to expect (defaults to the local schema's)")
	fs.Bool(KeyForceLocalSchema, false, "ignore the schema stored in the database")
	fs.Bool(KeyUpdateSchema, false, "save the loaded schema to the database")
	fs.Bool(KeyOverrideVersion, false, "warn instead of failing on a schema version mismatch")
	fs.String(KeyBackend, BackendCouch, "document store backend (couch|memory)")
	fs.Duration(KeyRequestTimeout, docstore.DefaultTimeout, "timeout of one store request")
	fs.Duration(KeyPollInterval, 2*time.Second, "change feed poll interval")
	fs.String(KeyJournalDriver, journal.DriverSQLite, "journal driver (sqlite3|pgx)")
	fs.String(KeyJournalDSN, "", "journal file or connection string; empty keeps checkpoints in memory")
	fs.String(KeyWebAddr, ":9000", "web listen address")
	fs.String(KeyWebAuth, "", "path to the web auth file; empty disables authentication")
	fs.String(KeyS3Bucket, "", "S3 bucket for exports")
	fs.String(KeyS3Prefix, "", "key prefix inside the S3 bucket")
	fs.String(KeyS3Region, "", "S3 region")
	fs.String(KeyS3Endpoint, "", "S3 endpoint override")
	fs.Bool(KeyS3PathStyle, false, "use path-style S3 addressing")
}

// New returns a viper instance bound to fs and the environment. When file
// is empty, dehc.yaml is looked up in the working directory and
// $HOME/.dehc; a missing default file is not an error.
func New(fs *pflag.FlagSet, file string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("dehc")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".dehc"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load reads every key from v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Namespace:        v.GetString(KeyNamespace),
		Auth:             v.GetString(KeyAuth),
		RemoteAuth:       v.GetString(KeyRemoteAuth),
		RemoteNamespace:  v.GetString(KeyRemoteNamespace),
		Schema:           v.GetString(KeySchema),
		SchemaVersion:    v.GetString(KeySchemaVersion),
		ForceLocalSchema: v.GetBool(KeyForceLocalSchema),
		UpdateSchema:     v.GetBool(KeyUpdateSchema),
		OverrideVersion:  v.GetBool(KeyOverrideVersion),
		Backend:          v.GetString(KeyBackend),
		RequestTimeout:   v.GetDuration(KeyRequestTimeout),
		PollInterval:     v.GetDuration(KeyPollInterval),
		JournalDriver:    v.GetString(KeyJournalDriver),
		JournalDSN:       v.GetString(KeyJournalDSN),
		WebAddr:          v.GetString(KeyWebAddr),
		WebAuth:          v.GetString(KeyWebAuth),
		S3: blob.S3Config{
			Bucket:    v.GetString(KeyS3Bucket),
			Prefix:    v.GetString(KeyS3Prefix),
			Region:    v.GetString(KeyS3Region),
			Endpoint:  v.GetString(KeyS3Endpoint),
			PathStyle: v.GetBool(KeyS3PathStyle),
		},
	}
	return cfg, cfg.Validate()
}

// Validate checks the enumerated settings.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendCouch, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("%s: unknown backend %q (want %s or %s)", KeyBackend, c.Backend, BackendCouch, BackendMemory))
	}
	switch c.JournalDriver {
	case journal.DriverSQLite, journal.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("%s: unknown driver %q", KeyJournalDriver, c.JournalDriver))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyRequestTimeout))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyPollInterval))
	}
	return errors.Join(errs...)
}

// EvacOptions maps the schema settings onto evac.Options.
func (c Config) EvacOptions() evac.Options {
	return evac.Options{
		Namespace:       c.Namespace,
		ExpectedVersion: c.SchemaVersion,
		ForceLocal:      c.ForceLocalSchema,
		UpdateSchema:    c.UpdateSchema,
		OverrideVersion: c.OverrideVersion,
	}
}
