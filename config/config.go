package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port  string
	Debug bool

	StoreDriver string

	MongoURI        string
	MongoDatabase   string
	MongoCollection string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CORSAllowedOrigins []string
	SeedRosterFile     string

	BackupS3 S3Config
}

// S3Config describes where backup snapshots are uploaded. An empty Bucket disables snapshots.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	Prefix    string
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	v.SetDefault("PORT", "8080")
	v.SetDefault("DEBUG", false)
	v.SetDefault("STORE_DRIVER", "mongo")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017")
	v.SetDefault("MONGO_DATABASE", "student_tracker")
	v.SetDefault("MONGO_COLLECTION", "students")
	v.SetDefault("REDIS_ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("SEED_ROSTER_FILE", "")
	v.SetDefault("BACKUP_S3_BUCKET", "")
	v.SetDefault("BACKUP_S3_REGION", "us-east-1")
	v.SetDefault("BACKUP_S3_ENDPOINT", "")
	v.SetDefault("BACKUP_S3_PATH_STYLE", false)
	v.SetDefault("BACKUP_S3_PREFIX", "backups/")

	v.AutomaticEnv()
	return v
}

// Load reads configuration from the environment. When dotEnvPath names an existing
// file its variables are loaded first; variables already set in the process win.
func Load(dotEnvPath string) (*Config, error) {
	if dotEnvPath != "" {
		if _, err := os.Stat(dotEnvPath); err == nil {
			if err := godotenv.Load(dotEnvPath); err != nil {
				return nil, fmt.Errorf("config: load %s: %w", dotEnvPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", dotEnvPath, err)
		}
	}

	v := newViper()
	cfg := &Config{
		Port:  v.GetString("PORT"),
		Debug: v.GetBool("DEBUG"),

		StoreDriver: strings.ToLower(strings.TrimSpace(v.GetString("STORE_DRIVER"))),

		MongoURI:        v.GetString("MONGO_URI"),
		MongoDatabase:   v.GetString("MONGO_DATABASE"),
		MongoCollection: v.GetString("MONGO_COLLECTION"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),

		CORSAllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		SeedRosterFile:     v.GetString("SEED_ROSTER_FILE"),

		BackupS3: S3Config{
			Bucket:    v.GetString("BACKUP_S3_BUCKET"),
			Region:    v.GetString("BACKUP_S3_REGION"),
			Endpoint:  v.GetString("BACKUP_S3_ENDPOINT"),
			PathStyle: v.GetBool("BACKUP_S3_PATH_STYLE"),
			Prefix:    v.GetString("BACKUP_S3_PREFIX"),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "mongo":
		if c.MongoURI == "" {
			return fmt.Errorf("config: MONGO_URI required for mongo driver")
		}
	case "redis", "memory":
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if len(c.CORSAllowedOrigins) == 0 {
		c.CORSAllowedOrigins = []string{"*"}
	}
	for _, o := range c.CORSAllowedOrigins {
		if o != "*" && !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			return fmt.Errorf("config: CORS origin %q must start with http:// or https://", o)
		}
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
