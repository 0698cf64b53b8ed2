package cli

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	maxWalkDepth = 25
)

// Config represents the trellis configuration from trellis.yaml.
type Config struct {
	// Definitions is the path to the entity graph definitions file.
	Definitions string `mapstructure:"definitions"`

	// Database configuration
	Database DatabaseConfig `mapstructure:"database"`

	// Cache configuration
	Cache CacheConfig `mapstructure:"cache"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	Engine   string `mapstructure:"engine"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// CacheConfig holds metadata graph cache settings.
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// LoadConfig discovers and loads configuration with proper precedence:
// flags > env > config file > defaults.
//
// Returns the loaded config, the path to the config file (empty if none
// found), and any error encountered.
func LoadConfig(explicitConfigPath string) (*Config, string, error) {
	v := viper.New()

	// 1. Set defaults first (lowest precedence)
	setDefaults(v)

	// 2. Set up environment variable binding
	v.SetEnvPrefix("TRELLIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 3. Find and load config file
	configPath, err := findConfigFile(explicitConfigPath)
	if err != nil {
		return nil, "", err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, configPath, fmt.Errorf("reading config file: %w", err)
		}
	}

	// 4. Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, configPath, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, configPath, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("definitions", "entities.yaml")

	// Database defaults
	v.SetDefault("database.url", "")
	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "prefer")

	// Cache defaults
	v.SetDefault("cache.ttl", 5*time.Minute)
}

// findConfigFile finds the config file to use.
// If explicitPath is provided, it validates the file exists.
// Otherwise, it walks up from cwd looking for trellis.yaml or trellis.yml,
// stopping at a .git directory or after maxWalkDepth levels.
func findConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicitPath)
		}
		return explicitPath, nil
	}

	// Auto-discovery: walk up to .git or maxWalkDepth
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting cwd: %w", err)
	}

	dir := cwd
	for i := 0; i < maxWalkDepth; i++ {
		// Try trellis.yaml then trellis.yml
		for _, name := range []string{"trellis.yaml", "trellis.yml"} {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}

		// Check for repo boundary (.git file or directory)
		gitPath := filepath.Join(dir, ".git")
		if _, err := os.Stat(gitPath); err == nil {
			break // Stop at repo root
		}

		// Move up
		parent := filepath.Dir(dir)
		if parent == dir {
			break // Reached filesystem root
		}
		dir = parent
	}

	return "", nil // No config found, use defaults
}

// DSN returns the database connection string.
// If database.url is set, it's returned directly.
// Otherwise, builds a DSN from discrete fields for the configured engine.
func (c *Config) DSN() (string, error) {
	db := c.Database

	if db.URL != "" {
		return db.URL, nil
	}

	// Build DSN from discrete fields
	if db.Host == "" {
		return "", fmt.Errorf("database.host is required when database.url is not set")
	}
	if db.Name == "" {
		return "", fmt.Errorf("database.name is required when database.url is not set")
	}
	if db.User == "" {
		return "", fmt.Errorf("database.user is required when database.url is not set")
	}

	scheme := "postgres"
	if IsSQLServer(db.Engine) {
		scheme = "sqlserver"
	}

	u := &url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
	}
	if scheme == "sqlserver" {
		q := u.Query()
		q.Set("database", db.Name)
		u.RawQuery = q.Encode()
	} else {
		u.Path = "/" + db.Name
		if db.SSLMode != "" {
			q := u.Query()
			q.Set("sslmode", db.SSLMode)
			u.RawQuery = q.Encode()
		}
	}

	if db.Password != "" {
		u.User = url.UserPassword(db.User, db.Password)
	} else {
		u.User = url.User(db.User)
	}

	return u.String(), nil
}

// DriverName returns the database/sql driver name for the configured engine.
func (c *Config) DriverName() string {
	if IsSQLServer(c.Database.Engine) {
		return "sqlserver"
	}
	return "pgx"
}

// IsSQLServer reports whether an engine name refers to SQL Server.
func IsSQLServer(engine string) bool {
	switch strings.ToLower(engine) {
	case "sqlserver", "mssql":
		return true
	}
	return false
}
