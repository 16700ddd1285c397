package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Embedding providers.
const (
	EmbeddingNone   = "none"
	EmbeddingOpenAI = "openai"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Repo      RepoConfig        `yaml:"repo"`
	Index     IndexConfig       `yaml:"index"`
	Sync      SyncConfig        `yaml:"sync"`
	Lock      LockConfig        `yaml:"lock"`
	Git       GitConfig         `yaml:"git"`
	Embedding EmbeddingConfig   `yaml:"embedding"`
	Search    SearchConfig      `yaml:"search"`
	Auth      AuthConfig        `yaml:"auth"`
	Redact    RedactConfig      `yaml:"redact"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Repo.Validate(); err != nil {
		return err
	}
	if err := c.Sync.Validate(); err != nil {
		return err
	}
	if err := c.Lock.Validate(); err != nil {
		return err
	}
	if err := c.Git.Validate(); err != nil {
		return err
	}
	if err := c.Embedding.Validate(); err != nil {
		return err
	}
	if err := c.Search.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// RepoConfig names the git repository records are anchored in. Path may be a
// worktree or a bare repository; it is resolved through git itself.
type RepoConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the repository configuration.
func (c *RepoConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// IndexConfig holds the SQLite index location. An empty Path defaults to
// <gitdir>/munin/index.db so the index lives next to the refs it mirrors.
type IndexConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig holds replication configuration.
type SyncConfig struct {
	Remote string `yaml:"remote"`
}

// Validate validates the sync configuration.
func (c *SyncConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Remote, validation.Required),
	)
}

// LockConfig bounds how long a writer waits for the namespace lock.
type LockConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Validate validates the lock configuration.
func (c *LockConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("lock: timeout must be positive, got %s", c.Timeout)
	}
	return nil
}

// GitConfig bounds every git subprocess invocation.
type GitConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Validate validates the git configuration.
func (c *GitConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("git: timeout must be positive, got %s", c.Timeout)
	}
	return nil
}

// EmbeddingConfig selects and tunes the embedding provider.
//
// Provider controls semantic recall:
//   - "none": no embeddings; vector and hybrid search degrade to keyword.
//   - "openai": OpenAI-compatible embeddings API (key from OPENAI_API_KEY).
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Validate validates the embedding configuration.
func (c *EmbeddingConfig) Validate() error {
	// Normalise empty provider to "none" so a bare config stays usable.
	if c.Provider == "" {
		c.Provider = EmbeddingNone
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Provider, validation.Required, validation.In(EmbeddingNone, EmbeddingOpenAI)),
		validation.Field(&c.Dimensions, validation.Min(0)),
	); err != nil {
		return err
	}
	if c.Provider == EmbeddingOpenAI && c.Model == "" {
		return fmt.Errorf("embedding: provider is %q but model is empty", EmbeddingOpenAI)
	}
	return nil
}

// Enabled returns true when an embedding provider is configured.
func (c *EmbeddingConfig) Enabled() bool {
	return c.Provider != "" && c.Provider != EmbeddingNone
}

// SearchConfig holds recall defaults.
type SearchConfig struct {
	K             int     `yaml:"k"`
	KRRF          int     `yaml:"k_rrf"`
	MinSimilarity float64 `yaml:"min_similarity"`
}

// Validate validates the search configuration.
func (c *SearchConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.K, validation.Required, validation.Min(1), validation.Max(1000)),
		validation.Field(&c.KRRF, validation.Required, validation.Min(1)),
		validation.Field(&c.MinSimilarity, validation.Min(-1.0), validation.Max(1.0)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// RedactConfig toggles the secret-redaction filter on the capture path.
type RedactConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Repo: RepoConfig{
			Path: ".",
		},
		Sync: SyncConfig{
			Remote: "origin",
		},
		Lock: LockConfig{
			Timeout: 5 * time.Second,
		},
		Git: GitConfig{
			Timeout: 30 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:   EmbeddingOpenAI,
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			Timeout:    10 * time.Second,
		},
		Search: SearchConfig{
			K:             8,
			KRRF:          60,
			MinSimilarity: 0.0,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Redact: RedactConfig{
			Enabled: true,
		},
	}
}
