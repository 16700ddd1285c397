package internal

// Option is a functional option for configuring an entry point.
type Option func(*application)

// application collects what Run and RunMCP need before they open the
// repository stack.
type application struct {
	config *Config
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}
