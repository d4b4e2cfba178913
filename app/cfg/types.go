package cfg

type Cfg struct {
	// Database configuration
	DBPath string

	// Registry polling configuration
	RegistryURL  string
	PollInterval int

	// Subscription configuration
	SubscriptionsDir string

	// Dispatch configuration
	WorkerCount   int
	MaxAttempts   int
	ShutdownGrace int

	// Digest configuration
	DigestSchedule string

	// Cache configuration (optional)
	RedisAddr string

	// HTTP API configuration
	Port         string
	BaseUrl      string
	APIAccessKey string

	// Application metadata
	UserAgent string
	Timezone  string
	Debug     bool
	Version   string
}
