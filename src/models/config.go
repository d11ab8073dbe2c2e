package models

// MConfig Structure
type MConfig struct {
	Name           string             `yaml:"name"`
	Host           string             `yaml:"host"`
	Port           int                `yaml:"port"`
	LogLevel       string             `yaml:"log_level"`
	GrpcHost       string             `yaml:"grpc_host"`
	GrpcPort       int                `yaml:"grpc_port"`
	MetricsEnabled bool               `yaml:"metrics_enabled"`
	AdminKey       string             `yaml:"admin_key"` // guards POST /api/credential; empty limits it to loopback
	Storage        MStorageConfig     `yaml:"storage"`
	Network        MNetworkConfig     `yaml:"network"`
	Feed           MFeedConfig        `yaml:"feed"`
	Session        MSessionConfig     `yaml:"session"`
	Watchdog       MWatchdogConfig    `yaml:"watchdog"`
	MarketStore    MMarketStoreConfig `yaml:"market_store"`
	Hub            MHubConfig         `yaml:"hub"`
}

type MStorageConfig struct {
	DBType             string `yaml:"db_type"` // "file", "sqlite" or "postgres"
	DBPath             string `yaml:"db_path"`
	BackupDir          string `yaml:"backup_dir"`
	DBConnectionString string `yaml:"db_connection_string"`
	RetentionDays      int    `yaml:"retention_days"`
}

type MNetworkConfig struct {
	RequestTimeout int `yaml:"timeout"`
	MaxRetries     int `yaml:"retries"`
}

type MFeedConfig struct {
	WSURL                   string              `yaml:"ws_url"`
	APIURL                  string              `yaml:"api_url"`
	APIKey                  string              `yaml:"api_key"`
	AccessToken             string              `yaml:"access_token"`
	TokenIssuedAt           string              `yaml:"token_issued_at"` // RFC3339, optional
	CredentialMaxAgeHours   int                 `yaml:"credential_max_age_hours"`
	FailureThreshold        int                 `yaml:"failure_threshold"`
	Mode                    string              `yaml:"mode"` // "ltp", "quote" or "full"
	HandshakeTimeoutSeconds int                 `yaml:"handshake_timeout_seconds"`
	SubscribeDelayMs        int                 `yaml:"subscribe_delay_ms"`
	ReadTimeoutSeconds      int                 `yaml:"read_timeout_seconds"`
	Instruments             []MInstrumentConfig `yaml:"instruments"`
}

type MInstrumentConfig struct {
	Token  uint32 `yaml:"token"`
	Symbol string `yaml:"symbol"`
}

type MSessionConfig struct {
	Timezone           string   `yaml:"timezone"`
	ExchangeMIC        string   `yaml:"exchange_mic"` // empty disables the library calendar
	Holidays           []string `yaml:"holidays"`     // YYYY-MM-DD
	PreOpenStart       string   `yaml:"pre_open_start"`
	AuctionStart       string   `yaml:"auction_start"`
	LiveStart          string   `yaml:"live_start"`
	LiveEnd            string   `yaml:"live_end"`
	ConnectLeadMinutes int      `yaml:"connect_lead_minutes"`
	PollSeconds        int      `yaml:"poll_seconds"`
}

type MWatchdogConfig struct {
	PollSeconds     int `yaml:"poll_seconds"`
	StaleSeconds    int `yaml:"stale_seconds"`
	MaxAttempts     int `yaml:"max_attempts"`
	BackoffBaseMs   int `yaml:"backoff_base_ms"`
	BackoffMaxMs    int `yaml:"backoff_max_ms"`
	QualityBaseline int `yaml:"quality_baseline"`
}

type MMarketStoreConfig struct {
	TickTTLSeconds      int `yaml:"tick_ttl_seconds"`
	CandleBucketSeconds int `yaml:"candle_bucket_seconds"`
	CandleCapacity      int `yaml:"candle_capacity"`
}

type MHubConfig struct {
	HeartbeatSeconds   int `yaml:"heartbeat_seconds"`
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
	SendBuffer         int `yaml:"send_buffer"`
}
