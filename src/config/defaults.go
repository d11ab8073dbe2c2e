package config

// Defaults for every tunable the config file leaves out.
const (
	DefaultName                  = "market-streamer"
	DefaultHost                  = "0.0.0.0"
	DefaultPort                  = 8000
	DefaultLogLevel              = "INFO"
	DefaultGrpcPort              = 50051
	DefaultDBType                = "file"
	DefaultBackupDir             = "data/candle_backups"
	DefaultRetentionDays         = 30
	DefaultRequestTimeout        = 10
	DefaultMaxRetries            = 2
	DefaultWSURL                 = "wss://ws.kite.trade"
	DefaultAPIURL                = "https://api.kite.trade"
	DefaultCredentialMaxAgeHours = 20
	DefaultFailureThreshold      = 3
	DefaultFeedMode              = "full"
	DefaultHandshakeTimeout      = 10
	DefaultSubscribeDelayMs      = 1000
	DefaultReadTimeout           = 30
	DefaultTimezone              = "Asia/Kolkata"
	DefaultPreOpenStart          = "09:00"
	DefaultAuctionStart          = "09:08"
	DefaultLiveStart             = "09:15"
	DefaultLiveEnd               = "15:30"
	DefaultConnectLeadMinutes    = 15
	DefaultSessionPoll           = 5
	DefaultWatchdogPoll          = 3
	DefaultStaleSeconds          = 10
	DefaultMaxAttempts           = 8
	DefaultBackoffBaseMs         = 1000
	DefaultBackoffMaxMs          = 30000
	DefaultQualityBaseline       = 3
	DefaultTickTTLSeconds        = 60
	DefaultCandleBucketSeconds   = 300
	DefaultCandleCapacity        = 500
	DefaultHeartbeatSeconds      = 25
	DefaultIdleTimeoutSeconds    = 60
	DefaultSendBuffer            = 256
)

// -----------------------------------------------------------------------------

// ApplyDefaults fills zero-valued settings. Parse runs it on an empty config
// before decoding.
func (c *Config) ApplyDefaults() {
	setStr(&c.Name, DefaultName)
	setStr(&c.Host, DefaultHost)
	setInt(&c.Port, DefaultPort)
	setStr(&c.LogLevel, DefaultLogLevel)
	setInt(&c.GrpcPort, DefaultGrpcPort)

	setStr(&c.Storage.DBType, DefaultDBType)
	setStr(&c.Storage.BackupDir, DefaultBackupDir)
	setInt(&c.Storage.RetentionDays, DefaultRetentionDays)

	setInt(&c.Network.RequestTimeout, DefaultRequestTimeout)
	setInt(&c.Network.MaxRetries, DefaultMaxRetries)

	f := &c.Feed
	setStr(&f.WSURL, DefaultWSURL)
	setStr(&f.APIURL, DefaultAPIURL)
	setInt(&f.CredentialMaxAgeHours, DefaultCredentialMaxAgeHours)
	setInt(&f.FailureThreshold, DefaultFailureThreshold)
	setStr(&f.Mode, DefaultFeedMode)
	setInt(&f.HandshakeTimeoutSeconds, DefaultHandshakeTimeout)
	setInt(&f.SubscribeDelayMs, DefaultSubscribeDelayMs)
	setInt(&f.ReadTimeoutSeconds, DefaultReadTimeout)

	s := &c.Session
	setStr(&s.Timezone, DefaultTimezone)
	setStr(&s.PreOpenStart, DefaultPreOpenStart)
	setStr(&s.AuctionStart, DefaultAuctionStart)
	setStr(&s.LiveStart, DefaultLiveStart)
	setStr(&s.LiveEnd, DefaultLiveEnd)
	setInt(&s.ConnectLeadMinutes, DefaultConnectLeadMinutes)
	setInt(&s.PollSeconds, DefaultSessionPoll)

	w := &c.Watchdog
	setInt(&w.PollSeconds, DefaultWatchdogPoll)
	setInt(&w.StaleSeconds, DefaultStaleSeconds)
	setInt(&w.MaxAttempts, DefaultMaxAttempts)
	setInt(&w.BackoffBaseMs, DefaultBackoffBaseMs)
	setInt(&w.BackoffMaxMs, DefaultBackoffMaxMs)
	setInt(&w.QualityBaseline, DefaultQualityBaseline)

	m := &c.MarketStore
	setInt(&m.TickTTLSeconds, DefaultTickTTLSeconds)
	setInt(&m.CandleBucketSeconds, DefaultCandleBucketSeconds)
	setInt(&m.CandleCapacity, DefaultCandleCapacity)

	h := &c.Hub
	setInt(&h.HeartbeatSeconds, DefaultHeartbeatSeconds)
	setInt(&h.IdleTimeoutSeconds, DefaultIdleTimeoutSeconds)
	setInt(&h.SendBuffer, DefaultSendBuffer)
}

// -----------------------------------------------------------------------------

func setStr(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}
