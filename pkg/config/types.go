package config

// Listen modes
const (
	ModeDirect   = "direct"
	ModeLoopback = "loopback"
)

// Certificate stores
const (
	StoreDisk   = "disk"
	StoreSQLite = "sqlite"
)

// Certificate authorities
const (
	AuthorityLocal   = "local"
	AuthorityOpenSSL = "openssl"
)

// Config represents the complete application configuration
type Config struct {
	// ControlAddr is the address of the control HTTP surface
	ControlAddr string `yaml:"control_addr" env:"HARREPLAY_CONTROL_ADDR"`
	// TraceFile is installed at startup when set
	TraceFile string `yaml:"trace_file,omitempty" env:"HARREPLAY_TRACE_FILE"`
	// Watch reinstalls TraceFile whenever it changes
	Watch bool `yaml:"watch,omitempty" env:"HARREPLAY_WATCH"`
	// HTTP2 enables h2 on TLS listeners
	HTTP2 bool `yaml:"http2,omitempty" env:"HARREPLAY_HTTP2"`
	// MaxTraceSize limits uploaded and loaded traces, e.g. "100MB"
	MaxTraceSize string `yaml:"max_trace_size,omitempty" env:"HARREPLAY_MAX_TRACE_SIZE"`
	// HostsFile receives "<ip>\t<hostname>" lines for every installed trace.
	// Empty disables it.
	HostsFile string `yaml:"hosts_file,omitempty" env:"HARREPLAY_HOSTS_FILE"`
	// Listen decides where replay listeners bind
	Listen ListenConfig `yaml:"listen"`
	// Certs configures certificate issuing and storage
	Certs CertsConfig `yaml:"certs"`

	// MaxTraceBytes is MaxTraceSize in bytes, set by Load
	MaxTraceBytes int64 `yaml:"-"`
}

// ListenConfig decides where replay listeners bind
type ListenConfig struct {
	// Mode is "direct" (recorded addresses) or "loopback" (free local ports)
	Mode string `yaml:"mode,omitempty" env:"HARREPLAY_LISTEN_MODE"`
	// Address is the loopback address used in loopback mode
	Address string `yaml:"address,omitempty" env:"HARREPLAY_LISTEN_ADDRESS"`
}

// CertsConfig configures certificate issuing and storage
type CertsConfig struct {
	// Store is "disk" or "sqlite"
	Store string `yaml:"store,omitempty" env:"HARREPLAY_CERTS_STORE"`
	// Path is the store directory (disk) or database file (sqlite)
	Path string `yaml:"path,omitempty" env:"HARREPLAY_CERTS_PATH"`
	// Authority is "local" or "openssl"
	Authority string `yaml:"authority,omitempty" env:"HARREPLAY_CERTS_AUTHORITY"`
	// CACert and CAKey hold the local authority. Created when both are missing.
	CACert string `yaml:"ca_cert,omitempty" env:"HARREPLAY_CERTS_CA_CERT"`
	CAKey  string `yaml:"ca_key,omitempty" env:"HARREPLAY_CERTS_CA_KEY"`
	// OpenSSLCmd is the openssl executable, "openssl" by default
	OpenSSLCmd string `yaml:"openssl_cmd,omitempty" env:"HARREPLAY_CERTS_OPENSSL_CMD"`
	// OpenSSLConfig is the openssl CA configuration file
	OpenSSLConfig string `yaml:"openssl_config,omitempty" env:"HARREPLAY_CERTS_OPENSSL_CONFIG"`
	// Days is the validity of certificates issued by openssl
	Days int `yaml:"days,omitempty" env:"HARREPLAY_CERTS_DAYS"`
}
