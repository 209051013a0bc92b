// Package config provides the configuration schema, loader, and factory
// registry for the Seminote inference engine.
package config

// LogLevel controls log verbosity for the engine.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Mode names a processing mode in config files.
type Mode string

const (
	ModeLocal   Mode = "local"
	ModeEdge    Mode = "edge"
	ModeHybrid  Mode = "hybrid"
	ModeOffline Mode = "offline"
)

// IsValid reports whether m is a recognised mode name.
func (m Mode) IsValid() bool {
	switch m {
	case ModeLocal, ModeEdge, ModeHybrid, ModeOffline:
		return true
	}
	return false
}

// Codec names the wire encoding for edge inference audio.
type Codec string

const (
	CodecPCM16 Codec = "pcm16"
	CodecOpus  Codec = "opus"
)

// IsValid reports whether c is a recognised codec name.
func (c Codec) IsValid() bool {
	return c == CodecPCM16 || c == CodecOpus
}

// Config is the root configuration structure for the engine.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Engine EngineConfig `yaml:"engine"`
	Modes  ModesConfig  `yaml:"modes"`
	Local  LocalConfig  `yaml:"local"`
	Edge   EdgeConfig   `yaml:"edge"`
	Netmon NetmonConfig `yaml:"netmon"`
	Sinks  []SinkEntry  `yaml:"sinks"`
}

// ServerConfig holds network and logging settings for the diagnostics server.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// EngineConfig holds the capture format and pipeline sizing.
type EngineConfig struct {
	// Device selects the registered input device implementation.
	Device DeviceEntry `yaml:"device"`

	// SampleRate is the capture sample rate in Hz. Default: 44100.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the number of samples per frame. Default: 256.
	FrameSize int `yaml:"frame_size"`

	// BufferFrames is the frame buffer capacity. Default: 8.
	BufferFrames int `yaml:"buffer_frames"`

	// LatencyWindow is the rolling latency window sample count. Default: 200.
	LatencyWindow int `yaml:"latency_window"`
}

// DeviceEntry selects and configures an input device implementation.
// The Name field is used to look up the constructor in the [Registry].
type DeviceEntry struct {
	// Name selects the registered device implementation (e.g., "stdin").
	Name string `yaml:"name"`

	// Path is a device- or file-path for implementations that read from one.
	Path string `yaml:"path"`

	// Options holds device-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// ModesConfig holds the mode selection policy.
type ModesConfig struct {
	// LocalBPM is the tempo above which local mode is selected. Default: 120.
	LocalBPM float64 `yaml:"local_bpm"`

	// EdgeBPM is the tempo below which edge mode is selected. Default: 60.
	EdgeBPM float64 `yaml:"edge_bpm"`

	// HysteresisBPM is the band around each threshold that a tempo estimate
	// must clear before a transition fires. Default: 8.
	HysteresisBPM float64 `yaml:"hysteresis_bpm"`

	// DegradedCooldownMS is how long local mode is pinned after a latency
	// degradation, in milliseconds. Default: 5000.
	DegradedCooldownMS int `yaml:"degraded_cooldown_ms"`

	// Pin, when set, fixes the mode and disables automatic selection.
	Pin Mode `yaml:"pin"`
}

// LocalConfig holds on-device inference settings.
type LocalConfig struct {
	// Model is the local model identifier (e.g., "piano-full"). Default:
	// "piano-full".
	Model string `yaml:"model"`
}

// EdgeConfig holds remote inference settings.
type EdgeConfig struct {
	// URL is the websocket endpoint of the edge inference service
	// (e.g., "wss://edge.example.com/infer").
	URL string `yaml:"url"`

	// Codec selects the audio wire encoding. Default: pcm16.
	Codec Codec `yaml:"codec"`

	// TimeoutMS bounds each edge call, in milliseconds. Default: 50.
	TimeoutMS int `yaml:"timeout_ms"`
}

// NetmonConfig holds connectivity probing settings.
type NetmonConfig struct {
	// ProbeAddr is the host:port dialled to check reachability. Empty
	// disables probing; the edge URL's host is used when probing is wanted
	// without a dedicated address.
	ProbeAddr string `yaml:"probe_addr"`

	// IntervalMS is the probe period in milliseconds. Default: 2000.
	IntervalMS int `yaml:"interval_ms"`

	// TimeoutMS is the per-probe dial timeout in milliseconds. Default: 500.
	TimeoutMS int `yaml:"timeout_ms"`
}

// SinkEntry selects and configures an event sink implementation.
// The Name field is used to look up the constructor in the [Registry].
type SinkEntry struct {
	// Name selects the registered sink implementation (e.g., "mqtt", "log").
	Name string `yaml:"name"`

	// BrokerURL is the broker address for message-bus sinks
	// (e.g., "tcp://localhost:1883").
	BrokerURL string `yaml:"broker_url"`

	// ClientID identifies this engine instance to the broker.
	ClientID string `yaml:"client_id"`

	// Topic is the topic prefix events are published under.
	Topic string `yaml:"topic"`

	// QoS is the delivery guarantee level for message-bus sinks (0-2).
	QoS int `yaml:"qos"`

	// Username and Password authenticate to the broker if required.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Options holds sink-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}
