package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/unichain/overlay/libs/log"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
var (
	DefaultOverlayDir = ".overlay"
	defaultConfigDir  = "config"
	defaultDataDir    = "data"

	defaultConfigFileName = "config.toml"
	defaultNodeKeyName    = "node_key.hex"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
	defaultNodeKeyPath    = filepath.Join(defaultConfigDir, defaultNodeKeyName)
)

// Config defines the top level configuration for an overlay node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Discovery       *DiscoveryConfig       `mapstructure:"discovery"`
	P2P             *P2PConfig             `mapstructure:"p2p"`
	Sync            *SyncConfig            `mapstructure:"sync"`
	Fork            *ForkConfig            `mapstructure:"fork"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for an overlay node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Discovery:       DefaultDiscoveryConfig(),
		P2P:             DefaultP2PConfig(),
		Sync:            DefaultSyncConfig(),
		Fork:            DefaultForkConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Discovery:       TestDiscoveryConfig(),
		P2P:             TestP2PConfig(),
		Sync:            TestSyncConfig(),
		Fork:            DefaultForkConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Discovery.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [discovery] section")
	}
	if err := cfg.P2P.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [p2p] section")
	}
	if err := cfg.Sync.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [sync] section")
	}
	if err := cfg.Fork.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [fork] section")
	}
	return errors.Wrap(
		cfg.Instrumentation.ValidateBasic(),
		"error in [instrumentation] section",
	)
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for an overlay node
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// Output level for logging
	LogLevel string `mapstructure:"log-level"`

	// Output format: 'plain' (colorless multi-line) or 'json'
	LogFormat string `mapstructure:"log-format"`

	// Database backend: goleveldb | memdb
	DBBackend string `mapstructure:"db-backend"`

	// Database directory
	DBPath string `mapstructure:"db-dir"`

	// A hex encoded secp256k1 private key that identifies this node
	NodeKey string `mapstructure:"node-key-file"`

	// Protocol version spoken by this node. Peers advertising a different
	// version are not connectible.
	NetworkVersion int32 `mapstructure:"network-version"`

	// Unix timestamp of the genesis block
	GenesisTimestamp int64 `mapstructure:"genesis-timestamp"`
}

// DefaultBaseConfig returns a default base configuration for an overlay node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		NodeKey:          defaultNodeKeyPath,
		LogLevel:         log.LogLevelInfo,
		LogFormat:        log.LogFormatPlain,
		DBBackend:        "goleveldb",
		DBPath:           defaultDataDir,
		NetworkVersion:   11,
		GenesisTimestamp: 1_546_300_800,
	}
}

// TestBaseConfig returns a base configuration for testing an overlay node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.DBBackend = "memdb"
	return cfg
}

// NodeKeyFile returns the full path to the node_key.hex file
func (cfg BaseConfig) NodeKeyFile() string {
	return rootify(cfg.NodeKey, cfg.RootDir)
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case log.LogFormatJSON, log.LogFormatText, log.LogFormatPlain:
	default:
		return errors.New("unknown log format (must be 'plain', 'text' or 'json')")
	}
	switch cfg.DBBackend {
	case "goleveldb", "memdb":
	default:
		return fmt.Errorf("unsupported db-backend %q", cfg.DBBackend)
	}
	if cfg.NetworkVersion <= 0 {
		return errors.New("network-version must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// DiscoveryConfig

// DiscoveryConfig defines the configuration of the Kademlia style node
// discovery running over UDP.
type DiscoveryConfig struct {
	// Set false to run without node discovery; peers then come from
	// persistent-peers only.
	Enable bool `mapstructure:"enable"`

	// UDP address to listen for discovery datagrams
	ListenAddress string `mapstructure:"laddr"`

	// Address to advertise to other nodes. Defaults to the listen address.
	ExternalAddress string `mapstructure:"external-address"`

	// Comma separated list of host:port nodes used to bootstrap the table
	Bootnodes string `mapstructure:"bootnodes"`

	// Number of nodes per distance bucket of the routing table
	BucketSize int `mapstructure:"bucket-size"`

	// How long to wait for a pong before counting a ping as lost
	PingTimeout time.Duration `mapstructure:"ping-timeout"`

	// Number of ping attempts before a node is considered unreachable
	PingTrials int `mapstructure:"ping-trials"`

	// Interval between lookup rounds asking known nodes for neighbors
	DiscoverInterval time.Duration `mapstructure:"discover-interval"`

	// Number of nodes asked for neighbors in one lookup round
	LookupFanout int `mapstructure:"lookup-fanout"`

	// Interval at which live nodes are written to the node database.
	// 0 disables persistence.
	PersistInterval time.Duration `mapstructure:"persist-interval"`

	// Capacity of the inbound and outbound datagram queues
	QueueSize int `mapstructure:"queue-size"`
}

// DefaultDiscoveryConfig returns a default discovery configuration
func DefaultDiscoveryConfig() *DiscoveryConfig {
	return &DiscoveryConfig{
		Enable:           true,
		ListenAddress:    "0.0.0.0:18888",
		BucketSize:       16,
		PingTimeout:      15 * time.Second,
		PingTrials:       3,
		DiscoverInterval: 30 * time.Second,
		LookupFanout:     3,
		PersistInterval:  5 * time.Minute,
		QueueSize:        1024,
	}
}

// TestDiscoveryConfig returns a discovery configuration for testing
func TestDiscoveryConfig() *DiscoveryConfig {
	cfg := DefaultDiscoveryConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.PingTimeout = 100 * time.Millisecond
	cfg.DiscoverInterval = time.Second
	cfg.PersistInterval = 0
	return cfg
}

// BootnodeList returns the configured bootnodes.
func (cfg *DiscoveryConfig) BootnodeList() []string {
	return splitAndTrimEmpty(cfg.Bootnodes, ",", " ")
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *DiscoveryConfig) ValidateBasic() error {
	if cfg.BucketSize <= 0 {
		return errors.New("bucket-size must be positive")
	}
	if cfg.PingTimeout <= 0 {
		return errors.New("ping-timeout must be positive")
	}
	if cfg.PingTrials <= 0 {
		return errors.New("ping-trials must be positive")
	}
	if cfg.DiscoverInterval <= 0 {
		return errors.New("discover-interval must be positive")
	}
	if cfg.LookupFanout <= 0 {
		return errors.New("lookup-fanout must be positive")
	}
	if cfg.PersistInterval < 0 {
		return errors.New("persist-interval can't be negative")
	}
	if cfg.QueueSize <= 0 {
		return errors.New("queue-size must be positive")
	}
	for _, addr := range cfg.BootnodeList() {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return errors.Wrapf(err, "invalid bootnode %q", addr)
		}
	}
	return nil
}

//-----------------------------------------------------------------------------
// P2PConfig

// P2PConfig defines the configuration options for the persistent peer
// connections blocks are synchronized over.
type P2PConfig struct {
	// Address to listen for incoming connections
	ListenAddress string `mapstructure:"laddr"`

	// Comma separated list of host:port nodes to keep dialing regardless of
	// discovery
	PersistentPeers string `mapstructure:"persistent-peers"`

	// Maximum number of connected peers, inbound and outbound
	MaxPeers int `mapstructure:"max-peers"`

	// Interval between attempts to fill free peer slots from discovery
	DialInterval time.Duration `mapstructure:"dial-interval"`

	// Peer connection configuration.
	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`
	DialTimeout      time.Duration `mapstructure:"dial-timeout"`

	// Capacity of each peer's send queue
	SendQueueSize int `mapstructure:"send-queue-size"`
}

// DefaultP2PConfig returns a default configuration for the peer-to-peer layer
func DefaultP2PConfig() *P2PConfig {
	return &P2PConfig{
		ListenAddress:    "0.0.0.0:18888",
		MaxPeers:         30,
		DialInterval:     5 * time.Second,
		HandshakeTimeout: 20 * time.Second,
		DialTimeout:      3 * time.Second,
		SendQueueSize:    256,
	}
}

// TestP2PConfig returns a configuration for testing the peer-to-peer layer
func TestP2PConfig() *P2PConfig {
	cfg := DefaultP2PConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.DialInterval = 100 * time.Millisecond
	cfg.HandshakeTimeout = time.Second
	cfg.DialTimeout = time.Second
	return cfg
}

// PersistentPeerList returns the configured persistent peers.
func (cfg *P2PConfig) PersistentPeerList() []string {
	return splitAndTrimEmpty(cfg.PersistentPeers, ",", " ")
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *P2PConfig) ValidateBasic() error {
	if cfg.MaxPeers < 0 {
		return errors.New("max-peers can't be negative")
	}
	if cfg.DialInterval <= 0 {
		return errors.New("dial-interval must be positive")
	}
	if cfg.HandshakeTimeout <= 0 {
		return errors.New("handshake-timeout must be positive")
	}
	if cfg.DialTimeout <= 0 {
		return errors.New("dial-timeout must be positive")
	}
	if cfg.SendQueueSize <= 0 {
		return errors.New("send-queue-size must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// SyncConfig

// SyncConfig defines the configuration of block synchronization.
type SyncConfig struct {
	// Interval of the fetch planning pass
	FetchInterval time.Duration `mapstructure:"fetch-interval"`

	// Interval of the block application pass
	HandleInterval time.Duration `mapstructure:"handle-interval"`

	// Interval of the request timeout check
	TimeoutCheckInterval time.Duration `mapstructure:"timeout-check-interval"`

	// Maximum number of block ids requested from one peer at a time
	MaxBlockFetchPerPeer int `mapstructure:"max-block-fetch-per-peer"`

	// A new summary round is requested early when fewer ids than this are
	// queued for a peer that still has blocks remaining.
	SyncFetchBatchNum int `mapstructure:"sync-fetch-batch-num"`

	// Maximum number of ids in one chain inventory reply
	MaxInventorySize int `mapstructure:"max-inventory-size"`

	// Capacity of the cross peer in-flight fetch cache
	PendingFetchCapacity int `mapstructure:"pending-fetch-capacity"`

	// Age after which an in-flight fetch may be issued again
	PendingFetchExpiry time.Duration `mapstructure:"pending-fetch-expiry"`

	// A peer not answering a summary or block request within this time is
	// disconnected
	SyncTimeout time.Duration `mapstructure:"sync-timeout"`

	// Blocks deeper than this below the head are never part of a fork and
	// are not offered in chain summaries
	SolidifiedDepth int64 `mapstructure:"solidified-depth"`
}

// DefaultSyncConfig returns a default block sync configuration
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		FetchInterval:        time.Second,
		HandleInterval:       100 * time.Millisecond,
		TimeoutCheckInterval: 2 * time.Second,
		MaxBlockFetchPerPeer: 100,
		SyncFetchBatchNum:    2000,
		MaxInventorySize:     2000,
		PendingFetchCapacity: 10_000,
		PendingFetchExpiry:   time.Hour,
		SyncTimeout:          10 * time.Second,
		SolidifiedDepth:      27,
	}
}

// TestSyncConfig returns a block sync configuration for testing
func TestSyncConfig() *SyncConfig {
	cfg := DefaultSyncConfig()
	cfg.FetchInterval = 10 * time.Millisecond
	cfg.HandleInterval = 10 * time.Millisecond
	cfg.TimeoutCheckInterval = 50 * time.Millisecond
	cfg.MaxBlockFetchPerPeer = 4
	cfg.SyncFetchBatchNum = 8
	cfg.MaxInventorySize = 16
	cfg.PendingFetchCapacity = 64
	cfg.SyncTimeout = time.Second
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *SyncConfig) ValidateBasic() error {
	if cfg.FetchInterval <= 0 {
		return errors.New("fetch-interval must be positive")
	}
	if cfg.HandleInterval <= 0 {
		return errors.New("handle-interval must be positive")
	}
	if cfg.TimeoutCheckInterval <= 0 {
		return errors.New("timeout-check-interval must be positive")
	}
	if cfg.MaxBlockFetchPerPeer <= 0 {
		return errors.New("max-block-fetch-per-peer must be positive")
	}
	if cfg.SyncFetchBatchNum <= 0 {
		return errors.New("sync-fetch-batch-num must be positive")
	}
	if cfg.MaxInventorySize <= 1 {
		return errors.New("max-inventory-size must be greater than 1")
	}
	if cfg.PendingFetchCapacity < cfg.MaxBlockFetchPerPeer {
		return errors.New("pending-fetch-capacity can't be smaller than max-block-fetch-per-peer")
	}
	if cfg.PendingFetchExpiry <= 0 {
		return errors.New("pending-fetch-expiry must be positive")
	}
	if cfg.SyncTimeout <= 0 {
		return errors.New("sync-timeout must be positive")
	}
	if cfg.SolidifiedDepth < 0 {
		return errors.New("solidified-depth can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// ForkConfig

// ForkConfig defines the witnesses and protocol versions tracked for
// version adoption.
type ForkConfig struct {
	// Hex encoded addresses of the active witnesses, in schedule order
	Witnesses []string `mapstructure:"witnesses"`

	// Protocol versions whose adoption is tracked, ascending
	Versions []int `mapstructure:"versions"`
}

// DefaultForkConfig returns a default version adoption configuration
func DefaultForkConfig() *ForkConfig {
	return &ForkConfig{
		Witnesses: []string{},
		Versions:  []int{5, 6, 7, 8, 9, 10, 11},
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *ForkConfig) ValidateBasic() error {
	for i := 1; i < len(cfg.Versions); i++ {
		if cfg.Versions[i] <= cfg.Versions[i-1] {
			return errors.New("versions must be strictly ascending")
		}
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus-listen-addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "overlay",
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus-listen-addr can't be empty when prometheus is enabled")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// splitAndTrimEmpty slices s into all substrings separated by sep, trims
// cutset from both ends of each and drops empty results.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}

	spl := strings.Split(s, sep)
	nonEmptyStrings := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmptyStrings = append(nonEmptyStrings, element)
		}
	}
	return nonEmptyStrings
}
