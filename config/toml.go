package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate").Funcs(template.FuncMap{
		"IntsJoin": intsJoin,
	})
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

// EnsureRoot creates the root, config, and data directories if they don't
// exist.
func EnsureRoot(rootDir string) error {
	for _, dir := range []string{
		rootDir,
		filepath.Join(rootDir, defaultConfigDir),
		filepath.Join(rootDir, defaultDataDir),
	} {
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			return fmt.Errorf("could not create directory %q: %w", dir, err)
		}
	}
	return nil
}

// ConfigFile returns the path of the config.toml file under rootDir.
func ConfigFile(rootDir string) string {
	return filepath.Join(rootDir, defaultConfigFilePath)
}

// WriteConfigFile renders config using the template and writes it to
// the config.toml under rootDir.
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(ConfigFile(rootDir))
}

// WriteToTemplate writes the config to the exact file specified by
// the path, in the default toml template and does not mangle the path
// or filename at all.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	return os.WriteFile(path, buffer.Bytes(), 0644)
}

// WriteDefaultConfigFileIfNone writes the default config to rootDir unless a
// config file already exists there.
func WriteDefaultConfigFileIfNone(rootDir string) error {
	if _, err := os.Stat(ConfigFile(rootDir)); err == nil {
		return nil
	}
	return WriteConfigFile(rootDir, DefaultConfig())
}

func intsJoin(vals []int, sep string) string {
	strs := make([]string, len(vals))
	for i, v := range vals {
		strs[i] = fmt.Sprint(v)
	}
	return strings.Join(strs, sep)
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/overlay/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.overlay" by default, but could be changed via $OVERLAY_HOME env
# variable or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# Database backend: goleveldb | memdb
db-backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db-dir = "{{ .BaseConfig.DBPath }}"

# Output level for logging: debug | info | warn | error
log-level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colorless multi-line) or 'json'
log-format = "{{ .BaseConfig.LogFormat }}"

# Path to the hex encoded secp256k1 key identifying this node
node-key-file = "{{ .BaseConfig.NodeKey }}"

# Protocol version spoken by this node
network-version = {{ .BaseConfig.NetworkVersion }}

# Unix timestamp of the genesis block
genesis-timestamp = {{ .BaseConfig.GenesisTimestamp }}

#######################################################################
###                 Advanced Configuration Options                  ###
#######################################################################

#######################################################
###           Node Discovery Configuration Options  ###
#######################################################
[discovery]

# Run node discovery over UDP
enable = {{ .Discovery.Enable }}

# Address to listen for discovery datagrams
laddr = "{{ .Discovery.ListenAddress }}"

# Address to advertise to other nodes. Defaults to laddr.
external-address = "{{ .Discovery.ExternalAddress }}"

# Comma separated list of host:port nodes to bootstrap from
bootnodes = "{{ .Discovery.Bootnodes }}"

# Number of nodes per routing table bucket
bucket-size = {{ .Discovery.BucketSize }}

# How long to wait for a pong before a ping counts as lost
ping-timeout = "{{ .Discovery.PingTimeout }}"

# Ping attempts before a node is considered unreachable
ping-trials = {{ .Discovery.PingTrials }}

# Interval between neighbor lookup rounds
discover-interval = "{{ .Discovery.DiscoverInterval }}"

# Nodes asked for neighbors in one lookup round
lookup-fanout = {{ .Discovery.LookupFanout }}

# Interval at which live nodes are saved. "0s" disables it.
persist-interval = "{{ .Discovery.PersistInterval }}"

# Capacity of the inbound and outbound datagram queues
queue-size = {{ .Discovery.QueueSize }}

#######################################################
###           P2P Configuration Options             ###
#######################################################
[p2p]

# Address to listen for incoming connections
laddr = "{{ .P2P.ListenAddress }}"

# Comma separated list of host:port nodes to always keep connected
persistent-peers = "{{ .P2P.PersistentPeers }}"

# Maximum number of connected peers
max-peers = {{ .P2P.MaxPeers }}

# Interval between attempts to fill free peer slots
dial-interval = "{{ .P2P.DialInterval }}"

# Peer connection configuration.
handshake-timeout = "{{ .P2P.HandshakeTimeout }}"
dial-timeout = "{{ .P2P.DialTimeout }}"

# Capacity of each peer's send queue
send-queue-size = {{ .P2P.SendQueueSize }}

#######################################################
###         Block Sync Configuration Options        ###
#######################################################
[sync]

fetch-interval = "{{ .Sync.FetchInterval }}"
handle-interval = "{{ .Sync.HandleInterval }}"
timeout-check-interval = "{{ .Sync.TimeoutCheckInterval }}"

# Maximum number of blocks requested from one peer at a time
max-block-fetch-per-peer = {{ .Sync.MaxBlockFetchPerPeer }}

# Ask for the next chain summary early when fewer ids than this are queued
sync-fetch-batch-num = {{ .Sync.SyncFetchBatchNum }}

# Maximum number of ids in one chain inventory reply
max-inventory-size = {{ .Sync.MaxInventorySize }}

# In-flight fetch cache shared by all peers
pending-fetch-capacity = {{ .Sync.PendingFetchCapacity }}
pending-fetch-expiry = "{{ .Sync.PendingFetchExpiry }}"

# Peers not answering within this time are disconnected
sync-timeout = "{{ .Sync.SyncTimeout }}"

# Depth below the head at which blocks are final
solidified-depth = {{ .Sync.SolidifiedDepth }}

#######################################################
###       Version Adoption Configuration Options    ###
#######################################################
[fork]

# Hex encoded addresses of the active witnesses, in schedule order
witnesses = [{{ range $i, $w := .Fork.Witnesses }}{{ if $i }}, {{ end }}"{{ $w }}"{{ end }}]

# Protocol versions whose adoption is tracked
versions = [{{ IntsJoin .Fork.Versions ", " }}]

#######################################################
###       Instrumentation Configuration Options     ###
#######################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
# Check out the documentation for the list of available metrics.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus-listen-addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`
