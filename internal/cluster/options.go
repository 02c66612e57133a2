package cluster

import (
	"time"

	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/config"
)

// Defaults for Options fields left zero.
const (
	DefaultExchange           = "ybo_gateways"
	DefaultPingStagger        = 200 * time.Millisecond
	DefaultAnnounceDelay      = 3 * time.Second
	DefaultReannounceInterval = 30 * time.Minute
	DefaultResyncJitterMin    = 800 * time.Millisecond
	DefaultResyncJitterMax    = 2 * time.Second
	DefaultResyncMinInterval  = 10 * time.Second
)

// Options configures a Sync.
type Options struct {
	GatewayID string
	MasterID  string
	IsMaster  bool
	Label     string

	// Exchange is the topic exchange shared by the fleet. Queue is this
	// gateway's inbound queue; empty derives one from GatewayID.
	Exchange string
	Queue    string

	// UserID is stamped on outbound messages; brokers that check it must
	// see the connection's username.
	UserID string

	PingInterval       time.Duration
	PingStagger        time.Duration
	AnnounceDelay      time.Duration
	ReannounceInterval time.Duration
	ResyncJitterMin    time.Duration
	ResyncJitterMax    time.Duration

	// ResyncMinInterval limits snapshots sent to any one peer.
	ResyncMinInterval time.Duration

	LogSize int
}

// OptionsFrom builds Options from the loaded configuration. Identity comes
// from the caller because the KV store may override the configured seed.
func OptionsFrom(cfg *config.Config, gatewayID, masterID string, isMaster bool) Options {
	return Options{
		GatewayID:          gatewayID,
		MasterID:           masterID,
		IsMaster:           isMaster,
		Label:              cfg.Gateway.Label,
		Exchange:           DefaultExchange,
		UserID:             cfg.Broker.Auth.Username,
		PingInterval:       pingInterval(cfg, isMaster),
		PingStagger:        cfg.Cluster.PingStagger,
		AnnounceDelay:      cfg.Cluster.AnnounceDelay,
		ReannounceInterval: cfg.Cluster.ReannounceInterval,
		ResyncJitterMin:    cfg.Cluster.ResyncJitterMin,
		ResyncJitterMax:    cfg.Cluster.ResyncJitterMax,
		ResyncMinInterval:  DefaultResyncMinInterval,
		LogSize:            cfg.Cluster.MessageLogSize,
	}
}

func pingInterval(cfg *config.Config, isMaster bool) time.Duration {
	if isMaster {
		return cfg.Cluster.PingIntervalMaster
	}
	return cfg.Cluster.PingIntervalSlave
}

func (o Options) withDefaults() Options {
	if o.Exchange == "" {
		o.Exchange = DefaultExchange
	}
	if o.Queue == "" {
		o.Queue = "ybo_gw_" + o.GatewayID
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 600 * time.Second
		if o.IsMaster {
			o.PingInterval = 120 * time.Second
		}
	}
	if o.PingStagger <= 0 {
		o.PingStagger = DefaultPingStagger
	}
	if o.AnnounceDelay <= 0 {
		o.AnnounceDelay = DefaultAnnounceDelay
	}
	if o.ReannounceInterval <= 0 {
		o.ReannounceInterval = DefaultReannounceInterval
	}
	if o.ResyncJitterMin <= 0 && o.ResyncJitterMax <= 0 {
		o.ResyncJitterMin, o.ResyncJitterMax = DefaultResyncJitterMin, DefaultResyncJitterMax
	}
	if o.ResyncJitterMax < o.ResyncJitterMin {
		o.ResyncJitterMax = o.ResyncJitterMin
	}
	if o.ResyncMinInterval <= 0 {
		o.ResyncMinInterval = DefaultResyncMinInterval
	}
	if o.LogSize <= 0 {
		o.LogSize = DefaultLogSize
	}
	if o.IsMaster && o.MasterID == "" {
		o.MasterID = o.GatewayID
	}
	return o
}
