package config

import (
	"fmt"
	"log"
	"net"
	"time"
)

const (
	// defaults for when not provided in Config
	EventChannelLength          uint16        = 1024
	DiscoveryPort               uint16        = 47584
	DiscoveryHeartbeatInterval  time.Duration = time.Second * 15
	DiscoveryPollInterval       time.Duration = time.Second * 5
	DiscoveryEvictionWindow     time.Duration = time.Second * 35
	ShutdownTimeout             time.Duration = time.Second * 10
	PeerLinkPort                uint16        = 47585
	PeerLinkIdleTimeout         time.Duration = time.Second * 60
	TcpKeepAliveInterval        time.Duration = time.Second * 17
	TcpKeepAliveCount           uint16        = 2
	TcpDialTimeout              time.Duration = time.Second * 3
	TcpReconnectInterval        time.Duration = time.Second * 5
	TcpReconnectLogEvery        uint32        = 12
	DiscoveryBroadcastIPAddress string        = "255.255.255.255"
)

type Config struct {
	Host               string `yaml:"host"`
	Instance           string `yaml:"instance"`
	AppID              uint32 `yaml:"app_id"`
	EventChannelLength uint16 `yaml:"event_channel_length"`

	// discovery, intervals in seconds
	DiscoveryPort              uint16 `yaml:"discovery_port"`
	DiscoveryListenAddress     string `yaml:"discovery_listen_address"`
	DiscoveryBroadcastAddress  string `yaml:"discovery_broadcast_address"`
	DiscoveryHeartbeatInterval uint16 `yaml:"discovery_heartbeat_interval"`
	DiscoveryPollInterval      uint16 `yaml:"discovery_poll_interval"`
	DiscoveryEvictionWindow    uint16 `yaml:"discovery_eviction_window"`
	ShutdownTimeout            uint16 `yaml:"shutdown_timeout"`

	// peer link, intervals in seconds
	PeerLinkPort         uint16 `yaml:"peer_link_port"`
	PeerLinkIdleTimeout  uint16 `yaml:"peer_link_idle_timeout"`
	TcpKeepAliveInterval uint16 `yaml:"tcp_keep_alive_interval"`
	TcpKeepAliveCount    uint16 `yaml:"tcp_keep_alive_count"`
	TcpDialTimeout       uint16 `yaml:"tcp_dial_timeout"`
	TcpReconnectInterval uint16 `yaml:"tcp_reconnect_interval"`
	TcpReconnectLogEvery uint32 `yaml:"tcp_reconnect_log_every"`

	MetricsAddress string `yaml:"metrics_address"`

	LogPrefix string `yaml:"log_prefix"`
	LogDebug  bool   `yaml:"log_debug"`
}

func (c *Config) Validate() error {
	if c == nil {
		err := fmt.Errorf("nil config")
		log.Printf("%s", err.Error())
		return err
	}

	if c.Host == "" {
		err := fmt.Errorf("invalid Host=%s", c.Host)
		log.Printf("%s", err.Error())
		return err
	}

	if c.Instance == "" {
		err := fmt.Errorf("invalid Instance=%s", c.Instance)
		log.Printf("%s", err.Error())
		return err
	}

	if c.AppID == 0 {
		err := fmt.Errorf("invalid AppID=%d", c.AppID)
		log.Printf("%s", err.Error())
		return err
	}

	if c.DiscoveryListenAddress != "" {
		_, err := net.ResolveUDPAddr("udp4", c.DiscoveryListenAddress)
		if err != nil {
			err = fmt.Errorf("invalid DiscoveryListenAddress=%s, err=%w", c.DiscoveryListenAddress, err)
			log.Printf("%s", err.Error())
			return err
		}
	}

	if c.DiscoveryBroadcastAddress != "" {
		_, err := net.ResolveUDPAddr("udp4", c.DiscoveryBroadcastAddress)
		if err != nil {
			err = fmt.Errorf("invalid DiscoveryBroadcastAddress=%s, err=%w", c.DiscoveryBroadcastAddress, err)
			log.Printf("%s", err.Error())
			return err
		}
	}

	if c.DiscoveryPort != 0 && c.DiscoveryPort == c.PeerLinkPort {
		err := fmt.Errorf("DiscoveryPort=%d collides with PeerLinkPort=%d", c.DiscoveryPort, c.PeerLinkPort)
		log.Printf("%s", err.Error())
		return err
	}

	return nil
}

func (c *Config) GetEventChannelLength() uint16 {
	if c.EventChannelLength == 0 {
		return EventChannelLength
	}
	return c.EventChannelLength
}

func (c *Config) GetDiscoveryListenAddress() string {
	if c.DiscoveryListenAddress != "" {
		return c.DiscoveryListenAddress
	}

	port := c.DiscoveryPort
	if port == 0 {
		port = DiscoveryPort
	}
	return fmt.Sprintf(":%d", port)
}

func (c *Config) GetDiscoveryBroadcastAddress() string {
	if c.DiscoveryBroadcastAddress != "" {
		return c.DiscoveryBroadcastAddress
	}

	port := c.DiscoveryPort
	if port == 0 {
		port = DiscoveryPort
	}
	return net.JoinHostPort(DiscoveryBroadcastIPAddress, fmt.Sprintf("%d", port))
}

func (c *Config) GetDiscoveryHeartbeatInterval() time.Duration {
	return seconds(c.DiscoveryHeartbeatInterval, DiscoveryHeartbeatInterval)
}

func (c *Config) GetDiscoveryPollInterval() time.Duration {
	return seconds(c.DiscoveryPollInterval, DiscoveryPollInterval)
}

func (c *Config) GetDiscoveryEvictionWindow() time.Duration {
	return seconds(c.DiscoveryEvictionWindow, DiscoveryEvictionWindow)
}

func (c *Config) GetShutdownTimeout() time.Duration {
	return seconds(c.ShutdownTimeout, ShutdownTimeout)
}

func (c *Config) GetPeerLinkPort() uint16 {
	if c.PeerLinkPort == 0 {
		return PeerLinkPort
	}
	return c.PeerLinkPort
}

func (c *Config) GetPeerLinkIdleTimeout() time.Duration {
	return seconds(c.PeerLinkIdleTimeout, PeerLinkIdleTimeout)
}

func (c *Config) GetTcpKeepAliveInterval() time.Duration {
	return seconds(c.TcpKeepAliveInterval, TcpKeepAliveInterval)
}

func (c *Config) GetTcpKeepAliveCount() uint16 {
	if c.TcpKeepAliveCount == 0 {
		return TcpKeepAliveCount
	}
	return c.TcpKeepAliveCount
}

func (c *Config) GetTcpDialTimeout() time.Duration {
	return seconds(c.TcpDialTimeout, TcpDialTimeout)
}

func (c *Config) GetTcpReconnectInterval() time.Duration {
	return seconds(c.TcpReconnectInterval, TcpReconnectInterval)
}

func (c *Config) GetTcpReconnectLogEvery() uint32 {
	if c.TcpReconnectLogEvery == 0 {
		return TcpReconnectLogEvery
	}
	return c.TcpReconnectLogEvery
}

func seconds(v uint16, d time.Duration) time.Duration {
	if v == 0 {
		return d
	}
	return time.Second * time.Duration(v)
}
