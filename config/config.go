package config

import (
	"fmt"
	"log"
	"time"
)

const (
	// defaults for when not provided in Config
	EventChannelLength uint16        = 1024
	MaxBodyLen         uint32        = 1 << 20
	ServerTimeout      time.Duration = time.Millisecond * 5000
	ClientTimeout      time.Duration = time.Millisecond * 5000

	TcpKeepAliveInterval time.Duration = time.Second * 17
	TcpKeepAliveCount    uint16        = 2
	TcpDialTimeout       time.Duration = time.Second * 3
	TcpReconnectInterval time.Duration = time.Second * 5
	TcpReconnectLogEvery uint32        = 12
)

type Config struct {
	EventChannelLength uint16

	// cap on peer supplied body length before scratch allocation, bytes
	MaxBodyLen uint32

	// liveness windows in milliseconds
	ServerTimeout uint32
	ClientTimeout uint32

	// messages drained per Update call, 0 drains all available
	MaxMessagesPerUpdate uint32

	// passed through to the transport layer; intervals and the dial
	// timeout in seconds, the keepalive count and log cadence are counts
	TcpKeepAliveInterval uint16
	TcpKeepAliveCount    uint16
	TcpDialTimeout       uint16
	TcpReconnectInterval uint16
	TcpReconnectLogEvery uint32

	LogPrefix string
	LogDebug  bool
}

func (c *Config) Validate() error {
	if c == nil {
		err := fmt.Errorf("nil config")
		log.Printf("%s", err.Error())
		return err
	}

	return nil
}

// resolution helpers: zero value means use the package default

func (c *Config) EventChannelLengthOrDefault() uint16 {
	if c == nil || c.EventChannelLength == 0 {
		return EventChannelLength
	}
	return c.EventChannelLength
}

func (c *Config) MaxBodyLenOrDefault() uint32 {
	if c == nil || c.MaxBodyLen == 0 {
		return MaxBodyLen
	}
	return c.MaxBodyLen
}

func (c *Config) ServerTimeoutOrDefault() time.Duration {
	if c == nil || c.ServerTimeout == 0 {
		return ServerTimeout
	}
	return time.Millisecond * time.Duration(c.ServerTimeout)
}

func (c *Config) ClientTimeoutOrDefault() time.Duration {
	if c == nil || c.ClientTimeout == 0 {
		return ClientTimeout
	}
	return time.Millisecond * time.Duration(c.ClientTimeout)
}

func (c *Config) TcpKeepAliveIntervalOrDefault() time.Duration {
	if c == nil || c.TcpKeepAliveInterval == 0 {
		return TcpKeepAliveInterval
	}
	return time.Second * time.Duration(c.TcpKeepAliveInterval)
}

func (c *Config) TcpKeepAliveCountOrDefault() uint16 {
	if c == nil || c.TcpKeepAliveCount == 0 {
		return TcpKeepAliveCount
	}
	return c.TcpKeepAliveCount
}

func (c *Config) TcpDialTimeoutOrDefault() time.Duration {
	if c == nil || c.TcpDialTimeout == 0 {
		return TcpDialTimeout
	}
	return time.Second * time.Duration(c.TcpDialTimeout)
}

func (c *Config) TcpReconnectIntervalOrDefault() time.Duration {
	if c == nil || c.TcpReconnectInterval == 0 {
		return TcpReconnectInterval
	}
	return time.Second * time.Duration(c.TcpReconnectInterval)
}

func (c *Config) TcpReconnectLogEveryOrDefault() uint32 {
	if c == nil || c.TcpReconnectLogEvery == 0 {
		return TcpReconnectLogEvery
	}
	return c.TcpReconnectLogEvery
}
