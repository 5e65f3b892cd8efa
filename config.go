package main

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/korylprince/agentstream/session"
)

//Config represents options given in the environment
type Config struct {
	ListenAddr string //addr format used for net.Listen; required
	Prefix     string //url prefix to mount the gateway to without trailing slash

	PingInterval     time.Duration `default:"20s"` //0 disables keepalive pings
	PongWait         time.Duration `default:"60s"` //idle time before a connection is dropped
	HandshakeTimeout time.Duration `default:"10s"`
	WriteTimeout     time.Duration `default:"10s"`
	InvocationTTL    time.Duration `default:"10m"` //0 keeps unresolved invocations forever

	MaxFrameBytes int64 `default:"1048576"`
	MaxChunkBytes int   `default:"262144"`

	Greeting string `default:"Connected to Stream Server..."` //sent to agents after registration

	SQLDriver string //optional; enables the session journal
	SQLDSN    string //required if SQLDriver is set

	LogLevel   string `default:"info"`
	LogConsole bool   `default:"true"` //human readable logs instead of JSON
}

//Session returns the session limits from the environment
func (c *Config) Session() session.Config {
	return session.Config{
		PingInterval:     c.PingInterval,
		PongWait:         c.PongWait,
		HandshakeTimeout: c.HandshakeTimeout,
		WriteTimeout:     c.WriteTimeout,
		MaxFrameBytes:    c.MaxFrameBytes,
		MaxChunkBytes:    c.MaxChunkBytes,
		InvocationTTL:    c.InvocationTTL,
		Greeting:         c.Greeting,
	}
}

var config = &Config{}

func checkEmpty(val, name string) {
	if val == "" {
		log.Fatalf("AGENTSTREAM_%s must be configured\n", name)
	}
}

func init() {
	err := envconfig.Process("AGENTSTREAM", config)
	if err != nil {
		log.Fatalln("Error reading configuration from environment:", err)
	}

	checkEmpty(config.ListenAddr, "LISTENADDR")

	if config.SQLDriver != "" {
		checkEmpty(config.SQLDSN, "SQLDSN")
	}

	if config.PongWait > 0 && config.PingInterval >= config.PongWait {
		log.Fatalln("AGENTSTREAM_PINGINTERVAL must be shorter than AGENTSTREAM_PONGWAIT")
	}
}
