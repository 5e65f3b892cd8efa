package session

import "time"

// Config defines session liveness and resource limits.
type Config struct {
	// PingInterval is the longest the session lets its outbound side go silent
	// before sending a liveness probe. Zero disables probes.
	PingInterval time.Duration
	// PongWait is how long the session waits for any inbound traffic (frames,
	// pongs or pings) before closing with idle_timeout.
	PongWait         time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxFrameBytes    int64
	MaxChunkBytes    int
	// InvocationTTL abandons invocations that stay unresolved this long. Zero keeps them forever.
	InvocationTTL time.Duration
	// Greeting, if set, is sent as a system frame after registration.
	Greeting string
}

// DefaultConfig returns the protocol reference defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:     20 * time.Second,
		PongWait:         60 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxFrameBytes:    1 << 20,
		MaxChunkBytes:    256 * 1024,
		InvocationTTL:    10 * time.Minute,
	}
}
