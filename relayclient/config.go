package relayclient

import "time"

// Config controls how the client connects.
type Config struct {
	URL              string // e.g. ws://localhost:8080/ws
	Token            string // optional bearer token, sent as ?token=
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// DefaultConfig returns sensible defaults. Set a timeout to 0 to disable it.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}
