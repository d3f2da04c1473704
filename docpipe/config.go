package docpipe

import "log/slog"

// Config configures the intake pipeline.
type Config struct {
	// MaxFileSize caps every read (default: 20 MiB, the Bot API download limit).
	MaxFileSize int64 `json:"max_file_size" yaml:"max_file_size"`

	// Root, when set, confines the paths accepted by the MCP tools.
	Root string `json:"root" yaml:"root"`

	// Logger for debug/error messages.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 20 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
