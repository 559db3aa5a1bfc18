package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/portstream/internal/binding"
	"github.com/banshee-data/portstream/internal/portstream"
)

// PortConfig is the JSON configuration for a port session. Fields omitted
// from the file stay nil and fall back to the defaults applied by the binding
// and the session.
type PortConfig struct {
	Path     *string `json:"path,omitempty"`
	BaudRate *int    `json:"baud_rate,omitempty"`
	DataBits *int    `json:"data_bits,omitempty"`
	StopBits *int    `json:"stop_bits,omitempty"`
	Parity   *string `json:"parity,omitempty"`
	ReadSize *int    `json:"read_size,omitempty"`
}

// Helper functions to create pointers
func ptrInt(v int) *int          { return &v }
func ptrString(v string) *string { return &v }

// LoadPortConfig loads a PortConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadPortConfig(path string) (*PortConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &PortConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *PortConfig) Validate() error {
	if _, err := c.OpenOptions().Normalize(); err != nil {
		return err
	}
	if c.ReadSize != nil && (*c.ReadSize < 1 || *c.ReadSize > portstream.MaxReadSize) {
		return fmt.Errorf("read_size must be between 1 and %d, got %d", portstream.MaxReadSize, *c.ReadSize)
	}
	return nil
}

// OpenOptions returns the binding options described by the config. Unset
// fields are left zero for the binding to default.
func (c *PortConfig) OpenOptions() binding.OpenOptions {
	var opts binding.OpenOptions
	if c.Path != nil {
		opts.Path = *c.Path
	}
	if c.BaudRate != nil {
		opts.BaudRate = *c.BaudRate
	}
	if c.DataBits != nil {
		opts.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		opts.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		opts.Parity = *c.Parity
	}
	return opts
}

// GetReadSize returns the configured read size or portstream.DefaultReadSize.
func (c *PortConfig) GetReadSize() int {
	if c.ReadSize == nil {
		return portstream.DefaultReadSize
	}
	return *c.ReadSize
}

// SetPath overrides the port path.
func (c *PortConfig) SetPath(path string) { c.Path = ptrString(path) }

// SetBaudRate overrides the baud rate.
func (c *PortConfig) SetBaudRate(baud int) { c.BaudRate = ptrInt(baud) }

// SetDataBits overrides the data bits.
func (c *PortConfig) SetDataBits(n int) { c.DataBits = ptrInt(n) }

// SetStopBits overrides the stop bits.
func (c *PortConfig) SetStopBits(n int) { c.StopBits = ptrInt(n) }

// SetParity overrides the parity.
func (c *PortConfig) SetParity(parity string) { c.Parity = ptrString(parity) }

// SetReadSize overrides the read size.
func (c *PortConfig) SetReadSize(n int) { c.ReadSize = ptrInt(n) }
