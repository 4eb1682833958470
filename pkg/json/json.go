// Package json selects the JSON codec used on every HTTP surface. The
// standard library is the default; bytedance/sonic can be enabled from
// config on hot paths.
package json

import (
	"bytes"
	"encoding/json"
)

// Library names a JSON implementation
type Library string

const (
	LibraryStandard Library = "standard" // encoding/json
	LibrarySonic    Library = "sonic"    // bytedance/sonic
)

// Config holds JSON codec configuration
type Config struct {
	Library    Library `mapstructure:"library" yaml:"library" json:"library"`
	EscapeHTML bool    `mapstructure:"escape_html" yaml:"escape_html" json:"escape_html"`
}

// DefaultConfig returns the default JSON codec configuration
func DefaultConfig() Config {
	return Config{
		Library:    LibraryStandard,
		EscapeHTML: false,
	}
}

// Codec marshals and unmarshals JSON
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

var active Codec = &standardCodec{}

// Configure installs the codec named by cfg as the process-wide codec.
func Configure(cfg Config) error {
	switch cfg.Library {
	case LibrarySonic:
		c, err := newSonicCodec(cfg)
		if err != nil {
			return err
		}
		active = c
	default:
		active = &standardCodec{escapeHTML: cfg.EscapeHTML}
	}
	return nil
}

// Marshal encodes v with the configured codec
func Marshal(v interface{}) ([]byte, error) {
	return active.Marshal(v)
}

// Unmarshal decodes data into v with the configured codec
func Unmarshal(data []byte, v interface{}) error {
	return active.Unmarshal(data, v)
}

type standardCodec struct {
	escapeHTML bool
}

func (c *standardCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(c.escapeHTML)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encode appends a newline the caller does not want
	data := buf.Bytes()
	if n := len(data); n > 0 && data[n-1] == '\n' {
		data = data[:n-1]
	}
	return data, nil
}

func (c *standardCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
