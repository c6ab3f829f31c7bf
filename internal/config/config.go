package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// ContentKey is a processed container decryption key. ID is the key ID
// (may be empty for single-key tools), Key the raw key bytes decoded
// from hex.
type ContentKey struct {
	ID  string
	Key []byte
}

// Options holds the fully processed engine configuration.
type Options struct {
	UserAgent      string
	Headers        map[string]string
	Proxy          string
	Concurrency    int
	RequestTimeout time.Duration

	// Keys are container-level decryption keys handed to the external
	// decryptor during assembly. Segment-level HLS keys are fetched
	// from the manifest's key URIs instead.
	Keys []ContentKey

	// Mp4decryptPath and SingleKeyTool select between the two external
	// decryptor invocation shapes. They are mutually exclusive.
	Mp4decryptPath string
	SingleKeyTool  string
}

// rawOptions maps directly onto the YAML profile. Keys are raw
// 'kid:key' hex strings and are processed into ContentKey values.
type rawOptions struct {
	UserAgent      string            `yaml:"user_agent"`
	Headers        map[string]string `yaml:"headers"`
	Proxy          string            `yaml:"proxy"`
	Concurrency    int               `yaml:"concurrency"`
	RequestTimeout string            `yaml:"request_timeout"`
	Keys           []string          `yaml:"keys"`
	Mp4decryptPath string            `yaml:"mp4decrypt_path"`
	SingleKeyTool  string            `yaml:"single_key_tool"`
}

// Default returns the options used when no profile is given, mirroring
// the stock download behavior.
func Default() *Options {
	return &Options{
		UserAgent:      defaultUserAgent,
		Headers:        map[string]string{},
		Concurrency:    16,
		RequestTimeout: 30 * time.Second,
	}
}

// Load reads and parses a YAML profile from the given path, processing
// raw key strings into byte slices.
func Load(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile at %s: %w", path, err)
	}

	var raw rawOptions
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile YAML: %w", err)
	}

	opts := Default()
	if raw.UserAgent != "" {
		opts.UserAgent = raw.UserAgent
	}
	for k, v := range raw.Headers {
		opts.Headers[k] = v
	}
	opts.Proxy = raw.Proxy
	if raw.Concurrency > 0 {
		opts.Concurrency = raw.Concurrency
	}
	if raw.RequestTimeout != "" {
		d, err := time.ParseDuration(raw.RequestTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid request_timeout %q: %w", raw.RequestTimeout, err)
		}
		opts.RequestTimeout = d
	}
	opts.Mp4decryptPath = raw.Mp4decryptPath
	opts.SingleKeyTool = raw.SingleKeyTool

	for _, ks := range raw.Keys {
		ck, err := ParseKey(ks)
		if err != nil {
			return nil, err
		}
		opts.Keys = append(opts.Keys, ck)
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// ParseKey processes a raw key string. The accepted forms are
// 'kid:key' and a bare hex key; the key part must decode from hex.
func ParseKey(s string) (ContentKey, error) {
	var ck ContentKey
	keyHex := s
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		ck.ID = s[:idx]
		keyHex = s[idx+1:]
	}

	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return ContentKey{}, fmt.Errorf("failed to decode hex key %q: %w", s, err)
	}
	ck.Key = keyBytes
	return ck, nil
}

// Validate checks cross-field constraints.
func (o *Options) Validate() error {
	if o.Mp4decryptPath != "" && o.SingleKeyTool != "" {
		return fmt.Errorf("mp4decrypt_path and single_key_tool are mutually exclusive")
	}
	if o.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", o.Concurrency)
	}
	return nil
}
