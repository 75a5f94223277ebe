package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// LoadFile overlays the settings in the file at path onto cfg.  The
// format follows the extension (yaml, toml, json).  Keys missing from
// the file leave cfg untouched.
//
//	host: example.com
//	port: 80
//	transport: netconn
//	timeout: 10s
//	chunk_size: 4096
func LoadFile(path string, cfg *Config) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	if v.IsSet("host") {
		cfg.Host = v.GetString("host")
	}
	if v.IsSet("port") {
		p := v.GetInt("port")
		if p < 1 || p > 65535 {
			return fmt.Errorf("config %s: port %d out of range 1-65535", path, p)
		}
		cfg.Port = uint16(p)
	}
	if v.IsSet("local_port") {
		cfg.LocalPort = v.GetInt("local_port")
	}
	if v.IsSet("transport") {
		cfg.Transport = v.GetString("transport")
	}
	if v.IsSet("timeout") {
		cfg.Timeout = v.GetDuration("timeout")
	}
	if v.IsSet("secure") {
		cfg.Secure = v.GetBool("secure")
	}
	if v.IsSet("chunk_size") {
		cfg.ChunkSize = v.GetInt("chunk_size")
	}
	if v.IsSet("retries") {
		cfg.Retries = v.GetInt("retries")
	}
	if v.IsSet("verbose") {
		cfg.Verbose = v.GetInt("verbose")
	}
	if v.IsSet("metrics") {
		cfg.ShowMetrics = v.GetBool("metrics")
	}
	return nil
}
