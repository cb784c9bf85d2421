package config

import (
	"encoding/json"
	"os"

	"github.com/dsievert/federation/internal/flagx"
	"github.com/dsievert/federation/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON
// unmarshalling. It uses timex.Duration for interval fields, which
// allows parsing both string values such as "72h" and integer
// nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON
// configuration files. After unmarshalling, its fields are copied into
// the runtime Config struct which uses time.Duration.
type JsonConfig struct {
	EndpointAddr  string         `json:"endpoint_addr"`
	DatabaseDSN   string         `json:"database_dsn"`
	Domain        string         `json:"domain"`
	KeyStaleness  timex.Duration `json:"key_staleness"`
	HTTPTimeout   timex.Duration `json:"http_timeout"`
	QueueInterval timex.Duration `json:"queue_interval"`
	QueueBatch    int            `json:"queue_batch"`
}

// parseJson loads configuration values from a JSON file into the
// provided Config instance. The file path comes from the -c/-config
// flags; when neither is set, no JSON file is loaded. If the file
// cannot be read or contains invalid JSON, the function panics.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFile()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	if c.EndpointAddr != "" {
		config.EndpointAddr = c.EndpointAddr
	}
	if c.DatabaseDSN != "" {
		config.DatabaseDSN = c.DatabaseDSN
	}
	if c.Domain != "" {
		config.Domain = c.Domain
	}
	if c.KeyStaleness.Duration != 0 {
		config.KeyStaleness = c.KeyStaleness.Duration
	}
	if c.HTTPTimeout.Duration != 0 {
		config.HTTPTimeout = c.HTTPTimeout.Duration
	}
	if c.QueueInterval.Duration != 0 {
		config.QueueInterval = c.QueueInterval.Duration
	}
	if c.QueueBatch != 0 {
		config.QueueBatch = c.QueueBatch
	}
}
