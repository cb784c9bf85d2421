package config

import (
	"flag"
	"os"
	"time"

	"github.com/dsievert/federation/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-d string   PostgreSQL DSN
//	-m string   federation domain
//	-k int      key staleness window, days
//	-t int      outbound HTTP timeout, seconds
//	-q int      queue drain interval, seconds
//	-n int      queue entries per drain pass
//
// The function first filters os.Args to only the flags it recognizes
// using flagx.FilterArgs, avoiding collisions with other components.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-m", "-k", "-t", "-q", "-n"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddr, "a", config.EndpointAddr, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.Domain, "m", config.Domain, "federation domain")

	keyStaleness := fs.Int("k", int(config.KeyStaleness.Hours()/24), "key staleness window (in days)")
	httpTimeout := fs.Int("t", int(config.HTTPTimeout.Seconds()), "outbound HTTP timeout (in seconds)")
	queueInterval := fs.Int("q", int(config.QueueInterval.Seconds()), "queue drain interval (in seconds)")
	fs.IntVar(&config.QueueBatch, "n", config.QueueBatch, "queue entries per drain pass")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.KeyStaleness = time.Duration(*keyStaleness) * 24 * time.Hour
	config.HTTPTimeout = time.Duration(*httpTimeout) * time.Second
	config.QueueInterval = time.Duration(*queueInterval) * time.Second
}
