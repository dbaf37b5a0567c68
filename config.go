package nimbus

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// loadConfig wires viper up the same way corral's driver did: a config
// file discovered on a fixed search path, filled in by setupDefaults,
// then overridable by NIMBUS_-prefixed environment variables and finally
// by whatever pflag flags the caller bound over it.
func loadConfig() {
	viper.SetConfigName("nimbusrc")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.nimbus")

	setupDefaults()

	if err := viper.ReadInConfig(); err != nil {
		log.Debugf("config read: %+v", err)
	}

	viper.SetEnvPrefix("nimbus")
	viper.AutomaticEnv()
}

func setupDefaults() {
	defaultSettings := map[string]interface{}{
		"workerCount":          4,   // cluster size; must have an entry in corselect's split table
		"acrossJobParallelism": 8,   // execution slots per worker (C10)
		"maxConcurrentSends":   16,  // outbound data-exchange transfers in flight per worker
		"finishHintCapacity":   4096, // worker job graph's bounded finished-id LRU

		"controllerHost": "127.0.0.1",
		"controllerPort": 7070,
		"workerBasePort": 8000, // read into ClusterConfig; no process listens on it (workers dial the controller for commands)
		"exchangeBasePort": 9000, // worker i listens for data exchange on exchangeBasePort+i

		"cache":     0, // corcache.BlobStoreType (0 - Local, 1 - Redis)
		"instanceStoreSize": uint64(256 * 1024 * 1024),

		"checkpointFS":            0, // corfs.FileSystemType (0 - Local, 1 - S3)
		"checkpointDir":           "./nimbus-checkpoints",
		"checkpointIntervalJobs":  1000, // spawned jobs between prepare-rewind barriers, 0 disables

		"checkpointRedisAddrs":    []string{"127.0.0.1:6379"},
		"checkpointRedisDB":       0,
		"checkpointRedisUser":     "",
		"checkpointRedisPassword": "",

		"verbose": false,
	}
	for key, value := range defaultSettings {
		viper.SetDefault(key, value)
	}

	aliases := map[string]string{
		"verbose": "v",
		"workers": "workerCount",
	}
	for key, alias := range aliases {
		viper.RegisterAlias(alias, key)
	}
}

// ClusterConfig is the resolved, immutable configuration a controller or
// worker process runs with, read out of viper once at startup.
type ClusterConfig struct {
	WorkerCount          int
	AcrossJobParallelism int
	MaxConcurrentSends   int64
	FinishHintCapacity   int

	ControllerHost string
	ControllerPort int
	WorkerBasePort int
	ExchangeBasePort int

	CacheType         int
	InstanceStoreSize uint64

	CheckpointFSType       int
	CheckpointDir          string
	CheckpointIntervalJobs int

	Verbose bool
}

// NewClusterConfig loads viper's process-wide configuration and returns
// the typed view controller.go and worker.go build against.
func NewClusterConfig() ClusterConfig {
	loadConfig()
	return ClusterConfig{
		WorkerCount:          viper.GetInt("workerCount"),
		AcrossJobParallelism: viper.GetInt("acrossJobParallelism"),
		MaxConcurrentSends:   viper.GetInt64("maxConcurrentSends"),
		FinishHintCapacity:   viper.GetInt("finishHintCapacity"),

		ControllerHost:   viper.GetString("controllerHost"),
		ControllerPort:   viper.GetInt("controllerPort"),
		WorkerBasePort:   viper.GetInt("workerBasePort"),
		ExchangeBasePort: viper.GetInt("exchangeBasePort"),

		CacheType:         viper.GetInt("cache"),
		InstanceStoreSize: viper.GetUint64("instanceStoreSize"),

		CheckpointFSType:       viper.GetInt("checkpointFS"),
		CheckpointDir:          viper.GetString("checkpointDir"),
		CheckpointIntervalJobs: viper.GetInt("checkpointIntervalJobs"),

		Verbose: viper.GetBool("verbose"),
	}
}
