package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/shellpod.db"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`

	// Orchestrator settings
	OrchestratorBackend string `envconfig:"ORCHESTRATOR_BACKEND" default:"auto"`
	DockerHost          string `envconfig:"DOCKER_HOST" default:""`
	K8sNamespace        string `envconfig:"K8S_NAMESPACE" default:"shellpod"`
	InstanceImage       string `envconfig:"INSTANCE_IMAGE" default:"shellpod/sandbox:latest"`
	AgentPort           int    `envconfig:"AGENT_PORT" default:"3000"`

	// Object store admin API
	StoreEndpoint string `envconfig:"STORE_ENDPOINT" default:"https://storage.internal"`
	StoreAccount  string `envconfig:"STORE_ACCOUNT" default:""`
	StoreToken    string `envconfig:"STORE_TOKEN" default:""`

	// Lifecycle tuning
	BindSettleDelay string `envconfig:"BIND_SETTLE_DELAY" default:"2s"`
	BootTimeout     string `envconfig:"BOOT_TIMEOUT" default:"90s"`
	IdleEviction    string `envconfig:"IDLE_EVICTION" default:"15m"`
	EvictionSweep   string `envconfig:"EVICTION_SWEEP" default:"@every 30s"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SHELLPOD", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
