package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath   string `envconfig:"DATA_PATH" default:"/app/data"`
	LogPath    string `envconfig:"LOG_PATH" default:""`
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8000"`
	DockerHost string `envconfig:"DOCKER_HOST" default:""`

	// Port pool handed out to preview deployments.
	PortRangeMin int `envconfig:"PORT_RANGE_MIN" default:"8100"`
	PortRangeMax int `envconfig:"PORT_RANGE_MAX" default:"8299"`

	// Health reconciler settings.
	ReconcileInterval  string `envconfig:"RECONCILE_INTERVAL" default:"30s"`
	ReconcileJitter    string `envconfig:"RECONCILE_JITTER" default:"5s"`
	AbsentStrikes      int    `envconfig:"ABSENT_STRIKES" default:"2"`
	ProbeFailThreshold int    `envconfig:"PROBE_FAIL_THRESHOLD" default:"6"`
	ProbeFailLimit     int    `envconfig:"PROBE_FAIL_LIMIT" default:"18"`
	ProbeTimeout       string `envconfig:"PROBE_TIMEOUT" default:"5s"`
	RuntimeCallTimeout string `envconfig:"RUNTIME_CALL_TIMEOUT" default:"30s"`
	KillOrphanBackends bool   `envconfig:"KILL_ORPHAN_BACKENDS" default:"false"`
	SessionIdleTimeout string `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`

	// Output broker settings.
	ScrollbackBytes     int `envconfig:"SCROLLBACK_BYTES" default:"65536"`
	SubscriberQueueSize int `envconfig:"SUBSCRIBER_QUEUE_SIZE" default:"256"`

	// Path to the project template catalog (YAML). Compiled-in defaults
	// are used when the file is absent.
	TemplatesPath string `envconfig:"TEMPLATES_PATH" default:""`

	// Remote session backend. Disabled unless a host is configured.
	RemoteHost    string `envconfig:"REMOTE_HOST" default:""`
	RemoteUser    string `envconfig:"REMOTE_USER" default:"root"`
	RemoteKeyPath string `envconfig:"REMOTE_KEY_PATH" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("PREVIEWD", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
