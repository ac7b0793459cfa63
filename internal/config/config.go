// Package config
package config

import (
	"flag"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

/*
YAML config example:
wallex_api_key: "..."
db_conn_str: "host=localhost port=5432 ..."
redis_addr: "localhost:6379"
instance_id: ""            # generated when empty
health_addr: ":8090"
intake_addr: ":8080"
run_migration: false
initial_capital: 100000
leader_ttl: 10s
leader_renew_interval: 3s
election_poll_interval: 5s
heartbeat_ttl: 15s
heartbeat_interval: 5s
signal_lock_ttl: 30s
signal_log_retention: 720h
base_entry_divergence_cap: 0.01
pyramid_divergence_cap: 0.003
exit_adverse_divergence_cap: 0.002
risk_increase_shrink: 0.10
risk_increase_reject: 0.50
min_pyramid_excursion_atr: 0.5
order_poll_interval: 2s
order_timeout: 20s
progressive_step_percent: 0.05
progressive_max_attempts: 4
max_slippage_percent: 0.3
*/

type Config struct {
	WallexAPIKey string `yaml:"wallex_api_key"`
	DBConnStr    string `yaml:"db_conn_str"`
	DBMaxOpen    int    `yaml:"db_max_open"`
	DBMaxIdle    int    `yaml:"db_max_idle"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisDB      int    `yaml:"redis_db"`
	InstanceID   string `yaml:"instance_id"`
	HealthAddr   string `yaml:"health_addr"`
	IntakeAddr   string `yaml:"intake_addr"`
	RunMigration bool   `yaml:"run_migration"`

	WallexLotSize float64 `yaml:"wallex_lot_size"`

	InitialCapital float64 `yaml:"initial_capital"`

	// Coordination timing. Renewal runs well inside the leader TTL so a
	// single slow round trip does not forfeit leadership.
	LeaderTTL            time.Duration `yaml:"leader_ttl"`
	LeaderRenewInterval  time.Duration `yaml:"leader_renew_interval"`
	ElectionPollInterval time.Duration `yaml:"election_poll_interval"`
	HeartbeatTTL         time.Duration `yaml:"heartbeat_ttl"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	SignalLockTTL        time.Duration `yaml:"signal_lock_ttl"`
	SignalLogRetention   time.Duration `yaml:"signal_log_retention"`

	// Validation thresholds.
	BaseEntryDivergenceCap   float64 `yaml:"base_entry_divergence_cap"`
	PyramidDivergenceCap     float64 `yaml:"pyramid_divergence_cap"`
	ExitAdverseDivergenceCap float64 `yaml:"exit_adverse_divergence_cap"`
	RiskIncreaseShrink       float64 `yaml:"risk_increase_shrink"`
	RiskIncreaseReject       float64 `yaml:"risk_increase_reject"`
	MinPyramidExcursionATR   float64 `yaml:"min_pyramid_excursion_atr"`

	// Execution tuning.
	ExecutionStrategy      string        `yaml:"execution_strategy"`
	OrderPollInterval      time.Duration `yaml:"order_poll_interval"`
	OrderTimeout           time.Duration `yaml:"order_timeout"`
	ProgressiveStepPercent float64       `yaml:"progressive_step_percent"`
	ProgressiveMaxAttempts int           `yaml:"progressive_max_attempts"`
	MaxSlippagePercent     float64       `yaml:"max_slippage_percent"`

	ReconcileWithBroker bool `yaml:"reconcile_with_broker"`
}

// Load parses flags, the optional YAML file and environment variables.
func Load() Config {
	instanceID := flag.String("instance-id", "", "Instance id (generated when empty)")
	redisAddr := flag.String("redis-addr", "localhost:6379", "Redis address for the lease store")
	redisDB := flag.Int("redis-db", 0, "Redis database number")
	healthAddr := flag.String("health-addr", ":8090", "Listen address for health/metrics")
	intakeAddr := flag.String("intake-addr", ":8080", "Listen address for signal intake")
	runMigration := flag.Bool("run-migration", false, "Create the database and apply the schema on startup")
	initialCapital := flag.Float64("initial-capital", 100000, "Initial capital when bootstrapping portfolio state")
	executionStrategy := flag.String("execution-strategy", "progressive", "Order execution strategy: simple or progressive")
	reconcile := flag.Bool("reconcile-with-broker", false, "Reconcile recovered positions against the broker's live list")
	configFile := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg := Config{
		WallexAPIKey:             os.Getenv("WALLEX_API_KEY"),
		DBConnStr:                os.Getenv("DB_CONN_STR"),
		DBMaxOpen:                10,
		DBMaxIdle:                5,
		RedisAddr:                *redisAddr,
		RedisDB:                  *redisDB,
		InstanceID:               *instanceID,
		HealthAddr:               *healthAddr,
		IntakeAddr:               *intakeAddr,
		RunMigration:             *runMigration,
		WallexLotSize:            1,
		InitialCapital:           *initialCapital,
		LeaderTTL:                10 * time.Second,
		LeaderRenewInterval:      3 * time.Second,
		ElectionPollInterval:     5 * time.Second,
		HeartbeatTTL:             15 * time.Second,
		HeartbeatInterval:        5 * time.Second,
		SignalLockTTL:            30 * time.Second,
		SignalLogRetention:       30 * 24 * time.Hour,
		BaseEntryDivergenceCap:   0.01,
		PyramidDivergenceCap:     0.003,
		ExitAdverseDivergenceCap: 0.002,
		RiskIncreaseShrink:       0.10,
		RiskIncreaseReject:       0.50,
		MinPyramidExcursionATR:   0.5,
		ExecutionStrategy:        *executionStrategy,
		OrderPollInterval:        2 * time.Second,
		OrderTimeout:             20 * time.Second,
		ProgressiveStepPercent:   0.05,
		ProgressiveMaxAttempts:   4,
		MaxSlippagePercent:       0.3,
		ReconcileWithBroker:      *reconcile,
	}

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			log.Fatalf("Failed to read config file: %v", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Failed to parse config file: %v", err)
		}
	}

	return cfg
}
