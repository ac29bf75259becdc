package cfg

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"cnc-twin/internal/analytics"
	"cnc-twin/internal/common"
	"cnc-twin/internal/ml"
	"cnc-twin/internal/synth"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	LogLevel  string
	LogFormat string

	DataRows      int
	NumMachines   int
	NumOperations int
	DataSeed      int64
	DatasetCSV    string
	TelemetryCSV  string
	ModelsDir     string
	ReportDir     string
	DataPath      string // bbolt archive directory, optional

	TestSize                  float64
	RandomState               int64
	NEstimatorsRegression     int
	NEstimatorsClassification int

	ServerHost      string
	ServerPort      int
	MetricsPort     int
	RefreshInterval time.Duration

	Thresholds analytics.Thresholds

	SimulationIterations int
	SimulationDelay      time.Duration

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
}

type ConfigFile struct {
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Data struct {
		Rows         int    `yaml:"rows"`
		Machines     int    `yaml:"machines"`
		Operations   int    `yaml:"operations"`
		Seed         int64  `yaml:"seed"`
		DatasetCSV   string `yaml:"datasetCSV"`
		TelemetryCSV string `yaml:"telemetryCSV"`
	} `yaml:"data"`

	Training struct {
		TestSize                  float64 `yaml:"testSize"`
		RandomState               int64   `yaml:"randomState"`
		NEstimatorsRegression     int     `yaml:"nEstimatorsRegression"`
		NEstimatorsClassification int     `yaml:"nEstimatorsClassification"`
		ModelsDir                 string  `yaml:"modelsDir"`
		ReportDir                 string  `yaml:"reportDir"`
	} `yaml:"training"`

	Server struct {
		Host            string `yaml:"host"`
		Port            int    `yaml:"port"`
		RefreshInterval string `yaml:"refreshInterval"`
	} `yaml:"server"`

	Thresholds struct {
		VibrationG           float64 `yaml:"vibrationG"`
		CuttingForceN        float64 `yaml:"cuttingForceN"`
		SpindleTempCriticalC float64 `yaml:"spindleTempCriticalC"`
		SpindleTempWarningC  float64 `yaml:"spindleTempWarningC"`
		RoughnessToleranceUM float64 `yaml:"roughnessToleranceUM"`
		RULWarningMinutes    float64 `yaml:"rulWarningMinutes"`
	} `yaml:"thresholds"`

	Simulation struct {
		Iterations int    `yaml:"iterations"`
		Delay      string `yaml:"delay"`
	} `yaml:"simulation"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
		Group   string   `yaml:"group"`
	} `yaml:"kafka"`

	System struct {
		DataPath    string `yaml:"dataPath"`
		MetricsPort int    `yaml:"metricsPort"`
	} `yaml:"system"`
}

const (
	defaultRefreshInterval = 2 * time.Second
	defaultSimulationDelay = 30 * time.Millisecond
	defaultLogLevel        = "info"
	defaultLogFormat       = "console"
)

func Load() (Settings, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Settings{}, err
	}

	// Try to load from YAML file first
	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	// Fallback to environment variables
	return loadFromEnv()
}

// loadDotEnv populates the environment from path. Variables already set win.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	refresh, err := time.ParseDuration(config.Server.RefreshInterval)
	if err != nil {
		refresh = defaultRefreshInterval
	}
	delay, err := time.ParseDuration(config.Simulation.Delay)
	if err != nil {
		delay = defaultSimulationDelay
	}

	th := config.Thresholds
	settings := Settings{
		LogLevel:  getEnvOrDefault(common.EnvLogLevel, orDefault(config.Log.Level, defaultLogLevel)),
		LogFormat: getEnvOrDefault(common.EnvLogFormat, orDefault(config.Log.Format, defaultLogFormat)),

		DataRows:      getIntFromEnvOrConfig(common.EnvDataRows, config.Data.Rows, common.DefaultDataRows),
		NumMachines:   getIntFromEnvOrConfig(common.EnvNumMachines, config.Data.Machines, common.DefaultNumMachines),
		NumOperations: getIntFromEnvOrConfig(common.EnvNumOperations, config.Data.Operations, common.DefaultNumOperations),
		DataSeed:      getInt64FromEnvOrConfig(common.EnvDataSeed, config.Data.Seed, common.DefaultDataSeed),
		DatasetCSV:    getEnvOrDefault(common.EnvDatasetCSV, orDefault(config.Data.DatasetCSV, common.DefaultDatasetCSV)),
		TelemetryCSV:  getEnvOrDefault(common.EnvTelemetryCSV, orDefault(config.Data.TelemetryCSV, common.DefaultTelemetryCSV)),
		ModelsDir:     getEnvOrDefault(common.EnvModelsDir, orDefault(config.Training.ModelsDir, common.DefaultModelsDir)),
		ReportDir:     getEnvOrDefault(common.EnvReportDir, orDefault(config.Training.ReportDir, common.DefaultReportDir)),
		DataPath:      getEnvOrDefault(common.EnvDataPath, config.System.DataPath),

		TestSize:                  getFloatFromEnvOrConfig(common.EnvTestSize, config.Training.TestSize, common.DefaultTestSize),
		RandomState:               getInt64FromEnvOrConfig(common.EnvRandomState, config.Training.RandomState, common.DefaultRandomState),
		NEstimatorsRegression:     getIntFromEnvOrConfig(common.EnvNEstimatorsRegression, config.Training.NEstimatorsRegression, common.DefaultNEstimatorsRegression),
		NEstimatorsClassification: getIntFromEnvOrConfig(common.EnvNEstimatorsClassification, config.Training.NEstimatorsClassification, common.DefaultNEstimatorsClassification),

		ServerHost:      getEnvOrDefault(common.EnvServerHost, orDefault(config.Server.Host, common.DefaultServerHost)),
		ServerPort:      getIntFromEnvOrConfig(common.EnvServerPort, config.Server.Port, common.DefaultServerPort),
		MetricsPort:     getIntFromEnvOrConfig(common.EnvMetricsPort, config.System.MetricsPort, common.DefaultMetricsPort),
		RefreshInterval: getDurationOrDefault(common.EnvRefreshInterval, refresh),

		Thresholds: analytics.Thresholds{
			VibrationG:           getFloatFromEnvOrConfig(common.EnvVibrationThreshold, th.VibrationG, common.DefaultVibrationThresholdG),
			CuttingForceN:        getFloatFromEnvOrConfig(common.EnvCuttingForceThreshold, th.CuttingForceN, common.DefaultCuttingForceThresholdN),
			SpindleTempCriticalC: getFloatFromEnvOrConfig(common.EnvSpindleTempCritical, th.SpindleTempCriticalC, common.DefaultSpindleTempCriticalC),
			SpindleTempWarningC:  getFloatFromEnvOrConfig(common.EnvSpindleTempWarning, th.SpindleTempWarningC, common.DefaultSpindleTempWarningC),
			RoughnessToleranceUM: getFloatFromEnvOrConfig(common.EnvRoughnessTolerance, th.RoughnessToleranceUM, common.DefaultRoughnessToleranceUM),
			RULWarningMinutes:    getFloatFromEnvOrConfig(common.EnvRULWarning, th.RULWarningMinutes, common.DefaultRULWarningMinutes),
		},

		SimulationIterations: getIntFromEnvOrConfig(common.EnvSimulationIterations, config.Simulation.Iterations, common.DefaultSimulationIterations),
		SimulationDelay:      getDurationOrDefault(common.EnvSimulationDelay, delay),

		KafkaBrokers: getListFromEnvOrConfig(common.EnvKafkaBrokers, config.Kafka.Brokers, []string{common.DefaultKafkaBroker}),
		KafkaTopic:   getEnvOrDefault(common.EnvKafkaTopic, orDefault(config.Kafka.Topic, common.DefaultKafkaTopic)),
		KafkaGroup:   getEnvOrDefault(common.EnvKafkaGroup, orDefault(config.Kafka.Group, common.DefaultKafkaGroup)),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		LogLevel:  getEnvOrDefault(common.EnvLogLevel, defaultLogLevel),
		LogFormat: getEnvOrDefault(common.EnvLogFormat, defaultLogFormat),

		DataRows:      getIntOrDefault(common.EnvDataRows, common.DefaultDataRows),
		NumMachines:   getIntOrDefault(common.EnvNumMachines, common.DefaultNumMachines),
		NumOperations: getIntOrDefault(common.EnvNumOperations, common.DefaultNumOperations),
		DataSeed:      getInt64OrDefault(common.EnvDataSeed, common.DefaultDataSeed),
		DatasetCSV:    getEnvOrDefault(common.EnvDatasetCSV, common.DefaultDatasetCSV),
		TelemetryCSV:  getEnvOrDefault(common.EnvTelemetryCSV, common.DefaultTelemetryCSV),
		ModelsDir:     getEnvOrDefault(common.EnvModelsDir, common.DefaultModelsDir),
		ReportDir:     getEnvOrDefault(common.EnvReportDir, common.DefaultReportDir),
		DataPath:      os.Getenv(common.EnvDataPath), // optional

		TestSize:                  getFloatOrDefault(common.EnvTestSize, common.DefaultTestSize),
		RandomState:               getInt64OrDefault(common.EnvRandomState, common.DefaultRandomState),
		NEstimatorsRegression:     getIntOrDefault(common.EnvNEstimatorsRegression, common.DefaultNEstimatorsRegression),
		NEstimatorsClassification: getIntOrDefault(common.EnvNEstimatorsClassification, common.DefaultNEstimatorsClassification),

		ServerHost:      getEnvOrDefault(common.EnvServerHost, common.DefaultServerHost),
		ServerPort:      getIntOrDefault(common.EnvServerPort, common.DefaultServerPort),
		MetricsPort:     getIntOrDefault(common.EnvMetricsPort, common.DefaultMetricsPort),
		RefreshInterval: getDurationOrDefault(common.EnvRefreshInterval, defaultRefreshInterval),

		Thresholds: analytics.Thresholds{
			VibrationG:           getFloatOrDefault(common.EnvVibrationThreshold, common.DefaultVibrationThresholdG),
			CuttingForceN:        getFloatOrDefault(common.EnvCuttingForceThreshold, common.DefaultCuttingForceThresholdN),
			SpindleTempCriticalC: getFloatOrDefault(common.EnvSpindleTempCritical, common.DefaultSpindleTempCriticalC),
			SpindleTempWarningC:  getFloatOrDefault(common.EnvSpindleTempWarning, common.DefaultSpindleTempWarningC),
			RoughnessToleranceUM: getFloatOrDefault(common.EnvRoughnessTolerance, common.DefaultRoughnessToleranceUM),
			RULWarningMinutes:    getFloatOrDefault(common.EnvRULWarning, common.DefaultRULWarningMinutes),
		},

		SimulationIterations: getIntOrDefault(common.EnvSimulationIterations, common.DefaultSimulationIterations),
		SimulationDelay:      getDurationOrDefault(common.EnvSimulationDelay, defaultSimulationDelay),

		KafkaBrokers: splitOrDefault(os.Getenv(common.EnvKafkaBrokers), []string{common.DefaultKafkaBroker}),
		KafkaTopic:   getEnvOrDefault(common.EnvKafkaTopic, common.DefaultKafkaTopic),
		KafkaGroup:   getEnvOrDefault(common.EnvKafkaGroup, common.DefaultKafkaGroup),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

// ServerAddr is the host:port the prediction server listens on.
func (s *Settings) ServerAddr() string {
	return net.JoinHostPort(s.ServerHost, strconv.Itoa(s.ServerPort))
}

// MetricsAddr is the listen address of the standalone metrics endpoint.
func (s *Settings) MetricsAddr() string {
	return fmt.Sprintf(":%d", s.MetricsPort)
}

// SynthParams returns the synthesizer parameters for the configured dataset.
func (s *Settings) SynthParams() synth.Params {
	return synth.Params{
		Rows:       s.DataRows,
		Machines:   s.NumMachines,
		Operations: s.NumOperations,
		Seed:       s.DataSeed,
	}
}

// TrainerConfig returns the training hyperparameters.
func (s *Settings) TrainerConfig() ml.TrainerConfig {
	return ml.TrainerConfig{
		TestSize:                  s.TestSize,
		RandomState:               s.RandomState,
		NEstimatorsRegression:     s.NEstimatorsRegression,
		NEstimatorsClassification: s.NEstimatorsClassification,
	}
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64OrDefault(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func splitOrDefault(v string, def []string) []string {
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getListFromEnvOrConfig(key string, configValue, def []string) []string {
	if env := os.Getenv(key); env != "" {
		return splitOrDefault(env, def)
	}
	if len(configValue) > 0 {
		return configValue
	}
	return def
}

func getIntFromEnvOrConfig(key string, configValue, def int) int {
	if configValue != 0 {
		def = configValue
	}
	return getIntOrDefault(key, def)
}

func getInt64FromEnvOrConfig(key string, configValue, def int64) int64 {
	if configValue != 0 {
		def = configValue
	}
	return getInt64OrDefault(key, def)
}

func getFloatFromEnvOrConfig(key string, configValue, def float64) float64 {
	if configValue != 0 {
		def = configValue
	}
	return getFloatOrDefault(key, def)
}

// validateSettings performs range validation of configuration values
func validateSettings(settings *Settings) error {
	// Dataset
	if settings.DataRows < 1 || settings.DataRows > common.MaxDataRows {
		return fmt.Errorf("data rows must be between 1 and %d, got %d", common.MaxDataRows, settings.DataRows)
	}
	if settings.NumMachines < 1 || settings.NumMachines > common.MaxMachines {
		return fmt.Errorf("number of machines must be between 1 and %d, got %d", common.MaxMachines, settings.NumMachines)
	}
	if settings.NumOperations < 1 || settings.NumOperations > common.MaxOperations {
		return fmt.Errorf("number of operations must be between 1 and %d, got %d", common.MaxOperations, settings.NumOperations)
	}
	if settings.DatasetCSV == "" {
		return fmt.Errorf("dataset CSV path cannot be empty")
	}
	if settings.ModelsDir == "" {
		return fmt.Errorf("models directory cannot be empty")
	}

	// Training
	if settings.TestSize < common.MinTestSize || settings.TestSize > common.MaxTestSize {
		return fmt.Errorf("test size must be between %.2f and %.2f, got %f", common.MinTestSize, common.MaxTestSize, settings.TestSize)
	}
	if settings.NEstimatorsRegression < 1 || settings.NEstimatorsRegression > common.MaxEstimators {
		return fmt.Errorf("regression estimators must be between 1 and %d, got %d", common.MaxEstimators, settings.NEstimatorsRegression)
	}
	if settings.NEstimatorsClassification < 1 || settings.NEstimatorsClassification > common.MaxEstimators {
		return fmt.Errorf("classification estimators must be between 1 and %d, got %d", common.MaxEstimators, settings.NEstimatorsClassification)
	}

	// Server
	if settings.ServerHost == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if settings.ServerPort < common.MinPort || settings.ServerPort > common.MaxPort {
		return fmt.Errorf("server port must be between %d and %d, got %d", common.MinPort, common.MaxPort, settings.ServerPort)
	}
	if settings.MetricsPort < common.MinPort || settings.MetricsPort > common.MaxPort {
		return fmt.Errorf("metrics port must be between %d and %d, got %d", common.MinPort, common.MaxPort, settings.MetricsPort)
	}
	if settings.RefreshInterval < 100*time.Millisecond || settings.RefreshInterval > time.Minute {
		return fmt.Errorf("refresh interval must be between 100ms and 1m, got %v", settings.RefreshInterval)
	}

	// Thresholds
	th := settings.Thresholds
	if th.VibrationG <= 0 || th.VibrationG > 10 {
		return fmt.Errorf("vibration threshold must be between 0 and 10 g, got %f", th.VibrationG)
	}
	if th.CuttingForceN <= 0 || th.CuttingForceN > 5000 {
		return fmt.Errorf("cutting force threshold must be between 0 and 5000 N, got %f", th.CuttingForceN)
	}
	if th.SpindleTempWarningC <= 0 || th.SpindleTempCriticalC > 200 {
		return fmt.Errorf("spindle temperature thresholds must be between 0 and 200 °C, got %f/%f", th.SpindleTempWarningC, th.SpindleTempCriticalC)
	}
	if th.SpindleTempWarningC >= th.SpindleTempCriticalC {
		return fmt.Errorf("spindle temperature warning (%f) must be below critical (%f)", th.SpindleTempWarningC, th.SpindleTempCriticalC)
	}
	if th.RoughnessToleranceUM <= 0 || th.RoughnessToleranceUM > 10 {
		return fmt.Errorf("roughness tolerance must be between 0 and 10 µm, got %f", th.RoughnessToleranceUM)
	}
	if th.RULWarningMinutes < 0 || th.RULWarningMinutes > 600 {
		return fmt.Errorf("RUL warning must be between 0 and 600 minutes, got %f", th.RULWarningMinutes)
	}

	// Simulation
	if settings.SimulationIterations < 1 || settings.SimulationIterations > 1_000_000 {
		return fmt.Errorf("simulation iterations must be between 1 and 1000000, got %d", settings.SimulationIterations)
	}
	if settings.SimulationDelay < 0 || settings.SimulationDelay > time.Minute {
		return fmt.Errorf("simulation delay must be between 0 and 1m, got %v", settings.SimulationDelay)
	}

	// Kafka
	if len(settings.KafkaBrokers) == 0 {
		return fmt.Errorf("at least one Kafka broker must be specified")
	}
	if settings.KafkaTopic == "" {
		return fmt.Errorf("Kafka topic cannot be empty")
	}

	// Logging
	switch settings.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log format must be console or json, got %q", settings.LogFormat)
	}

	return nil
}
