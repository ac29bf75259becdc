package common

// Model artifact names
const (
	ModelRoughness = "roughness"
	ModelWear      = "wear"
)

// Environment variable keys
const (
	EnvConfigFile                = "CONFIG_FILE"
	EnvLogLevel                  = "LOG_LEVEL"
	EnvLogFormat                 = "LOG_FORMAT"
	EnvDataRows                  = "DATA_ROWS"
	EnvNumMachines               = "NUM_MACHINES"
	EnvNumOperations             = "NUM_OPERATIONS"
	EnvDataSeed                  = "DATA_SEED"
	EnvDatasetCSV                = "DATASET_CSV"
	EnvTelemetryCSV              = "TELEMETRY_CSV"
	EnvModelsDir                 = "MODELS_DIR"
	EnvReportDir                 = "REPORT_OUTPUT_DIR"
	EnvDataPath                  = "DATA_PATH"
	EnvTestSize                  = "TEST_SIZE"
	EnvRandomState               = "RANDOM_STATE"
	EnvNEstimatorsRegression     = "N_ESTIMATORS_REGRESSION"
	EnvNEstimatorsClassification = "N_ESTIMATORS_CLASSIFICATION"
	EnvServerHost                = "SERVER_HOST"
	EnvServerPort                = "SERVER_PORT"
	EnvMetricsPort               = "METRICS_PORT"
	EnvRefreshInterval           = "REFRESH_INTERVAL"
	EnvVibrationThreshold        = "VIBRATION_THRESHOLD_G"
	EnvCuttingForceThreshold     = "CUTTING_FORCE_THRESHOLD_N"
	EnvSpindleTempCritical       = "SPINDLE_TEMP_CRITICAL_C"
	EnvSpindleTempWarning        = "SPINDLE_TEMP_WARNING_C"
	EnvRoughnessTolerance        = "SURFACE_ROUGHNESS_TOLERANCE_UM"
	EnvRULWarning                = "RUL_WARNING_MINUTES"
	EnvSimulationIterations      = "SIMULATION_ITERATIONS"
	EnvSimulationDelay           = "SIMULATION_DELAY"
	EnvKafkaBrokers              = "KAFKA_BROKERS"
	EnvKafkaTopic                = "KAFKA_TOPIC"
	EnvKafkaGroup                = "KAFKA_GROUP"
)

// Configuration defaults
const (
	DefaultDataRows                  = 2500
	DefaultNumMachines               = 2
	DefaultNumOperations             = 8
	DefaultDataSeed                  = 42
	DefaultDatasetCSV                = "data/digital_twin_cnc_operation.csv"
	DefaultTelemetryCSV              = "data/telemetry.csv"
	DefaultModelsDir                 = "analytics/models"
	DefaultReportDir                 = "reports/output"
	DefaultTestSize                  = 0.25
	DefaultRandomState               = 42
	DefaultNEstimatorsRegression     = 120
	DefaultNEstimatorsClassification = 150
	DefaultServerHost                = "127.0.0.1"
	DefaultServerPort                = 5000
	DefaultMetricsPort               = 8080
	DefaultKafkaBroker               = "localhost:9092"
	DefaultKafkaTopic                = "cnc.telemetry"
	DefaultKafkaGroup                = "cnc-collector"
	DefaultSimulationIterations      = 300
)

// Alert threshold defaults
const (
	DefaultVibrationThresholdG     = 1.2
	DefaultCuttingForceThresholdN  = 600.0
	DefaultSpindleTempCriticalC    = 80.0
	DefaultSpindleTempWarningC     = 70.0
	DefaultRoughnessToleranceUM    = 0.8
	DefaultRULWarningMinutes       = 15.0
	DefaultPredictionToleranceUM   = 0.3
	DefaultLiveFeedBufferedRecords = 64
)

// Validation constants
const (
	MaxDataRows      = 10_000_000
	MaxMachines      = 99
	MaxOperations    = 999
	MaxEstimators    = 5000
	MinPort          = 1024
	MaxPort          = 65535
	MinTestSize      = 0.05
	MaxTestSize      = 0.9
	MinTrainingRows  = 10
	MaxFeedBacklog   = 1024
	ProgressLogEvery = 50
)
