package types

// ProjectConfig represents the top-level runguard.yaml configuration.
type ProjectConfig struct {
	Provider     string              `yaml:"provider"`
	Redis        *RedisConfig        `yaml:"redis,omitempty"`
	DynamoDB     *DynamoDBConfig     `yaml:"dynamodb,omitempty"`
	Postgres     *PostgresConfig     `yaml:"postgres,omitempty"`
	Orchestrator *OrchestratorConfig `yaml:"orchestrator,omitempty"`
	Campaigns    *CampaignsConfig    `yaml:"campaigns,omitempty"`
	Server       *ServerConfig       `yaml:"server,omitempty"`
	Gateway      *GatewayConfig      `yaml:"gateway,omitempty"`
	Reconciler   *ReconcilerConfig   `yaml:"reconciler,omitempty"`
	Telemetry    *TelemetryConfig    `yaml:"telemetry,omitempty"`
	Events       *EventsConfig       `yaml:"events,omitempty"`
}

// RedisConfig holds Redis/Valkey connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db,omitempty"`
	KeyPrefix string `yaml:"keyPrefix,omitempty"`
}

// DynamoDBConfig holds DynamoDB connection and table settings.
type DynamoDBConfig struct {
	TableName   string `yaml:"tableName"`
	Region      string `yaml:"region,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty"` // DynamoDB Local
	CreateTable bool   `yaml:"createTable,omitempty"`
}

// PostgresConfig holds Postgres run store settings.
type PostgresConfig struct {
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate,omitempty"`
}

// OrchestratorType selects the orchestrator adapter implementation.
type OrchestratorType string

const (
	OrchestratorAirflow       OrchestratorType = "airflow"
	OrchestratorStepFunction  OrchestratorType = "step-function"
	OrchestratorGlue          OrchestratorType = "glue"
	OrchestratorEMRServerless OrchestratorType = "emr-serverless"
	OrchestratorStub          OrchestratorType = "stub"
)

// OrchestratorConfig selects and configures the external workflow engine.
type OrchestratorConfig struct {
	Type          OrchestratorType     `yaml:"type"`
	Airflow       *AirflowConfig       `yaml:"airflow,omitempty"`
	StepFunction  *StepFunctionConfig  `yaml:"stepFunction,omitempty"`
	Glue          *GlueConfig          `yaml:"glue,omitempty"`
	EMRServerless *EMRServerlessConfig `yaml:"emrServerless,omitempty"`
	Stub          *StubConfig          `yaml:"stub,omitempty"`
	Breaker       *BreakerConfig       `yaml:"breaker,omitempty"`
	// CallbackURL is passed to the pipeline so it can report completion.
	CallbackURL string `yaml:"callbackUrl,omitempty"`
}

// AirflowConfig configures the Airflow REST adapter.
type AirflowConfig struct {
	URL     string            `yaml:"url"`
	DagID   string            `yaml:"dagId"`
	Headers map[string]string `yaml:"headers,omitempty"`
	// JobCountTask/JobCountKey locate the XCom entry holding the result count.
	JobCountTask string `yaml:"jobCountTask,omitempty"`
	JobCountKey  string `yaml:"jobCountKey,omitempty"`
}

// StepFunctionConfig configures the AWS Step Functions adapter.
type StepFunctionConfig struct {
	StateMachineARN string `yaml:"stateMachineArn"`
	Region          string `yaml:"region,omitempty"`
}

// GlueConfig configures the AWS Glue job adapter. The campaign id is passed
// as the --campaign_id job argument.
type GlueConfig struct {
	JobName   string            `yaml:"jobName"`
	Region    string            `yaml:"region,omitempty"`
	Arguments map[string]string `yaml:"arguments,omitempty"`
}

// EMRServerlessConfig configures the EMR Serverless Spark job adapter.
type EMRServerlessConfig struct {
	ApplicationID    string   `yaml:"applicationId"`
	ExecutionRoleARN string   `yaml:"executionRoleArn"`
	EntryPoint       string   `yaml:"entryPoint"`
	Arguments        []string `yaml:"arguments,omitempty"`
	Region           string   `yaml:"region,omitempty"`
}

// StubConfig configures the in-process orchestrator used in dev and tests.
type StubConfig struct {
	RunDuration string  `yaml:"runDuration,omitempty"` // e.g. "20s"
	JobCount    int     `yaml:"jobCount,omitempty"`
	FailRate    float64 `yaml:"failRate,omitempty"` // fraction of runs that end failed
}

// BreakerConfig configures the circuit breaker around the adapter.
type BreakerConfig struct {
	MaxFailures uint32 `yaml:"maxFailures,omitempty"` // consecutive failures before opening (default 5)
	OpenTimeout string `yaml:"openTimeout,omitempty"` // default "30s"
}

// CampaignsConfig selects the campaign store collaborator.
type CampaignsConfig struct {
	Source  string `yaml:"source"` // "yaml" or "sql"
	Dir     string `yaml:"dir,omitempty"`
	Dialect string `yaml:"dialect,omitempty"` // "mysql" or "postgres"
	DSN     string `yaml:"dsn,omitempty"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr           string `yaml:"addr,omitempty"`
	APIKey         string `yaml:"apiKey,omitempty"`
	MaxRequestBody int64  `yaml:"maxRequestBody,omitempty"`
}

// GatewayConfig holds trigger/status timing policy.
type GatewayConfig struct {
	StartTimeout         string `yaml:"startTimeout,omitempty"`         // default "30s"
	StatusRefreshTimeout string `yaml:"statusRefreshTimeout,omitempty"` // default "5s"
	ClaimTTL             string `yaml:"claimTtl,omitempty"`             // default "45s"
	SuccessCooldown      string `yaml:"successCooldown,omitempty"`      // default "10m"
	ErrorCooldown        string `yaml:"errorCooldown,omitempty"`        // default "10m"
}

// ReconcilerConfig configures the server-side status sweep.
type ReconcilerConfig struct {
	Enabled            bool    `yaml:"enabled"`
	Interval           string  `yaml:"interval,omitempty"`   // default "15s"
	ResultHold         string  `yaml:"resultHold,omitempty"` // default "2m"
	MaxChecksPerSecond float64 `yaml:"maxChecksPerSecond,omitempty"`
	BatchSize          int     `yaml:"batchSize,omitempty"`
}

// TelemetryConfig configures OpenTelemetry trace and metric export.
type TelemetryConfig struct {
	Exporter     string  `yaml:"exporter,omitempty"` // "otlp" (default) or "stdout"
	OTLPEndpoint string  `yaml:"otlpEndpoint,omitempty"`
	Insecure     bool    `yaml:"insecure,omitempty"`
	ServiceName  string  `yaml:"serviceName,omitempty"`
	SampleRatio  float64 `yaml:"sampleRatio,omitempty"`
}

// EventsConfig lists where run lifecycle events are published.
type EventsConfig struct {
	Sinks []EventSinkConfig `yaml:"sinks"`
}

// EventSinkType identifies an event sink implementation.
type EventSinkType string

const (
	EventSinkLog         EventSinkType = "log"
	EventSinkConsole     EventSinkType = "console"
	EventSinkFile        EventSinkType = "file"
	EventSinkWebhook     EventSinkType = "webhook"
	EventSinkEventBridge EventSinkType = "eventbridge"
	EventSinkSQS         EventSinkType = "sqs"
	EventSinkSNS         EventSinkType = "sns"
	EventSinkS3          EventSinkType = "s3"
)

// EventSinkConfig configures one event sink. Only the fields relevant to
// Type are read.
type EventSinkConfig struct {
	Type     EventSinkType `yaml:"type"`
	URL      string        `yaml:"url,omitempty"`
	Path     string        `yaml:"path,omitempty"`
	BusName  string        `yaml:"busName,omitempty"`
	Source   string        `yaml:"source,omitempty"`
	QueueURL string        `yaml:"queueUrl,omitempty"`
	TopicARN string        `yaml:"topicArn,omitempty"`
	Bucket   string        `yaml:"bucket,omitempty"`
	Prefix   string        `yaml:"prefix,omitempty"`
	Region   string        `yaml:"region,omitempty"`
}
