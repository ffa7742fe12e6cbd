package config

import "time"

// DeployerConfig holds runtime configuration for the deployer service.
type DeployerConfig struct {
	Environment   string
	Addr          string
	LogLevel      string
	DatabaseURL   string
	MigrationsDir string

	JWTSecret          string
	SessionTTL         time.Duration
	GithubClientID     string
	GithubClientSecret string

	PipelineURL       string
	PipelineAuthToken string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ScheduleKey   string

	EthereumRPCURL  string
	EthereumChainID int64
	EthereumKey     string
	Chain           string
	EnsRegistryAddr string
	EnsResolverAddr string
	EnsRootDomain   string
	EnsGasLimit     uint64

	IPFSAPIURL string

	TxPollInterval          time.Duration
	PropagationPollInterval time.Duration
	WorkerPollInterval      time.Duration
}

// LoadDeployerConfig constructs a DeployerConfig from environment variables.
func LoadDeployerConfig() DeployerConfig {
	return DeployerConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("DEPLOYER_ADDR", ":4000"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://deployer:deployer@db:5432/deployer?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),

		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		SessionTTL:         time.Duration(GetInt("SESSION_TTL_HOURS", 24)) * time.Hour,
		GithubClientID:     GetString("GITHUB_CLIENT_ID", ""),
		GithubClientSecret: GetString("GITHUB_CLIENT_SECRET", ""),

		PipelineURL:       GetString("PIPELINE_URL", "http://pipeline:5000"),
		PipelineAuthToken: GetString("PIPELINE_AUTH_TOKEN", ""),

		RedisAddr:     GetString("REDIS_ADDR", "redis:6379"),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),
		ScheduleKey:   GetString("SCHEDULE_KEY", "deployer:schedule"),

		EthereumRPCURL:  GetString("ETH_RPC_URL", "http://geth:8545"),
		EthereumChainID: GetInt64("ETH_CHAIN_ID", 3),
		EthereumKey:     GetString("ETH_PRIVATE_KEY", ""),
		Chain:           GetString("ETH_CHAIN", "ropsten"),
		EnsRegistryAddr: GetString("ENS_REGISTRY_ADDR", "0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e"),
		EnsResolverAddr: GetString("ENS_RESOLVER_ADDR", "0x226159d592E2b063810a10Ebf6dcbADA94Ed68b8"),
		EnsRootDomain:   GetString("ENS_ROOT_DOMAIN", "hosted.eth"),
		EnsGasLimit:     uint64(GetInt64("ENS_GAS_LIMIT", 500000)),

		IPFSAPIURL: GetString("IPFS_API_URL", "https://ipfs.infura.io:5001"),

		TxPollInterval:          time.Duration(GetInt("TX_POLL_SECONDS", 30)) * time.Second,
		PropagationPollInterval: time.Duration(GetInt("PROPAGATION_POLL_SECONDS", 60)) * time.Second,
		WorkerPollInterval:      time.Duration(GetInt("WORKER_POLL_SECONDS", 1)) * time.Second,
	}
}
