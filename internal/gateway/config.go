package gateway

import "time"

type Config struct {
	HTTPAddr        string        `envconfig:"WOS_HTTP_ADDR" default:"0.0.0.0:8080"`
	MetricsAddr     string        `envconfig:"WOS_METRICS_ADDR" default:"0.0.0.0:9090"`
	DBDSN           string        `envconfig:"WOS_DB_DSN" required:"true"`
	DBMaxConns      int32         `envconfig:"WOS_DB_MAX_CONNS" default:"20"`
	LogLevel        string        `envconfig:"WOS_LOG_LEVEL" default:"info"`
	ShutdownTimeout time.Duration `envconfig:"WOS_SHUTDOWN_TIMEOUT" default:"30s"`

	// AuthTimeout bounds how long an unauthenticated connection may sit
	// before its first authenticate command.
	AuthTimeout time.Duration `envconfig:"WOS_AUTH_TIMEOUT" default:"10s"`

	WorkspaceRoot      string        `envconfig:"WOS_WORKSPACE_ROOT" default:"/var/lib/wos/workspaces"`
	CloneTimeout       time.Duration `envconfig:"WOS_CLONE_TIMEOUT" default:"300s"`
	MaintenanceScript  string        `envconfig:"WOS_MAINTENANCE_SCRIPT"`
	MaintenanceTimeout time.Duration `envconfig:"WOS_MAINTENANCE_TIMEOUT" default:"600s"`
	// WorkspaceEnvJSON is the saved configuration blob materialized into
	// each workspace's .env file.
	WorkspaceEnvJSON string `envconfig:"WOS_WORKSPACE_ENV_JSON"`

	ProviderURL     string        `envconfig:"WOS_PROVIDER_URL"`
	ProviderTimeout time.Duration `envconfig:"WOS_PROVIDER_TIMEOUT" default:"30s"`

	SyncDialTimeout time.Duration `envconfig:"WOS_SYNC_DIAL_TIMEOUT" default:"10s"`
	FullSyncTimeout time.Duration `envconfig:"WOS_FULL_SYNC_TIMEOUT" default:"30s"`
}
