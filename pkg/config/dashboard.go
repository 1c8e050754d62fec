package config

import "time"

// DashboardConfig holds runtime configuration for the dashboard service.
type DashboardConfig struct {
	Environment        string
	Addr               string
	DockerHost         string
	ExternalURL        string
	StaticDir          string
	RegistryFile       string
	FarmConfigFile     string
	GithubTokenFile    string
	DeviceCodeFile     string
	RepoPath           string
	BasePort           int
	ContainerPrefix    string
	ImageNamespace     string
	CodeServerImage    string
	DashboardContainer string
	GithubClientID     string
	ReconcileInterval  time.Duration
	HeartbeatInterval  time.Duration
	LogTailLines       int
	GitTimeout         time.Duration
	BuildTimeout       time.Duration
	SyncOnStart        bool
}

// LoadDashboardConfig constructs a DashboardConfig from environment variables.
func LoadDashboardConfig() DashboardConfig {
	return DashboardConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("DASHBOARD_ADDR", ":5000"),
		DockerHost:         GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		ExternalURL:        GetString("EXTERNAL_URL", "http://localhost:5000"),
		StaticDir:          GetString("STATIC_DIR", "static"),
		RegistryFile:       GetString("REGISTRY_FILE", "/data/environments.json"),
		FarmConfigFile:     GetString("FARM_CONFIG_FILE", "/data/farm.config"),
		GithubTokenFile:    GetString("GITHUB_TOKEN_FILE", "/data/github.token"),
		DeviceCodeFile:     GetString("DEVICE_CODE_FILE", "/data/device.json"),
		RepoPath:           GetString("REPO_PATH", "/opt/dev-farm"),
		BasePort:           GetInt("BASE_PORT", 8100),
		ContainerPrefix:    GetString("CONTAINER_PREFIX", "devfarm-"),
		ImageNamespace:     GetString("IMAGE_NAMESPACE", "dev-farm"),
		CodeServerImage:    GetString("CODE_SERVER_IMAGE", "dev-farm/code-server:latest"),
		DashboardContainer: GetString("DASHBOARD_CONTAINER", "devfarm-dashboard"),
		GithubClientID:     GetString("GITHUB_CLIENT_ID", "Iv1.b507a08c87ecfe98"),
		ReconcileInterval:  time.Duration(GetInt("RECONCILE_INTERVAL_SECONDS", 2)) * time.Second,
		HeartbeatInterval:  time.Duration(GetInt("SSE_HEARTBEAT_SECONDS", 15)) * time.Second,
		LogTailLines:       GetInt("LOG_TAIL_LINES", 100),
		GitTimeout:         time.Duration(GetInt("GIT_TIMEOUT_SECONDS", 60)) * time.Second,
		BuildTimeout:       time.Duration(GetInt("BUILD_TIMEOUT_SECONDS", 600)) * time.Second,
		SyncOnStart:        GetBool("SYNC_ON_START", true),
	}
}
