package config

import "time"

// ProxyConfig holds runtime configuration for the subdomain proxy.
type ProxyConfig struct {
	Addr            string
	DatabaseURL     string
	OriginBaseURL   string
	CacheTTL        time.Duration
	CacheSweep      time.Duration
	UpstreamTimeout time.Duration
	HealthPath      string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

// LoadProxyConfig constructs a ProxyConfig from environment variables.
func LoadProxyConfig() ProxyConfig {
	return ProxyConfig{
		Addr:            GetString("PROXY_ADDR", ":8000"),
		DatabaseURL:     GetString("DATABASE_URL", "postgres://snapdeploy:snapdeploy@db:5432/snapdeploy?sslmode=disable"),
		OriginBaseURL:   GetString("ORIGIN_BASE_URL", "http://minio:9000/snapdeploy-outputs/__outputs"),
		CacheTTL:        time.Duration(GetInt("PROXY_CACHE_TTL_SECONDS", 300)) * time.Second,
		CacheSweep:      time.Duration(GetInt("PROXY_CACHE_SWEEP_SECONDS", 60)) * time.Second,
		UpstreamTimeout: time.Duration(GetInt("PROXY_UPSTREAM_TIMEOUT_SECONDS", 3)) * time.Second,
		HealthPath:      GetString("PROXY_HEALTH_PATH", "/__snapdeploy_healthz"),

		MinioEndpoint:  GetString("MINIO_ENDPOINT", ""),
		MinioAccessKey: GetString("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: GetString("MINIO_SECRET_KEY", ""),
		MinioBucket:    GetString("MINIO_BUCKET", "snapdeploy-outputs"),
		MinioUseSSL:    GetBool("MINIO_USE_SSL", false),
	}
}
