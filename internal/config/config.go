package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	SessionTTL    time.Duration

	// Z-API (WhatsApp channel)
	ZAPIInstanceID    string
	ZAPIToken         string
	ZAPISecurityToken string
	ZAPIBaseURL       string

	// Zaia (conversational AI backend)
	ZaiaAPIURL       string
	ZaiaAPIKey       string
	ZaiaAgentID      int
	ZaiaCallTimeout  time.Duration
	ZaiaPollAttempts int
	ZaiaPollInterval time.Duration

	// OpenAI (GPT fallback, Whisper, Vision)
	OpenAIAPIKey      string
	OpenAIChatModel   string
	OpenAIVisionModel string

	// Gemini (secondary LLM fallback, optional)
	GeminiAPIKey string
	GeminiModel  string

	// Notion (student directory)
	NotionAPIKey     string
	NotionDatabaseID string

	// Asaas (billing)
	AsaasAPIKey  string
	AsaasBaseURL string

	// Flexge (learning platform)
	FlexgeAPIKey  string
	FlexgeBaseURL string

	// ElevenLabs (text to speech)
	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string

	DirectoryTimeout time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SessionTTL:    getEnvAsDuration("SESSION_TTL", 720*time.Hour),

		ZAPIInstanceID:    getEnv("ZAPI_INSTANCE_ID", ""),
		ZAPIToken:         getEnv("ZAPI_TOKEN", ""),
		ZAPISecurityToken: getEnv("ZAPI_SECURITY_TOKEN", ""),
		ZAPIBaseURL:       getEnv("ZAPI_BASE_URL", "https://api.z-api.io"),

		ZaiaAPIURL:       getEnv("ZAIA_API_URL", "https://api.zaia.app"),
		ZaiaAPIKey:       getEnv("ZAIA_API_KEY", ""),
		ZaiaAgentID:      getEnvAsInt("ZAIA_AGENT_ID", 0),
		ZaiaCallTimeout:  getEnvAsDuration("ZAIA_CALL_TIMEOUT", 30*time.Second),
		ZaiaPollAttempts: getEnvAsInt("ZAIA_POLL_ATTEMPTS", 10),
		ZaiaPollInterval: getEnvAsDuration("ZAIA_POLL_INTERVAL", 2*time.Second),

		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIChatModel:   getEnv("OPENAI_CHAT_MODEL", "gpt-4o"),
		OpenAIVisionModel: getEnv("OPENAI_VISION_MODEL", "gpt-4o"),

		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-2.5-flash"),

		NotionAPIKey:     getEnv("NOTION_API_KEY", ""),
		NotionDatabaseID: getEnv("NOTION_DATABASE_ID", ""),

		AsaasAPIKey:  getEnv("ASAAS_API_KEY", ""),
		AsaasBaseURL: getEnv("ASAAS_BASE_URL", "https://api.asaas.com/v3"),

		FlexgeAPIKey:  getEnv("FLEXGE_API_KEY", ""),
		FlexgeBaseURL: getEnv("FLEXGE_API_BASE", "https://partner-api.flexge.com/external"),

		ElevenLabsAPIKey:  getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID: getEnv("ELEVENLABS_VOICE_ID", "ie5yJLYeLpsuijLaojmF"),

		DirectoryTimeout: getEnvAsDuration("DIRECTORY_TIMEOUT", 10*time.Second),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
