package config

import (
	"os"
	"strconv"
)

// Config holds the full runtime configuration for the oracle service.
// Every field can be overridden through the environment; defaults match
// a local development setup with Groq as the only configured provider.
type Config struct {
	DatabaseURL string
	Port        string

	// LLM providers, tried in order by the gateway.
	OpenRouterApiKey  string
	OpenRouterBaseURL string
	GroqApiKey        string
	GroqBaseURL       string
	GoogleApiKey      string

	// Auxiliary APIs.
	TavilyApiKey  string
	MistralApiKey string

	// Model routing. ChatModel must be a Gemini model because the chat
	// agent runs on ADK; the rest go through the gateway.
	ReasoningModel string
	SynthesisModel string
	RefinerModel   string
	FastModel      string
	ChatModel      string
	EmbeddingModel string

	// Pipeline tuning.
	RelevanceThreshold float64
	MaxRetries         int
	MinQualityResults  int
	MaxScrapeURLs      int
	MaxConcurrentFetch int
	MaxRepoClones      int
	RetrievalTopK      int
	EvaluatorStrategy  string

	// Chunking. Harvested pages use the larger size, ingested corpus
	// documents the smaller one.
	ChunkSize          int
	ChunkOverlap       int
	CorpusChunkSize    int
	CorpusChunkOverlap int

	// Report archive.
	CollectionName string
}

func Load() *Config {
	return &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		Port:        getEnv("PORT", "8080"),

		OpenRouterApiKey:  getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterBaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		GroqApiKey:        getEnv("GROQ_API_KEY", ""),
		GroqBaseURL:       getEnv("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
		GoogleApiKey:      getEnv("GOOGLE_API_KEY", ""),

		TavilyApiKey:  getEnv("TAVILY_API_KEY", ""),
		MistralApiKey: getEnv("MISTRAL_API_KEY", ""),

		ReasoningModel: getEnv("REASONING_MODEL", "llama-3.1-8b-instant"),
		SynthesisModel: getEnv("SYNTHESIS_MODEL", "llama-3.3-70b-versatile"),
		RefinerModel:   getEnv("REFINER_MODEL", "gemma2-9b-it"),
		FastModel:      getEnv("FAST_MODEL", "llama-3.1-8b-instant"),
		ChatModel:      getEnv("CHAT_MODEL", "gemini-2.0-flash"),
		EmbeddingModel: getEnv("EMBEDDING_MODEL", "gemini-embedding-001"),

		RelevanceThreshold: getEnvAsFloat("RELEVANCE_THRESHOLD", 0.8),
		MaxRetries:         getEnvAsInt("MAX_RETRIES", 2),
		MinQualityResults:  getEnvAsInt("MIN_QUALITY_RESULTS", 3),
		MaxScrapeURLs:      getEnvAsInt("MAX_SCRAPE_URLS", 8),
		MaxConcurrentFetch: getEnvAsInt("MAX_CONCURRENT_FETCH", 5),
		MaxRepoClones:      getEnvAsInt("MAX_REPO_CLONES", 3),
		RetrievalTopK:      getEnvAsInt("RETRIEVAL_TOP_K", 12),
		EvaluatorStrategy:  getEnv("EVALUATOR_STRATEGY", "embedding"),

		ChunkSize:          getEnvAsInt("CHUNK_SIZE", 2000),
		ChunkOverlap:       getEnvAsInt("CHUNK_OVERLAP", 200),
		CorpusChunkSize:    getEnvAsInt("CORPUS_CHUNK_SIZE", 600),
		CorpusChunkOverlap: getEnvAsInt("CORPUS_CHUNK_OVERLAP", 100),

		CollectionName: getEnv("COLLECTION_NAME", "oracle_reports"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
