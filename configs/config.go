// config.go - Configuration loaded from environment variables

package configs

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ConfigError reports an invalid or missing configuration value. Name is
// the environment variable the operator needs to fix.
type ConfigError struct {
	Name   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Name, e.Reason)
}

// ModelPrice holds per-token pricing (USD per 1M tokens) for one model.
type ModelPrice struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// defaultModelPrices covers the Gemini models we run against. Models not
// listed here fall back to the generic env-configured prices.
var defaultModelPrices = map[string]ModelPrice{
	"gemini-2.5-flash":      {InputPerMillion: 0.30, OutputPerMillion: 2.50},
	"gemini-2.5-flash-lite": {InputPerMillion: 0.10, OutputPerMillion: 0.40},
}

// PreprocessConfig controls the image preprocessing steps. Every step is
// independently toggleable; the whole struct is folded into the cache
// fingerprint via Version so a parameter change never serves stale entries.
type PreprocessConfig struct {
	MaxDimension int // longest side after resize, 0 disables resizing

	NormalizeContrast bool
	Contrast          float64 // percentage passed to imaging.AdjustContrast
	Brightness        float64 // percentage passed to imaging.AdjustBrightness

	AdaptiveThreshold bool
	ThresholdBlock    int // window size for local mean, must be odd
	ThresholdC        int // constant subtracted from the local mean

	DenoiseMedian bool
	MedianSize    int

	CropROI         bool
	CropKeepRatio   float64 // fraction of image height kept from the top
	BandSearchRatio float64 // bottom fraction searched for the separator band
	BandBrightness  int     // pixel value above which a pixel counts as white
	BandWhiteRatio  float64 // fraction of white pixels marking a row as white
	BandMinLines    int     // consecutive white rows forming a band
}

// Version returns a deterministic fingerprint component for this
// configuration. Two configs with the same version produce byte-identical
// preprocessing output for the same input.
func (p PreprocessConfig) Version() string {
	return fmt.Sprintf("pp1|dim=%d|nc=%t|c=%g|b=%g|at=%t|tb=%d|tc=%d|dm=%t|ms=%d|roi=%t|kr=%g|sr=%g|bb=%d|wr=%g|ml=%d",
		p.MaxDimension,
		p.NormalizeContrast, p.Contrast, p.Brightness,
		p.AdaptiveThreshold, p.ThresholdBlock, p.ThresholdC,
		p.DenoiseMedian, p.MedianSize,
		p.CropROI, p.CropKeepRatio, p.BandSearchRatio, p.BandBrightness, p.BandWhiteRatio, p.BandMinLines)
}

// Config carries every setting for one reconciliation run. It is built once
// by Load and passed by reference; nothing in the codebase reads the
// environment after startup.
type Config struct {
	// Extraction backend
	Provider         string // "gemini" or "mistral"
	GeminiAPIKey     string
	ModelName        string
	MistralAPIKey    string
	MistralModelName string
	MaxOutputTokens  int32

	// Pricing (USD per 1M tokens); ModelPrices overrides per model name
	InputPricePerMillion  float64
	OutputPricePerMillion float64
	ModelPrices           map[string]ModelPrice

	// Input/output layout
	ImageDir     string
	ProcessedDir string
	CachePath    string
	OutputPath   string
	ReportPath   string

	// Optional MongoDB-backed cache (selected when MONGO_URI is set)
	MongoURI      string
	MongoDBName   string
	MongoCacheCol string

	// Reference dataset
	IdentifierColumn string
	AmountColumn     string
	DateColumn       string

	// Matching policy
	MatchThreshold   float64 // composite score below this is never auto-accepted
	AmbiguityMargin  float64 // best-second gap below this flags the match
	SecondaryWeight  float64 // weight of secondary field agreement in the composite
	LLMMatchFallback bool    // arbitrate ambiguous identifiers with a model call

	// Model call policy
	MaxAttempts     int
	MaxInFlight     int
	RateLimitTokens int
	RateLimitRefill time.Duration // interval between token refills

	// Review server
	ServeAddr string

	Preprocess PreprocessConfig
}

// Load reads configuration from the environment (plus .env for local
// development). It returns an error instead of exiting so the CLI can map
// configuration failures to a non-zero exit before any image is touched.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{
		Provider:         getEnv("OCR_PROVIDER", "gemini"),
		GeminiAPIKey:     getEnv("GEMINI_API_KEY", ""),
		ModelName:        getEnv("MODEL_NAME", "gemini-2.5-flash"),
		MistralAPIKey:    getEnv("MISTRAL_API_KEY", ""),
		MistralModelName: getEnv("MISTRAL_MODEL_NAME", "pixtral-12b-latest"),
		MaxOutputTokens:  int32(getEnvInt("MAX_OUTPUT_TOKENS", 8192)),

		InputPricePerMillion:  getEnvFloat("INPUT_PRICE_PER_MILLION", 0.30),
		OutputPricePerMillion: getEnvFloat("OUTPUT_PRICE_PER_MILLION", 2.50),
		ModelPrices:           defaultModelPrices,

		ImageDir:     getEnv("IMAGE_DIR", "./all_images"),
		ProcessedDir: getEnv("PROCESSED_DIR", "./processed_images"),
		CachePath:    getEnv("CACHE_PATH", "./cache.jsonl"),
		OutputPath:   getEnv("OUTPUT_PATH", "./data/reconciled.csv"),
		ReportPath:   getEnv("REPORT_PATH", "./data/report.json"),

		MongoURI:      getEnv("MONGO_URI", ""),
		MongoDBName:   getEnv("MONGO_DB_NAME", "docrecon"),
		MongoCacheCol: getEnv("MONGO_CACHE_COLLECTION", "extractions"),

		IdentifierColumn: getEnv("IDENTIFIER_COLUMN", "id"),
		AmountColumn:     getEnv("AMOUNT_COLUMN", ""),
		DateColumn:       getEnv("DATE_COLUMN", ""),

		MatchThreshold:   getEnvFloat("MATCH_THRESHOLD", 85.0),
		AmbiguityMargin:  getEnvFloat("AMBIGUITY_MARGIN", 3.0),
		SecondaryWeight:  getEnvFloat("SECONDARY_WEIGHT", 0.15),
		LLMMatchFallback: getEnvBool("ENABLE_LLM_ID_MATCH", true),

		MaxAttempts:     getEnvInt("MAX_ATTEMPTS", 3),
		MaxInFlight:     getEnvInt("MAX_IN_FLIGHT", 4),
		RateLimitTokens: getEnvInt("RATE_LIMIT_TOKENS", 12),
		RateLimitRefill: time.Duration(getEnvInt("RATE_LIMIT_REFILL_SECONDS", 5)) * time.Second,

		ServeAddr: getEnv("SERVE_ADDR", ":8080"),

		Preprocess: PreprocessConfig{
			MaxDimension:      getEnvInt("MAX_IMAGE_DIMENSION", 2500),
			NormalizeContrast: getEnvBool("ENABLE_CONTRAST_NORMALIZATION", true),
			Contrast:          getEnvFloat("PREPROCESS_CONTRAST", 40),
			Brightness:        getEnvFloat("PREPROCESS_BRIGHTNESS", 10),
			AdaptiveThreshold: getEnvBool("ENABLE_ADAPTIVE_THRESHOLD", true),
			ThresholdBlock:    getEnvInt("THRESHOLD_BLOCK_SIZE", 81),
			ThresholdC:        getEnvInt("THRESHOLD_C", 7),
			DenoiseMedian:     getEnvBool("ENABLE_MEDIAN_DENOISE", true),
			MedianSize:        getEnvInt("MEDIAN_FILTER_SIZE", 3),
			CropROI:           getEnvBool("ENABLE_ROI_CROP", true),
			CropKeepRatio:     getEnvFloat("CROP_KEEP_RATIO", 0.975),
			BandSearchRatio:   getEnvFloat("BAND_SEARCH_RATIO", 0.30),
			BandBrightness:    getEnvInt("BAND_BRIGHTNESS_THRESHOLD", 150),
			BandWhiteRatio:    getEnvFloat("BAND_WHITE_RATIO", 0.80),
			BandMinLines:      getEnvInt("BAND_MIN_LINES", 3),
		},
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.Provider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			return &ConfigError{Name: "GEMINI_API_KEY", Reason: "required for the gemini provider"}
		}
	case "mistral":
		if c.MistralAPIKey == "" {
			return &ConfigError{Name: "MISTRAL_API_KEY", Reason: "required for the mistral provider"}
		}
	default:
		return &ConfigError{Name: "OCR_PROVIDER",
			Reason: fmt.Sprintf("unsupported provider %q (supported: gemini, mistral)", c.Provider)}
	}

	if c.IdentifierColumn == "" {
		return &ConfigError{Name: "IDENTIFIER_COLUMN", Reason: "must not be empty"}
	}
	if c.MaxAttempts < 1 {
		return &ConfigError{Name: "MAX_ATTEMPTS", Reason: "must be at least 1"}
	}
	if c.MaxInFlight < 1 {
		return &ConfigError{Name: "MAX_IN_FLIGHT", Reason: "must be at least 1"}
	}
	if c.RateLimitRefill <= 0 {
		return &ConfigError{Name: "RATE_LIMIT_REFILL_SECONDS", Reason: "must be positive"}
	}
	if c.Preprocess.AdaptiveThreshold && c.Preprocess.ThresholdBlock%2 == 0 {
		return &ConfigError{Name: "THRESHOLD_BLOCK_SIZE",
			Reason: fmt.Sprintf("must be odd, got %d", c.Preprocess.ThresholdBlock)}
	}
	return nil
}

// PriceFor returns the price entry for a model, falling back to the generic
// configured prices.
func (c *Config) PriceFor(model string) ModelPrice {
	if p, ok := c.ModelPrices[model]; ok {
		return p
	}
	return ModelPrice{
		InputPerMillion:  c.InputPricePerMillion,
		OutputPerMillion: c.OutputPricePerMillion,
	}
}

// ActiveModelName returns the model identifier of the selected provider.
func (c *Config) ActiveModelName() string {
	if c.Provider == "mistral" {
		return c.MistralModelName
	}
	return c.ModelName
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
