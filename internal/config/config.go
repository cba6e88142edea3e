// Package config loads booru configuration from YAML/env via viper, in the
// with struct-per-concern sections and mapstructure tags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App             App             `mapstructure:"app"`
	Database        Database        `mapstructure:"database"`
	Server          Server          `mapstructure:"server"`
	Auth            Auth            `mapstructure:"auth"`
	Ingest          Ingest          `mapstructure:"ingest"`
	Sources         Sources         `mapstructure:"sources"`
	Similarity      Similarity      `mapstructure:"similarity"`
	DuplicateReview DuplicateReview `mapstructure:"duplicate_review"`
	Implication     Implication     `mapstructure:"implication"`
	Logging         Logging         `mapstructure:"logging"`
	Query           Query           `mapstructure:"query"`
}

// App holds general application configuration.
type App struct {
	Debug      bool   `mapstructure:"debug"`
	LogLevel   string `mapstructure:"log_level"`
	DataDir    string `mapstructure:"data_dir"`
	ConfigFile string `mapstructure:"config_file"`
}

// Database holds the catalog store's connection configuration.
type Database struct {
	Path            string `mapstructure:"path"`
	MaxConnections  int    `mapstructure:"max_connections"`
	IdleConnections int    `mapstructure:"idle_connections"`
}

// Server holds HTTP server configuration.
type Server struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Auth holds the shared-password UI login and the shared-secret mutation
// guard on mutating endpoints.
type Auth struct {
	SharedPassword  string        `mapstructure:"shared_password"`
	MutationSecret  string        `mapstructure:"mutation_secret"`
	SessionTimeout  time.Duration `mapstructure:"session_timeout"`
}

// Ingest holds the ingestion pipeline's filesystem and worker
// configuration.
type Ingest struct {
	ImageDirectory    string `mapstructure:"image_directory"`
	IngestDirectory   string `mapstructure:"ingest_directory"`
	ThumbDirectory    string `mapstructure:"thumb_directory"`
	UpscaledDirectory string `mapstructure:"upscaled_directory"`
	RejectDirectory   string `mapstructure:"reject_directory"`
	MaxWorkers        int    `mapstructure:"max_workers"`
	OnlineOnly        bool   `mapstructure:"online_only"`
	UseMergedSources  bool   `mapstructure:"use_merged_sources_by_default"`
	DebounceSeconds   int    `mapstructure:"debounce_seconds"`
	ThumbMaxDimension int    `mapstructure:"thumb_max_dimension"`
}

// Sources holds per-source credentials, timeouts, and the global priority
// order (BOORU_PRIORITY).
type Sources struct {
	Priority []string       `mapstructure:"priority"`
	Danbooru BooruSource    `mapstructure:"danbooru"`
	E621     BooruSource    `mapstructure:"e621"`
	Gelbooru BooruSource    `mapstructure:"gelbooru"`
	Yandere  BooruSource    `mapstructure:"yandere"`
	SauceNAO SauceNAOSource `mapstructure:"saucenao"`
	Pixiv    PixivSource    `mapstructure:"pixiv"`
}

// BooruSource configures one Danbooru-family API client.
type BooruSource struct {
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Username string        `mapstructure:"username"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SauceNAOSource configures the reverse-image-search fallback.
type SauceNAOSource struct {
	APIKey             string        `mapstructure:"api_key"`
	Timeout            time.Duration `mapstructure:"timeout"`
	SimilarityMinimum  float64       `mapstructure:"similarity_minimum"`
}

// PixivSource configures the filename-based Pixiv lookup.
type PixivSource struct {
	Timeout time.Duration `mapstructure:"timeout"`
	IDRegex string        `mapstructure:"id_regex"`
}

// Similarity holds hash-engine and blended-ranker configuration.
type Similarity struct {
	PHashBits          int     `mapstructure:"phash_bits"`
	VisualThreshold    int     `mapstructure:"visual_threshold"`
	ScanThreshold      int     `mapstructure:"scan_threshold"`
	ParallelMinSize    int     `mapstructure:"parallel_min_size"`
	TagAlpha           float64 `mapstructure:"tag_alpha"`
	BlendVisualWeight  float64 `mapstructure:"blend_visual_weight"`
	BlendTagWeight     float64 `mapstructure:"blend_tag_weight"`
	BlendSemanticWeight float64 `mapstructure:"blend_semantic_weight"`
	SimilarCacheSize   int     `mapstructure:"similar_cache_size"`
	EmbeddingDim       int     `mapstructure:"embedding_dim"`
}

// DuplicateReview holds the suggestion-classification bounds and diff
// thresholds for the pair-suggestion classifier.
type DuplicateReview struct {
	LowerBound          float64 `mapstructure:"lower_bound"`
	UpperBound          float64 `mapstructure:"upper_bound"`
	DiffPixelThreshold  float64 `mapstructure:"diff_pixel_threshold"`
	DiffNeighborMin     int     `mapstructure:"diff_neighbor_min"`
	PreviewCanvas       int     `mapstructure:"preview_canvas"`
	CalibrationLogging  bool    `mapstructure:"calibration_logging"`
	CalibrationLogPath  string  `mapstructure:"calibration_log_path"`
}

// Implication holds the implication-mining thresholds.
type Implication struct {
	MinCoOccurrence int           `mapstructure:"min_co_occurrence"`
	MinConfidence   float64       `mapstructure:"min_confidence"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
}

// Logging holds logging configuration.
type Logging struct {
	Level         string `mapstructure:"level"`
	RingBufferLen int    `mapstructure:"ring_buffer_len"`
}

// Query holds the query service's pagination bounds.
type Query struct {
	ImagesPerPage    int `mapstructure:"images_per_page"`
	MaxImagesPerPage int `mapstructure:"max_images_per_page"`
}

var globalConfig *Config

// Load reads configuration from (in priority order) an explicit config
// file, ./.booru.yaml / $HOME/.booru.yaml, then environment variables,
// applying defaults for anything unset.
func Load(configFile string) (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fmt.Printf("warning: error loading .env file: %v\n", err)
		}
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
		viper.SetConfigName(".booru")
		viper.SetConfigType("yaml")
	}

	setDefaults()
	bindEnvironmentVariables()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := postProcessConfig(cfg); err != nil {
		return nil, fmt.Errorf("error post-processing config: %w", err)
	}

	globalConfig = cfg
	return cfg, nil
}

// Get returns the global configuration, loading it with defaults if it has
// not been loaded yet.
func Get() *Config {
	if globalConfig == nil {
		cfg, err := Load("")
		if err != nil {
			panic(fmt.Sprintf("failed to load configuration: %v", err))
		}
		return cfg
	}
	return globalConfig
}

// Reset clears the cached global configuration; used by tests.
func Reset() {
	globalConfig = nil
	viper.Reset()
}

func setDefaults() {
	viper.SetDefault("app.debug", false)
	viper.SetDefault("app.log_level", "info")
	viper.SetDefault("app.data_dir", ".booru-data")

	viper.SetDefault("database.path", ".booru-data/booru.db")
	viper.SetDefault("database.max_connections", 10)
	viper.SetDefault("database.idle_connections", 5)

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8000)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.shutdown_timeout", "10s")
	viper.SetDefault("server.cors.enabled", false)

	viper.SetDefault("auth.session_timeout", "4h")

	viper.SetDefault("ingest.image_directory", "./images")
	viper.SetDefault("ingest.ingest_directory", "./ingest")
	viper.SetDefault("ingest.thumb_directory", "./thumbs")
	viper.SetDefault("ingest.upscaled_directory", "./upscaled")
	viper.SetDefault("ingest.reject_directory", "./rejected")
	viper.SetDefault("ingest.max_workers", 0) // 0 => min(cores-1, configured)
	viper.SetDefault("ingest.online_only", false)
	viper.SetDefault("ingest.use_merged_sources_by_default", false)
	viper.SetDefault("ingest.debounce_seconds", 2)
	viper.SetDefault("ingest.thumb_max_dimension", 512)

	viper.SetDefault("sources.priority", []string{"danbooru", "e621", "gelbooru", "yandere"})
	viper.SetDefault("sources.danbooru.timeout", "10s")
	viper.SetDefault("sources.e621.timeout", "10s")
	viper.SetDefault("sources.gelbooru.timeout", "10s")
	viper.SetDefault("sources.yandere.timeout", "10s")
	viper.SetDefault("sources.saucenao.timeout", "15s")
	viper.SetDefault("sources.saucenao.similarity_minimum", 80.0)
	viper.SetDefault("sources.pixiv.timeout", "20s")
	viper.SetDefault("sources.pixiv.id_regex", `(\d{4,})_p\d+`)

	viper.SetDefault("similarity.phash_bits", 64)
	viper.SetDefault("similarity.visual_threshold", 10)
	viper.SetDefault("similarity.scan_threshold", 8)
	viper.SetDefault("similarity.parallel_min_size", 2000)
	viper.SetDefault("similarity.tag_alpha", 0.6)
	viper.SetDefault("similarity.blend_visual_weight", 0.4)
	viper.SetDefault("similarity.blend_tag_weight", 0.35)
	viper.SetDefault("similarity.blend_semantic_weight", 0.25)
	viper.SetDefault("similarity.similar_cache_size", 18)
	viper.SetDefault("similarity.embedding_dim", 512)

	viper.SetDefault("duplicate_review.lower_bound", 0.012)
	viper.SetDefault("duplicate_review.upper_bound", 0.04)
	viper.SetDefault("duplicate_review.diff_pixel_threshold", 24.0/255.0)
	viper.SetDefault("duplicate_review.diff_neighbor_min", 3)
	viper.SetDefault("duplicate_review.preview_canvas", 256)
	viper.SetDefault("duplicate_review.calibration_logging", false)
	viper.SetDefault("duplicate_review.calibration_log_path", ".booru-data/calibration.jsonl")

	viper.SetDefault("implication.min_co_occurrence", 20)
	viper.SetDefault("implication.min_confidence", 0.85)
	viper.SetDefault("implication.cache_ttl", "5m")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.ring_buffer_len", 2000)

	viper.SetDefault("query.images_per_page", 50)
	viper.SetDefault("query.max_images_per_page", 500)
}

func bindEnvironmentVariables() {
	_ = viper.BindEnv("auth.shared_password", "BOORU_PASSWORD")
	_ = viper.BindEnv("auth.mutation_secret", "BOORU_MUTATION_SECRET")
	_ = viper.BindEnv("sources.priority", "BOORU_PRIORITY")
	_ = viper.BindEnv("sources.danbooru.api_key", "DANBOORU_API_KEY")
	_ = viper.BindEnv("sources.e621.api_key", "E621_API_KEY")
	_ = viper.BindEnv("sources.gelbooru.api_key", "GELBOORU_API_KEY")
	_ = viper.BindEnv("sources.saucenao.api_key", "SAUCENAO_API_KEY")
}

func postProcessConfig(cfg *Config) error {
	cfg.App.DataDir = expandPath(cfg.App.DataDir)
	cfg.Database.Path = expandPath(cfg.Database.Path)
	cfg.Ingest.ImageDirectory = expandPath(cfg.Ingest.ImageDirectory)
	cfg.Ingest.IngestDirectory = expandPath(cfg.Ingest.IngestDirectory)
	cfg.Ingest.ThumbDirectory = expandPath(cfg.Ingest.ThumbDirectory)
	cfg.Ingest.UpscaledDirectory = expandPath(cfg.Ingest.UpscaledDirectory)
	cfg.Ingest.RejectDirectory = expandPath(cfg.Ingest.RejectDirectory)

	if cfg.Similarity.PHashBits != 64 && cfg.Similarity.PHashBits != 256 {
		return fmt.Errorf("similarity.phash_bits must be 64 or 256, got %d", cfg.Similarity.PHashBits)
	}
	if cfg.DuplicateReview.LowerBound >= cfg.DuplicateReview.UpperBound {
		return fmt.Errorf("duplicate_review.lower_bound must be < upper_bound")
	}
	return nil
}

func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
