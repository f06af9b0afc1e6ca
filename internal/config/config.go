package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

type ProviderConfig struct {
	BaseURL            string  `json:"base_url" yaml:"base_url"`
	APIKey             string  `json:"-" yaml:"-"`
	Timeout            float64 `json:"timeout" yaml:"timeout"`
	MaxRetries         int     `json:"max_retries" yaml:"max_retries"`
	EmbeddingModel     string  `json:"embedding_model" yaml:"embedding_model"`
	ChatModel          string  `json:"chat_model" yaml:"chat_model"`
	EmbeddingBatchSize int     `json:"embedding_batch_size" yaml:"embedding_batch_size"`
}

// ChunkConfig selects and parameterizes the chunking strategy.
type ChunkConfig struct {
	Strategy           string  `json:"strategy" yaml:"strategy"` // simple | markdown | semantic
	MaxTokens          int     `json:"max_tokens" yaml:"max_tokens"`
	MinTokens          int     `json:"min_tokens" yaml:"min_tokens"`
	SemanticUnit       string  `json:"semantic_unit" yaml:"semantic_unit"` // sentence | paragraph
	SemanticThreshold  float64 `json:"semantic_threshold" yaml:"semantic_threshold"`
	Adaptive           bool    `json:"adaptive" yaml:"adaptive"`
	AdaptivePercentile float64 `json:"adaptive_percentile" yaml:"adaptive_percentile"`
}

// ClusterConfig parameterizes reduction and mixture fitting.
type ClusterConfig struct {
	ReduceDim           int     `json:"reduce_dim" yaml:"reduce_dim"`
	MaxClusters         int     `json:"max_clusters" yaml:"max_clusters"`
	MembershipThreshold float64 `json:"membership_threshold" yaml:"membership_threshold"`
	MaxClusterTokens    int     `json:"max_cluster_tokens" yaml:"max_cluster_tokens"`
	MaxRecursionDepth   int     `json:"max_recursion_depth" yaml:"max_recursion_depth"`
	MinClusterNodes     int     `json:"min_cluster_nodes" yaml:"min_cluster_nodes"`
	Seed                int64   `json:"seed" yaml:"seed"`
}

// LayerSummary is the summary length/mode for one layer.
type LayerSummary struct {
	MaxTokens int    `json:"max_tokens" yaml:"max_tokens"`
	Mode      string `json:"mode" yaml:"mode"` // prose | bullets
}

// BuildConfig drives one tree build.
type BuildConfig struct {
	MaxLayers       int                  `json:"max_layers" yaml:"max_layers"`
	AutoDepth       bool                 `json:"auto_depth" yaml:"auto_depth"`
	TargetTopNodes  int                  `json:"target_top_nodes" yaml:"target_top_nodes"`
	SummaryDefaults LayerSummary         `json:"summary_defaults" yaml:"summary_defaults"`
	LayerOverrides  map[int]LayerSummary `json:"layer_overrides" yaml:"layer_overrides"`
	EmbedWorkers    int                  `json:"embed_workers" yaml:"embed_workers"`
	SummaryWorkers  int                  `json:"summary_workers" yaml:"summary_workers"`
	MaxKeywords     int                  `json:"max_keywords" yaml:"max_keywords"`
}

type RetrieveConfig struct {
	TopK int `json:"top_k" yaml:"top_k"`
	// StartLayer scopes layered search: 0 is the leaf layer, -1 starts
	// at the top.
	StartLayer          int     `json:"start_layer" yaml:"start_layer"`
	AdaptiveDepth       bool    `json:"adaptive_depth" yaml:"adaptive_depth"`
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
	MaxDescend          int     `json:"max_descend" yaml:"max_descend"`
	KeywordWeight       float64 `json:"keyword_weight" yaml:"keyword_weight"`
	Strategy            string  `json:"strategy" yaml:"strategy"` // layered | collapsed | keyword
}

// UpdateConfig drives incremental updates. AttachThreshold has no default
// on purpose: callers must decide how close is close enough.
type UpdateConfig struct {
	AttachThreshold *float64 `json:"attach_threshold" yaml:"attach_threshold"`
}

type Config struct {
	DataDir  string         `json:"data_dir" yaml:"data_dir"`
	DBPath   string         `json:"db_path" yaml:"db_path"`
	Host     string         `json:"host" yaml:"host"`
	Port     int            `json:"port" yaml:"port"`
	Provider ProviderConfig `json:"provider" yaml:"provider"`
	Chunk    ChunkConfig    `json:"chunk" yaml:"chunk"`
	Cluster  ClusterConfig  `json:"cluster" yaml:"cluster"`
	Build    BuildConfig    `json:"build" yaml:"build"`
	Retrieve RetrieveConfig `json:"retrieve" yaml:"retrieve"`
	Update   UpdateConfig   `json:"update" yaml:"update"`
}

func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".corpustree")
	return Config{
		DataDir: dataDir,
		DBPath:  filepath.Join(dataDir, "corpustree.db"),
		Host:    "127.0.0.1",
		Port:    8761,
		Provider: ProviderConfig{
			BaseURL:            "http://127.0.0.1:1234/v1",
			Timeout:            120.0,
			MaxRetries:         3,
			EmbeddingBatchSize: 32,
		},
		Chunk: ChunkConfig{
			Strategy:           "markdown",
			MaxTokens:          400,
			MinTokens:          40,
			SemanticUnit:       "sentence",
			SemanticThreshold:  0.35,
			AdaptivePercentile: 20,
		},
		Cluster: ClusterConfig{
			ReduceDim:           5,
			MaxClusters:         12,
			MembershipThreshold: 0.15,
			MaxClusterTokens:    3000,
			MaxRecursionDepth:   4,
			MinClusterNodes:     4,
			Seed:                224,
		},
		Build:    Profile("default"),
		Retrieve: RetrieveConfig{TopK: 10, StartLayer: -1, AdaptiveDepth: true, ConfidenceThreshold: 0.55, MaxDescend: 3, KeywordWeight: 0.3, Strategy: "collapsed"},
		Update:   UpdateConfig{},
	}
}

// Profile returns a named BuildConfig preset. Explicit settings are applied
// afterwards via ApplyOverrides; the preset never wins over an explicit value.
func Profile(name string) BuildConfig {
	base := BuildConfig{
		MaxLayers:       5,
		AutoDepth:       false,
		TargetTopNodes:  8,
		SummaryDefaults: LayerSummary{MaxTokens: 200, Mode: "prose"},
		LayerOverrides:  map[int]LayerSummary{},
		EmbedWorkers:    4,
		SummaryWorkers:  2,
		MaxKeywords:     12,
	}
	switch name {
	case "deep":
		base.MaxLayers = 8
		base.LayerOverrides = map[int]LayerSummary{
			1: {MaxTokens: 300, Mode: "prose"},
			4: {MaxTokens: 120, Mode: "bullets"},
		}
	case "wide":
		base.AutoDepth = true
		base.TargetTopNodes = 16
		base.SummaryDefaults = LayerSummary{MaxTokens: 150, Mode: "bullets"}
	}
	return base
}

// BuildOverrides carries explicit build settings. Nil fields keep the
// profile value.
type BuildOverrides struct {
	MaxLayers      *int                 `json:"max_layers" yaml:"max_layers"`
	AutoDepth      *bool                `json:"auto_depth" yaml:"auto_depth"`
	TargetTopNodes *int                 `json:"target_top_nodes" yaml:"target_top_nodes"`
	LayerOverrides map[int]LayerSummary `json:"layer_overrides" yaml:"layer_overrides"`
	EmbedWorkers   *int                 `json:"embed_workers" yaml:"embed_workers"`
	SummaryWorkers *int                 `json:"summary_workers" yaml:"summary_workers"`
	MaxKeywords    *int                 `json:"max_keywords" yaml:"max_keywords"`
}

// ApplyOverrides merges explicit settings over a profile preset.
func ApplyOverrides(base BuildConfig, ov BuildOverrides) BuildConfig {
	if ov.MaxLayers != nil {
		base.MaxLayers = *ov.MaxLayers
	}
	if ov.AutoDepth != nil {
		base.AutoDepth = *ov.AutoDepth
	}
	if ov.TargetTopNodes != nil {
		base.TargetTopNodes = *ov.TargetTopNodes
	}
	if len(ov.LayerOverrides) > 0 {
		merged := make(map[int]LayerSummary, len(base.LayerOverrides)+len(ov.LayerOverrides))
		for k, v := range base.LayerOverrides {
			merged[k] = v
		}
		for k, v := range ov.LayerOverrides {
			merged[k] = v
		}
		base.LayerOverrides = merged
	}
	if ov.EmbedWorkers != nil {
		base.EmbedWorkers = *ov.EmbedWorkers
	}
	if ov.SummaryWorkers != nil {
		base.SummaryWorkers = *ov.SummaryWorkers
	}
	if ov.MaxKeywords != nil {
		base.MaxKeywords = *ov.MaxKeywords
	}
	return base
}

// LoadConfig builds the effective config: defaults, then an optional YAML
// file (CT_CONFIG), then env vars.
func LoadConfig() Config {
	cfg := DefaultConfig()

	if path := os.Getenv("CT_CONFIG"); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "config file %s: %v\n", path, err)
		}
	}

	if dataDir := os.Getenv("CT_DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
		cfg.DBPath = filepath.Join(dataDir, "corpustree.db")
	}
	if url := os.Getenv("CT_PROVIDER_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if key := os.Getenv("CT_PROVIDER_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if port := os.Getenv("CT_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if seed := os.Getenv("CT_CLUSTER_SEED"); seed != "" {
		if s, err := strconv.ParseInt(seed, 10, 64); err == nil {
			cfg.Cluster.Seed = s
		}
	}

	cfg.EnsureDirs()
	return cfg
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) EnsureDirs() {
	os.MkdirAll(c.DataDir, 0o755)
}

// Validate rejects invalid strategy variants and missing required knobs at
// startup rather than mid-build.
func (c *Config) Validate() error {
	switch c.Chunk.Strategy {
	case "simple", "markdown":
	case "semantic":
		if c.Chunk.SemanticUnit != "sentence" && c.Chunk.SemanticUnit != "paragraph" {
			return fmt.Errorf("chunk: semantic_unit must be sentence or paragraph, got %q", c.Chunk.SemanticUnit)
		}
		if !c.Chunk.Adaptive && (c.Chunk.SemanticThreshold <= 0 || c.Chunk.SemanticThreshold >= 1) {
			return fmt.Errorf("chunk: semantic_threshold must be in (0,1), got %v", c.Chunk.SemanticThreshold)
		}
	default:
		return fmt.Errorf("chunk: unknown strategy %q", c.Chunk.Strategy)
	}
	if c.Chunk.MaxTokens <= 0 {
		return fmt.Errorf("chunk: max_tokens must be positive")
	}
	if c.Cluster.ReduceDim <= 0 || c.Cluster.MaxClusters <= 0 {
		return fmt.Errorf("cluster: reduce_dim and max_clusters must be positive")
	}
	if c.Cluster.MembershipThreshold <= 0 || c.Cluster.MembershipThreshold >= 1 {
		return fmt.Errorf("cluster: membership_threshold must be in (0,1)")
	}
	if mode := c.Build.SummaryDefaults.Mode; mode != "prose" && mode != "bullets" {
		return fmt.Errorf("build: summary mode must be prose or bullets, got %q", mode)
	}
	return nil
}

// ValidateForUpdate additionally requires the incremental attach threshold.
func (c *Config) ValidateForUpdate() error {
	if c.Update.AttachThreshold == nil {
		return fmt.Errorf("update: attach_threshold is required for incremental updates")
	}
	if t := *c.Update.AttachThreshold; t <= 0 || t >= 1 {
		return fmt.Errorf("update: attach_threshold must be in (0,1), got %v", t)
	}
	return nil
}
