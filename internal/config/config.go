// Package config handles ollama-desktop configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order:
// ./config.yaml, ~/.config/ollama-desktop/config.yaml,
// /etc/ollama-desktop/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ollama-desktop", "config.yaml"))
	}

	return append(paths, "/etc/ollama-desktop/config.yaml")
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing entry of DefaultSearchPaths is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all ollama-desktop configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Tools     ToolsConfig     `yaml:"tools"`
	Agent     AgentConfig     `yaml:"agent"`
	RAG       RAGConfig       `yaml:"rag"`
	DataDir   string          `yaml:"data_dir"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// OllamaConfig points at the model service. Token, when set, is sent as
// a bearer token on every request (for reverse-proxied deployments).
type OllamaConfig struct {
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	ChatModel    string `yaml:"chat_model"`
	EmbedModel   string `yaml:"embed_model"`
	SummaryModel string `yaml:"summary_model"`
}

// QdrantConfig controls the vector store and the process supervisor that
// keeps it running.
type QdrantConfig struct {
	AutoStart     bool          `yaml:"auto_start"`
	Port          int           `yaml:"port"`
	UseDocker     bool          `yaml:"use_docker"`
	DataPath      string        `yaml:"data_path"`
	ContainerName string        `yaml:"container_name"`
	Image         string        `yaml:"image"`
	BinaryPath    string        `yaml:"binary_path"`
	HealthTTL     time.Duration `yaml:"health_ttl"`
	ReadyAttempts int           `yaml:"ready_attempts"`
	ReadyInterval time.Duration `yaml:"ready_interval"`
}

// WorkspaceConfig is the sandbox root for the file and shell tools.
type WorkspaceConfig struct {
	Path string `yaml:"path"`
}

type ToolsConfig struct {
	ShellTimeout   time.Duration `yaml:"shell_timeout"`
	ShellMaxOutput int           `yaml:"shell_max_output"`
	FileReadLimit  int           `yaml:"file_read_limit"`
	SearchURL      string        `yaml:"search_url"`
	SearXNGURL     string        `yaml:"searxng_url"`
}

type AgentConfig struct {
	MaxToolRounds int `yaml:"max_tool_rounds"`
}

type RAGConfig struct {
	DocumentCollection     string  `yaml:"document_collection"`
	ConversationCollection string  `yaml:"conversation_collection"`
	VectorSize             int     `yaml:"vector_size"`
	ChunkTokens            int     `yaml:"chunk_tokens"`
	VectorizeRate          float64 `yaml:"vectorize_rate"`
	CrossThread            bool    `yaml:"cross_thread"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file on top of Default. Environment
// variables in the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Address: "127.0.0.1", Port: 8787},
		Ollama: OllamaConfig{
			URL:          "http://localhost:11434",
			ChatModel:    "llama3.1:8b",
			EmbedModel:   "nomic-embed-text",
			SummaryModel: "qwen2.5:0.5b",
		},
		Qdrant: QdrantConfig{
			AutoStart:     true,
			Port:          6333,
			UseDocker:     true,
			ContainerName: "ollama-qdrant",
			Image:         "qdrant/qdrant",
			BinaryPath:    "qdrant",
			HealthTTL:     30 * time.Second,
			ReadyAttempts: 15,
			ReadyInterval: 2 * time.Second,
		},
		Workspace: WorkspaceConfig{Path: "workspace"},
		Tools: ToolsConfig{
			ShellTimeout:   5 * time.Second,
			ShellMaxOutput: 30 * 1024,
			FileReadLimit:  10000,
			SearchURL:      "https://api.duckduckgo.com/",
		},
		Agent: AgentConfig{MaxToolRounds: 8},
		RAG: RAGConfig{
			DocumentCollection:     "chat",
			ConversationCollection: "conversations",
			VectorSize:             768,
			ChunkTokens:            512,
			VectorizeRate:          4,
		},
		DataDir: "data",
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Ollama.URL == "" {
		errs = append(errs, errors.New("ollama.url is required"))
	}
	if c.Qdrant.Port <= 0 || c.Qdrant.Port > 65535 {
		errs = append(errs, fmt.Errorf("qdrant.port %d out of range", c.Qdrant.Port))
	}
	if c.Qdrant.ReadyAttempts < 1 {
		errs = append(errs, errors.New("qdrant.ready_attempts must be at least 1"))
	}
	if c.Agent.MaxToolRounds < 1 {
		errs = append(errs, errors.New("agent.max_tool_rounds must be at least 1"))
	}
	if c.RAG.VectorSize < 1 {
		errs = append(errs, errors.New("rag.vector_size must be positive"))
	}
	if c.Tools.ShellMaxOutput < 1 {
		errs = append(errs, errors.New("tools.shell_max_output must be positive"))
	}
	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q (valid: text, json)", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// QdrantURL is the base URL of the local vector store.
func (c *Config) QdrantURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.Qdrant.Port)
}

// ListenAddr is the address the serve command binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Address, c.Listen.Port)
}
