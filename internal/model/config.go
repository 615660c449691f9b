package model

import "time"

// Config is the full configuration tree for a run. It is loaded once at CLI
// startup and passed into the pipeline explicitly; nothing reads it through
// globals.
type Config struct {
	DataRoot    string            `yaml:"data_root" mapstructure:"data_root"`
	HistoryPath string            `yaml:"history_path" mapstructure:"history_path"`
	HTTP        HTTPConfig        `yaml:"http" mapstructure:"http"`
	Arxiv       ArxivConfig       `yaml:"arxiv" mapstructure:"arxiv"`
	LLM         LLMConfig         `yaml:"llm" mapstructure:"llm"`
	Convert     ConvertConfig     `yaml:"convert" mapstructure:"convert"`
	Zotero      ZoteroConfig      `yaml:"zotero" mapstructure:"zotero"`
	Stage       StageConfig       `yaml:"stage" mapstructure:"stage"`
	Filter      FilterConfig      `yaml:"filter" mapstructure:"filter"`
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" mapstructure:"rate_limit"`
	Summary     SummaryConfig     `yaml:"summary" mapstructure:"summary"`
	Output      OutputConfig      `yaml:"output" mapstructure:"output"`
}

// HTTPConfig holds transport settings shared by all outbound calls.
type HTTPConfig struct {
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	UserAgent  string        `yaml:"user_agent" mapstructure:"user_agent"`
	HTTPProxy  string        `yaml:"http_proxy" mapstructure:"http_proxy"`
	HTTPSProxy string        `yaml:"https_proxy" mapstructure:"https_proxy"`
	NoProxy    string        `yaml:"no_proxy" mapstructure:"no_proxy"`
	UseProxy   bool          `yaml:"use_proxy" mapstructure:"use_proxy"`
	MaxRetries int           `yaml:"max_retries" mapstructure:"max_retries"`
}

// ArxivConfig configures the retrieval stage.
type ArxivConfig struct {
	APIURL     string        `yaml:"api_url" mapstructure:"api_url"`
	PDFBaseURL string        `yaml:"pdf_base_url" mapstructure:"pdf_base_url"`
	Categories []string      `yaml:"categories" mapstructure:"categories"`
	Query      string        `yaml:"query" mapstructure:"query"`
	PageSize   int           `yaml:"page_size" mapstructure:"page_size"`
	MaxPapers  int           `yaml:"max_papers" mapstructure:"max_papers"`
	PageSleep  time.Duration `yaml:"page_sleep" mapstructure:"page_sleep"`
}

// LLMConfig configures the OpenAI-compatible endpoints per stage. All stages
// share one API key; prompts and budgets differ per stage.
type LLMConfig struct {
	APIKey    string         `yaml:"api_key" mapstructure:"api_key"`
	Score     LLMStageConfig `yaml:"score" mapstructure:"score"`
	Inspect   LLMStageConfig `yaml:"inspect" mapstructure:"inspect"`
	Summarize LLMStageConfig `yaml:"summarize" mapstructure:"summarize"`
	Condense  LLMStageConfig `yaml:"condense" mapstructure:"condense"`
}

// LLMStageConfig is the per-stage slice of LLM settings.
type LLMStageConfig struct {
	BaseURL      string  `yaml:"base_url" mapstructure:"base_url"`
	Model        string  `yaml:"model" mapstructure:"model"`
	MaxTokens    int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature  float32 `yaml:"temperature" mapstructure:"temperature"`
	Concurrency  int     `yaml:"concurrency" mapstructure:"concurrency"`
	SystemPrompt string  `yaml:"system_prompt" mapstructure:"system_prompt"`

	// Input budget for the user message, measured in UTF-8 bytes.
	InputHardLimit    int `yaml:"input_hard_limit" mapstructure:"input_hard_limit"`
	InputSafetyMargin int `yaml:"input_safety_margin" mapstructure:"input_safety_margin"`
}

// ConvertConfig configures the asynchronous document-conversion service.
type ConvertConfig struct {
	BaseURL       string        `yaml:"base_url" mapstructure:"base_url"`
	Token         string        `yaml:"token" mapstructure:"token"`
	ModelVersion  string        `yaml:"model_version" mapstructure:"model_version"`
	PollInterval  time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	MaxWait       time.Duration `yaml:"max_wait" mapstructure:"max_wait"`
	UploadRetries int           `yaml:"upload_retries" mapstructure:"upload_retries"`
}

// ZoteroConfig configures the reference-manager push stage.
type ZoteroConfig struct {
	BaseURL    string `yaml:"base_url" mapstructure:"base_url"`
	APIKey     string `yaml:"api_key" mapstructure:"api_key"`
	UserID     string `yaml:"user_id" mapstructure:"user_id"`
	Collection string `yaml:"collection" mapstructure:"collection"`
}

// StageConfig holds the failure budget applied by the stage runner.
type StageConfig struct {
	MaxFailureFrac  float64 `yaml:"max_failure_frac" mapstructure:"max_failure_frac"`
	MaxFailureCount int     `yaml:"max_failure_count" mapstructure:"max_failure_count"`
}

// FilterConfig holds thresholds for the relevance and institution filters.
type FilterConfig struct {
	ScoreThreshold float64  `yaml:"score_threshold" mapstructure:"score_threshold"`
	RequireLarge   bool     `yaml:"require_large" mapstructure:"require_large"`
	AlwaysKeep     []string `yaml:"always_keep" mapstructure:"always_keep"`
}

// CacheConfig configures the LLM response cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Dir     string        `yaml:"dir" mapstructure:"dir"`
	TTL     time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// RateLimitConfig bounds outbound request rates per host.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// SummaryConfig holds the note section length limits, counted in
// non-whitespace characters, and the headline cap in words.
type SummaryConfig struct {
	IntroLimit    int `yaml:"intro_limit" mapstructure:"intro_limit"`
	MethodLimit   int `yaml:"method_limit" mapstructure:"method_limit"`
	FindingsLimit int `yaml:"findings_limit" mapstructure:"findings_limit"`
	OpinionLimit  int `yaml:"opinion_limit" mapstructure:"opinion_limit"`
	HeadlineLimit int `yaml:"headline_limit" mapstructure:"headline_limit"`
}

// OutputConfig controls user-visible output.
type OutputConfig struct {
	Verbose bool `yaml:"verbose" mapstructure:"verbose"`
}

// DefaultConfig returns the built-in defaults, mirroring the documented
// configuration file.
func DefaultConfig() *Config {
	return &Config{
		DataRoot:    "data",
		HistoryPath: "data/history.jsonl",
		HTTP: HTTPConfig{
			Timeout:    60 * time.Second,
			UserAgent:  "paperflow/0.3 (+https://github.com/paperflow-io/paperflow)",
			MaxRetries: 5,
		},
		Arxiv: ArxivConfig{
			APIURL:     "https://export.arxiv.org/api/query",
			PDFBaseURL: "https://arxiv.org/pdf",
			Categories: []string{"cs.CL", "cs.LG", "cs.AI", "stat.ML"},
			PageSize:   200,
			MaxPapers:  500,
			PageSleep:  3100 * time.Millisecond,
		},
		LLM: LLMConfig{
			Score: LLMStageConfig{
				Model:        "qwen-plus",
				MaxTokens:    16,
				Temperature:  1.0,
				Concurrency:  8,
				SystemPrompt: defaultScorePrompt,
			},
			Inspect: LLMStageConfig{
				Model:        "qwen-plus",
				MaxTokens:    2048,
				Temperature:  1.0,
				Concurrency:  8,
				SystemPrompt: defaultInspectPrompt,
			},
			Summarize: LLMStageConfig{
				Model:             "qwen-plus",
				MaxTokens:         2048,
				Temperature:       1.0,
				Concurrency:       16,
				SystemPrompt:      defaultSummaryPrompt,
				InputHardLimit:    129024,
				InputSafetyMargin: 4096,
			},
			Condense: LLMStageConfig{
				Model:             "qwen-plus",
				MaxTokens:         2048,
				Temperature:       1.0,
				Concurrency:       8,
				SystemPrompt:      defaultCondensePrompt,
				InputHardLimit:    129024,
				InputSafetyMargin: 4096,
			},
		},
		Convert: ConvertConfig{
			BaseURL:       "https://mineru.net",
			ModelVersion:  "vlm",
			PollInterval:  3 * time.Second,
			MaxWait:       15 * time.Minute,
			UploadRetries: 6,
		},
		Zotero: ZoteroConfig{
			BaseURL: "https://api.zotero.org",
		},
		Stage: StageConfig{
			MaxFailureFrac:  0.5,
			MaxFailureCount: 0, // 0 means fraction only
		},
		Filter: FilterConfig{
			ScoreThreshold: 0.85,
			RequireLarge:   true,
		},
		Cache: CacheConfig{
			Enabled: true,
			Dir:     "data/cache",
			TTL:     7 * 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 1,
			Burst:             3,
		},
		Summary: SummaryConfig{
			IntroLimit:    170,
			MethodLimit:   280,
			FindingsLimit: 280,
			OpinionLimit:  160,
			HeadlineLimit: 20,
		},
	}
}

const defaultScorePrompt = "You score how relevant a paper is to the configured research themes " +
	"(large language models, training and inference, multimodal systems, agents, " +
	"reinforcement learning and preference optimization, evaluation, tool use, " +
	"context and memory management). Judge only from the given title and abstract. " +
	"Reply with a single number between 0 and 1, nothing else."

const defaultInspectPrompt = "You extract information from the first pages of a paper. " +
	"Reply with exactly one JSON object with exactly these fields: " +
	`{"institution": string or null, "is_large": boolean, "abstract": string}. ` +
	"institution is the corresponding author's affiliation (first author's when " +
	"no corresponding author is marked), shortened to a widely recognized name. " +
	"is_large is true only for well-known companies, national labs, or top " +
	"universities visible in the text; never guess. abstract is one sentence " +
	"stating method, task, and result. No extra text, no code fences."

const defaultCondensePrompt = "You compress paper notes into a single plain sentence naming the " +
	"contribution. Reply with the sentence only, no markdown, no quotes."

const defaultSummaryPrompt = "You are a paper note assistant. Read the paper content and write " +
	"structured notes: a short headline naming the contribution, an introduction " +
	"section (research question and main contribution), a methods section as " +
	"bullet points, a findings section as bullet points, and a closing opinion. " +
	"Keep the whole note under 900 words and do not use markdown formatting."
