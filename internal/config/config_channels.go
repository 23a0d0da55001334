package config

// ChannelsConfig holds per-channel front-end configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	Feishu   FeishuConfig   `json:"feishu"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	WebUI    WebUIConfig    `json:"webui"`
}

// ChannelCommon fields every channel shares: enablement, allow_from
// allowlist, and rate_limit_s per-sender interval. rate_limit_s is parsed
// but no channel enforces it.
type ChannelCommon struct {
	Enabled    bool                `json:"enabled"`
	AllowFrom  FlexibleStringSlice `json:"allow_from,omitempty"`
	RateLimitS float64             `json:"rate_limit_s,omitempty"`

	DMPolicy       string `json:"dm_policy,omitempty"`       // "pairing" (default), "allowlist", "open", "disabled"
	GroupPolicy    string `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention *bool  `json:"require_mention,omitempty"` // require @bot mention in groups (default true)
	HistoryLimit   int    `json:"history_limit,omitempty"`   // max pending group messages for context
}

type TelegramConfig struct {
	ChannelCommon
	Token string `json:"-"` // env only
	Proxy string `json:"proxy,omitempty"`

	StreamMode    string `json:"stream_mode,omitempty"`     // "off" (default), "partial"
	MediaMaxBytes int64  `json:"media_max_bytes,omitempty"` // default 20MB

	STTProxyURL       string `json:"stt_proxy_url,omitempty"`
	STTAPIKey         string `json:"-"`
	STTTenantID       string `json:"stt_tenant_id,omitempty"`
	STTTimeoutSeconds int    `json:"stt_timeout_seconds,omitempty"`
}

type DiscordConfig struct {
	ChannelCommon
	Token string `json:"-"` // env only
}

type FeishuConfig struct {
	ChannelCommon
	AppID             string `json:"-"`
	AppSecret         string `json:"-"`
	VerificationToken string `json:"-"`
	EncryptKey        string `json:"-"`
	Domain            string `json:"domain,omitempty"`          // "lark" (default/global) or "feishu" (China)
	BaseURL           string `json:"base_url,omitempty"`         // feishu.cn vs larksuite.com
	ConnectionMode    string `json:"connection_mode,omitempty"`  // "websocket" (default), "webhook"
	WebhookPort       int    `json:"webhook_port,omitempty"`     // default 3000
	WebhookPath       string `json:"webhook_path,omitempty"`     // default "/feishu/events"

	GroupAllowFrom   FlexibleStringSlice `json:"group_allow_from,omitempty"`
	TopicSessionMode string              `json:"topic_session_mode,omitempty"` // "disabled" (default)
	TextChunkLimit   int                 `json:"text_chunk_limit,omitempty"`   // default 4000
	RenderMode       string              `json:"render_mode,omitempty"`        // "auto", "raw", "card"
}

type WhatsAppConfig struct {
	ChannelCommon
	BridgeURL string `json:"bridge_url,omitempty"`
}

type WebUIConfig struct {
	ChannelCommon
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// ToolsConfig controls tool enablement and the exec guardrails.
type ToolsConfig struct {
	AllowedTools FlexibleStringSlice `json:"allowed_tools,omitempty"`
	Exec         ExecConfig          `json:"exec"`
	Web          WebToolsConfig      `json:"web"`
}

type ExecConfig struct {
	TimeoutS            int  `json:"timeout_s"`
	RestrictToWorkspace bool `json:"restrict_to_workspace"`
}

type WebToolsConfig struct {
	BraveAPIKey     string `json:"-"`
	FirecrawlAPIKey string `json:"-"`
	MaxResults      int    `json:"max_results,omitempty"`
	CacheTTLS       int    `json:"cache_ttl_s,omitempty"`
}

// SessionsConfig controls session file storage.
type SessionsConfig struct {
	Storage     string `json:"storage"`
	MaxMessages int    `json:"max_messages"`
}
