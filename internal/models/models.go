package models

// WeatherSnapshot is the current weather for the configured location.
// A snapshot is never mutated after creation; a fresh fetch replaces it.
type WeatherSnapshot struct {
	Location    string  `json:"location"`
	Temperature float64 `json:"temperature"` // °C, 1 decimal
	FeelsLike   float64 `json:"feelsLike"`   // °C, 1 decimal
	Humidity    int     `json:"humidity"`    // percent
	Description string  `json:"description"`
	Timestamp   string  `json:"timestamp"` // local-formatted fetch time
}

// ConversationTurn is one user message / bot reply pair. Immutable once
// appended; the whole per-user sequence is deleted by the forget command.
type ConversationTurn struct {
	UserMessage string `json:"user_message"`
	BotReply    string `json:"bot_reply"`
	Timestamp   string `json:"timestamp"`
}

// Chat roles for LLM request history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is a single role/content entry in an LLM request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
