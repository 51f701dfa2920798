package llm

// Role identifies a message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a conversation. Content may be empty.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SystemPreamble returns the first system message, if any.
func SystemPreamble(messages []Message) (Message, bool) {
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			return msg, true
		}
	}
	return Message{}, false
}
