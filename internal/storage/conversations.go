package storage

// Namespaces and keys used by the typed helpers.
const (
	nsChat          = "chat"
	keyConversation = "conversations"
	keySettings     = "settings"
)

// Conversation is a chat thread as the host UI persists it.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
	Model     string    `json:"model"`
}

// Message is one entry in a Conversation. Timestamps are Unix
// milliseconds.
type Message struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Model     string `json:"model,omitempty"`
}

// Settings are the user preferences persisted by the host.
type Settings struct {
	APIKey        string `json:"api_key,omitempty"`
	SelectedModel string `json:"selected_model"`
}

// SaveConversations replaces the stored conversation list.
func (s *Store) SaveConversations(convs []Conversation) error {
	if convs == nil {
		convs = []Conversation{}
	}
	return s.Save(nsChat, keyConversation, convs)
}

// LoadConversations returns the stored conversations, or an empty
// list when none were saved.
func (s *Store) LoadConversations() ([]Conversation, error) {
	convs := []Conversation{}
	if _, err := s.Load(nsChat, keyConversation, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// SaveSettings replaces the stored settings.
func (s *Store) SaveSettings(settings Settings) error {
	return s.Save(nsChat, keySettings, settings)
}

// LoadSettings returns the stored settings, or nil when none were saved.
func (s *Store) LoadSettings() (*Settings, error) {
	var settings Settings
	ok, err := s.Load(nsChat, keySettings, &settings)
	if err != nil || !ok {
		return nil, err
	}
	return &settings, nil
}
