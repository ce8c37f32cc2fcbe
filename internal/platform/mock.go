package platform

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MockPlatform is an in-memory PlatformClient test double. It records every
// call so tests can assert on what the core did, and exposes SimulateReaction
// / SimulateMessage so tests can drive events back into the core — the same
// shape as the teacher's citest/testutil fakes.
type MockPlatform struct {
	mu sync.Mutex

	platformID string
	botUser    User
	limits     MessageLimits
	allowed    map[string]bool

	posts     map[string]*Post
	nextPost  int
	Deleted   map[string]bool
	Reactions map[string][]string // postID -> emoji list seeded/added

	messageHandlers  []MessageHandler
	reactionHandlers []ReactionHandler
	removedHandlers  []ReactionHandler
	channelHandlers  []ChannelPostHandler

	// Calls records every mutating call made, in order, for assertions.
	Calls []string
}

// NewMockPlatform creates a MockPlatform with sane defaults.
func NewMockPlatform(platformID string) *MockPlatform {
	return &MockPlatform{
		platformID: platformID,
		botUser:    User{ID: "bot", Username: "bot", DisplayName: "Bot"},
		limits:     MessageLimits{MaxLength: 16000, HardThreshold: 12000},
		allowed:    map[string]bool{},
		posts:      map[string]*Post{},
		Deleted:    map[string]bool{},
		Reactions:  map[string][]string{},
	}
}

func (m *MockPlatform) ID() string { return m.platformID }

// AllowUser marks a username as platform-allowed (spec.md §4.15 authorization).
func (m *MockPlatform) AllowUser(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowed[username] = true
}

func (m *MockPlatform) SetLimits(limits MessageLimits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = limits
}

func (m *MockPlatform) CreatePost(_ context.Context, content, threadID string) (Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPost++
	id := "post-" + strconv.Itoa(m.nextPost)
	p := &Post{ID: id, Message: content, AuthorID: m.botUser.ID, ThreadID: threadID}
	m.posts[id] = p
	m.Calls = append(m.Calls, fmt.Sprintf("create:%s", id))
	cp := *p
	return cp, nil
}

func (m *MockPlatform) UpdatePost(_ context.Context, postID, content string) (Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postID]
	if !ok || m.Deleted[postID] {
		return Post{}, fmt.Errorf("platform: post %s not found", postID)
	}
	p.Message = content
	m.Calls = append(m.Calls, fmt.Sprintf("update:%s", postID))
	cp := *p
	return cp, nil
}

func (m *MockPlatform) DeletePost(_ context.Context, postID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deleted[postID] = true
	m.Calls = append(m.Calls, fmt.Sprintf("delete:%s", postID))
	return nil
}

func (m *MockPlatform) CreateInteractivePost(_ context.Context, content string, reactions []string, threadID string) (Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPost++
	id := "post-" + strconv.Itoa(m.nextPost)
	p := &Post{ID: id, Message: content, AuthorID: m.botUser.ID, ThreadID: threadID}
	m.posts[id] = p
	m.Reactions[id] = append([]string{}, reactions...)
	m.Calls = append(m.Calls, fmt.Sprintf("create_interactive:%s", id))
	cp := *p
	return cp, nil
}

func (m *MockPlatform) PinPost(_ context.Context, postID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, fmt.Sprintf("pin:%s", postID))
	return nil
}

func (m *MockPlatform) UnpinPost(_ context.Context, postID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, fmt.Sprintf("unpin:%s", postID))
	return nil
}

func (m *MockPlatform) AddReaction(_ context.Context, postID, emoji string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reactions[postID] = append(m.Reactions[postID], emoji)
	return nil
}

func (m *MockPlatform) RemoveReaction(_ context.Context, postID, emoji string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.Reactions[postID]
	for i, e := range list {
		if e == emoji {
			m.Reactions[postID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MockPlatform) GetFormatter() Formatter { return plainFormatter{} }

func (m *MockPlatform) GetMessageLimits() MessageLimits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

func (m *MockPlatform) IsBotMentioned(text string) bool {
	return strings.Contains(strings.ToLower(text), "@"+strings.ToLower(m.botUser.Username))
}

func (m *MockPlatform) ExtractPrompt(text string) string {
	mention := "@" + m.botUser.Username
	idx := strings.Index(strings.ToLower(text), strings.ToLower(mention))
	if idx < 0 {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(text[:idx] + text[idx+len(mention):])
}

func (m *MockPlatform) IsUserAllowed(username string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowed[username]
}

func (m *MockPlatform) GetBotName() string { return m.botUser.Username }
func (m *MockPlatform) GetBotUser() User   { return m.botUser }

func (m *MockPlatform) OnMessage(h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageHandlers = append(m.messageHandlers, h)
}

func (m *MockPlatform) OnReaction(h ReactionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactionHandlers = append(m.reactionHandlers, h)
}

func (m *MockPlatform) OnReactionRemoved(h ReactionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removedHandlers = append(m.removedHandlers, h)
}

func (m *MockPlatform) OnChannelPost(h ChannelPostHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelHandlers = append(m.channelHandlers, h)
}

func (m *MockPlatform) Disconnect() error { return nil }

// SimulateMessage fires every registered message handler, as if the user
// posted `content` in `threadID`.
func (m *MockPlatform) SimulateMessage(ctx context.Context, content, threadID string, user User) {
	m.mu.Lock()
	handlers := append([]MessageHandler{}, m.messageHandlers...)
	m.mu.Unlock()
	post := Post{ID: fmt.Sprintf("msg-%d", len(m.Calls)), Message: content, AuthorID: user.ID, ThreadID: threadID}
	for _, h := range handlers {
		h(ctx, post, user)
	}
}

// SimulateReaction fires every registered reaction handler for postID.
func (m *MockPlatform) SimulateReaction(ctx context.Context, postID, emoji string, user User, action ReactionAction) {
	m.mu.Lock()
	var handlers []ReactionHandler
	if action == ReactionAdded {
		handlers = append([]ReactionHandler{}, m.reactionHandlers...)
	} else {
		handlers = append([]ReactionHandler{}, m.removedHandlers...)
	}
	m.mu.Unlock()
	r := Reaction{PostID: postID, Emoji: NormalizeEmoji(emoji), User: user, Action: action}
	for _, h := range handlers {
		h(ctx, r)
	}
}

// PostContent returns the current content of a post, for test assertions.
func (m *MockPlatform) PostContent(postID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postID]
	if !ok {
		return "", false
	}
	return p.Message, true
}

// PostThread returns the threadID a post was created on, for test assertions.
func (m *MockPlatform) PostThread(postID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postID]
	if !ok {
		return "", false
	}
	return p.ThreadID, true
}

// CreateCallCount returns how many CreatePost/CreateInteractivePost calls were made.
func (m *MockPlatform) CreateCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if strings.HasPrefix(c, "create:") || strings.HasPrefix(c, "create_interactive:") {
			n++
		}
	}
	return n
}

// LivePostIDs returns the ids of posts that have not been deleted, sorted.
func (m *MockPlatform) LivePostIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.posts {
		if !m.Deleted[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// plainFormatter is a minimal Formatter for tests and for platforms with no
// special markup needs.
type plainFormatter struct{}

func (plainFormatter) FormatBold(t string) string          { return "**" + t + "**" }
func (plainFormatter) FormatItalic(t string) string         { return "_" + t + "_" }
func (plainFormatter) FormatCode(t string) string           { return "`" + t + "`" }
func (plainFormatter) FormatCodeBlock(t, lang string) string { return "```" + lang + "\n" + t + "\n```" }
func (plainFormatter) FormatLink(t, url string) string      { return "[" + t + "](" + url + ")" }
func (plainFormatter) FormatStrikethrough(t string) string  { return "~~" + t + "~~" }
func (plainFormatter) FormatUserMention(userID string) string { return "@" + userID }
func (plainFormatter) FormatHorizontalRule() string         { return "---" }
func (plainFormatter) FormatListItem(t string) string       { return "- " + t }
func (plainFormatter) FormatNumberedListItem(n int, t string) string {
	return strconv.Itoa(n) + ". " + t
}
func (plainFormatter) FormatHeading(level int, t string) string {
	return strings.Repeat("#", level) + " " + t
}
func (plainFormatter) EscapeText(t string) string { return t }
func (plainFormatter) FormatTable(headers []string, rows [][]string) string {
	var b strings.Builder
	b.WriteString("| " + strings.Join(headers, " | ") + " |\n")
	for _, row := range rows {
		b.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	return b.String()
}
func (plainFormatter) FormatKeyValueList(pairs [][2]string) string {
	var b strings.Builder
	for _, p := range pairs {
		b.WriteString(p[0] + ": " + p[1] + "\n")
	}
	return b.String()
}
