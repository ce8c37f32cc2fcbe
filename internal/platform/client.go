// Package platform defines the abstract contract the core consumes from a
// chat-platform SDK adapter (Mattermost, Slack, ...). Adapter internals are
// out of scope (spec.md §1); this package only carries the contract (§6.1)
// plus the emoji-normalization table and a MockPlatform test double.
package platform

import "context"

// Post is a platform artifact returned by create/update calls.
type Post struct {
	ID       string
	Message  string
	AuthorID string
	ThreadID string
}

// MessageLimits describes the platform's size constraints for a single post.
type MessageLimits struct {
	MaxLength     int
	HardThreshold int
}

// User identifies a platform user.
type User struct {
	ID          string
	Username    string
	DisplayName string
}

// ReactionAction distinguishes an added reaction from a removed one.
type ReactionAction int

const (
	ReactionAdded ReactionAction = iota
	ReactionRemoved
)

// Reaction is a normalized reaction event (spec.md §3 "Reaction event").
type Reaction struct {
	PostID string
	Emoji  string // already normalized via NormalizeEmoji
	User   User
	Action ReactionAction
}

// Formatter renders platform-specific markup for otherwise-neutral content.
// spec.md §6.1.
type Formatter interface {
	FormatBold(text string) string
	FormatItalic(text string) string
	FormatCode(text string) string
	FormatCodeBlock(text, lang string) string
	FormatLink(text, url string) string
	FormatStrikethrough(text string) string
	FormatUserMention(userID string) string
	FormatHorizontalRule() string
	FormatListItem(text string) string
	FormatNumberedListItem(n int, text string) string
	FormatHeading(level int, text string) string
	EscapeText(text string) string
	FormatTable(headers []string, rows [][]string) string
	FormatKeyValueList(pairs [][2]string) string
}

// MessageHandler is invoked when a user posts a message in a thread the core cares about.
type MessageHandler func(ctx context.Context, post Post, user User)

// ReactionHandler is invoked for reaction and reaction_removed events.
type ReactionHandler func(ctx context.Context, reaction Reaction)

// ChannelPostHandler is invoked for channel-level posts not tied to an existing thread.
type ChannelPostHandler func(ctx context.Context, post Post)

// Client is the abstract PlatformClient contract (spec.md §6.1). A concrete
// adapter (Mattermost, Slack, ...) implements this; the core only ever
// depends on this interface.
type Client interface {
	ID() string // platformId

	CreatePost(ctx context.Context, content, threadID string) (Post, error)
	UpdatePost(ctx context.Context, postID, content string) (Post, error)
	DeletePost(ctx context.Context, postID string) error
	CreateInteractivePost(ctx context.Context, content string, reactions []string, threadID string) (Post, error)

	PinPost(ctx context.Context, postID string) error
	UnpinPost(ctx context.Context, postID string) error

	AddReaction(ctx context.Context, postID, emoji string) error
	RemoveReaction(ctx context.Context, postID, emoji string) error

	GetFormatter() Formatter
	GetMessageLimits() MessageLimits

	IsBotMentioned(text string) bool
	ExtractPrompt(text string) string
	IsUserAllowed(username string) bool
	GetBotName() string
	GetBotUser() User

	OnMessage(handler MessageHandler)
	OnReaction(handler ReactionHandler)
	OnReactionRemoved(handler ReactionHandler)
	OnChannelPost(handler ChannelPostHandler)

	Disconnect() error
}
