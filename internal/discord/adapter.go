// Package discord turns gateway events from one forum channel into ingest
// events.
package discord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/ekuinox/kgd/internal/diary"
	"github.com/ekuinox/kgd/internal/ingest"
	"github.com/ekuinox/kgd/internal/reconcile"
	"go.uber.org/zap"
)

var (
	errMissingToken   = errors.New("discord token is required")
	errMissingForum   = errors.New("discord forum channel id is required")
	errMissingHandler = errors.New("event handler is required")
)

// EventHandler receives normalized chat events.
type EventHandler interface {
	Handle(ctx context.Context, event ingest.Event) error
}

// Config describes the forum the adapter follows.
type Config struct {
	Token          string
	ForumChannelID string
	// Tag restricts syncing to threads carrying this forum tag, matched by
	// id or name. Empty follows every thread.
	Tag      string
	Location *time.Location
	Handler  EventHandler
	Logger   *zap.Logger
}

type threadInfo struct {
	title string
	date  string
}

// Adapter subscribes to the gateway and forwards forum thread activity.
type Adapter struct {
	session  *discordgo.Session
	forumID  string
	tag      string
	location *time.Location
	handler  EventHandler
	logger   *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	threads map[string]threadInfo
}

// New validates cfg, opens no connection, and registers gateway handlers.
func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errMissingToken
	}
	adapter, err := newAdapter(cfg)
	if err != nil {
		return nil, err
	}
	session, err := discordgo.New("Bot " + strings.TrimSpace(cfg.Token))
	if err != nil {
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent
	session.AddHandler(adapter.onThreadCreate)
	session.AddHandler(adapter.onThreadUpdate)
	session.AddHandler(adapter.onThreadDelete)
	session.AddHandler(adapter.onMessageCreate)
	session.AddHandler(adapter.onMessageUpdate)
	session.AddHandler(adapter.onMessageDelete)
	adapter.session = session
	return adapter, nil
}

func newAdapter(cfg Config) (*Adapter, error) {
	forumID := strings.TrimSpace(cfg.ForumChannelID)
	if forumID == "" {
		return nil, errMissingForum
	}
	if cfg.Handler == nil {
		return nil, errMissingHandler
	}
	location := cfg.Location
	if location == nil {
		location = time.Local
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		forumID:  forumID,
		tag:      strings.TrimSpace(cfg.Tag),
		location: location,
		handler:  cfg.Handler,
		logger:   logger,
		ctx:      context.Background(),
		threads:  make(map[string]threadInfo),
	}, nil
}

// Run connects to the gateway and blocks until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()

	if err := a.session.Open(); err != nil {
		return err
	}
	a.logger.Info("discord gateway connected", zap.String("forum_channel_id", a.forumID))
	<-ctx.Done()
	if err := a.session.Close(); err != nil {
		a.logger.Warn("discord gateway close failed", zap.Error(err))
	}
	return nil
}

func (a *Adapter) onThreadCreate(s *discordgo.Session, event *discordgo.ThreadCreate) {
	if event.Channel == nil {
		return
	}
	a.trackThread(s, event.Channel)
}

func (a *Adapter) onThreadUpdate(s *discordgo.Session, event *discordgo.ThreadUpdate) {
	channel := event.Channel
	if channel == nil || channel.ParentID != a.forumID {
		return
	}
	if channel.ThreadMetadata != nil && channel.ThreadMetadata.Archived {
		a.closeThread(channel.ID)
		return
	}
	if _, tracked := a.thread(channel.ID); !tracked {
		a.trackThread(s, channel)
	}
}

func (a *Adapter) onThreadDelete(_ *discordgo.Session, event *discordgo.ThreadDelete) {
	if event.Channel == nil {
		return
	}
	a.closeThread(event.Channel.ID)
}

func (a *Adapter) onMessageCreate(s *discordgo.Session, event *discordgo.MessageCreate) {
	a.forwardMessage(s, ingest.EventMessageCreated, event.Message)
}

func (a *Adapter) onMessageUpdate(s *discordgo.Session, event *discordgo.MessageUpdate) {
	// Embed resolution arrives as an update without an edit timestamp.
	if event.Message == nil || event.Message.EditedTimestamp == nil {
		return
	}
	a.forwardMessage(s, ingest.EventMessageEdited, event.Message)
}

func (a *Adapter) onMessageDelete(s *discordgo.Session, event *discordgo.MessageDelete) {
	if event.Message == nil {
		return
	}
	info, ok := a.resolveThread(s, event.ChannelID)
	if !ok {
		return
	}
	a.dispatch(ingest.Event{
		Kind:        ingest.EventMessageDeleted,
		ThreadID:    event.ChannelID,
		ThreadTitle: info.title,
		Date:        info.date,
		MessageID:   event.ID,
	})
}

func (a *Adapter) forwardMessage(s *discordgo.Session, kind ingest.EventKind, message *discordgo.Message) {
	if message == nil {
		return
	}
	if message.Author != nil && message.Author.Bot {
		return
	}
	if message.Type != discordgo.MessageTypeDefault && message.Type != discordgo.MessageTypeReply {
		return
	}
	info, ok := a.resolveThread(s, message.ChannelID)
	if !ok {
		return
	}
	a.dispatch(ingest.Event{
		Kind:        kind,
		ThreadID:    message.ChannelID,
		ThreadTitle: info.title,
		Date:        info.date,
		MessageID:   message.ID,
		Text:        message.Content,
		Attachments: convertAttachments(message.Attachments),
	})
}

func (a *Adapter) trackThread(s *discordgo.Session, channel *discordgo.Channel) {
	if channel.ParentID != a.forumID || !a.tagMatches(s, channel) {
		return
	}
	info := threadInfo{title: channel.Name, date: a.threadDate(channel.ID)}
	a.mu.Lock()
	a.threads[channel.ID] = info
	a.mu.Unlock()

	a.dispatch(ingest.Event{
		Kind:        ingest.EventThreadCreated,
		ThreadID:    channel.ID,
		ThreadTitle: info.title,
		Date:        info.date,
	})
}

func (a *Adapter) closeThread(threadID string) {
	a.mu.Lock()
	_, tracked := a.threads[threadID]
	delete(a.threads, threadID)
	a.mu.Unlock()
	if !tracked {
		return
	}
	a.dispatch(ingest.Event{Kind: ingest.EventThreadClosed, ThreadID: threadID})
}

func (a *Adapter) thread(threadID string) (threadInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	info, ok := a.threads[threadID]
	return info, ok
}

// resolveThread reports whether channelID is a followed thread, consulting
// the gateway state cache for threads created before the process started.
func (a *Adapter) resolveThread(s *discordgo.Session, channelID string) (threadInfo, bool) {
	if info, ok := a.thread(channelID); ok {
		return info, true
	}
	if s == nil || s.State == nil {
		return threadInfo{}, false
	}
	channel, err := s.State.Channel(channelID)
	if err != nil {
		channel, err = s.Channel(channelID)
		if err != nil {
			return threadInfo{}, false
		}
	}
	if !channel.IsThread() || channel.ParentID != a.forumID || !a.tagMatches(s, channel) {
		return threadInfo{}, false
	}
	info := threadInfo{title: channel.Name, date: a.threadDate(channel.ID)}
	a.mu.Lock()
	a.threads[channel.ID] = info
	a.mu.Unlock()
	return info, true
}

func (a *Adapter) tagMatches(s *discordgo.Session, channel *discordgo.Channel) bool {
	if a.tag == "" {
		return true
	}
	for _, applied := range channel.AppliedTags {
		if applied == a.tag {
			return true
		}
	}
	if s == nil || s.State == nil {
		return false
	}
	forum, err := s.State.Channel(channel.ParentID)
	if err != nil {
		return false
	}
	for _, available := range forum.AvailableTags {
		if !strings.EqualFold(available.Name, a.tag) {
			continue
		}
		for _, applied := range channel.AppliedTags {
			if applied == available.ID {
				return true
			}
		}
	}
	return false
}

// threadDate is the creation day of the thread in the configured zone,
// read from its snowflake id.
func (a *Adapter) threadDate(threadID string) string {
	created, err := discordgo.SnowflakeTimestamp(threadID)
	if err != nil {
		created = time.Now()
	}
	return diary.FormatDate(created.In(a.location))
}

func (a *Adapter) dispatch(event ingest.Event) {
	a.mu.Lock()
	ctx := a.ctx
	a.mu.Unlock()
	if err := a.handler.Handle(ctx, event); err != nil {
		a.logger.Warn("discord event rejected",
			zap.String("kind", string(event.Kind)),
			zap.String("thread_id", event.ThreadID),
			zap.String("message_id", event.MessageID),
			zap.Error(err))
	}
}

func convertAttachments(attachments []*discordgo.MessageAttachment) []reconcile.Attachment {
	if len(attachments) == 0 {
		return nil
	}
	converted := make([]reconcile.Attachment, 0, len(attachments))
	for _, attachment := range attachments {
		if attachment == nil {
			continue
		}
		converted = append(converted, reconcile.Attachment{
			ID:          attachment.ID,
			Filename:    attachment.Filename,
			URL:         attachment.URL,
			ContentType: attachment.ContentType,
			Size:        int64(attachment.Size),
		})
	}
	return converted
}
