package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/tma-bot/internal/chat"
	"github.com/xaenox/tma-bot/internal/dispatch"
	"github.com/xaenox/tma-bot/internal/models"
	"github.com/xaenox/tma-bot/internal/session"
	"github.com/xaenox/tma-bot/internal/storage"
	"go.uber.org/zap"
)

// Sender is the part of the Telegram API the bot writes through.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Bot struct {
	api      *tgbotapi.BotAPI
	sender   Sender
	storage  storage.Storage
	chat     *chat.Service
	contexts *session.Manager
	logger   *zap.Logger
}

func New(token string, debug bool, storage storage.Storage, chat *chat.Service, contexts *session.Manager, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	api.Debug = debug

	b := newBot(api, storage, chat, contexts, logger)
	b.api = api
	return b, nil
}

func newBot(sender Sender, storage storage.Storage, chat *chat.Service, contexts *session.Manager, logger *zap.Logger) *Bot {
	return &Bot{
		sender:   sender,
		storage:  storage,
		chat:     chat,
		contexts: contexts,
		logger:   logger,
	}
}

// Start polls for updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Bot started", zap.String("username", b.api.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			go b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.From == nil {
		return
	}

	// Handle commands
	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	content := message.Text
	if message.Caption != "" {
		content = message.Caption
	}
	if strings.TrimSpace(content) == "" {
		b.sendMessage(message.Chat.ID, "I can only read text for now. Send me a question about your track or video.")
		return
	}

	b.runTurn(ctx, message, content, "")
}

func (b *Bot) runTurn(ctx context.Context, message *tgbotapi.Message, content string, intent models.MessageType) {
	res, err := b.chat.Send(ctx, chat.Request{
		UserID:   message.From.ID,
		UserName: message.From.FirstName,
		Content:  content,
		Intent:   intent,
	})
	switch {
	case errors.Is(err, chat.ErrProfileUnavailable):
		b.sendErrorMessage(message.Chat.ID, "I couldn't load your profile. Send /start to refresh and try again.")
		return
	case errors.Is(err, chat.ErrBusy):
		b.sendMessage(message.Chat.ID, "Still working on your last message, hang on.")
		return
	case err != nil:
		b.logger.Error("Failed to run chat turn",
			zap.Error(err),
			zap.Int64("user_id", message.From.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, something went wrong. Please try again.")
		return
	}

	if res.Reply == nil {
		b.sendErrorMessage(message.Chat.ID, res.Notice)
		return
	}
	b.sendInstruction(message.Chat.ID, message.MessageID, *res.Reply)
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(ctx, message)
	case "help":
		b.handleHelp(message)
	case "new":
		b.handleNew(ctx, message)
	case "sessions":
		b.handleSessions(ctx, message)
	case "switch":
		b.handleSwitch(ctx, message)
	case "link":
		b.handleLink(ctx, message)
	case "unlink":
		b.handleUnlink(ctx, message)
	case "history":
		b.handleHistory(ctx, message)
	case "chords":
		b.handleStructured(ctx, message, models.TypeChords)
	case "hooks":
		b.handleStructured(ctx, message, models.TypeHooks)
	case "script":
		b.handleStructured(ctx, message, models.TypeScript)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStart(ctx context.Context, message *tgbotapi.Message) {
	user, ok := b.loadUser(ctx, message)
	if !ok {
		return
	}
	if user.DisplayName != message.From.FirstName {
		user.DisplayName = message.From.FirstName
		if err := b.storage.UpdateUser(ctx, user); err != nil {
			b.logger.Warn("Failed to update user profile",
				zap.Error(err),
				zap.Int64("user_id", user.ID))
		}
	}
	if _, err := b.chat.ActiveSession(ctx, user); err != nil {
		b.logger.Error("Failed to prepare session",
			zap.Error(err),
			zap.Int64("user_id", user.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't start a session. Please try again.")
		return
	}

	welcome := `Welcome to TMA OS! 🎛
I'm your creative assistant for mixes, chords, hooks and video scripts.

Just send me a question. Link an analysis with /link analysis <id> to get feedback grounded in your track.
Use /help to see all available commands.`

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/start - Start the bot
/help - Show this help message
/new [name] - Start a new chat session
/sessions - List your sessions
/switch <id> - Switch to another session
/link analysis <id> - Ground the chat in an audio analysis
/link comparison <id> - Ground the chat in a mix comparison
/unlink - Remove linked context
/history - Show recent messages
/chords <idea> - Generate a chord progression
/hooks <topic> - Generate hooks
/script <topic> - Generate a video script`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleNew(ctx context.Context, message *tgbotapi.Message) {
	user, ok := b.loadUser(ctx, message)
	if !ok {
		return
	}
	sess, err := b.chat.NewSession(ctx, user, strings.TrimSpace(message.CommandArguments()))
	if err != nil {
		b.logger.Error("Failed to create session",
			zap.Error(err),
			zap.Int64("user_id", user.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't create a new session.")
		return
	}
	b.sendMessage(message.Chat.ID, fmt.Sprintf("Started %q. Session id: %s", sess.Name, sess.ID))
}

func (b *Bot) handleSessions(ctx context.Context, message *tgbotapi.Message) {
	user, ok := b.loadUser(ctx, message)
	if !ok {
		return
	}
	sessions, err := b.storage.ListSessions(ctx, user.ID, 10)
	if err != nil {
		b.logger.Error("Failed to list sessions",
			zap.Error(err),
			zap.Int64("user_id", user.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't retrieve your sessions.")
		return
	}
	if len(sessions) == 0 {
		b.sendMessage(message.Chat.ID, "You don't have any sessions yet.")
		return
	}

	b.sendText(message.Chat.ID, 0, formatSessions(sessions, user.ActiveSessionID), true)
}

func (b *Bot) handleSwitch(ctx context.Context, message *tgbotapi.Message) {
	id := strings.TrimSpace(message.CommandArguments())
	if id == "" {
		b.sendMessage(message.Chat.ID, "Usage: /switch <session id>")
		return
	}
	user, ok := b.loadUser(ctx, message)
	if !ok {
		return
	}
	sess, err := b.chat.SwitchSession(ctx, user, id)
	if errors.Is(err, storage.ErrNotFound) {
		b.sendMessage(message.Chat.ID, "No session with that id.")
		return
	}
	if err != nil {
		b.logger.Error("Failed to switch session",
			zap.Error(err),
			zap.String("session_id", id))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't switch sessions.")
		return
	}
	b.sendMessage(message.Chat.ID, fmt.Sprintf("Switched to %q.", sess.Name))
}

func (b *Bot) handleLink(ctx context.Context, message *tgbotapi.Message) {
	args := strings.Fields(message.CommandArguments())
	if len(args) != 2 {
		b.sendMessage(message.Chat.ID, "Usage: /link analysis <id> or /link comparison <id>")
		return
	}
	kind, err := session.ParseKind(args[0])
	if err != nil {
		b.sendMessage(message.Chat.ID, "Usage: /link analysis <id> or /link comparison <id>")
		return
	}

	sess, ok := b.activeSession(ctx, message)
	if !ok {
		return
	}

	// Make sure the record exists before linking it.
	switch kind {
	case session.KindAnalysis:
		_, err = b.storage.GetAnalysis(ctx, args[1])
	case session.KindComparison:
		_, err = b.storage.GetComparison(ctx, args[1])
	}
	if errors.Is(err, storage.ErrNotFound) {
		b.sendMessage(message.Chat.ID, fmt.Sprintf("No %s with id %s.", kind, args[1]))
		return
	}
	if err != nil {
		b.logger.Warn("Failed to verify linked record",
			zap.Error(err),
			zap.String("kind", string(kind)),
			zap.String("id", args[1]))
	}

	if err := b.contexts.AttachContext(ctx, sess, kind, args[1]); err != nil {
		b.logger.Error("Failed to link context",
			zap.Error(err),
			zap.String("session_id", sess.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't link that record.")
		return
	}
	b.sendMessage(message.Chat.ID, fmt.Sprintf("Linked %s %s to this session.", kind, args[1]))
}

func (b *Bot) handleUnlink(ctx context.Context, message *tgbotapi.Message) {
	sess, ok := b.activeSession(ctx, message)
	if !ok {
		return
	}
	if err := b.contexts.DetachContext(ctx, sess); err != nil {
		b.logger.Error("Failed to unlink context",
			zap.Error(err),
			zap.String("session_id", sess.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't unlink the context.")
		return
	}
	b.sendMessage(message.Chat.ID, "Linked context removed.")
}

func (b *Bot) handleHistory(ctx context.Context, message *tgbotapi.Message) {
	sess, ok := b.activeSession(ctx, message)
	if !ok {
		return
	}
	instructions, err := b.chat.History(ctx, sess.ID, 6)
	if err != nil {
		b.logger.Error("Failed to get session messages",
			zap.Error(err),
			zap.String("session_id", sess.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't retrieve your message history.")
		return
	}
	if len(instructions) == 0 {
		b.sendMessage(message.Chat.ID, "You don't have any messages yet.")
		return
	}
	for _, inst := range instructions {
		b.sendInstruction(message.Chat.ID, 0, inst)
	}
}

func (b *Bot) handleStructured(ctx context.Context, message *tgbotapi.Message, intent models.MessageType) {
	args := strings.TrimSpace(message.CommandArguments())
	if args == "" {
		b.sendMessage(message.Chat.ID, fmt.Sprintf("Tell me what you need, e.g. /%s dreamy lo-fi in D minor", message.Command()))
		return
	}
	b.runTurn(ctx, message, args, intent)
}

func (b *Bot) loadUser(ctx context.Context, message *tgbotapi.Message) (*models.User, bool) {
	user, err := b.storage.GetUser(ctx, message.From.ID)
	if err != nil {
		b.logger.Error("Failed to load user profile",
			zap.Error(err),
			zap.Int64("user_id", message.From.ID))
		b.sendErrorMessage(message.Chat.ID, "I couldn't load your profile. Send /start to refresh and try again.")
		return nil, false
	}
	return user, true
}

func (b *Bot) activeSession(ctx context.Context, message *tgbotapi.Message) (*models.Session, bool) {
	user, ok := b.loadUser(ctx, message)
	if !ok {
		return nil, false
	}
	sess, err := b.chat.ActiveSession(ctx, user)
	if err != nil {
		b.logger.Error("Failed to load active session",
			zap.Error(err),
			zap.Int64("user_id", user.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't load your session.")
		return nil, false
	}
	return sess, true
}

func (b *Bot) sendInstruction(chatID int64, replyToID int, inst dispatch.Instruction) {
	text, markdown := formatInstruction(inst)
	if text == "" {
		return
	}
	b.sendText(chatID, replyToID, text, markdown)
}

// sendText splits text to fit Telegram's limit. A chunk rejected as
// MarkdownV2 is retried as plain text; if that fails too the user gets
// a notice instead of silence.
func (b *Bot) sendText(chatID int64, replyToID int, text string, markdown bool) {
	for i, chunk := range splitMessage(text, maxMessageLen) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if markdown {
			msg.ParseMode = tgbotapi.ModeMarkdownV2
		}
		if i == 0 {
			msg.ReplyToMessageID = replyToID
		}
		err := b.send(msg)
		if err != nil && markdown {
			msg.Text = markdownToPlain(chunk)
			msg.ParseMode = ""
			err = b.send(msg)
		}
		if err != nil {
			b.sendErrorMessage(chatID, "Sorry, I couldn't deliver the reply. Please try again.")
			return
		}
	}
}

func (b *Bot) sendMessage(chatID int64, text string) {
	b.sendText(chatID, 0, text, false)
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	b.send(tgbotapi.NewMessage(chatID, "⚠️ "+text))
}

func (b *Bot) send(msg tgbotapi.MessageConfig) error {
	if _, err := b.sender.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", msg.ChatID),
			zap.String("parse_mode", msg.ParseMode))
		return err
	}
	return nil
}
