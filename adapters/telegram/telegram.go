// Package telegram adapts the Telegram Bot API, via go-telegram/bot, into
// the corewire.Monitor's Submit/Subscribe surface, so the Conversation
// Monitor can run against a real messenger surface the same way it runs
// against the browser or bus adapters.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/nevindra/corewire"
)

// agentID is the fixed agent every Telegram chat is routed to. A Telegram
// chat has no notion of multiple agents, so every conversation key for this
// adapter shares one agent ID and uses the chat ID as both chat and thread.
const agentID = "telegram"

// Adapter wraps a Telegram bot token and feeds chats into a Monitor via Run.
type Adapter struct {
	bot      *tgbot.Bot
	token    string
	client   *http.Client
	incoming chan corewire.IncomingMessage
}

// New creates an Adapter. Call Poll before relying on incoming messages —
// it starts the underlying bot's long-poll loop.
func New(token string) (*Adapter, error) {
	a := &Adapter{
		token:    token,
		client:   http.DefaultClient,
		incoming: make(chan corewire.IncomingMessage, 64),
	}

	b, err := tgbot.New(token, tgbot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	a.bot = b
	return a, nil
}

func (a *Adapter) handleUpdate(ctx context.Context, b *tgbot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	msg := update.Message
	im := corewire.IncomingMessage{
		ID:      strconv.FormatInt(int64(msg.ID), 10),
		ChatID:  strconv.FormatInt(msg.Chat.ID, 10),
		Text:    msg.Text,
		Caption: msg.Caption,
	}
	if msg.From != nil {
		im.UserID = strconv.FormatInt(msg.From.ID, 10)
	}
	if msg.ReplyToMessage != nil {
		im.ReplyToMsgID = strconv.FormatInt(int64(msg.ReplyToMessage.ID), 10)
	}
	if msg.Document != nil {
		im.Document = &corewire.FileInfo{
			FileID:   msg.Document.FileID,
			FileName: msg.Document.FileName,
			MimeType: msg.Document.MimeType,
			FileSize: msg.Document.FileSize,
		}
	}
	select {
	case a.incoming <- im:
	case <-ctx.Done():
	}
}

// Poll starts the bot's long-poll loop in the background and returns the
// channel of incoming messages. Blocks only long enough to start the loop;
// the channel closes when ctx is cancelled.
func (a *Adapter) Poll(ctx context.Context) (<-chan corewire.IncomingMessage, error) {
	go func() {
		a.bot.Start(ctx)
		close(a.incoming)
	}()
	return a.incoming, nil
}

// Send posts a new message and returns its Telegram message ID.
func (a *Adapter) Send(ctx context.Context, chatID, text string) (string, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", err
	}
	msg, err := a.bot.SendMessage(ctx, &tgbot.SendMessageParams{ChatID: id, Text: text})
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(int64(msg.ID), 10), nil
}

// Edit replaces an existing message's plain text.
func (a *Adapter) Edit(ctx context.Context, chatID, msgID, text string) error {
	chat, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return err
	}
	mid, err := strconv.ParseInt(msgID, 10, 64)
	if err != nil {
		return err
	}
	_, err = a.bot.EditMessageText(ctx, &tgbot.EditMessageTextParams{ChatID: chat, MessageID: int(mid), Text: text})
	return err
}

// EditFormatted replaces an existing message's text, rendering it as
// Telegram-flavored Markdown.
func (a *Adapter) EditFormatted(ctx context.Context, chatID, msgID, text string) error {
	chat, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return err
	}
	mid, err := strconv.ParseInt(msgID, 10, 64)
	if err != nil {
		return err
	}
	parseMode := models.ParseModeMarkdown
	_, err = a.bot.EditMessageText(ctx, &tgbot.EditMessageTextParams{
		ChatID: chat, MessageID: int(mid), Text: text, ParseMode: parseMode,
	})
	return err
}

// SendTyping shows a typing indicator in chatID.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	chat, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return err
	}
	_, err = a.bot.SendChatAction(ctx, &tgbot.SendChatActionParams{ChatID: chat, Action: models.ChatActionTyping})
	return err
}

// DownloadFile resolves a Telegram file ID to its bytes and original name.
func (a *Adapter) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	file, err := a.bot.GetFile(ctx, &tgbot.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, "", err
	}
	url := a.bot.FileDownloadLink(file)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), file.FilePath, nil
}

// Run polls Telegram for incoming messages and feeds each one to monitor as
// a Prompt keyed by chat ID, then sends the run's accumulated text back as a
// single Telegram message once the run ends. It blocks until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context, monitor *corewire.Monitor) error {
	incoming, err := a.Poll(ctx)
	if err != nil {
		return err
	}
	for im := range incoming {
		go a.handleIncoming(ctx, monitor, im)
	}
	return ctx.Err()
}

func (a *Adapter) handleIncoming(ctx context.Context, monitor *corewire.Monitor, im corewire.IncomingMessage) {
	key := corewire.ConversationKey{ChatID: im.ChatID, ThreadID: im.ChatID, AgentID: agentID}
	sess := monitor.SessionFor(key)
	monitor.Submit(ctx, corewire.Prompt{Key: key, Text: im.Text, SenderID: im.UserID})

	if !a.awaitRunStart(ctx, sess) {
		return
	}

	a.SendTyping(ctx, im.ChatID)
	var reply string
	for u := range sess.Subscribe(ctx) {
		switch u.Kind {
		case corewire.UpdateTextDelta:
			reply += u.Text
		case corewire.UpdateError:
			reply = "error: " + u.Err
		}
	}
	if reply == "" {
		return
	}
	if _, err := a.Send(ctx, im.ChatID, reply); err != nil {
		slog.Default().Error("telegram: send reply", "chat_id", im.ChatID, "error", err)
	}
}

// awaitRunStart blocks until sess leaves RunIdle or ctx ends, mirroring the
// message bus adapter's race-avoidance before subscribing.
func (a *Adapter) awaitRunStart(ctx context.Context, sess *corewire.Session) bool {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if state, _ := sess.GetStreamState(); state != corewire.RunIdle {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
