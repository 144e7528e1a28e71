// Package relay turns inbound chat messages into provider requests and sends
// the answers back.
package relay

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	cmdpkg "github.com/stupiduntilnot/chatrelay/internal/commander"
	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/provider"
	"github.com/stupiduntilnot/chatrelay/internal/ratelimit"
	"github.com/stupiduntilnot/chatrelay/internal/safety"
)

// Fixed replies.
const (
	ResetDoneReply        = "✅ Conversation history cleared!"
	ResetEmptyReply       = "No conversation history to clear."
	SlashResetDoneReply   = "✅ Your conversation history has been cleared!"
	SlashResetEmptyReply  = "ℹ️ No conversation history to clear."
	EmptyQuestionReply    = "Please provide a question or message."
	ProviderErrorPrefix   = "❌ Error: "
	DefaultPrefix         = "!"
	defaultAskUsageSuffix = "ask <question>`"
)

// Router is the provider selection the handler relies on.
type Router interface {
	SendMessage(ctx context.Context, messages []ctxpkg.Message) provider.Result
	ActiveProvider() (string, bool)
	AvailableProviders() []string
}

// Limiter gates requests per user and per group chat.
type Limiter interface {
	CheckUserCooldown(userID string) ratelimit.CooldownResult
	CheckServerLimit(scopeID string) ratelimit.ScopeResult
}

// Filter screens message text.
type Filter interface {
	Check(text string) safety.Verdict
}

// Config holds the behaviour switches of a Handler.
type Config struct {
	Prefix         string
	ContextEnabled bool
	ContextLimit   int
	SystemPrompt   string
	BotUsername    string
}

// Deps are the collaborators of a Handler. DB may be nil, which disables the
// event log.
type Deps struct {
	Commander cmdpkg.Commander
	Router    Router
	Limiter   Limiter
	Filter    Filter
	History   ctxpkg.History
	Assembler ctxpkg.Assembler
	DB        *sql.DB
	ParentID  *int64
	Logger    *slog.Logger
	NewID     func() string
}

// Handler processes one update at a time and is safe for concurrent use.
type Handler struct {
	cfg  Config
	deps Deps
}

func New(cfg Config, deps Deps) *Handler {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Assembler == nil {
		deps.Assembler = &ctxpkg.StandardAssembler{}
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	return &Handler{cfg: cfg, deps: deps}
}

// request carries the per-message state through Handle.
type request struct {
	id      string
	msg     *cmdpkg.Message
	userID  string
	scopeID string
	trigger trigger
	eventID *int64
	logger  *slog.Logger
}

// Handle processes an update. Messages that do not address the bot are
// ignored. The returned error reports a reply that could not be delivered.
func (h *Handler) Handle(ctx context.Context, u cmdpkg.Update) error {
	msg := u.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return nil
	}
	text := cmdpkg.TextOf(msg)
	if strings.TrimSpace(text) == "" {
		return nil
	}

	req := &request{
		id:      h.deps.NewID(),
		msg:     msg,
		userID:  strconv.FormatInt(msg.From.ID, 10),
		scopeID: strconv.FormatInt(msg.Chat.ID, 10),
	}

	slash, args, isSlash := slashCommand(text, h.cfg.BotUsername)
	switch {
	case isSlash && isKnownSlash(slash):
		req.trigger = triggerSlash
	case strings.HasPrefix(text, h.cfg.Prefix):
		req.trigger = triggerPrefix
	case cmdpkg.Mentions(msg, h.cfg.BotUsername):
		req.trigger = triggerMention
	case msg.Chat.IsPrivate():
		req.trigger = triggerDirect
	default:
		return nil
	}

	req.logger = h.deps.Logger.With("request_id", req.id, "user", msg.From.Tag(), "chat_id", msg.Chat.ID)
	req.eventID = h.logEvent(req, h.deps.ParentID, db.EventRelayReceived, map[string]any{
		"trigger": string(req.trigger),
		"chat":    msg.Chat.Type,
		"text":    preview(text),
	})
	req.logger.Debug("relay received", "trigger", req.trigger)

	if req.trigger == triggerSlash {
		switch slash {
		case "reset":
			return h.reset(ctx, req, SlashResetDoneReply, SlashResetEmptyReply)
		case "help", "start":
			return h.help(ctx, req)
		}
		if args == "" {
			return h.reply(ctx, req, "Please provide a question. Usage: `/"+defaultAskUsageSuffix)
		}
		return h.relay(ctx, req, args, args)
	}
	return h.relay(ctx, req, text, "")
}

func isKnownSlash(name string) bool {
	switch name {
	case "ask", "reset", "help", "start":
		return true
	}
	return false
}

// relay runs the gated path: safety, cooldown, scope limit, command dispatch,
// provider call. question is preset for slash /ask.
func (h *Handler) relay(ctx context.Context, req *request, text, question string) error {
	if h.deps.Filter != nil {
		if v := h.deps.Filter.Check(text); !v.Safe {
			h.logEvent(req, req.eventID, db.EventRelayBlocked, map[string]any{"word": v.Word})
			return h.reply(ctx, req, v.Reason)
		}
	}

	slash := req.trigger == triggerSlash
	if h.deps.Limiter != nil {
		if cd := h.deps.Limiter.CheckUserCooldown(req.userID); cd.OnCooldown {
			h.logEvent(req, req.eventID, db.EventRelayThrottled, map[string]any{
				"kind":      "cooldown",
				"remaining": cd.RemainingSeconds,
			})
			what := "using the bot again"
			if slash {
				what = "asking again"
			}
			return h.reply(ctx, req, fmt.Sprintf("⏱️ Please wait %ss before %s.", formatSeconds(cd.RemainingSeconds), what))
		}
		if !req.msg.Chat.IsPrivate() {
			if sl := h.deps.Limiter.CheckServerLimit(req.scopeID); sl.Limited {
				h.logEvent(req, req.eventID, db.EventRelayThrottled, map[string]any{
					"kind":     "scope",
					"reset_in": sl.ResetIn,
					"limit":    sl.Limit,
				})
				unit := "messages"
				if slash {
					unit = "requests"
				}
				return h.reply(ctx, req, fmt.Sprintf("⚠️ Chat rate limit reached (%d %s/min). Try again in %ss.",
					sl.Limit, unit, formatSeconds(sl.ResetIn)))
			}
		}
	}

	switch req.trigger {
	case triggerPrefix:
		name, args := prefixCommand(text, h.cfg.Prefix)
		switch name {
		case "reset":
			return h.reset(ctx, req, ResetDoneReply, ResetEmptyReply)
		case "help":
			return h.help(ctx, req)
		case "ask":
			if args == "" {
				return h.reply(ctx, req, "Please provide a question. Usage: `"+h.cfg.Prefix+defaultAskUsageSuffix)
			}
			question = args
		default:
			question = text
		}
	case triggerMention:
		question = stripMention(text, h.cfg.BotUsername)
	case triggerDirect:
		question = text
	}

	question = strings.TrimSpace(question)
	if question == "" {
		return h.reply(ctx, req, EmptyQuestionReply)
	}
	return h.answer(ctx, req, question)
}

func (h *Handler) answer(ctx context.Context, req *request, question string) error {
	if err := h.deps.Commander.SendChatAction(ctx, req.msg.Chat.ID, cmdpkg.ActionTyping); err != nil {
		req.logger.Warn("typing indicator failed", "err", err)
	}

	var messages []ctxpkg.Message
	if h.cfg.ContextEnabled && h.deps.History != nil {
		h.deps.History.AddMessage(req.userID, ctxpkg.RoleUser, question)
		messages = h.deps.Assembler.Assemble(h.cfg.SystemPrompt, h.deps.History.GetFormattedContext(req.userID), "")
	} else {
		messages = h.deps.Assembler.Assemble(h.cfg.SystemPrompt, nil, question)
	}

	res := h.deps.Router.SendMessage(ctx, messages)
	if !res.Success {
		req.logger.Error("provider request failed", "provider", res.Provider, "status", res.Status, "err", res.Error)
		h.logEvent(req, req.eventID, db.EventProviderFailed, map[string]any{
			"provider": res.Provider,
			"status":   res.Status,
			"error":    preview(res.Error),
		})
		return h.reply(ctx, req, ProviderErrorPrefix+res.Error)
	}

	payload := map[string]any{
		"provider":       res.Provider,
		"model":          res.Model,
		"content_length": len([]rune(res.Content)),
		"messages":       len(messages),
	}
	if res.Usage != nil {
		payload["prompt_tokens"] = res.Usage.PromptTokens
		payload["completion_tokens"] = res.Usage.CompletionTokens
		payload["total_tokens"] = res.Usage.TotalTokens
	}
	h.logEvent(req, req.eventID, db.EventProviderCompleted, payload)

	if h.cfg.ContextEnabled && h.deps.History != nil {
		h.deps.History.AddMessage(req.userID, ctxpkg.RoleAssistant, res.Content)
	}

	chunks := SplitMessage(res.Content)
	for i, chunk := range chunks {
		if err := h.deps.Commander.SendMessage(ctx, req.msg.Chat.ID, req.msg.MessageID, chunk); err != nil {
			h.logEvent(req, req.eventID, db.EventReplyFailed, map[string]any{
				"chunk": i,
				"error": preview(err.Error()),
			})
			return fmt.Errorf("send reply chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	h.logEvent(req, req.eventID, db.EventReplySent, map[string]any{"chunks": len(chunks)})
	req.logger.Info("message processed", "provider", res.Provider, "model", res.Model, "content_length", len(res.Content))
	return nil
}

func (h *Handler) reset(ctx context.Context, req *request, done, empty string) error {
	cleared := false
	if h.deps.History != nil {
		cleared = h.deps.History.ResetContext(req.userID)
	}
	h.logEvent(req, req.eventID, db.EventCommandExecuted, map[string]any{"command": "reset", "cleared": cleared})
	if cleared {
		return h.reply(ctx, req, done)
	}
	return h.reply(ctx, req, empty)
}

func (h *Handler) help(ctx context.Context, req *request) error {
	active, _ := h.deps.Router.ActiveProvider()
	h.logEvent(req, req.eventID, db.EventCommandExecuted, map[string]any{"command": "help"})
	limit := 0
	if h.cfg.ContextEnabled {
		limit = h.cfg.ContextLimit
	}
	return h.reply(ctx, req, helpText(h.cfg.Prefix, h.cfg.BotUsername, active, h.deps.Router.AvailableProviders(), limit))
}

func (h *Handler) reply(ctx context.Context, req *request, text string) error {
	if err := h.deps.Commander.SendMessage(ctx, req.msg.Chat.ID, req.msg.MessageID, text); err != nil {
		h.logEvent(req, req.eventID, db.EventReplyFailed, map[string]any{"error": preview(err.Error())})
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

// logEvent records an event tagged with the request id. Failures are logged
// and otherwise ignored so the event log never blocks a reply.
func (h *Handler) logEvent(req *request, parent *int64, eventType string, payload map[string]any) *int64 {
	if h.deps.DB == nil {
		return nil
	}
	payload["request_id"] = req.id
	payload["user_id"] = req.userID
	id, err := db.LogEvent(h.deps.DB, parent, eventType, payload)
	if err != nil {
		h.deps.Logger.Warn("event log write failed", "event", eventType, "err", err)
		return nil
	}
	return &id
}

// formatSeconds prints 4.5 as "4.5" and 5 as "5".
func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
