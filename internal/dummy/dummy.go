package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cmdpkg "github.com/stupiduntilnot/chatrelay/internal/commander"
	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/provider"
)

type action struct {
	kind string
	arg  string
}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" {
			actions = append(actions, action{kind: "ok"})
			continue
		}
		kind, arg, found := strings.Cut(token, ":")
		if !found {
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
		switch kind {
		case "err", "sleep", "msg", "msgb64":
			actions = append(actions, action{kind: kind, arg: arg})
		default:
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

// scriptRunner replays actions in order and repeats the last one forever.
type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

func sleepMillis(arg string) {
	ms, _ := strconv.Atoi(arg)
	if ms > 0 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
}

// Sent is one message delivered through the dummy Commander.
type Sent struct {
	ChatID  int64
	ReplyTo int64
	Text    string
}

// Commander is a scripted cmdpkg.Commander. Poll actions produce private-chat
// messages from user 1; send actions decide whether a reply fails.
type Commander struct {
	mu       sync.Mutex
	poll     *scriptRunner
	send     *scriptRunner
	updateID int64
	sent     []Sent
	actions  []string
}

func NewCommander(pollScript, sendScript string) (*Commander, error) {
	poll, err := newRunner(pollScript)
	if err != nil {
		return nil, err
	}
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	return &Commander{poll: poll, send: send, updateID: 1}, nil
}

func (c *Commander) GetUpdates(ctx context.Context, offset int64, timeout int) ([]cmdpkg.Update, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.poll.next()
	switch a.kind {
	case "err":
		return nil, fmt.Errorf("dummy commander error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		sleepMillis(a.arg)
		return nil, nil
	case "msg":
		return []cmdpkg.Update{c.nextUpdate(a.arg)}, nil
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return nil, fmt.Errorf("dummy commander msgb64 decode failed: %w", err)
		}
		return []cmdpkg.Update{c.nextUpdate(string(raw))}, nil
	default:
		return nil, nil
	}
}

func (c *Commander) nextUpdate(text string) cmdpkg.Update {
	c.updateID++
	msg := text
	return cmdpkg.Update{
		UpdateID: c.updateID,
		Message: &cmdpkg.Message{
			MessageID: c.updateID,
			From:      &cmdpkg.User{ID: 1, Username: "dummy"},
			Chat:      cmdpkg.Chat{ID: 1, Type: "private"},
			Text:      &msg,
			Date:      time.Now().Unix(),
		},
	}
}

func (c *Commander) SendMessage(ctx context.Context, chatID, replyTo int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.send.next()
	switch a.kind {
	case "err":
		return fmt.Errorf("dummy commander send error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		sleepMillis(a.arg)
	}
	c.sent = append(c.sent, Sent{ChatID: chatID, ReplyTo: replyTo, Text: text})
	return nil
}

func (c *Commander) SendChatAction(ctx context.Context, chatID int64, action string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, action)
	return nil
}

// Sent returns every message delivered so far.
func (c *Commander) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Actions returns every chat action sent so far.
func (c *Commander) Actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.actions...)
}

// Provider is a scripted provider.Provider.
type Provider struct {
	name       string
	model      string
	configured atomic.Bool

	mu     sync.Mutex
	script *scriptRunner
	calls  [][]ctxpkg.Message
}

func NewProvider(name, model, script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	p := &Provider{name: name, model: model, script: runner}
	p.configured.Store(true)
	return p, nil
}

func (p *Provider) Name() string  { return p.name }
func (p *Provider) Model() string { return p.model }

func (p *Provider) IsConfigured() bool { return p.configured.Load() }

// SetConfigured toggles whether the provider reports a credential.
func (p *Provider) SetConfigured(v bool) { p.configured.Store(v) }

// Calls returns the message lists received so far.
func (p *Provider) Calls() [][]ctxpkg.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]ctxpkg.Message(nil), p.calls...)
}

func (p *Provider) SendMessage(ctx context.Context, messages []ctxpkg.Message) provider.Result {
	p.mu.Lock()
	p.calls = append(p.calls, append([]ctxpkg.Message(nil), messages...))
	a := p.script.next()
	p.mu.Unlock()

	switch a.kind {
	case "err":
		return provider.Failure(p.name, emptyAs(a.arg, provider.GenericFailureText))
	case "sleep":
		sleepMillis(a.arg)
		return p.success("dummy-after-sleep")
	case "msg":
		return p.success(a.arg)
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return provider.Failure(p.name, fmt.Sprintf("dummy provider msgb64 decode failed: %v", err))
		}
		return p.success(string(raw))
	default:
		return p.success("dummy-ok")
	}
}

func (p *Provider) success(content string) provider.Result {
	return provider.Result{
		Success:  true,
		Content:  emptyAs(content, "dummy-ok"),
		Model:    p.model,
		Provider: p.name,
		Usage:    &provider.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
		Status:   200,
	}
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
