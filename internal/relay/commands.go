package relay

import (
	"fmt"
	"strings"

	cmdpkg "github.com/stupiduntilnot/chatrelay/internal/commander"
)

// Commands is the menu registered with the platform.
var Commands = []cmdpkg.BotCommand{
	{Command: "ask", Description: "Ask the bot a question"},
	{Command: "reset", Description: "Clear your conversation history"},
	{Command: "help", Description: "Show help information"},
}

type trigger string

const (
	triggerSlash   trigger = "slash"
	triggerPrefix  trigger = "prefix"
	triggerMention trigger = "mention"
	triggerDirect  trigger = "direct"
)

// slashCommand splits "/name@bot args" into its lowercase name and argument
// text. ok is false when text is not a slash command or targets another bot.
func slashCommand(text, botUsername string) (name, args string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	head, target, addressed := strings.Cut(head, "@")
	if addressed && botUsername != "" && !strings.EqualFold(target, strings.TrimPrefix(botUsername, "@")) {
		return "", "", false
	}
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

// prefixCommand splits "<prefix>name args" on whitespace.
func prefixCommand(text, prefix string) (name, args string) {
	fields := strings.Fields(strings.TrimPrefix(text, prefix))
	if len(fields) == 0 {
		return "", ""
	}
	return strings.ToLower(fields[0]), strings.Join(fields[1:], " ")
}

// stripMention removes every "@username" from text, case-insensitively.
func stripMention(text, username string) string {
	username = strings.TrimPrefix(username, "@")
	if username == "" {
		return strings.TrimSpace(text)
	}
	needle := "@" + strings.ToLower(username)
	var b strings.Builder
	for {
		i := strings.Index(strings.ToLower(text), needle)
		if i < 0 {
			b.WriteString(text)
			break
		}
		b.WriteString(text[:i])
		text = text[i+len(needle):]
	}
	return strings.TrimSpace(b.String())
}

// helpText lists every way to reach the bot and the current provider state.
func helpText(prefix, botUsername string, active string, available []string, contextLimit int) string {
	if active == "" {
		active = "none"
	}
	avail := "None"
	if len(available) > 0 {
		avail = strings.Join(available, ", ")
	}
	mention := "the bot"
	if botUsername != "" {
		mention = "@" + strings.TrimPrefix(botUsername, "@")
	}

	var b strings.Builder
	b.WriteString("📖 Bot Help\n\n")
	b.WriteString("Slash Commands\n")
	b.WriteString("/ask <question> - Ask a question\n/reset - Clear conversation history\n/help - Show this help\n\n")
	fmt.Fprintf(&b, "Prefix Commands (%s)\n", prefix)
	fmt.Fprintf(&b, "%sask <question> - Ask a question\n%sreset - Clear history\n%shelp - Show help\n\n", prefix, prefix, prefix)
	b.WriteString("Mentions\n")
	fmt.Fprintf(&b, "Just mention %s in any message and I'll respond!\n\n", mention)
	b.WriteString("Direct Messages\n")
	b.WriteString("Send me a direct message and I'll reply directly!\n\n")
	b.WriteString("Features\n")
	if contextLimit > 0 {
		fmt.Fprintf(&b, "✅ Conversation context (last %d messages)\n", contextLimit)
	}
	b.WriteString("✅ Safety filter\n✅ Rate limiting\n✅ Typing indicator\n✅ Auto-retry on errors\n\n")
	b.WriteString("API Provider\n")
	fmt.Fprintf(&b, "Active: %s\nAvailable: %s", active, avail)
	return b.String()
}
