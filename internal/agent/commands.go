package agent

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"omnichat/internal/domain"
)

// ChatCommand represents a parsed chat command.
type ChatCommand struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// CommandResult holds the response for a handled command.
type CommandResult struct {
	Response string // text response to send back
	Handled  bool   // false: not a known command, process as ordinary text

	// Config is the account's runtime config after the command. The
	// processor persists it only when it differs from the current one.
	Config domain.RuntimeConfig

	ClearHistory bool // /reset
}

// CommandEnv is the read-only state a command may report on.
type CommandEnv struct {
	Account domain.ChannelAccount
	Stats   *domain.AccountStats
	Sender  domain.Sender
}

// startTime records when the process started for /status.
var startTime = time.Now()

const version = "0.3.0"

// ParseCommand checks if a message starts with "/" and parses it into a ChatCommand.
// Returns nil if the message is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}

	name := strings.TrimPrefix(parts[0], "/")
	// Telegram appends the bot name in groups: /help@my_bot
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	name = strings.ToLower(name)
	if name == "" {
		return nil
	}

	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}

	return &ChatCommand{
		Name: name,
		Args: args,
		Raw:  text,
	}
}

// HandleCommand computes the reply and the resulting runtime config for cmd.
// It never touches storage; unknown commands return Handled=false.
func HandleCommand(cmd *ChatCommand, env CommandEnv) CommandResult {
	cfg := env.Account.RuntimeConfig.Clone()
	res := CommandResult{Handled: true, Config: cfg}

	switch cmd.Name {
	case "help", "start":
		res.Response = helpText()

	case "status":
		res.Response = statusText(env)

	case "autoreply":
		res.Response = toggle(cmd, "Auto-reply", &res.Config.AutoReplyEnabled)

	case "rag":
		res.Response = toggle(cmd, "Knowledge base", &res.Config.RAGEnabled)

	case "files":
		res.Response = toggle(cmd, "File search", &res.Config.FileSearchEnabled)

	case "memory":
		res.Response = toggle(cmd, "Memory", &res.Config.MemoryEnabled)

	case "tools":
		res.Response = toggle(cmd, "Tools", &res.Config.ToolsEnabled)

	case "skills":
		res.Response = toggle(cmd, "Skills", &res.Config.SkillsEnabled)

	case "model":
		if len(cmd.Args) == 0 {
			res.Response = "Current model: " + orDefault(cfg.Model, "default") + "\nUsage: /model <name>|default"
			break
		}
		res.Config.Model = resetable(cmd.Args[0])
		res.Response = "Model set to " + orDefault(res.Config.Model, "default") + "."

	case "agent":
		if len(cmd.Args) == 0 {
			res.Response = "Current agent: " + orDefault(cfg.Agent, "default") + "\nUsage: /agent <name>|default"
			break
		}
		res.Config.Agent = resetable(cmd.Args[0])
		res.Response = "Agent set to " + orDefault(res.Config.Agent, "default") + "."

	case "maxtokens":
		n, msg := parseCount(cmd, 1, 32000)
		if msg != "" {
			res.Response = msg
			break
		}
		res.Config.MaxTokens = n
		res.Response = fmt.Sprintf("Max tokens set to %d.", n)

	case "context":
		n, msg := parseCount(cmd, 0, 200)
		if msg != "" {
			res.Response = msg
			break
		}
		res.Config.ContextWindow = n
		if n == 0 {
			res.Response = fmt.Sprintf("Context window reset to the default (%d turns).", DefaultHistoryTurns)
		} else {
			res.Response = fmt.Sprintf("Context window set to %d turns.", n)
		}

	case "humanize":
		if len(cmd.Args) == 0 {
			res.Response = "Humanizer: " + string(orHumanize(cfg.Humanizer.Intensity)) + "\nUsage: /humanize off|low|medium|high [categories...]"
			break
		}
		level := domain.HumanizerIntensity(strings.ToLower(cmd.Args[0]))
		switch level {
		case domain.HumanizeOff, domain.HumanizeLow, domain.HumanizeMedium, domain.HumanizeHigh:
		default:
			res.Response = "Unknown level. Use off, low, medium or high."
			return res
		}
		res.Config.Humanizer.Intensity = level
		if len(cmd.Args) > 1 {
			res.Config.Humanizer.Categories = lowerAll(cmd.Args[1:])
		}
		res.Response = "Humanizer set to " + string(level) + "."

	case "contact":
		res.Response = contactCommand(cmd, &res.Config)

	case "reset", "new", "clear":
		res.ClearHistory = true
		res.Response = "Conversation cleared. Starting fresh."

	default:
		return CommandResult{Handled: false}
	}
	return res
}

func helpText() string {
	return `Available commands:
/help - Show this help message
/status - Show account settings and usage
/autoreply on|off - Toggle automatic replies
/model <name>|default - Switch the model
/agent <name>|default - Switch the persona
/rag on|off - Toggle knowledge base lookups
/files on|off - Toggle file search
/memory on|off - Toggle memory recall
/tools on|off - Toggle tools
/skills on|off - Toggle skills
/maxtokens <n> - Limit reply length
/context <n> - History turns sent to the model (0 = default)
/humanize off|low|medium|high [categories] - Rewrite replies to sound less robotic
/contact <sender> on|off|reset [instructions] - Per-sender override
/reset - Clear this conversation`
}

func statusText(env CommandEnv) string {
	cfg := env.Account.RuntimeConfig
	var b strings.Builder
	fmt.Fprintf(&b, "Account: %s (%s)\n", env.Account.ID, env.Account.Platform)
	fmt.Fprintf(&b, "Auto-reply: %s\n", onOff(cfg.AutoReplyEnabled))
	fmt.Fprintf(&b, "Model: %s | Agent: %s\n", orDefault(cfg.Model, "default"), orDefault(cfg.Agent, "default"))
	fmt.Fprintf(&b, "RAG: %s | Files: %s | Memory: %s\n", onOff(cfg.RAGEnabled), onOff(cfg.FileSearchEnabled), onOff(cfg.MemoryEnabled))
	fmt.Fprintf(&b, "Tools: %s | Skills: %s\n", onOff(cfg.ToolsEnabled), onOff(cfg.SkillsEnabled))
	fmt.Fprintf(&b, "Humanizer: %s | Contact rules: %d\n", orHumanize(cfg.Humanizer.Intensity), len(cfg.ContactRules))
	if env.Stats != nil {
		fmt.Fprintf(&b, "Messages: %d | Tokens: %d\n", env.Stats.MessageCount, env.Stats.TokensUsed)
	}
	fmt.Fprintf(&b, "Uptime: %s | omnichat v%s (%s/%s)",
		time.Since(startTime).Round(time.Second), version, runtime.GOOS, runtime.GOARCH)
	return b.String()
}

func contactCommand(cmd *ChatCommand, cfg *domain.RuntimeConfig) string {
	const usage = "Usage: /contact <sender> on|off|reset [instructions]"
	if len(cmd.Args) < 2 {
		if len(cfg.ContactRules) == 0 {
			return "No contact rules.\n" + usage
		}
		var b strings.Builder
		b.WriteString("Contact rules:\n")
		for _, id := range sortedKeys(cfg.ContactRules) {
			r := cfg.ContactRules[id]
			fmt.Fprintf(&b, "- %s: %s", id, onOff(r.AutoReply))
			if r.Instructions != "" {
				b.WriteString(" (" + r.Instructions + ")")
			}
			b.WriteByte('\n')
		}
		return strings.TrimRight(b.String(), "\n")
	}

	sender := cmd.Args[0]
	switch strings.ToLower(cmd.Args[1]) {
	case "reset", "remove":
		delete(cfg.ContactRules, sender)
		return "Contact rule for " + sender + " removed."
	case "on", "off":
		if cfg.ContactRules == nil {
			cfg.ContactRules = make(map[string]domain.ContactRule)
		}
		rule := domain.ContactRule{AutoReply: strings.EqualFold(cmd.Args[1], "on")}
		if len(cmd.Args) > 2 {
			rule.Instructions = strings.Join(cmd.Args[2:], " ")
		}
		cfg.ContactRules[sender] = rule
		if rule.AutoReply {
			return "Always replying to " + sender + "."
		}
		return "Never replying to " + sender + "."
	}
	return usage
}

func toggle(cmd *ChatCommand, label string, field *bool) string {
	if len(cmd.Args) == 0 {
		return fmt.Sprintf("%s is %s.\nUsage: /%s on|off", label, onOff(*field), cmd.Name)
	}
	switch strings.ToLower(cmd.Args[0]) {
	case "on", "enable", "true", "1":
		*field = true
	case "off", "disable", "false", "0":
		*field = false
	default:
		return fmt.Sprintf("Usage: /%s on|off", cmd.Name)
	}
	if *field {
		return label + " enabled."
	}
	return label + " disabled."
}

func parseCount(cmd *ChatCommand, lo, hi int) (int, string) {
	usage := fmt.Sprintf("Usage: /%s <%d-%d>", cmd.Name, lo, hi)
	if len(cmd.Args) == 0 {
		return 0, usage
	}
	n, err := strconv.Atoi(cmd.Args[0])
	if err != nil || n < lo || n > hi {
		return 0, usage
	}
	return n, ""
}

func resetable(v string) string {
	if strings.EqualFold(v, "default") {
		return ""
	}
	return v
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orHumanize(i domain.HumanizerIntensity) domain.HumanizerIntensity {
	if i == "" {
		return domain.HumanizeOff
	}
	return i
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
