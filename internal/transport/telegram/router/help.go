package router

import (
	"html"
	"strings"
	"unicode"

	kit "joinbot/internal/transport"
)

func (m *CommandManager) helpText(args []string, owner bool) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(args) > 0 {
		c := m.cmds[sanitizeCommand(strings.TrimPrefix(args[0], "/"))]
		if c == nil {
			return "unknown command, try /help"
		}
		lines := []string{"<b>/" + html.EscapeString(c.Name) + "</b>"}
		if c.Description != "" {
			lines = append(lines, html.EscapeString(c.Description))
		}
		if c.Usage != "" {
			lines = append(lines, "usage: <code>"+html.EscapeString(c.Usage)+"</code>")
		}
		if len(c.Aliases) > 0 {
			lines = append(lines, "aliases: /"+html.EscapeString(strings.Join(c.Aliases, " /")))
		}
		return strings.Join(lines, "\n")
	}

	lines := []string{"📚 <b>Commands</b>", ""}
	for _, c := range m.ordered {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		line := "/" + html.EscapeString(c.Name)
		if c.Description != "" {
			line += " - " + html.EscapeString(c.Description)
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", "<code>/help &lt;command&gt;</code> for details.")
	return strings.Join(lines, "\n")
}

// sanitizeCommand maps a name to Telegram's command alphabet [a-z0-9_]{1,32}.
func sanitizeCommand(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '-' || unicode.IsSpace(r):
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

func menuCommands(cmds []*Command) []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}
