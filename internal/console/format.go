package console

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/MikeSquared-Agency/ragchat/internal/conversation"
	"github.com/MikeSquared-Agency/ragchat/internal/gateway"
	"github.com/MikeSquared-Agency/ragchat/internal/prefs"
	"github.com/MikeSquared-Agency/ragchat/internal/staging"
)

const (
	maxChipName      = 24
	maxSourceContent = 240
)

type palette struct {
	title    *color.Color
	question *color.Color
	answer   *color.Color
	source   *color.Color
	muted    *color.Color
	ok       *color.Color
	err      *color.Color
}

func paletteFor(theme prefs.Theme, noColor bool) palette {
	var p palette
	if theme == prefs.ThemeDark {
		p = palette{
			title:    color.New(color.FgHiCyan, color.Bold),
			question: color.New(color.FgHiGreen, color.Bold),
			answer:   color.New(color.FgHiWhite),
			source:   color.New(color.FgHiYellow),
			muted:    color.New(color.FgHiBlack),
			ok:       color.New(color.FgHiGreen),
			err:      color.New(color.FgHiRed, color.Bold),
		}
	} else {
		p = palette{
			title:    color.New(color.FgBlue, color.Bold),
			question: color.New(color.FgGreen, color.Bold),
			answer:   color.New(color.FgBlack),
			source:   color.New(color.FgMagenta),
			muted:    color.New(color.FgHiBlack),
			ok:       color.New(color.FgGreen),
			err:      color.New(color.FgRed, color.Bold),
		}
	}
	if noColor {
		for _, c := range []*color.Color{p.title, p.question, p.answer, p.source, p.muted, p.ok, p.err} {
			c.DisableColor()
		}
	}
	return p
}

func formatExchange(ex conversation.Exchange, p palette) string {
	var sb strings.Builder

	if ex.Question != "" {
		fmt.Fprintf(&sb, "%s %s\n", p.question.Sprint("You:"), ex.Question)
	}
	fmt.Fprintf(&sb, "%s\n", p.answer.Sprint(ex.Answer))

	if len(ex.Sources) > 0 {
		fmt.Fprintf(&sb, "\n%s\n", p.title.Sprint("Sources"))
		for _, src := range ex.Sources {
			fmt.Fprintf(&sb, "  • %s (Page %s, Para %s): %s...\n",
				p.source.Sprint(src.Document),
				orNA(src.Page),
				orNA(src.Paragraph),
				truncate(src.Content, maxSourceContent),
			)
		}
	}

	if strings.TrimSpace(ex.Themes) != "" {
		fmt.Fprintf(&sb, "\n%s\n%s\n", p.title.Sprint("Themes:"), strings.TrimRight(ex.Themes, "\n"))
	}
	return sb.String()
}

func formatChips(files []staging.File, p palette) string {
	if len(files) == 0 {
		return p.muted.Sprint("(no files staged)") + "\n"
	}
	var sb strings.Builder
	for i, f := range files {
		fmt.Fprintf(&sb, "  [%d] %s %s %s\n",
			i+1,
			f.Kind.Icon(),
			truncate(f.Name, maxChipName),
			p.muted.Sprintf("(%s)", humanize.Bytes(uint64(f.Size()))),
		)
	}
	return sb.String()
}

func formatChats(chats []gateway.ConversationSummary, p palette) string {
	if len(chats) == 0 {
		return p.muted.Sprint("(no conversations)") + "\n"
	}
	var sb strings.Builder
	for _, c := range chats {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(&sb, "  - %s %s\n", title, p.muted.Sprint(c.ID))
	}
	return sb.String()
}

// orNA renders an unknown (zero) page or paragraph as N/A.
func orNA(n int) string {
	if n <= 0 {
		return "N/A"
	}
	return strconv.Itoa(n)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
