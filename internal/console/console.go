// Package console is the interactive terminal front end. It turns typed
// lines into staging edits and submissions and renders the conversation.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/MikeSquared-Agency/ragchat/internal/conversation"
	"github.com/MikeSquared-Agency/ragchat/internal/gateway"
	"github.com/MikeSquared-Agency/ragchat/internal/orchestrator"
	"github.com/MikeSquared-Agency/ragchat/internal/prefs"
	"github.com/MikeSquared-Agency/ragchat/internal/staging"
)

const helpText = `Type a question and press Enter to ask it.
An empty line submits whatever is staged.

  /add <path>...   stage files
  /rm <n>          unstage file n
  /files           list staged files
  /ask             submit staged input
  /history         show this session's exchanges
  /chats           list conversations on the backend
  /theme           toggle light/dark
  /status          show submission state
  /cancel          abandon the running submission
  /help            show this help
  /quit            exit
`

type Options struct {
	NoColor bool
	// Prompt prints "> " before each read. Useful on a terminal only.
	Prompt bool
}

type Console struct {
	in      io.Reader
	out     io.Writer
	staging *staging.Store
	log     *conversation.Log
	orch    *orchestrator.Orchestrator
	prefs   *prefs.Preferences
	chats   gateway.ConversationLister
	logger  *slog.Logger
	opts    Options

	mu      sync.Mutex // serializes writes to out; guards palette
	palette palette
	pending sync.WaitGroup
}

// New builds a console and registers it as orch's failure notifier and
// transition observer. chats may be nil.
func New(in io.Reader, out io.Writer, st *staging.Store, log *conversation.Log, orch *orchestrator.Orchestrator, pr *prefs.Preferences, chats gateway.ConversationLister, logger *slog.Logger, opts Options) *Console {
	c := &Console{
		in:      in,
		out:     out,
		staging: st,
		log:     log,
		orch:    orch,
		prefs:   pr,
		chats:   chats,
		logger:  logger,
		opts:    opts,
		palette: paletteFor(pr.CurrentTheme(), opts.NoColor),
	}
	orch.SetNotifier(c)
	orch.OnTransition(c.onTransition)
	return c
}

// Run reads commands until EOF, /quit or ctx is done. It waits for
// submissions it started to settle before returning; on /quit or
// cancellation those are abandoned first.
func (c *Console) Run(ctx context.Context) error {
	c.write(func(p palette) string {
		return p.title.Sprint("ragchat") + p.muted.Sprintf(" (%d earlier exchanges, /help for commands)", c.log.Len()) + "\n"
	})

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	c.showPrompt()
	for {
		select {
		case <-ctx.Done():
			c.orch.Cancel()
			c.pending.Wait()
			return nil
		case line, ok := <-lines:
			if !ok {
				c.pending.Wait()
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read input: %w", err)
					}
				default:
				}
				return nil
			}
			if quit := c.handle(ctx, line); quit {
				c.orch.Cancel()
				c.pending.Wait()
				return nil
			}
			c.showPrompt()
		}
	}
}

func (c *Console) handle(ctx context.Context, line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") {
		if trimmed != "" {
			c.staging.SetQuestion(line)
		}
		c.submit(ctx)
		return false
	}

	fields := strings.Fields(trimmed)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		c.write(func(palette) string { return helpText })
	case "/add":
		c.addFiles(args)
	case "/rm":
		c.removeFile(args)
	case "/files":
		files := c.staging.Files()
		c.write(func(p palette) string { return formatChips(files, p) })
	case "/ask":
		c.submit(ctx)
	case "/history":
		c.history()
	case "/chats":
		c.listChats(ctx)
	case "/theme":
		c.toggleTheme()
	case "/status":
		c.status()
	case "/cancel":
		if !c.orch.Cancel() {
			c.muted("nothing to cancel")
		}
	default:
		c.failed(fmt.Sprintf("unknown command %s (try /help)", cmd))
	}
	return false
}

func (c *Console) submit(ctx context.Context) {
	task, err := c.orch.Submit(ctx)
	switch {
	case errors.Is(err, orchestrator.ErrEmptyInput):
		return
	case errors.Is(err, orchestrator.ErrBusy):
		c.muted("a submission is already in progress; your input stays staged (/cancel to abandon it)")
		return
	case err != nil:
		c.failed(err.Error())
		return
	}

	c.pending.Add(1)
	go c.await(task)
}

func (c *Console) await(task *orchestrator.Task) {
	defer c.pending.Done()

	res := task.Wait()
	if !res.Succeeded() {
		// Reported through Notify.
		return
	}
	uploaded := len(task.Input.Files) > 0 && c.orch.JustSucceeded()
	c.write(func(p palette) string {
		out := "\n" + formatExchange(*res.Exchange, p)
		if uploaded {
			out += p.ok.Sprint("Uploaded ✔") + "\n"
		}
		return out
	})
}

// Notify prints a failed submission.
func (c *Console) Notify(message string) {
	c.failed(message)
}

func (c *Console) onTransition(tr orchestrator.Transition) {
	switch tr.To {
	case orchestrator.Uploading:
		t := c.orch.Current()
		if t == nil || len(t.Input.Files) == 0 {
			return
		}
		c.muted(fmt.Sprintf("uploading %d file(s)…", len(t.Input.Files)))
	case orchestrator.Querying:
		c.muted("thinking…")
	}
}

func (c *Console) addFiles(paths []string) {
	if len(paths) == 0 {
		c.failed("usage: /add <path>...")
		return
	}
	added, err := c.staging.AddPaths(paths...)
	if err != nil {
		c.failed(err.Error())
	}
	if len(added) > 0 {
		c.logger.Debug("files staged", "count", len(added))
		files := c.staging.Files()
		c.write(func(p palette) string { return formatChips(files, p) })
	}
}

func (c *Console) removeFile(args []string) {
	if len(args) != 1 {
		c.failed("usage: /rm <n>")
		return
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || !c.staging.RemoveFile(n-1) {
		c.failed(fmt.Sprintf("no staged file %s", args[0]))
		return
	}
	files := c.staging.Files()
	c.write(func(p palette) string { return formatChips(files, p) })
}

func (c *Console) history() {
	exs := c.log.Exchanges()
	if len(exs) == 0 {
		c.muted("no exchanges yet")
		return
	}
	c.write(func(p palette) string {
		var sb strings.Builder
		for i, ex := range exs {
			fmt.Fprintf(&sb, "%s\n%s\n", p.muted.Sprintf("#%d", i+1), formatExchange(ex, p))
		}
		return sb.String()
	})
}

func (c *Console) listChats(ctx context.Context) {
	if c.chats == nil {
		c.muted("conversation list not available")
		return
	}
	chats, err := c.chats.ListConversations(ctx)
	if err != nil {
		c.failed(fmt.Sprintf("list conversations: %v", err))
		return
	}
	c.write(func(p palette) string { return formatChats(chats, p) })
}

func (c *Console) toggleTheme() {
	theme, err := c.prefs.ToggleTheme()
	if err != nil {
		c.logger.Warn("failed to save preferences", "error", err)
	}
	c.mu.Lock()
	c.palette = paletteFor(theme, c.opts.NoColor)
	c.mu.Unlock()
	c.muted(fmt.Sprintf("theme: %s", theme))
}

func (c *Console) status() {
	in := c.staging.Snapshot()
	state := c.orch.State()
	flash := c.orch.JustSucceeded()
	exchanges := c.log.Len()
	c.write(func(p palette) string {
		var sb strings.Builder
		fmt.Fprintf(&sb, "state: %s\n", state)
		if in.Question != "" {
			fmt.Fprintf(&sb, "question: %s\n", in.Question)
		}
		fmt.Fprintf(&sb, "staged files: %d\n", len(in.Files))
		fmt.Fprintf(&sb, "exchanges: %d\n", exchanges)
		if flash {
			sb.WriteString(p.ok.Sprint("Uploaded ✔") + "\n")
		}
		return sb.String()
	})
}

func (c *Console) showPrompt() {
	if !c.opts.Prompt {
		return
	}
	c.write(func(palette) string { return "> " })
}

func (c *Console) muted(msg string) {
	c.write(func(p palette) string { return p.muted.Sprint(msg) + "\n" })
}

func (c *Console) failed(msg string) {
	c.write(func(p palette) string { return p.err.Sprint("✖ "+msg) + "\n" })
}

func (c *Console) write(render func(palette) string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, render(c.palette))
}
