package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"buzzconnect/cache"
	"buzzconnect/chatsync"
	"buzzconnect/config"
	"buzzconnect/metrics"
	"buzzconnect/models"
	"buzzconnect/realtime"
	"buzzconnect/remote"
)

func init() {
	chatCmd.Flags().StringP("user", "u", "", "handle to log in as")
	chatCmd.Flags().StringP("password", "p", "", "password (default $BUZZ_PASSWORD)")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat [peer]",
	Short: "Chat from the terminal",
	Long: `Open a conversation with peer, or print the inbox and pending chat
requests when no peer is given.

Commands inside a conversation:
  /read             mark the conversation read
  /requests         list pending chat requests
  /accept <user>    accept a chat request
  /ignore <user>    ignore a chat request
  /inbox            list conversations
  /quit             leave`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	user, _ := cmd.Flags().GetString("user")
	password, _ := cmd.Flags().GetString("password")
	if password == "" {
		password = os.Getenv("BUZZ_PASSWORD")
	}
	if user == "" {
		return errors.New("--user is required")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := remote.New(cfg.Client.BaseURL,
		remote.WithTimeout(cfg.Client.RequestTimeout.Duration()),
		remote.WithLogger(log),
	)
	if _, err := rc.Login(ctx, user, password); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	dataDir := cfg.Client.DataDir
	if dataDir == "" {
		if dataDir, err = config.ResolveDataDir(); err != nil {
			return err
		}
	}
	local, dbPath, err := cache.Open(filepath.Join(dataDir, user))
	if err != nil {
		return err
	}
	defer local.Close()
	log.Debug().Str("path", dbPath).Msg("message cache opened")

	rt, err := realtime.Dial(ctx, cfg.Client.RealtimeURL, rc.Token(), realtime.WithLogger(log))
	if err != nil {
		return err
	}
	defer rt.Close()

	opts := []chatsync.Option{
		chatsync.WithLogger(log),
		chatsync.WithMetrics(metrics.NewSync(nil)),
		chatsync.WithTypingIdle(cfg.Client.TypingIdle.Duration()),
		chatsync.WithDuplicateWindow(cfg.Client.DuplicateWindow.Duration()),
		chatsync.WithProfileFetchLimit(cfg.Client.ProfileFetchLimit),
	}
	sess := chatsync.Session{Handle: user}
	t := &terminal{
		out:  &lockedWriter{w: cmd.OutOrStdout()},
		sess: sess,
		rec:  chatsync.NewReconciler(rc, rt, local, opts...),
		gate: chatsync.NewRequestGate(sess, rc, rc, rc, opts...),
		now:  time.Now,
	}

	if len(args) == 0 {
		t.inbox(ctx)
		t.requests(ctx)
		return nil
	}
	return t.converse(ctx, args[0], cmd.InOrStdin())
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

type terminal struct {
	out  io.Writer
	sess chatsync.Session
	rec  *chatsync.Reconciler
	gate *chatsync.RequestGate
	now  func() time.Time
}

func (t *terminal) printf(format string, args ...interface{}) {
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) converse(ctx context.Context, peer string, in io.Reader) error {
	conv, err := t.rec.Open(ctx, t.sess, peer)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.follow(conv)
	}()
	defer func() {
		_ = conv.Close()
		<-done
	}()

	err = conv.Typing().Observe(func(typing bool) {
		if typing {
			t.printf("%s is typing...\n", peer)
		}
	})
	if err != nil {
		t.printf("! typing indicator unavailable: %v\n", err)
	}
	if n := conv.UnreadCount(); n > 0 {
		t.printf("%d unread, /read to mark them read\n", n)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := t.handle(ctx, conv, line); quit {
				return nil
			}
		}
	}
}

// follow prints every message the first time it shows up in the view.
func (t *terminal) follow(conv *chatsync.Conversation) {
	printed := make(map[string]struct{})
	for snapshot := range conv.Updates() {
		for _, m := range snapshot {
			if _, ok := printed[m.ID]; ok {
				continue
			}
			printed[m.ID] = struct{}{}
			t.printf("%s\n", formatMessage(m, t.sess.Handle, t.now()))
		}
	}
}

func (t *terminal) handle(ctx context.Context, conv *chatsync.Conversation, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		receipt, err := conv.Send(ctx, chatsync.Draft{Body: line})
		switch {
		case err != nil:
			t.printf("! %v\n", err)
		case !receipt.Delivered():
			t.printf("! not delivered: %v\n", receipt.Remote)
		case receipt.RequestPending:
			t.printf("sent as a chat request, %s has to accept it\n", conv.Peer())
		}
		return false
	}

	name, arg := parseCommand(line)
	switch name {
	case "quit", "q":
		return true
	case "read":
		receipt, err := conv.MarkRead(ctx)
		if err != nil {
			t.printf("! %v\n", err)
			break
		}
		t.printf("marked %d read\n", receipt.Marked)
	case "requests":
		t.requests(ctx)
	case "accept", "ignore":
		if arg == "" {
			t.printf("usage: /%s <user>\n", name)
			break
		}
		action := t.gate.Accept
		if name == "ignore" {
			action = t.gate.Ignore
		}
		if err := action(ctx, arg); err != nil {
			t.printf("! %s %s: %v\n", name, arg, err)
			break
		}
		t.printf("%s request from %s\n", pastTense(name), arg)
	case "inbox":
		t.inbox(ctx)
	default:
		t.printf("unknown command /%s\n", name)
	}
	return false
}

func (t *terminal) requests(ctx context.Context) {
	reqs := t.gate.ListRequests(ctx)
	if len(reqs) == 0 {
		t.printf("no chat requests\n")
		return
	}
	for _, r := range reqs {
		t.printf("request from %s (%s)\n", r.Sender, humanize.RelTime(time.UnixMilli(r.Timestamp), t.now(), "ago", "from now"))
	}
}

func (t *terminal) inbox(ctx context.Context) {
	profiles := t.gate.LoadConversationUsers(ctx)
	peers := make([]string, 0, len(profiles))
	for _, p := range profiles {
		peers = append(peers, p.Username)
	}
	summaries := t.rec.Inbox(ctx, t.sess, peers)
	if len(summaries) == 0 {
		t.printf("no conversations\n")
		return
	}
	for _, s := range summaries {
		t.printf("%s\n", formatSummary(s, t.now()))
	}
}

func parseCommand(line string) (name, arg string) {
	fields := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(fields) == 0 {
		return "", ""
	}
	name = strings.ToLower(fields[0])
	if len(fields) > 1 {
		arg = fields[1]
	}
	return name, arg
}

func pastTense(action string) string {
	if action == "accept" {
		return "accepted"
	}
	return "ignored"
}

func formatMessage(m models.Message, me string, now time.Time) string {
	who := m.Sender
	if m.Sender == me {
		who = "you"
	}
	body := m.Body
	if m.IsVoice {
		body = "(voice note)"
	}
	if e := m.EmojiValue(); e != "" {
		body += " [" + e + "]"
	}

	status := ""
	if m.Sender == me {
		switch {
		case m.IsRead:
			status = " ✓✓"
		case m.Delivery == models.DeliveryFailed:
			status = " (not delivered)"
		case m.Delivery == models.DeliveryPending:
			status = " ..."
		default:
			status = " ✓"
		}
	}
	when := humanize.RelTime(time.UnixMilli(m.Timestamp), now, "ago", "from now")
	return fmt.Sprintf("[%s] %s: %s%s", when, who, body, status)
}

func formatSummary(s models.ConversationSummary, now time.Time) string {
	line := s.Peer
	if s.UnreadCount > 0 {
		line += fmt.Sprintf(" (%d unread)", s.UnreadCount)
	}
	if s.LastMessage != nil {
		line += fmt.Sprintf(" %s: %s, %s", s.LastMessage.Sender, s.LastMessage.Body,
			humanize.RelTime(time.UnixMilli(s.LastActivity), now, "ago", "from now"))
	}
	return line
}
