package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pulsechat/chatsync"
)

const requestTimeout = 15 * time.Second

// ============================================================================
// Identity
// ============================================================================

// tokenInfo is what the CLI reads out of a JWT bearer token. The signature is
// not checked: the server does that, the CLI only needs display fields.
type tokenInfo struct {
	UserID    string
	Username  string
	ExpiresAt time.Time
}

func tokenClaims(token string) (tokenInfo, bool) {
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return tokenInfo{}, false
	}

	var info tokenInfo
	info.UserID, _ = mc.GetSubject()
	for _, k := range []string{"userId", "user_id", "_id", "id"} {
		if info.UserID != "" {
			break
		}
		info.UserID, _ = mc[k].(string)
	}
	info.Username, _ = mc["username"].(string)
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	return info, true
}

// configIdentity returns the signed-in user. Explicit config fields win over
// token claims. It returns nil when no user ID is known.
func configIdentity(cfg *Config) *chatsync.Identity {
	id := &chatsync.Identity{
		ID:       cfg.Auth.UserID,
		Username: cfg.Auth.Username,
		Avatar:   cfg.Auth.Avatar,
	}
	if c, ok := tokenClaims(cfg.Auth.Token); ok {
		id.ID = valueOrDefault(id.ID, c.UserID)
		id.Username = valueOrDefault(id.Username, c.Username)
	}
	if id.ID == "" {
		return nil
	}
	return id
}

// ============================================================================
// Client wiring
// ============================================================================

func requireConfig() *Config {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'chatsync config set default.base_url <url>' first.")
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'chatsync init <token>' first.")
		os.Exit(1)
	}
	return cfg
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// cliNotifier prints user-facing sync errors and remembers that it did, so
// the command's own error is not printed a second time.
type cliNotifier struct {
	w        io.Writer
	reported atomic.Bool
}

func (n *cliNotifier) NotifyError(msg string) {
	n.reported.Store(true)
	fmt.Fprintf(n.w, "error: %s\n", msg)
}

// filter returns errSilent for err once the syncer has reported a failure.
func (n *cliNotifier) filter(err error) error {
	if err == nil {
		return nil
	}
	if n.reported.Load() {
		return errSilent
	}
	return err
}

var notifier = &cliNotifier{w: os.Stderr}

func newClient(cfg *Config) *chatsync.Client {
	return chatsync.NewClient(cfg.Default.BaseURL, cfg.Auth.Token, chatsync.WithTimeout(requestTimeout))
}

// newSyncer builds a Syncer over client that reports errors on stderr.
func newSyncer(cfg *Config, client *chatsync.Client, log *zap.Logger, opts ...chatsync.Option) *chatsync.Syncer {
	opts = append([]chatsync.Option{
		chatsync.WithLogger(log),
		chatsync.WithNotifier(notifier),
	}, opts...)
	return chatsync.New(client, chatsync.StaticIdentity(configIdentity(cfg)), opts...)
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// cliError drops errors the Syncer already reported through the notifier so
// they are not printed twice.
func cliError(err error) error {
	return notifier.filter(err)
}

var errSilent = errors.New("")

// ============================================================================
// Output
// ============================================================================

func formatMessage(m chatsync.Message, now time.Time) string {
	var b strings.Builder
	name := valueOrDefault(m.Sender.Username, valueOrDefault(m.SenderID, "unknown"))
	fmt.Fprintf(&b, "[%s] %s: ", humanize.RelTime(m.CreatedAt, now, "ago", "from now"), name)

	switch {
	case m.IsDeleted:
		b.WriteString("(message deleted)")
	case m.IsCode:
		fmt.Fprintf(&b, "```%s\n%s\n```", m.Language, m.Content)
	default:
		b.WriteString(m.Content)
	}
	if m.Image != "" {
		fmt.Fprintf(&b, " [image %s]", m.Image)
	}
	for _, r := range m.Reactions {
		fmt.Fprintf(&b, " %s%d", r.Emoji, len(r.Users))
	}
	if m.IsPending {
		b.WriteString(" (sending)")
	}
	if m.ReadAt != nil && m.IsSentByMe {
		b.WriteString(" (read)")
	}
	return b.String()
}

func printMessages(w io.Writer, msgs []chatsync.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	now := time.Now()
	for _, m := range msgs {
		fmt.Fprintf(w, "%s  %s\n", m.ID, formatMessage(m, now))
	}
}

func printSearch(w io.Writer, st chatsync.SearchState) {
	printMessages(w, st.Results)
	if p := st.Pagination; p != nil {
		fmt.Fprintf(w, "Page %d of %d (%s matches)\n", p.Page, p.Pages, humanize.Comma(int64(p.Total)))
	}
}

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
