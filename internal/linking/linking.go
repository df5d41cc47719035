// Package linking attaches a Telegram chat to a user account through a
// short-lived code the user sends as "/start <code>".
package linking

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"pingbot/internal/storage"
	"pingbot/internal/transport"
	logx "pingbot/pkg/logx"
)

const (
	DefaultCodeTTL = 10 * time.Minute

	replyLinked  = "Your Telegram account has been linked to PingBot! You will now receive scheduled messages here."
	replyInvalid = "Invalid or expired linking code. Please generate a new code from PingBot settings."
	replyWelcome = "Welcome to PingBot! To link your account, go to PingBot settings and generate a linking code."
	testMessage  = "PingBot test message. Your bot link is working!"

	replyTimeout = 10 * time.Second

	// codeAttempts bounds retries when a fresh code is already held by
	// another user.
	codeAttempts = 5
)

var ErrNotLinked = errors.New("user has no linked chat")

type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

type Service struct {
	users storage.UserStore
	gw    Sender
	log   logx.Logger
	ttl   time.Duration
	now   func() time.Time
	rand  io.Reader
}

func New(users storage.UserStore, gw Sender, ttl time.Duration, log logx.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		users: users,
		gw:    gw,
		log:   log.With(logx.String("comp", "linking")),
		ttl:   ttl,
		now:   time.Now,
		rand:  rand.Reader,
	}
}

// GenerateCode issues a fresh 6 character code for userID, replacing any
// previous one.
func (s *Service) GenerateCode(ctx context.Context, userID string) (string, time.Time, error) {
	expires := s.now().UTC().Add(s.ttl)
	var err error
	for attempt := 1; attempt <= codeAttempts; attempt++ {
		var code string
		if code, err = s.newCode(); err != nil {
			return "", time.Time{}, err
		}
		err = s.users.SetLinkingCode(ctx, userID, code, expires)
		if err == nil {
			s.log.Info("linking code issued", logx.String("user_id", userID), logx.Time("expires", expires))
			return code, expires, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return "", time.Time{}, err
		}
		s.log.Debug("linking code taken, retrying", logx.Int("attempt", attempt))
	}
	return "", time.Time{}, fmt.Errorf("linking code: %w", err)
}

func (s *Service) newCode() (string, error) {
	var b [3]byte
	if _, err := io.ReadFull(s.rand, b[:]); err != nil {
		return "", fmt.Errorf("linking code: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(b[:])), nil
}

// HandleMessage answers /start commands. It reports whether msg was one.
func (s *Service) HandleMessage(ctx context.Context, msg transport.Message) (bool, error) {
	arg, ok := startArg(msg.Text)
	if !ok {
		return false, nil
	}
	if arg == "" {
		return true, s.reply(ctx, msg.ChatID, replyWelcome)
	}

	u, err := s.users.LinkChat(ctx, strings.ToUpper(arg), msg.ChatID, msg.FromUsername, s.now().UTC())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.log.Info("linking code rejected", logx.Int64("chat_id", msg.ChatID))
		return true, s.reply(ctx, msg.ChatID, replyInvalid)
	case err != nil:
		return true, fmt.Errorf("link chat: %w", err)
	}
	s.log.Info("chat linked", logx.String("user_id", u.ID), logx.Int64("chat_id", msg.ChatID))
	return true, s.reply(ctx, msg.ChatID, replyLinked)
}

// SendTest delivers a plain message to the user's linked chat.
func (s *Service) SendTest(ctx context.Context, userID string) error {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !u.Linked() {
		return ErrNotLinked
	}
	return s.reply(ctx, u.ChatID, testMessage)
}

func (s *Service) reply(ctx context.Context, chatID int64, text string) error {
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	_, err := s.gw.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, nil)
	return err
}

// startArg parses "/start", "/start@bot" and their argument.
func startArg(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}
	cmd, _, _ := strings.Cut(fields[0], "@")
	if cmd != "/start" {
		return "", false
	}
	if len(fields) < 2 {
		return "", true
	}
	return fields[1], true
}
