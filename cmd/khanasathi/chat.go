package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	khanasathi "github.com/nispal155/khanasathi/sdk/golang"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <orderId> [threadId]",
	Short: "Join an order chat",
	Long: "Join an order chat room, print the merged message stream and typing indicators,\n" +
		"and send each line read from stdin. Press Ctrl-D or Ctrl-C to leave.",
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return err
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		connected, degraded, err := cfg.pollIntervals()
		if err != nil {
			return err
		}

		room := khanasathi.Room(args[0])
		if len(args) == 2 {
			room = khanasathi.Thread(args[0], args[1])
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt := client.Realtime(nil)
		defer rt.Disconnect()
		out := cmd.OutOrStdout()
		unwatch := rt.OnStateChange(func(s khanasathi.ConnectionState) {
			fmt.Fprintf(out, "-- %s\n", s)
		})
		defer unwatch()

		if err := rt.Connect(ctx, client.Token()); err != nil {
			fmt.Fprintf(out, "-- socket unavailable (%v), polling until it reconnects\n", err)
		}
		rooms := khanasathi.NewRegistry(rt, logger)
		defer rooms.Close()

		self := rt.Self()
		printer := &messagePrinter{w: out, self: self.UserID}
		session := khanasathi.NewChatSession(khanasathi.ChatSessionConfig{
			Room:          room,
			API:           client.Chat(),
			Transport:     rt,
			Registry:      rooms,
			SenderID:      self.UserID,
			SenderName:    self.Username,
			SenderRole:    self.Role,
			PollConnected: connected,
			PollDegraded:  degraded,
			OnMessages:    printer.print,
			OnTyping: func(c khanasathi.TypingChange) {
				if c.Typing {
					fmt.Fprintf(out, "-- %s is typing...\n", c.Username)
				}
			},
			Logger: &logger,
		})
		defer session.Close()

		if err := session.Open(ctx); err != nil {
			var herr *khanasathi.HistoryFetchError
			if !errors.As(err, &herr) {
				return err
			}
			fmt.Fprintf(out, "-- could not load history: %v\n", herr.Err)
		}

		return readAndSend(ctx, cmd.InOrStdin(), session, out)
	},
}

// readAndSend sends each non-empty input line until EOF or cancellation.
func readAndSend(ctx context.Context, in io.Reader, session *khanasathi.ChatSession, out io.Writer) error {
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
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if _, err := session.Send(ctx, line); err != nil {
				var serr *khanasathi.SendError
				if errors.As(err, &serr) {
					fmt.Fprintf(out, "-- not sent: %q (%v)\n", serr.Draft.Content, serr.Err)
					continue
				}
				return err
			}
		}
	}
}

// messagePrinter prints each confirmed message once.
type messagePrinter struct {
	w    io.Writer
	self string

	mu   sync.Mutex
	seen map[string]bool
}

func (p *messagePrinter) print(msgs []khanasathi.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen == nil {
		p.seen = make(map[string]bool)
	}
	for _, m := range msgs {
		if m.Optimistic() || p.seen[m.ID] {
			continue
		}
		p.seen[m.ID] = true
		who := m.SenderName
		if who == "" {
			who = m.SenderID
		}
		if m.SenderID == p.self {
			who = "you"
		}
		if m.Kind == khanasathi.SystemMessage {
			fmt.Fprintf(p.w, "[%s] * %s\n", m.CreatedAt.Local().Format("15:04"), m.Content)
			continue
		}
		fmt.Fprintf(p.w, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), who, m.Content)
	}
}
