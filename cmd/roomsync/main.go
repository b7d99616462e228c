package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/roomsync/chat"
	"github.com/gosuda/roomsync/client"
	"github.com/gosuda/roomsync/history"
	"github.com/gosuda/roomsync/session"
)

// Past this size an inline image roughly doubles on the wire; warn but let
// it through, the codec itself imposes no cap.
const imageWarnBytes = 2 << 20

var rootCmd = &cobra.Command{
	Use:   "roomsync",
	Short: "Terminal chat client for the roomsync backend",
	RunE:  runClient,
}

var (
	flagServer string
	flagName   string
	flagRoom   string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagServer, "server", envOr("ROOMSYNC_SERVER", "http://127.0.0.1:8080"), "backend base URL")
	flags.StringVar(&flagName, "name", "", "display name (required)")
	flags.StringVar(&flagRoom, "room", "", "room code to join (empty joins the global room)")
	_ = rootCmd.MarkPersistentFlagRequired("name")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute roomsync command")
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	base := strings.TrimRight(flagServer, "/")
	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws"

	sess := session.New(session.Config{URL: wsURL})
	sess.Connect(ctx)
	defer sess.Close()

	ctrl := client.New(client.Config{
		Sender:  flagName,
		Session: sess,
		History: history.NewFetcher(base),
	})
	defer ctrl.Close()

	// Redraw on every timeline change: print lines we have not shown yet.
	printed := 0
	ctrl.SetOnUpdate(func() {
		msgs := ctrl.Timeline()
		if printed > len(msgs) {
			printed = 0 // room switched, timeline reset
		}
		for _, m := range msgs[printed:] {
			fmt.Printf("\r%s\n> ", renderLine(m))
		}
		printed = len(msgs)
	})

	ctrl.SwitchRoom(ctx, flagRoom)
	fmt.Printf("joined room %q as %s\n", ctrl.Room(), flagName)
	fmt.Println("commands: /join <room>, /img <path> [caption], /quit")
	fmt.Print("> ")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 64*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := handleLine(ctx, ctrl, strings.TrimSpace(line)); done {
				return nil
			}
			fmt.Print("> ")
		}
	}
}

func handleLine(ctx context.Context, ctrl *client.Controller, line string) bool {
	switch {
	case line == "":
	case line == "/quit":
		return true
	case strings.HasPrefix(line, "/join "):
		room := strings.TrimSpace(strings.TrimPrefix(line, "/join "))
		ctrl.SwitchRoom(ctx, room)
		fmt.Printf("joined room %q\n", ctrl.Room())
	case strings.HasPrefix(line, "/img "):
		rest := strings.TrimSpace(strings.TrimPrefix(line, "/img "))
		path, caption, _ := strings.Cut(rest, " ")
		sendImage(ctrl, path, strings.TrimSpace(caption))
	case strings.HasPrefix(line, "/"):
		fmt.Println("unknown command")
	default:
		if err := ctrl.Send(line, nil); err != nil {
			fmt.Printf("send failed: %v\n", err)
		}
	}
	return false
}

func sendImage(ctrl *client.Controller, path, caption string) {
	if info, err := os.Stat(path); err == nil && info.Size() > imageWarnBytes {
		fmt.Printf("warning: %s is %dKB, inline encoding will inflate it ~33%%\n", path, info.Size()/1024)
	}
	if err := ctrl.SendFile(caption, path); err != nil {
		// The image could not be read; the caption alone may still be worth
		// sending, but that is the user's call.
		fmt.Printf("image send failed: %v\n", err)
	}
}

func renderLine(m chat.Message) string {
	stamp := "--:--:--"
	if m.SentAt != nil {
		stamp = m.SentAt.Local().Format(time.TimeOnly)
	}
	line := fmt.Sprintf("[%s] %s", stamp, m.Sender)
	if m.Body != "" {
		line += ": " + m.Body
	}
	if m.Attachment != nil {
		line += fmt.Sprintf(" (image %s, %dKB)", m.Attachment.MediaType, len(m.Attachment.Data)/1024)
	}
	return line
}
