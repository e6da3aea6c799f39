package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/rocketterm/rocketterm"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// rooms
	roomsAll  bool
	roomsJSON bool

	// history
	historyCount int
	historyJSON  bool

	// users
	usersJSON bool

	// channels
	channelsJSON bool

	// send
	sendThread int
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// rooms
// ============================================================================

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List joined rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		s := connectCLI(ctx)
		defer s.Close()

		rooms := s.ctl.VisibleRooms()
		if roomsAll {
			rooms = s.ctl.Rooms()
		}

		if roomsJSON {
			raw := make([]json.RawMessage, 0, len(rooms))
			for _, r := range rooms {
				raw = append(raw, r.Raw())
			}
			return printJSON(raw)
		}

		if len(rooms) == 0 {
			fmt.Println("No rooms found.")
			return nil
		}
		for _, r := range rooms {
			flags := ""
			if !r.IsOpen() {
				flags += " (hidden)"
			}
			if n := r.Unread(); n > 0 {
				flags += fmt.Sprintf(" [%d unread]", n)
			}
			count := s.ctl.RoomMessageCount(r)
			fmt.Printf("  %-30s %-14s %6s msgs%s\n", r.Label(), r.TypeLabel(), countLabel(count), flags)
		}
		return nil
	},
}

func countLabel(n int) string {
	if n < 0 {
		return "?"
	}
	return fmt.Sprint(n)
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <room>",
	Short: "Print the latest messages of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		s := connectCLI(ctx)
		defer s.Close()

		room, err := findRoom(s.ctl, args[0])
		if err != nil {
			return err
		}
		for len(s.ctl.Messages(room)) < historyCount && !s.ctl.HistoryComplete(room) {
			added, err := s.ctl.LoadMoreMessages(ctx, room, historyCount-len(s.ctl.Messages(room)))
			if err != nil {
				return fmt.Errorf("loading history: %w", err)
			}
			if len(added) == 0 {
				break
			}
		}

		msgs := s.ctl.Messages(room)
		if len(msgs) > historyCount {
			msgs = msgs[:historyCount]
		}
		slices.Reverse(msgs)

		if historyJSON {
			raw := make([]json.RawMessage, 0, len(msgs))
			for _, m := range msgs {
				raw = append(raw, m.Raw())
			}
			return printJSON(raw)
		}

		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessageLine(s.ctl, room, m))
		}
		return nil
	},
}

// formatMessageLine renders a message as a single line of plain text.
func formatMessageLine(ctl *rocketterm.Controller, room *rocketterm.Room, m *rocketterm.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%-5s %s ", countLabel(m.Number()), m.Created.Local().Format("2006-01-02 15:04"))
	if nr := ctl.ThreadParentNumber(room, m); nr > 0 {
		fmt.Fprintf(&b, "[thread #%d] ", nr)
	} else if m.IsThreadMessage() {
		b.WriteString("[thread ?] ")
	}
	b.WriteString(messageText(m))
	return b.String()
}

// messageText describes the message body including updates and events.
func messageText(m *rocketterm.Message) string {
	author := "@" + m.Author.Username
	switch m.Type {
	case rocketterm.MessageRemoved:
		return author + ": (message removed)"
	case rocketterm.UserJoined:
		return author + " joined the room"
	case rocketterm.UserLeft:
		return author + " left the room"
	case rocketterm.UserAdded:
		return author + " added @" + m.Text
	case rocketterm.UserRemoved:
		return author + " removed @" + m.Text
	case rocketterm.RoomTopicChanged:
		return author + " changed the topic to: " + m.Text
	case rocketterm.DiscussionCreated:
		return author + " started discussion " + m.Text
	}

	text := m.Text
	if m.File != nil {
		text = strings.TrimSpace(text + " [file: " + m.File.Name + "]")
	}
	if m.IsIncrementalUpdate() {
		if prev := m.Previous(); prev != nil && prev.Number() > 0 {
			return fmt.Sprintf("%s updated #%d: %s", author, prev.Number(), text)
		}
		return author + " updated a message: " + text
	}
	if m.WasEdited() {
		text += " (edited)"
	}
	return author + ": " + text
}

// ============================================================================
// users
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List all users of the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		progress := &progressPrinter{what: "users"}
		s, err := connect(ctx, progress)
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer s.Close()

		users, err := s.ctl.CacheAllUsers(ctx)
		progress.done()
		if err != nil {
			return err
		}

		if usersJSON {
			return printJSON(users)
		}
		for _, u := range users {
			fmt.Printf("  @%-24s %s\n", u.Username, u.Name)
		}
		fmt.Printf("%d users\n", len(users))
		return nil
	},
}

// ============================================================================
// channels
// ============================================================================

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List public chat rooms of the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		progress := &progressPrinter{what: "channels"}
		s, err := connect(ctx, progress)
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer s.Close()

		rooms, err := s.ctl.ListChannels(ctx)
		progress.done()
		if err != nil {
			return err
		}

		if channelsJSON {
			raw := make([]json.RawMessage, 0, len(rooms))
			for _, r := range rooms {
				raw = append(raw, r.Raw())
			}
			return printJSON(raw)
		}
		for _, r := range rooms {
			joined := ""
			if r.IsSubscribed() {
				joined = " (joined)"
			}
			fmt.Printf("  %-30s %s%s\n", r.Label(), r.Topic, joined)
		}
		return nil
	},
}

// progressPrinter reports paginated loads on stderr.
type progressPrinter struct {
	rocketterm.NopCallbacks
	what    string
	printed bool
}

func (p *progressPrinter) UserListProgress(loaded, total int)    { p.print(loaded, total) }
func (p *progressPrinter) ChannelListProgress(loaded, total int) { p.print(loaded, total) }

func (p *progressPrinter) print(loaded, total int) {
	p.printed = true
	fmt.Fprintf(os.Stderr, "\rloading %s: %d/%s", p.what, loaded, countLabel(total))
}

func (p *progressPrinter) done() {
	if p.printed {
		fmt.Fprintln(os.Stderr)
	}
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <room> <message>",
	Short: "Send a message to a room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		s := connectCLI(ctx)
		defer s.Close()

		room, err := findRoom(s.ctl, args[0])
		if err != nil {
			return err
		}
		if sendThread > 0 {
			root, err := messageByNumber(ctx, s.ctl, room, sendThread)
			if err != nil {
				return err
			}
			s.ctl.SelectThread(room, root)
		}

		id, err := s.ctl.SendMessage(ctx, room, args[1])
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Message sent to %s\n", room.Label())
		fmt.Printf("  Message ID: %s\n", id)
		return nil
	},
}

// messageByNumber finds message nr, loading history until it is cached.
func messageByNumber(ctx context.Context, ctl *rocketterm.Controller, room *rocketterm.Room, nr int) (*rocketterm.Message, error) {
	for {
		if m, ok := ctl.MessageByNumber(room, nr); ok {
			return m, nil
		}
		if ctl.HistoryComplete(room) {
			return nil, fmt.Errorf("no message #%d in %s", nr, room.Label())
		}
		added, err := ctl.LoadMoreMessages(ctx, room, 0)
		if err != nil {
			return nil, err
		}
		if len(added) == 0 {
			return nil, fmt.Errorf("no message #%d in %s", nr, room.Label())
		}
	}
}

func init() {
	roomsCmd.Flags().BoolVar(&roomsAll, "all", false, "Include hidden rooms")
	roomsCmd.Flags().BoolVar(&roomsJSON, "json", false, "Output raw JSON")

	historyCmd.Flags().IntVarP(&historyCount, "count", "n", 20, "Number of messages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	usersCmd.Flags().BoolVar(&usersJSON, "json", false, "Output JSON")
	channelsCmd.Flags().BoolVar(&channelsJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().IntVar(&sendThread, "thread", 0, "Reply in the thread of message number N")

	rootCmd.AddCommand(roomsCmd, historyCmd, usersCmd, channelsCmd, sendCmd)
}
