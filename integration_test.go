//go:build integration

package rocketterm_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rocketterm/rocketterm"
)

// helpers ---------------------------------------------------------------

func serverURL(t *testing.T) string {
	t.Helper()
	u := os.Getenv("RC_SERVER_URL_TEST")
	if u == "" {
		t.Fatal("RC_SERVER_URL_TEST environment variable is required")
	}
	return u
}

func token(t *testing.T) string {
	t.Helper()
	tok := os.Getenv("RC_TOKEN_TEST")
	if tok == "" {
		t.Fatal("RC_TOKEN_TEST environment variable is required")
	}
	return tok
}

func connect(t *testing.T) *rocketterm.Comm {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	comm := rocketterm.NewComm(
		rocketterm.NewRESTClient(serverURL(t)),
		rocketterm.NewRealtimeSession(serverURL(t), nil),
		nil,
	)
	if _, err := comm.Connect(ctx, rocketterm.TokenLogin{Token: token(t)}); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	t.Cleanup(func() { comm.Close() })
	return comm
}

func startController(t *testing.T, comm *rocketterm.Comm) *rocketterm.Controller {
	t.Helper()
	ctl := rocketterm.NewController(comm, rocketterm.WithSeedHistory(5))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := ctl.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(func() { ctl.Stop() })
	return ctl
}

// =======================================================================
// Group 1: Server API
// =======================================================================

func TestIntegration_ServerInfo(t *testing.T) {
	comm := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	info, err := comm.ServerInfo(ctx)
	if err != nil {
		t.Fatalf("ServerInfo returned error: %v", err)
	}
	if info.Version == "" {
		t.Error("expected non-empty Version")
	}
	t.Logf("server version %s", info.Version)

	me, err := comm.LoggedInUser(ctx)
	if err != nil {
		t.Fatalf("LoggedInUser returned error: %v", err)
	}
	if me.ID == "" || me.Username == "" {
		t.Errorf("incomplete user record: %+v", me)
	}
}

func TestIntegration_RoomsAndSubscriptions(t *testing.T) {
	comm := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rooms, err := comm.JoinedRooms(ctx)
	if err != nil {
		t.Fatalf("JoinedRooms returned error: %v", err)
	}
	subs, err := comm.Subscriptions(ctx)
	if err != nil {
		t.Fatalf("Subscriptions returned error: %v", err)
	}
	t.Logf("%d rooms, %d subscriptions", len(rooms), len(subs))
	if len(rooms) != len(subs) {
		t.Errorf("room and subscription counts differ: %d != %d", len(rooms), len(subs))
	}
}

// =======================================================================
// Group 2: Controller
// =======================================================================

func TestIntegration_Controller_Lifecycle(t *testing.T) {
	comm := connect(t)
	ctl := startController(t, comm)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	visible := ctl.VisibleRooms()
	t.Logf("%d visible rooms", len(visible))
	if len(visible) == 0 {
		t.Skip("account has no open rooms")
	}

	ok, err := ctl.SelectRoom(ctx, visible[0])
	if err != nil {
		t.Fatalf("SelectRoom returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected room to be selected")
	}

	msgs, err := ctl.LoadMoreMessages(ctx, visible[0], 10)
	if err != nil {
		t.Fatalf("LoadMoreMessages returned error: %v", err)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Number() >= msgs[i-1].Number() {
			t.Errorf("numbers not descending: #%d then #%d", msgs[i-1].Number(), msgs[i].Number())
		}
	}
	t.Logf("loaded %d older messages, history complete: %v", len(msgs), ctl.HistoryComplete(visible[0]))
}

func TestIntegration_Controller_SendAndReceive(t *testing.T) {
	room := os.Getenv("RC_ROOM_TEST")
	if room == "" {
		t.Skip("RC_ROOM_TEST not set")
	}
	comm := connect(t)
	ctl := startController(t, comm)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	r, ok := ctl.RoomByLabel(room)
	if !ok {
		t.Fatalf("room %s not joined", room)
	}
	text := fmt.Sprintf("integration_%d", time.Now().UnixNano())
	id, err := ctl.SendMessage(ctx, r, text)
	if err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}

	deadline := time.After(20 * time.Second)
	for {
		if _, ok := ctl.MessageByID(r, id); ok {
			break
		}
		select {
		case <-ctl.Events():
			ctl.ProcessEvents()
		case <-deadline:
			t.Fatalf("message %s never arrived", id)
		}
	}

	msg, _ := ctl.MessageByID(r, id)
	if msg.Text != text {
		t.Errorf("got text %q, want %q", msg.Text, text)
	}
	if err := ctl.DeleteMessage(ctx, msg); err != nil {
		t.Errorf("DeleteMessage returned error: %v", err)
	}
}

func TestIntegration_Directory(t *testing.T) {
	comm := connect(t)
	ctl := startController(t, comm)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	users, err := ctl.CacheAllUsers(ctx)
	if err != nil {
		t.Fatalf("CacheAllUsers returned error: %v", err)
	}
	found := false
	for _, u := range users {
		if u.ID == ctl.LocalUser().ID {
			found = true
		}
	}
	if !found {
		t.Error("local user missing from the user list")
	}

	st, err := ctl.GetPresence(ctx, ctl.LocalUser().ID, true)
	if err != nil {
		t.Fatalf("GetPresence returned error: %v", err)
	}
	t.Logf("own presence %s %q", st.Presence, st.Text)
}
