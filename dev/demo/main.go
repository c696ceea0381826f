package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/leaguechat/feed"
	"github.com/mqy/leaguechat/scope"
	"github.com/mqy/leaguechat/ws"
)

// The demo client joins a chat as one identity, prints what happens in it and
// sends a message on every tick.

var (
	flagServer   = flag.String("server", "ws://127.0.0.1:8000/ws", "websocket endpoint")
	flagIdentity = flag.String("identity", "demo@example.com", "identity to chat as")
	flagScope    = flag.String("scope", string(scope.KindGlobal), "scope: global, league or dm")
	flagLeague   = flag.String("league", "42", "league id, for -scope=league")
	flagPeer     = flag.String("peer", "", "peer identity, for -scope=dm")
	flagReact    = flag.String("react", "", "emoji to toggle on every message from others, empty to disable")

	tickerDuration = flag.Duration("ticker-duration", 30*time.Second, "ticker duration")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	header := http.Header{}
	header.Set("Cookie", "x-identity="+*flagIdentity)
	conn, _, err := websocket.DefaultDialer.Dial(*flagServer, header)
	if err != nil {
		glog.Errorf("dial %s error: %v", *flagServer, err)
		os.Exit(1)
	}
	defer conn.Close()

	addr := ws.ClientMsg{
		Scope:    scope.Kind(*flagScope),
		LeagueID: *flagLeague,
		Peer:     *flagPeer,
	}

	writeC := make(chan *ws.ClientMsg, 8)
	go recvLoop(conn, addr, writeC)

	sub := addr
	sub.ReqID, sub.Type = "sub", ws.TypeSubscribe
	writeC <- &sub

	ticker := time.NewTicker(*tickerDuration)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	for i := 1; ; i++ {
		select {
		case <-sigCh:
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			msg := addr
			msg.ReqID, msg.Type = fmt.Sprintf("send-%d", i), ws.TypeSend
			msg.Text = fmt.Sprintf("hello #%d from %s", i, *flagIdentity)
			writeC <- &msg
		case msg := <-writeC:
			if err := conn.WriteJSON(msg); err != nil {
				glog.Errorf("write error: %v", err)
				return
			}
		}
	}
}

func recvLoop(conn *websocket.Conn, addr ws.ClientMsg, writeC chan<- *ws.ClientMsg) {
	for {
		var msg ws.ServerMsg
		if err := conn.ReadJSON(&msg); err != nil {
			glog.Errorf("read error: %v", err)
			os.Exit(1)
		}

		switch msg.Type {
		case ws.TypeSnapshot:
			fmt.Printf("subscribed to %s, %d messages:\n", msg.Scope, len(msg.Messages))
			for _, m := range msg.Messages {
				fmt.Printf("  %s: %s\n", m.SenderName, render(m.Text, m.Deleted))
			}
		case ws.TypeEvent:
			m := msg.Message
			fmt.Printf("[%s] %s: %s (v%d, %d reactions)\n", msg.Event, m.SenderName, render(m.Text, m.Deleted), m.Version, len(m.Reactions))
			if *flagReact != "" && msg.Event == feed.Added && m.SenderIdentity != *flagIdentity {
				react := addr
				react.ReqID, react.Type = "react-"+m.ID, ws.TypeReact
				react.ID, react.Emoji = m.ID, *flagReact
				writeC <- &react
			}
		case ws.TypeError:
			fmt.Printf("error %s: %s (%s)\n", msg.ReqID, msg.Error.Message, msg.Error.Code)
		}
	}
}

func render(text string, deleted bool) string {
	if deleted {
		return "<deleted>"
	}
	return strings.TrimSpace(text)
}
