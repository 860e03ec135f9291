package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/websocket"

	"github.com/waypointhq/waypoint/common/bootstrap"
	"github.com/waypointhq/waypoint/common/server"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients connect from the flow editor on another origin.
		return true
	},
}

func main() {
	ctx := context.Background()

	// Events service needs Redis only; runs and flows stay in the engine.
	components, err := bootstrap.Setup(ctx, "events", bootstrap.WithoutDB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap events service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	if components.Redis == nil {
		fmt.Fprintln(os.Stderr, "events service requires REDIS_ENABLED=true")
		os.Exit(1)
	}

	hub := NewHub(components.Logger)
	go hub.Run()

	subscriber := NewSubscriber(components.Redis.GetUnderlying(), hub, components.Logger)
	go func() {
		if err := subscriber.Start(ctx); err != nil && err != context.Canceled {
			components.Logger.Error("run event subscription ended", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handleWebSocket(hub, components))
	mux.HandleFunc("/health", server.HealthHandler())

	srv := server.New("events", components.Config.Service.Port, mux, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}

// handleWebSocket upgrades the connection and subscribes it to one topic:
// a run (?runId=), a flow (?flowId=), or the firehose.
func handleWebSocket(hub *Hub, components *bootstrap.Components) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic := "*"
		if runID := r.URL.Query().Get("runId"); runID != "" {
			topic = "run:" + runID
		} else if flowID := r.URL.Query().Get("flowId"); flowID != "" {
			topic = "flow:" + flowID
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			components.Logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		client := NewClient(hub, conn, topic)
		hub.register <- client
		components.Logger.Info("websocket connected", "topic", topic, "remote", r.RemoteAddr)

		go client.writePump()
		go client.readPump()
	}
}
