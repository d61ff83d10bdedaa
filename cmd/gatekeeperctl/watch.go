package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v3"

	"cmdgate/events"
)

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "stream live exec.denied / exec.finished events",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			wsURL := toWebsocketURL(cmd.Root().String("addr")) + "/v1/events"

			conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
			if err != nil {
				return fmt.Errorf("gatekeeperctl: connect to event stream: %w", err)
			}
			defer conn.Close()

			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return fmt.Errorf("gatekeeperctl: event stream closed: %w", err)
				}

				event, err := events.Unmarshal(data)
				if err != nil {
					fmt.Println(string(data))
					continue
				}

				switch e := event.(type) {
				case events.Denied:
					fmt.Printf("DENIED  %s  %s  (%s)\n", e.RunID, strings.Join(e.Command, " "), e.Reason)
				case events.Finished:
					status := "ok"
					if !e.Success {
						status = "fail"
					}
					fmt.Printf("FINISHED %s  %s  exit=%d %s\n", e.RunID, e.CmdText, e.ExitCode, status)
				}
			}
		},
	}
}

func toWebsocketURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return httpURL
	}
}
