/************************************************************************************
 *
 * relay, a Discord Gateway + REST connection substrate for Go
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 ************************************************************************************/

// Command relaybot is a minimal demonstration of wiring relay.Client:
// connect every recommended shard, log lifecycle events, and exit
// cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sqlu/relay"
)

func main() {
	token := os.Getenv("DISCORD_TOKEN")
	if token == "" {
		log.Fatal("DISCORD_TOKEN must be set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := relay.NewDefaultLogger(os.Stdout, relay.LogLevelInfo)

	client, err := relay.New(ctx,
		relay.WithToken(token),
		relay.WithLogger(logger),
		relay.WithIntents(
			relay.GatewayIntentGuilds,
			relay.GatewayIntentGuildMessages,
			relay.GatewayIntentMessageContent,
		),
		relay.WithHandlerExecutionMode(relay.HandlerExecutionAsync),
	)
	if err != nil {
		log.Fatalf("relay.New: %v", err)
	}

	client.OnReady(func(e relay.ReadyEvent) {
		logger.WithField("shard_id", e.ShardID).WithField("session_id", e.SessionID).
			Info("shard ready")
	})
	client.OnAllReady(func(e relay.AllReadyEvent) {
		logger.WithField("shard_id", e.ShardID).Info("shard fully warmed up")
	})
	client.OnClose(func(e relay.CloseEvent) {
		logger.WithField("shard_id", e.ShardID).WithField("code", e.Code).
			WithField("clean", e.Clean).Warn("shard connection closed")
	})
	client.OnShardError(func(e relay.ShardErrorEvent) {
		logger.WithField("shard_id", e.ShardID).WithField("error", e.Err).
			Error("shard error")
	})
	client.OnRaw(func(e relay.RawEvent) {
		if e.Name == "MESSAGE_CREATE" {
			logger.WithField("shard_id", e.ShardID).Debug("message create received")
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("signal received, shutting down")
		cancel()
	}()

	if err := client.Start(); err != nil {
		log.Fatalf("client.Start: %v", err)
	}
}
