/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/farmx/apiserver/config"
	"github.com/farmx/apiserver/internal/logger"
	"github.com/farmx/apiserver/internal/mq"
	"github.com/farmx/apiserver/types"
)

// eventsCmd follows upload events published by the server.
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Log upload events from the configured message broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		log := logger.New(cfg.LogLevel, cfg.LogFormat)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		broker, err := mq.Open(ctx, cfg.MQ)
		if err != nil {
			return fmt.Errorf("open message broker: %w", err)
		}
		if broker == nil {
			return errors.New("MQ_BACKEND is none; nothing to follow")
		}
		defer broker.Close()

		log.Info("following upload events", slog.String("topic", cfg.MQ.UploadTopic))
		err = broker.SubscribeKind(ctx, cfg.MQ.UploadTopic, types.EventAssetUploaded, uploadEventLogger(log))
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
}

func uploadEventLogger(log *slog.Logger) mq.Handler {
	return func(ctx context.Context, msg mq.Message) error {
		var asset types.UploadedAsset
		if err := json.Unmarshal(msg.Data, &asset); err != nil {
			// Redelivering a message we cannot decode would loop forever.
			log.WarnContext(ctx, "skipping undecodable upload event",
				slog.String("message_id", msg.ID), slog.Any("error", err))
			return nil
		}
		log.InfoContext(ctx, "asset uploaded",
			slog.String("message_id", msg.ID),
			slog.String("name", asset.GeneratedName),
			slog.String("url", asset.RetrievalURL),
			slog.Int64("size", asset.Size),
		)
		return nil
	}
}
