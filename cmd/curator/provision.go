package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/arkstore/curator/metastore"
	"github.com/arkstore/curator/storagerpc"
)

// provisionCmd prepares the metadata store for a fresh cluster: it writes
// the initial max-group-id watermark if it was never set.  Harmless to run
// against a store that is already provisioned.
var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Initializes the metadata store key schema",

	Run: func(cmd *cobra.Command, args []string) {
		_, logger := getLogger()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		metaSession, err := metastore.NewSession(ctx, metastore.SessionOptions{
			Logger:    logger.Named("metastore"),
			Endpoints: viper.GetStringSlice("meta-endpoint"),
		})
		if err != nil {
			logger.Fatal("failed to connect to the metadata store", zap.Error(err))
		}
		defer func() {
			if err := metaSession.Close(); err != nil {
				logger.Warn("failed to close metadata store session", zap.Error(err))
			}
		}()

		_, err = storagerpc.FirstEntry(metaSession.ReadLatest(ctx, metastore.MaxGroupKey))
		if err == nil {
			logger.Info("max group watermark already present, nothing to do")
			return
		}
		if !errors.Is(err, storagerpc.ErrNotFound) {
			logger.Fatal("failed to read max group watermark", zap.Error(err))
		}

		_, err = storagerpc.FirstEntry(metaSession.Write(ctx, metastore.MaxGroupKey, []byte("0")))
		if err != nil {
			logger.Fatal("failed to initialize max group watermark", zap.Error(err))
		}

		logger.Info("metadata store provisioned",
			zap.String("watermarkKey", metastore.MaxGroupKey),
			zap.String("coupleMetaPrefix", metastore.CoupleMetaPrefix))
	},
}

func init() {
	rootCmd.AddCommand(provisionCmd)
}
