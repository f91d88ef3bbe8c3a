package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ensemble-stats/ensemble-stats/ensemble/server"
	"github.com/ensemble-stats/ensemble-stats/ensemble/transport/kafka"
)

var (
	rank      int      // Server rank of this process
	consumers int      // Number of server ranks in the study
	node      string   // Node name reported to the launcher
	brokers   []string // Kafka seed brokers, overriding the study file
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run one server rank of a study over Kafka",
	Run: func(cmd *cobra.Command, args []string) {
		study, err := loadStudy(viper.GetString("study"))
		if err != nil {
			logrus.Fatalf("Failed to load study: %v", err)
		}
		nodeName := viper.GetString("node")
		if nodeName == "" {
			nodeName, _ = os.Hostname()
		}
		cfg, err := study.ServerConfig(viper.GetInt("rank"), viper.GetInt("consumers"), nodeName)
		if err != nil {
			logrus.Fatalf("Invalid server configuration: %v", err)
		}
		seeds := viper.GetStringSlice("brokers")
		if len(seeds) == 0 {
			seeds = study.Kafka.Brokers
		}
		if len(seeds) == 0 {
			logrus.Fatalf("No kafka brokers configured")
		}
		topics := kafka.Topics{Study: study.Name}

		pub, err := kafka.NewPublisher(seeds, topics)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		defer pub.Close()

		srv, err := server.New(cfg, pub)
		if err != nil {
			logrus.Fatalf("Failed to create server: %v", err)
		}
		if err := study.registerFields(srv); err != nil {
			logrus.Fatalf("Failed to register fields: %v", err)
		}
		if err := srv.Restore(); err != nil {
			logrus.Fatalf("Failed to restore checkpoint: %v", err)
		}

		src, err := kafka.NewSource(seeds, topics, cfg.Rank)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		defer src.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logrus.Infof("Serving study %q as rank %d/%d on %s", study.Name, cfg.Rank, cfg.Consumers, nodeName)
		err = srv.Run(ctx, src)
		if errors.Is(err, context.Canceled) {
			logrus.Warnf("Interrupted, writing final checkpoint")
			// Failures are already logged; the previous checkpoint and the
			// committed offsets stay consistent.
			_ = srv.Persist(context.Background())
		} else if err != nil {
			logrus.Fatalf("Server rank %d stopped: %v", cfg.Rank, err)
		}
		logrus.Infof("Rank %d done: %d simulations fully processed, %d protocol anomalies",
			cfg.Rank, srv.Registry().Completed(), srv.Anomalies())
	},
}

func init() {
	serveCmd.Flags().IntVar(&rank, "rank", 0, "Server rank of this process")
	serveCmd.Flags().IntVar(&consumers, "consumers", 1, "Number of server ranks")
	serveCmd.Flags().StringVar(&node, "node", "", "Node name reported to the launcher (default hostname)")
	serveCmd.Flags().StringSliceVar(&brokers, "brokers", nil, "Kafka seed brokers (default from the study file)")
	bindFlags(serveCmd, "rank", "consumers", "node", "brokers")
}
