// Command kafkafast runs the distributed log consumer's coordination
// engine as a standalone process: it loads configuration, joins the group
// registry, starts the consume loop, and serves the admin status/metrics
// surface until signaled to stop.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/Shopify/sarama"
	"github.com/mailgun/log"

	"github.com/mohitnagrath/kafka-fast/adminhttp"
	"github.com/mohitnagrath/kafka-fast/config"
	"github.com/mohitnagrath/kafka-fast/consumeloop"
	"github.com/mohitnagrath/kafka-fast/group"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional; defaults are used otherwise)")
	adminAddr := flag.String("admin-addr", ":19092", "address the admin status/metrics HTTP surface listens on")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorf("failed to load config: err=(%s)", err)
		os.Exit(1)
	}

	reg, err := group.New(cfg.Redis, cfg.HostName)
	if err != nil {
		log.Errorf("failed to connect to group registry: err=(%s)", err)
		os.Exit(1)
	}
	if err := reg.Join(context.Background()); err != nil {
		log.Errorf("failed to join group: err=(%s)", err)
		os.Exit(1)
	}

	saramaConf := sarama.NewConfig()
	saramaConf.Version = sarama.V2_1_0_0

	consumer, err := consumeloop.New(cfg, reg, saramaConf)
	if err != nil {
		log.Errorf("failed to start consume loop: err=(%s)", err)
		os.Exit(1)
	}

	admin, err := adminhttp.New(*adminAddr, consumer)
	if err != nil {
		log.Errorf("failed to start admin HTTP server: err=(%s)", err)
		os.Exit(1)
	}
	admin.Start()

	go drainMessages(consumer)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Infof("received signal %s, shutting down", sig)
	case err := <-admin.ErrorCh():
		log.Errorf("admin HTTP server stopped: err=(%s)", err)
	}

	admin.Stop()
	consumer.Close()
	if err := reg.Close(); err != nil {
		log.Errorf("failed to close group registry: err=(%s)", err)
	}
}

// drainMessages is the default sink used when this engine is run as a
// standalone process rather than embedded in a larger application: it logs
// every consumed message. Embedding applications should call
// consumer.Messages() or consumer.ReadMessage directly instead.
func drainMessages(consumer *consumeloop.Consumer) {
	for msg := range consumer.Messages() {
		log.Infof("consumed %s/%d@%d", msg.Topic, msg.Partition, msg.Offset)
	}
}
