// Command trigger publishes one event onto the Redis bus, the same way the
// service's POST /api/triggers endpoint does.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"subscription-service/bus"
	"subscription-service/codec"
	"subscription-service/domain"
	"subscription-service/events"
	"subscription-service/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger <topic> [value]",
		Short: "Publish a trigger onto the subscription bus",
		Long: "Publishes value under topic on the Redis bus. value is JSON; anything " +
			"that does not parse as JSON is sent as a string.",
		Args:         cobra.RangeArgs(1, 2),
		SilenceUsage: true,
		RunE:         runTrigger,
	}
	cmd.Flags().String("redis", os.Getenv("REDIS_CONNECTION_STRING"), "Redis URL or host:port,password=...,ssl=true")
	cmd.Flags().String("operation", "", "created | updated | deleted (default: custom event)")
	cmd.Flags().Duration("timeout", 10*time.Second, "Publish timeout")
	return cmd
}

func runTrigger(cmd *cobra.Command, args []string) error {
	conn, _ := cmd.Flags().GetString("redis")
	operation, _ := cmd.Flags().GetString("operation")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if conn == "" {
		return fmt.Errorf("missing --redis or REDIS_CONNECTION_STRING")
	}

	req := events.Request{Topic: args[0], Operation: operation}
	if len(args) == 2 {
		value, err := rawValue(args[1])
		if err != nil {
			return err
		}
		req.Value = value
	}

	opts, err := config.RedisOptions(conn)
	if err != nil {
		return err
	}
	rc := redis.NewClient(opts)
	defer rc.Close()
	logger := log.New()
	logger.SetOutput(cmd.ErrOrStderr())
	b := bus.NewRedisBus(rc, bus.RedisBusConfig{}, logger)
	defer b.Close()

	pub := events.NewPublisher(b, codec.New(func() domain.Model { return &domain.SomeModel{} }))
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if err := pub.TriggerRequest(ctx, req); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published to %s\n", req.Topic)
	return nil
}

func rawValue(arg string) ([]byte, error) {
	if sonic.ConfigStd.Valid([]byte(arg)) {
		return []byte(arg), nil
	}
	data, err := sonic.ConfigStd.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return data, nil
}
