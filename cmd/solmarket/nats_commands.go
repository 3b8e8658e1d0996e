package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/solmarket/service/nats"
	"github.com/brojonat/solmarket/service/notify"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand streams notification events from JetStream.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:  "subscribe",
		Usage: "Stream notification events",
		Description: `Subscribe to the notifications the service publishes to NATS JetStream.

Events are published to the subject: notify.{kind}.{target_id}

Examples:
  solmarket nats subscribe
  solmarket nats subscribe --kind dm --target 42 --json`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "kind",
				Usage: "Only events of this kind (dm, channel)",
			},
			&cli.StringFlag{
				Name:  "target",
				Usage: "Only events for this user or channel ID",
			},
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "solmarket-cli",
			},
		},
		Action: func(c *cli.Context) error {
			subject, err := subjectFilter(c.String("kind"), c.String("target"))
			if err != nil {
				return err
			}
			return streamNotifications(c.String("nats-url"), subject, c.Bool("durable"), c.String("consumer-name"), c.Bool("json"))
		},
	}
}

// subjectFilter builds the subject to consume for an optional kind and target.
func subjectFilter(kind, target string) (string, error) {
	switch notify.Kind(kind) {
	case "", notify.KindDM, notify.KindChannel:
	default:
		return "", fmt.Errorf("invalid kind %q: must be dm or channel", kind)
	}
	if kind == "" {
		if target != "" {
			return "", fmt.Errorf("--target requires --kind")
		}
		return natspkg.StreamSubjects, nil
	}
	if target == "" {
		return fmt.Sprintf("notify.%s.*", kind), nil
	}
	return (&natspkg.NotificationEvent{Kind: notify.Kind(kind), TargetID: target}).Subject(), nil
}

// streamNotifications connects to NATS and prints events until interrupted.
func streamNotifications(natsURL, subject string, durable bool, consumerName string, jsonOutput bool) error {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if !jsonOutput {
		fmt.Printf("📡 Subscribing to: %s\n", subject)
		fmt.Printf("   NATS: %s\n", natsURL)
		if durable {
			fmt.Printf("   Consumer: %s (durable)\n", consumerName)
		}
		fmt.Printf("\nWaiting for notifications... (Ctrl-C to exit)\n\n")
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}
	if durable {
		consumerConfig.Durable = consumerName
		consumerConfig.Name = consumerName
	}

	cons, err := js.CreateOrUpdateConsumer(context.Background(), natspkg.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	msgChan := make(chan jetstream.Msg, 10)
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer consumeCtx.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			var event natspkg.NotificationEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				if !jsonOutput {
					fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				}
				msg.Ack()
				continue
			}
			count++

			if jsonOutput {
				data, _ := json.Marshal(event)
				fmt.Println(string(data))
			} else {
				fmt.Printf("─────────────────────────────────────────────────────\n")
				fmt.Printf("Notification #%d → %s %s (%s)\n", count, event.Kind, event.TargetID, event.PublishedAt.Format(time.RFC3339))
				fmt.Printf("%s\n\n", event.Message)
			}
			msg.Ack()

		case <-sigChan:
			if !jsonOutput {
				fmt.Printf("\n\n✅ Received %d notifications\n", count)
			}
			return nil
		}
	}
}

// inspectStreamCommand shows information about the notification stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the NOTIFICATIONS JetStream stream",
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			stream, err := js.Stream(context.Background(), natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}
			info, err := stream.Info(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if wantsJSON(c) {
				return output(c, info)
			}

			fmt.Printf("Stream: %s\n", info.Config.Name)
			fmt.Printf("─────────────────────────────────────────────────────\n")
			fmt.Printf("Description:  %s\n", info.Config.Description)
			fmt.Printf("Subjects:     %v\n", info.Config.Subjects)
			fmt.Printf("Messages:     %d\n", info.State.Msgs)
			fmt.Printf("Bytes:        %d\n", info.State.Bytes)
			fmt.Printf("First Seq:    %d\n", info.State.FirstSeq)
			fmt.Printf("Last Seq:     %d\n", info.State.LastSeq)
			fmt.Printf("Consumers:    %d\n", info.State.Consumers)
			fmt.Printf("Max Age:      %s\n", info.Config.MaxAge)
			fmt.Printf("Storage:      %s\n", info.Config.Storage)
			return nil
		},
	}
}
