// publishevent puts one catalog event on the shared-state events channel, the way a business
// process would. Every server subscribed to the channel delivers it to its local connections.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"bizhub/realtime/internal/config"
	"bizhub/realtime/internal/gateway"
	"bizhub/realtime/internal/logging"
	"bizhub/realtime/internal/state"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		targetKind, targetID, event string
		ref, text                   string
		quantity, minimum           int
	)
	flagSet := pflag.NewFlagSet("publishevent", pflag.ContinueOnError)
	flagSet.StringVar(&targetKind, "target", "identity", "identity, role or broadcast")
	flagSet.StringVar(&targetID, "id", "", "identity or role id")
	flagSet.StringVar(&event, "event", gateway.EventNotificationNew, "event name")
	flagSet.StringVar(&ref, "ref", "", "order, notification or appointment id; part name for stock:alert")
	flagSet.StringVar(&text, "text", "", "order status, notification body or booking code")
	flagSet.IntVar(&quantity, "quantity", 0, "stock:alert quantity")
	flagSet.IntVar(&minimum, "minimum", 0, "stock:alert minimum")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	ts := gateway.Timestamp(time.Now())
	var ev gateway.Event
	switch event {
	case gateway.EventOrderUpdated:
		ev = gateway.OrderUpdatedEvent{OrderID: ref, Status: text, Ts: ts}
	case gateway.EventNotificationNew:
		ev = gateway.NotificationEvent{NotificationID: ref, Body: text, Ts: ts}
	case gateway.EventBookingConfirmed:
		ev = gateway.BookingConfirmedEvent{AppointmentID: ref, Code: text, Ts: ts}
	case gateway.EventStockAlert:
		ev = gateway.StockAlertEvent{PartName: ref, Quantity: quantity, Minimum: minimum, Ts: ts}
	default:
		return fmt.Errorf("unknown event %q", event)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New("development", cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shared := state.New(ctx, state.Options{URL: cfg.RedisURL, DialTimeout: cfg.DialTimeout()}, logger)
	defer func() { _ = shared.Close() }()
	if !shared.Available() {
		return errors.New("shared state unavailable; set REDIS_URL")
	}

	target := gateway.Target{Kind: gateway.TargetKind(targetKind), ID: targetID}
	if err := gateway.NewPublisher(shared, cfg.EventsChannel).Publish(ctx, target, ev); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "published %s to %s\n", ev.Name(), target.Group())
	return nil
}
