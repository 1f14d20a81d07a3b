// Package main provides exchanged, the energy-exchange core daemon and its
// one-shot operational commands.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kkorel/energy-exchange/internal/cli"
	"github.com/kkorel/energy-exchange/internal/p2pnode"
	"github.com/kkorel/energy-exchange/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.exchange", "Data directory")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		selfID      = flag.String("self-id", "exchange-node", "This node's identifier, used as the protocol coordinator's self ID")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Usage = usage
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("exchanged %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	command := flag.Arg(0)
	if command == "" {
		usage()
		os.Exit(1)
	}

	app, err := cli.NewApp(expandPath(*dataDir), *selfID, log)
	if err != nil {
		log.Fatal("failed to initialize app", "err", err)
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switch command {
	case "serve":
		runServe(ctx, app, expandPath(*dataDir), log)
	case "place-trade":
		runPlaceTrade(ctx, app)
	case "verify-trade":
		runVerifyTrade(ctx, app)
	case "reconcile-expired":
		runReconcileExpired(ctx, app)
	case "run-scenarios":
		runRunScenarios(ctx)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		usage()
		os.Exit(1)
	}
}

// runServe starts the P2P node, the verifier, and the agent background
// loops and blocks until interrupted, the way the teacher's main.go starts
// the node/RPC server and waits on sigCh.
func runServe(ctx context.Context, app *cli.App, dataDir string, log *logging.Logger) {
	cfg, err := p2pnode.LoadConfig(dataDir)
	if err != nil {
		log.Fatal("failed to load p2p config", "err", err)
	}

	n, err := p2pnode.New(ctx, cfg)
	if err != nil {
		log.Fatal("failed to create p2p node", "err", err)
	}

	n.SetPeerStoreAdapter(p2pnode.NewPeerStoreAdapter(app.Store))
	if err := n.LoadPersistedPeers(); err != nil {
		log.Warn("failed to load persisted peers", "err", err)
	}
	if err := n.SetupDirectMessaging(app.Store); err != nil {
		log.Warn("failed to set up direct messaging", "err", err)
	}
	if err := n.Start(); err != nil {
		log.Fatal("failed to start p2p node", "err", err)
	}
	if handler := n.TradeHandler(); handler != nil {
		handler.OnMessage(p2pnode.TradeMsgOrderPlace, remoteOrderPlaceHandler(app, handler, log))
		broadcastActiveOffers(ctx, app, handler, log)
	}
	log.Info("p2p node started", "peer_id", n.ID().String())

	app.Verifier.Start()
	app.Agent.Start()
	log.Info("exchanged serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down...")
	if err := n.SavePeerCache(); err != nil {
		log.Error("failed to save peer cache", "err", err)
	}
	app.Verifier.Stop()
	app.Agent.Stop()
	if err := n.Stop(); err != nil {
		log.Error("failed to stop p2p node", "err", err)
	}
	log.Info("goodbye!")
}

// remoteOrderPlaceHandler drives a peer's order_place message through the
// same discover/select/init/confirm pipeline place-trade uses locally, then
// publishes a status_update reply on the trade topic so the requesting peer
// learns whether its order was accepted.
func remoteOrderPlaceHandler(app *cli.App, handler *p2pnode.TradeHandler, log *logging.Logger) p2pnode.TradeMessageHandler {
	return func(ctx context.Context, msg *p2pnode.TradeMessage) error {
		var payload p2pnode.OrderPlacePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			log.Warn("malformed order_place payload", "from", msg.FromPeer, "err", err)
			return nil
		}
		log.Info("peer order_place received", "offer_id", msg.OfferID, "buyer_id", payload.BuyerID, "from", msg.FromPeer)

		orderID := msg.OrderID
		status, detail := "placed", ""
		result, err := app.PlaceTrade(ctx, payload.BuyerID, msg.OfferID, payload.RequestedKWh)
		if err != nil {
			status, detail = "rejected", err.Error()
			log.Warn("peer order_place rejected", "offer_id", msg.OfferID, "buyer_id", payload.BuyerID, "err", err)
		} else {
			orderID = result.OrderID
			log.Info("peer order_place settled", "order_id", result.OrderID, "offer_id", msg.OfferID)
		}

		reply, err := p2pnode.NewStatusUpdateMessage(orderID, status, detail)
		if err != nil {
			return fmt.Errorf("failed to build status_update reply: %w", err)
		}
		if err := handler.SendMessage(ctx, reply); err != nil {
			log.Warn("failed to publish order_place status reply", "order_id", orderID, "err", err)
		}
		return nil
	}
}

// broadcastActiveOffers announces every locally-published active offer on
// the trade topic once at startup, so peers who join after an offer was
// created still learn about it instead of only seeing offers published
// while they happen to be connected.
func broadcastActiveOffers(ctx context.Context, app *cli.App, handler *p2pnode.TradeHandler, log *logging.Logger) {
	offers, err := app.Store.ListActiveOffers()
	if err != nil {
		log.Warn("failed to list active offers for startup broadcast", "err", err)
		return
	}

	for _, offer := range offers {
		blocks, err := app.Store.ListAvailableBlocks(offer.ID)
		if err != nil {
			log.Warn("failed to list blocks for offer broadcast", "offer_id", offer.ID, "err", err)
			continue
		}
		if len(blocks) == 0 {
			continue
		}

		var qty float64
		start, end := blocks[0].DeliveryHourStart, blocks[0].DeliveryHourStart
		for _, b := range blocks {
			qty += b.QuantityKWh
			if b.DeliveryHourStart.Before(start) {
				start = b.DeliveryHourStart
			}
			if b.DeliveryHourStart.After(end) {
				end = b.DeliveryHourStart
			}
		}

		msg, err := p2pnode.NewOfferAnnounceMessage(offer.ID, &p2pnode.OfferAnnouncePayload{
			ProviderID:     offer.SellerID,
			PricePerKWh:    offer.PricePerKWh,
			MaxQuantityKWh: qty,
			DeliveryStart:  start.Unix(),
			DeliveryEnd:    end.Unix(),
		})
		if err != nil {
			log.Warn("failed to build offer_announce message", "offer_id", offer.ID, "err", err)
			continue
		}
		if err := handler.SendMessage(ctx, msg); err != nil {
			log.Warn("failed to broadcast offer_announce", "offer_id", offer.ID, "err", err)
		}
	}
}

func runPlaceTrade(ctx context.Context, app *cli.App) {
	fs := flag.NewFlagSet("place-trade", flag.ExitOnError)
	buyerID := fs.String("buyer", "", "Buyer user ID")
	offerID := fs.String("offer", "", "Offer ID to purchase against")
	qty := fs.Float64("qty", 0, "Requested quantity in kWh")
	fs.Parse(flag.Args()[1:])

	if *buyerID == "" || *offerID == "" || *qty <= 0 {
		fmt.Fprintln(os.Stderr, "place-trade requires -buyer, -offer, and -qty")
		os.Exit(1)
	}

	result, err := app.PlaceTrade(ctx, *buyerID, *offerID, *qty)
	if emitErr := cli.Emit(os.Stdout, result, err); emitErr != nil {
		fmt.Fprintln(os.Stderr, emitErr)
	}
	if err != nil {
		os.Exit(1)
	}
}

func runVerifyTrade(ctx context.Context, app *cli.App) {
	fs := flag.NewFlagSet("verify-trade", flag.ExitOnError)
	orderID := fs.String("order", "", "Order ID to verify")
	fs.Parse(flag.Args()[1:])

	if *orderID == "" {
		fmt.Fprintln(os.Stderr, "verify-trade requires -order")
		os.Exit(1)
	}

	result, err := app.VerifyTrade(ctx, *orderID)
	if emitErr := cli.Emit(os.Stdout, result, err); emitErr != nil {
		fmt.Fprintln(os.Stderr, emitErr)
	}
	if err != nil {
		os.Exit(1)
	}
}

func runReconcileExpired(ctx context.Context, app *cli.App) {
	result, err := app.ReconcileExpired(ctx)
	if emitErr := cli.Emit(os.Stdout, result, err); emitErr != nil {
		fmt.Fprintln(os.Stderr, emitErr)
	}
	if err != nil {
		os.Exit(1)
	}
}

func runRunScenarios(ctx context.Context) {
	fs := flag.NewFlagSet("run-scenarios", flag.ExitOnError)
	name := fs.String("name", "", "Run only this scenario (default: all)")
	fs.Parse(flag.Args()[1:])

	results, err := cli.RunScenarios(ctx, *name)
	if emitErr := cli.Emit(os.Stdout, results, err); emitErr != nil {
		fmt.Fprintln(os.Stderr, emitErr)
	}
	if err != nil {
		os.Exit(1)
	}
	for _, r := range results {
		if !r.Passed {
			os.Exit(1)
		}
	}
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: exchanged [flags] <command>")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  serve               run the verifier and agent background loops")
	fmt.Fprintln(os.Stderr, "  place-trade         -buyer -offer -qty")
	fmt.Fprintln(os.Stderr, "  verify-trade        -order")
	fmt.Fprintln(os.Stderr, "  reconcile-expired")
	fmt.Fprintln(os.Stderr, "  run-scenarios       [-name]")
	flag.PrintDefaults()
}
