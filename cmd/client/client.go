package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"swapbook/internal/common"
	swapNet "swapbook/internal/net"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type serializer interface {
	Serialize() ([]byte, error)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// 1. CLI Parameter Parsing
	serverAddr := flag.String("server", "127.0.0.1:9001", "Address of the exchange server")
	owner := flag.String("owner", "", "Username acting as maker or taker")
	action := flag.String("action", "listen", "Action to perform: ['approve', 'place', 'take', 'query', 'balance', 'listen']")

	// Order Parameters
	sellAsset := flag.String("sell", "STK", "Ticker to escrow (max 4 chars)")
	buyAsset := flag.String("buy", "BTK", "Ticker wanted in return (max 4 chars)")
	sellAmount := flag.Uint64("sell-amount", 0, "Quantity to escrow")
	buyAmount := flag.Uint64("buy-amount", 0, "Quantity wanted in return")

	// Approve / Balance Parameters
	asset := flag.String("asset", "STK", "Ticker to approve or query")
	amount := flag.Uint64("amount", 0, "Quantity to approve")

	// Take / Query Parameters
	id := flag.Uint64("id", 0, "Order id to take or query")

	// Keep listening for broadcasts after the reply.
	follow := flag.Bool("follow", false, "Keep printing reports after the reply")

	flag.Parse()

	act := strings.ToLower(*action)
	if *owner == "" && act != "query" && act != "listen" {
		fmt.Println("Error: -owner is compulsory for this action.")
		flag.Usage()
		os.Exit(1)
	}

	// Connect to Server
	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		log.Fatal().Err(err).Str("server", *serverAddr).Msg("failed to connect to server")
	}
	defer conn.Close()
	fmt.Printf("Connected to %s as '%s'\n", *serverAddr, *owner)

	user := common.Address(*owner)

	// Execute Action
	var msg serializer
	switch act {
	case "approve":
		msg = swapNet.ApproveMessage{Asset: common.AssetID(*asset), Amount: *amount, Username: user}
	case "place":
		msg = swapNet.PlaceOrderMessage{
			SellAsset:  common.AssetID(*sellAsset),
			BuyAsset:   common.AssetID(*buyAsset),
			SellAmount: *sellAmount,
			BuyAmount:  *buyAmount,
			Username:   user,
		}
	case "take":
		msg = swapNet.TakeOrderMessage{OrderID: common.OrderID(*id), Username: user}
	case "query":
		msg = swapNet.QueryOrderMessage{OrderID: common.OrderID(*id)}
	case "balance":
		msg = swapNet.BalanceMessage{Asset: common.AssetID(*asset), Username: user}
	case "listen":
		fmt.Println("\nListening for reports... (Press Ctrl+C to exit)")
		readReports(conn, nil)
		return
	default:
		log.Fatal().Str("action", *action).Msg("unknown action")
	}

	payload, err := msg.Serialize()
	if err != nil {
		log.Fatal().Err(err).Msg("unable to encode request")
	}
	if err := swapNet.WriteFrame(conn, payload); err != nil {
		log.Fatal().Err(err).Msg("unable to send request")
	}

	// Print broadcasts until our reply arrives.
	isReply := func(r swapNet.Report) bool {
		switch r.MessageType {
		case swapNet.AckReport, swapNet.ErrorReport, swapNet.OrderInfoReport, swapNet.BalanceReport:
			return true
		}
		return false
	}
	if *follow {
		readReports(conn, nil)
		return
	}
	if err := conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		log.Fatal().Err(err).Msg("unable to set deadline")
	}
	readReports(conn, isReply)
}

// readReports prints reports until stop returns true for one of them, or the
// connection ends.
func readReports(conn net.Conn, stop func(swapNet.Report) bool) {
	for {
		frame, err := swapNet.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Error().Err(err).Msg("connection lost")
			}
			return
		}

		report, err := swapNet.ParseReport(frame)
		if err != nil {
			log.Error().Err(err).Msg("unable to parse report")
			continue
		}
		printReport(report)

		if stop != nil && stop(report) {
			return
		}
	}
}

func printReport(r swapNet.Report) {
	switch r.MessageType {
	case swapNet.ErrorReport:
		fmt.Printf("[SERVER ERROR] code=%d %s\n", r.Code, r.Err)
	case swapNet.AckReport:
		fmt.Printf("[ACK] id=%d\n", r.OrderID)
	case swapNet.BalanceReport:
		fmt.Printf("[BALANCE] %s holds %d %s\n", r.Maker, r.SellAmount, r.SellAsset)
	case swapNet.OrderPlacedReport:
		fmt.Printf("[PLACED] id=%d %s sells %d %s for %d %s\n",
			r.OrderID, r.Maker, r.SellAmount, r.SellAsset, r.BuyAmount, r.BuyAsset)
	case swapNet.OrderSettledReport:
		fmt.Printf("[SETTLED] id=%d taken by %s from %s\n", r.OrderID, r.Taker, r.Maker)
	case swapNet.OrderInfoReport:
		fmt.Printf("[ORDER] id=%d maker=%s %d %s -> %d %s finished=%t\n",
			r.OrderID, r.Maker, r.SellAmount, r.SellAsset, r.BuyAmount, r.BuyAsset, r.Finished)
	}
}
