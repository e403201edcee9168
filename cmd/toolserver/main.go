package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/duplex-voice-agent/internal/logging"
	"github.com/duplex-voice-agent/internal/mcp"
)

// parseStock reads "widget=10,gadget=3". An empty string means unlimited.
func parseStock(s string) (map[string]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	stock := make(map[string]int)
	for _, part := range strings.Split(s, ",") {
		name, qty, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, errors.New("stock entries must look like name=quantity")
		}
		n, err := strconv.Atoi(strings.TrimSpace(qty))
		if err != nil || n < 0 {
			return nil, errors.New("stock quantity must be a non-negative integer: " + part)
		}
		stock[strings.TrimSpace(name)] = n
	}
	return stock, nil
}

func newMux(inv *mcp.Inventory) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/mcp/ws", mcp.WebSocketHandler(mcp.NewToolServer(inv, "v0.1.0")))
	return mux
}

func main() {
	stdio := len(os.Args) > 1 && os.Args[1] == "stdio"
	if stdio {
		// stdout carries the protocol
		os.Setenv("LOG_OUTPUT", "stderr")
	}
	sugar := logging.Init()
	defer logging.Sync()

	stock, err := parseStock(os.Getenv("TOOLS_STOCK"))
	if err != nil {
		sugar.Fatalf("TOOLS_STOCK: %v", err)
	}
	var closed []string
	if v := os.Getenv("TOOLS_CLOSED_DATES"); v != "" {
		closed = strings.Split(v, ",")
	}
	inv := mcp.NewInventory(stock, closed...)

	// stdio mode lets the agent start this binary itself
	if stdio {
		if err := mcp.NewToolServer(inv, "v0.1.0").Run(context.Background(), &sdk.StdioTransport{}); err != nil {
			sugar.Warnw("tool server exited", "err", err)
		}
		return
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "9001"
	}
	srv := &http.Server{Addr: ":" + port, Handler: newMux(inv), ReadHeaderTimeout: 5 * time.Second}
	sugar.Infow("tool server listening", "addr", srv.Addr, "items", len(stock), "closed_dates", len(closed))
	if err := srv.ListenAndServe(); err != nil {
		sugar.Fatalw("tool server stopped", "err", err)
	}
}
