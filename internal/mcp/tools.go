package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/duplex-voice-agent/internal/logging"
)

var (
	ErrUnknownItem   = errors.New("unknown item")
	ErrOutOfStock    = errors.New("not enough stock")
	ErrBadQuantity   = errors.New("quantity must be at least 1")
	ErrBadDateFormat = errors.New("date must be formatted YYYY-MM-DD")
)

// Order is one placed order.
type Order struct {
	ID       string    `json:"id"`
	Item     string    `json:"item"`
	Quantity int       `json:"quantity"`
	At       time.Time `json:"at"`
}

// Inventory backs the tool server. A nil stock map accepts any item in any
// quantity.
type Inventory struct {
	mu     sync.Mutex
	stock  map[string]int
	closed map[string]bool
	orders []Order
	now    func() time.Time
}

func NewInventory(stock map[string]int, closedDates ...string) *Inventory {
	inv := &Inventory{closed: make(map[string]bool), now: time.Now}
	if stock != nil {
		inv.stock = make(map[string]int, len(stock))
		for k, v := range stock {
			inv.stock[normalize(k)] = v
		}
	}
	for _, d := range closedDates {
		inv.closed[strings.TrimSpace(d)] = true
	}
	return inv
}

func normalize(item string) string { return strings.ToLower(strings.TrimSpace(item)) }

// Order reserves qty units of item.
func (inv *Inventory) Order(item string, qty int) (Order, error) {
	if qty < 1 {
		return Order{}, ErrBadQuantity
	}
	key := normalize(item)
	if key == "" {
		return Order{}, ErrUnknownItem
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.stock != nil {
		have, ok := inv.stock[key]
		if !ok {
			return Order{}, fmt.Errorf("%w: %s", ErrUnknownItem, item)
		}
		if have < qty {
			return Order{}, fmt.Errorf("%w: %d %s left", ErrOutOfStock, have, item)
		}
		inv.stock[key] = have - qty
	}
	o := Order{ID: uuid.NewString(), Item: key, Quantity: qty, At: inv.now()}
	inv.orders = append(inv.orders, o)
	return o, nil
}

// Available reports whether date is open. Past dates never are.
func (inv *Inventory) Available(date string) (bool, error) {
	d, err := time.Parse(time.DateOnly, strings.TrimSpace(date))
	if err != nil {
		return false, ErrBadDateFormat
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	today, _ := time.Parse(time.DateOnly, inv.now().Format(time.DateOnly))
	if d.Before(today) {
		return false, nil
	}
	return !inv.closed[d.Format(time.DateOnly)], nil
}

// Orders returns every order placed so far, oldest first.
func (inv *Inventory) Orders() []Order {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := append([]Order(nil), inv.orders...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

type OrderArgs struct {
	ItemName string `json:"item_name" jsonschema:"name of the item to order"`
	Quantity int    `json:"quantity" jsonschema:"number of units, at least 1"`
}

type AvailabilityArgs struct {
	Date string `json:"date" jsonschema:"the date to check, formatted YYYY-MM-DD"`
}

func textResult(text string, isErr bool) *sdk.CallToolResult {
	return &sdk.CallToolResult{
		Content: []sdk.Content{&sdk.TextContent{Text: text}},
		IsError: isErr,
	}
}

// NewToolServer exposes inv as the order_items and check_availability tools.
func NewToolServer(inv *Inventory, version string) *sdk.Server {
	server := sdk.NewServer(&sdk.Implementation{Name: "voice-agent-tools", Version: version}, nil)

	sdk.AddTool(server, &sdk.Tool{
		Name:        "order_items",
		Description: "Place an order for a number of units of one inventory item.",
	}, func(ctx context.Context, req *sdk.CallToolRequest, args OrderArgs) (*sdk.CallToolResult, any, error) {
		o, err := inv.Order(args.ItemName, args.Quantity)
		if err != nil {
			logging.Infow("tools: order rejected", "item", args.ItemName, "quantity", args.Quantity, "err", err)
			return textResult("Order could not be placed: "+err.Error(), true), nil, nil
		}
		logging.Infow("tools: order placed", "order.id", o.ID, "item", o.Item, "quantity", o.Quantity)
		return textResult(fmt.Sprintf("Order for %d %s has been placed successfully.", o.Quantity, args.ItemName), false), nil, nil
	})

	sdk.AddTool(server, &sdk.Tool{
		Name:        "check_availability",
		Description: "Check whether a date is available for delivery or booking.",
	}, func(ctx context.Context, req *sdk.CallToolRequest, args AvailabilityArgs) (*sdk.CallToolResult, any, error) {
		ok, err := inv.Available(args.Date)
		if err != nil {
			return textResult(err.Error(), true), nil, nil
		}
		if ok {
			return textResult(args.Date+" is available.", false), nil, nil
		}
		return textResult(args.Date+" is not available.", false), nil, nil
	})
	return server
}

// WebSocketHandler accepts MCP connections over websocket and serves each
// with server until the peer disconnects.
func WebSocketHandler(server *sdk.Server) http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnw("tools: websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		go func() {
			sess, err := server.Connect(context.Background(), NewWebSocketTransport(conn, r.RemoteAddr), nil)
			if err != nil {
				logging.Warnw("tools: mcp connect failed", "remote", r.RemoteAddr, "err", err)
				_ = conn.Close()
				return
			}
			if err := sess.Wait(); err != nil {
				logging.Debugw("tools: mcp session ended", "remote", r.RemoteAddr, "err", err)
			}
		}()
	})
}
