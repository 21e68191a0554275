package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/concierge/internal/service"
)

// buildStockWorkflow assembles the demo stock-exchange workflow: browse for
// a stock, transact on it, review the portfolio. The transact stage requires
// a selected symbol and quantity before it can be entered.
func buildStockWorkflow() (*service.Workflow, error) {
	browse := service.NewStage("browse", "Browse and search stocks").
		Prompt("Search for stocks and add a selection to your cart.").
		Tool(service.Tool{
			Name:        "search",
			Description: "Search for a stock",
			InputSchema: objectSchema(map[string]any{
				"symbol": map[string]any{
					"type":        "string",
					"description": "Stock symbol like AAPL, GOOGL",
				},
			}, "symbol"),
			Handler: func(_ context.Context, _ *service.SessionState, args map[string]any) (any, error) {
				symbol, err := stringArg(args, "symbol")
				if err != nil {
					return nil, err
				}

				return map[string]any{
					"result": fmt.Sprintf("Found %s: $150.00", symbol),
					"symbol": symbol,
					"price":  150.00,
				}, nil
			},
		}).
		Tool(service.Tool{
			Name:        "add_to_cart",
			Description: "Add stock to cart (updates state directly)",
			InputSchema: objectSchema(map[string]any{
				"symbol": map[string]any{
					"type":        "string",
					"description": "Stock symbol like AAPL, GOOGL",
				},
				"quantity": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"description": "Number of shares",
				},
			}, "symbol", "quantity"),
			Handler: func(ctx context.Context, state *service.SessionState, args map[string]any) (any, error) {
				symbol, err := stringArg(args, "symbol")
				if err != nil {
					return nil, err
				}
				quantity, err := intArg(args, "quantity")
				if err != nil {
					return nil, err
				}

				if err := state.Set(ctx, "symbol", symbol); err != nil {
					return nil, err
				}
				if err := state.Set(ctx, "quantity", quantity); err != nil {
					return nil, err
				}

				return map[string]any{
					"result": fmt.Sprintf("Added %d shares of %s", quantity, symbol),
				}, nil
			},
		}).
		Tool(service.Tool{
			Name:        "view_history",
			Description: "View stock price history",
			InputSchema: objectSchema(map[string]any{
				"symbol": map[string]any{
					"type":        "string",
					"description": "Stock symbol like AAPL, GOOGL",
				},
			}, "symbol"),
			Handler: func(_ context.Context, _ *service.SessionState, args map[string]any) (any, error) {
				symbol, err := stringArg(args, "symbol")
				if err != nil {
					return nil, err
				}

				return map[string]any{
					"result": fmt.Sprintf("%s history: [100, 120, 150]", symbol),
				}, nil
			},
		})

	transact := service.NewStage("transact", "Buy or sell stocks").
		Prompt("Buy or sell the selected stock.").
		Prerequisites("symbol", "quantity").
		Tool(service.Tool{
			Name:        "buy",
			Description: "Buy the selected stock",
			InputSchema: objectSchema(map[string]any{}),
			OutputSchema: objectSchema(map[string]any{
				"order_id": map[string]any{"type": "string"},
				"status":   map[string]any{"type": "string"},
			}, "order_id", "status"),
			Handler: orderHandler("Bought"),
		}).
		Tool(service.Tool{
			Name:        "sell",
			Description: "Sell the selected stock",
			InputSchema: objectSchema(map[string]any{}),
			OutputSchema: objectSchema(map[string]any{
				"order_id": map[string]any{"type": "string"},
				"status":   map[string]any{"type": "string"},
			}, "order_id", "status"),
			Handler: orderHandler("Sold"),
		})

	portfolio := service.NewStage("portfolio", "View portfolio and profits").
		Prompt("Review your holdings and profit.").
		Tool(service.Tool{
			Name:        "view_holdings",
			Description: "View current holdings",
			InputSchema: objectSchema(map[string]any{}),
			Handler: func(context.Context, *service.SessionState, map[string]any) (any, error) {
				return map[string]any{
					"result": "Holdings: AAPL: 10 shares, GOOGL: 5 shares",
					"holdings": []map[string]any{
						{"symbol": "AAPL", "shares": 10},
						{"symbol": "GOOGL", "shares": 5},
					},
				}, nil
			},
		}).
		Tool(service.Tool{
			Name:        "view_profit",
			Description: "View profit/loss",
			InputSchema: objectSchema(map[string]any{}),
			Handler: func(context.Context, *service.SessionState, map[string]any) (any, error) {
				return map[string]any{"result": "Total profit: +$1,234.56"}, nil
			},
		})

	return service.NewWorkflow("stock_exchange", "Simple stock trading").
		Stage(browse).
		Stage(transact).
		Stage(portfolio).
		Transitions(browse, transact, portfolio).
		Transitions(transact, portfolio, browse).
		Transitions(portfolio, browse).
		StatePolicy(browse, transact, service.Transfer("symbol", "quantity")).
		StatePolicy(browse, portfolio, service.TransferAllState()).
		Build()
}

// orderHandler executes a buy or sell against the cart in session state.
func orderHandler(verb string) service.ToolHandler {
	return func(ctx context.Context, state *service.SessionState, _ map[string]any) (any, error) {
		symbol, err := state.Get(ctx, "symbol")
		if err != nil {
			return nil, err
		}
		quantity, err := state.Get(ctx, "quantity")
		if err != nil {
			return nil, err
		}

		return map[string]any{
			"order_id": "ORD-" + ulid.Make().String(),
			"status":   fmt.Sprintf("%s %v shares of %v", verb, quantity, symbol),
		}, nil
	}
}

// registerStockWidgets binds a dynamic holdings widget to the view_holdings
// tool. Reading the widget before calling the tool fails by design.
func registerStockWidgets(widgets *service.WidgetRegistry) error {
	return widgets.Register(&service.Widget{
		URI:         "ui://widget/holdings",
		Name:        "holdings",
		Title:       "Portfolio Holdings",
		Description: "Holdings table rendered from the last view_holdings call",
		Tool:        "view_holdings",
		Template: `<table>
{{- range .holdings }}
<tr><td>{{ .symbol }}</td><td>{{ .shares }}</td></tr>
{{- end }}
</table>`,
		Invoking: "Loading holdings...",
		Invoked:  "Holdings ready",
	})
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	if required == nil {
		required = []string{}
	}

	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}

func stringArg(args map[string]any, key string) (string, error) {
	value, ok := args[key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("missing or invalid '%s' parameter", key)
	}

	return value, nil
}

func intArg(args map[string]any, key string) (int, error) {
	switch v := args[key].(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("missing or invalid '%s' parameter", key)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("missing or invalid '%s' parameter", key)
	}
}
