// Package counter is the demo tool server behind the counter app: four tools
// over a pluggable Store and the app document they link to.
package counter

import (
	"context"
	"fmt"

	"github.com/ggoodman/mcp-apps-go/mcp"
	"github.com/ggoodman/mcp-apps-go/mcpserver"
)

// ResourceURI identifies the counter's app document.
const ResourceURI = "ui://counter/mcp-app.html"

// Store owns the counter value. Implementations must apply Add atomically so
// concurrent callers each observe the value their own delta produced.
type Store interface {
	Get(ctx context.Context) (int64, error)
	Add(ctx context.Context, delta int64) (int64, error)
	Reset(ctx context.Context) error
}

type amountArgs struct {
	Amount *int64 `json:"amount,omitempty" jsonschema:"description=Amount to apply (default: 1),default=1"`
}

func (a amountArgs) value() int64 {
	if a.Amount == nil {
		return 1
	}
	return *a.Amount
}

// noArgs is the input of the tools that take no arguments.
type noArgs struct{}

// Value is the structured content of every counter tool result.
type Value struct {
	Value int64 `json:"value"`
}

// Tools returns the counter tools operating on store.
func Tools(store Store) []mcpserver.Tool {
	return []mcpserver.Tool{
		mcpserver.NewToolWithOutput[noArgs, Value]("get-counter",
			func(ctx context.Context, w mcpserver.ToolResponseWriterTyped[Value], _ *mcpserver.ToolRequest[noArgs]) error {
				v, err := store.Get(ctx)
				if err != nil {
					return fmt.Errorf("get counter: %w", err)
				}
				w.SetStructured(Value{Value: v})
				return w.AppendText(fmt.Sprintf("Current counter value: %d", v))
			},
			mcpserver.WithToolDescription("Returns the current counter value and displays an interactive UI."),
			mcpserver.WithToolMeta(mcp.ToolUIMeta(ResourceURI)),
		),
		addTool(store, "increment-counter", "Increments the counter by a specified amount.", 1, "Counter incremented to: %d"),
		addTool(store, "decrement-counter", "Decrements the counter by a specified amount.", -1, "Counter decremented to: %d"),
		mcpserver.NewToolWithOutput[noArgs, Value]("reset-counter",
			func(ctx context.Context, w mcpserver.ToolResponseWriterTyped[Value], _ *mcpserver.ToolRequest[noArgs]) error {
				if err := store.Reset(ctx); err != nil {
					return fmt.Errorf("reset counter: %w", err)
				}
				w.SetStructured(Value{})
				return w.AppendText("Counter reset to 0")
			},
			mcpserver.WithToolDescription("Resets the counter to zero."),
		),
	}
}

func addTool(store Store, name, desc string, sign int64, format string) mcpserver.Tool {
	return mcpserver.NewToolWithOutput[amountArgs, Value](name,
		func(ctx context.Context, w mcpserver.ToolResponseWriterTyped[Value], r *mcpserver.ToolRequest[amountArgs]) error {
			v, err := store.Add(ctx, sign*r.Args().value())
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			w.SetStructured(Value{Value: v})
			return w.AppendText(fmt.Sprintf(format, v))
		},
		mcpserver.WithToolDescription(desc),
	)
}

// NewServer builds the counter tool server: the four tools plus the app
// document resource.
func NewServer(store Store, doc *Document, opts ...mcpserver.Option) *mcpserver.Server {
	base := []mcpserver.Option{
		mcpserver.WithTools(Tools(store)...),
		mcpserver.WithResources(doc.Resource()),
	}
	return mcpserver.New(mcp.ImplementationInfo{Name: "MCP Demo Counter App", Version: "1.0.0"}, append(base, opts...)...)
}
