package mcpserver

import (
	"context"

	"github.com/ggoodman/mcp-apps-go/mcp"
)

// ResourceReader produces the contents of one resource on demand.
type ResourceReader func(ctx context.Context, uri string) ([]mcp.ResourceContents, error)

// Resource pairs a resource descriptor with its reader.
type Resource struct {
	Descriptor mcp.Resource
	Read       ResourceReader
}

// StaticResource serves fixed text contents.
func StaticResource(desc mcp.Resource, text string) Resource {
	return Resource{
		Descriptor: desc,
		Read: func(_ context.Context, uri string) ([]mcp.ResourceContents, error) {
			return []mcp.ResourceContents{{URI: uri, MimeType: desc.MimeType, Text: text}}, nil
		},
	}
}
