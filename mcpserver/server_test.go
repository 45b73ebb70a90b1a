package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-apps-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-apps-go/mcp"
)

type echoArgs struct {
	Message string `json:"message" jsonschema:"description=Text to echo"`
	Times   int    `json:"times,omitempty" jsonschema:"default=1"`
}

type echoOut struct {
	Echoed string `json:"echoed"`
}

func echoTool() Tool {
	return NewToolWithOutput[echoArgs, echoOut]("echo",
		func(ctx context.Context, w ToolResponseWriterTyped[echoOut], r *ToolRequest[echoArgs]) error {
			out := r.Args().Message
			for i := 1; i < r.Args().Times; i++ {
				out += " " + r.Args().Message
			}
			_ = w.AppendText(out)
			w.SetStructured(echoOut{Echoed: out})
			return nil
		},
		WithToolDescription("Echo a message"),
		WithToolMeta(mcp.ToolUIMeta("ui://echo/app.html")),
	)
}

func blockingTool(started chan<- struct{}) Tool {
	return NewTool[struct{}]("block", func(ctx context.Context, w ToolResponseWriter, r *ToolRequest[struct{}]) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
}

func request(t *testing.T, id any, method mcp.Method, params any) *jsonrpc.AnyMessage {
	t.Helper()
	req, err := jsonrpc.NewNotification(string(method), params)
	if err != nil {
		t.Fatal(err)
	}
	if id != nil {
		req.ID = jsonrpc.NewRequestID(id)
	}
	b, err := jsonrpc.Encode(req)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := b.Decode()
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func initialized(t *testing.T, srv *Server) *Session {
	t.Helper()
	sess := srv.NewSession("s1")
	resp := sess.Handle(context.Background(), request(t, 0, mcp.InitializeMethod, mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "test", Version: "1"},
	}))
	if resp.Error != nil {
		t.Fatalf("initialize: %v", resp.Error)
	}
	return sess
}

func TestInitializeNegotiatesVersion(t *testing.T) {
	t.Parallel()

	srv := New(mcp.ImplementationInfo{Name: "srv", Version: "1"}, WithTools(echoTool()), WithInstructions("be nice"))
	for _, tc := range []struct{ asked, want string }{
		{mcp.LatestProtocolVersion, mcp.LatestProtocolVersion},
		{"2025-03-26", "2025-03-26"},
		{"1999-01-01", mcp.LatestProtocolVersion},
	} {
		sess := srv.NewSession("s")
		resp := sess.Handle(context.Background(), request(t, 1, mcp.InitializeMethod, mcp.InitializeRequest{ProtocolVersion: tc.asked}))
		var res mcp.InitializeResult
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			t.Fatal(err)
		}
		if res.ProtocolVersion != tc.want || sess.ProtocolVersion() != tc.want {
			t.Fatalf("asked %s: got %s", tc.asked, res.ProtocolVersion)
		}
		if res.Capabilities.Tools == nil || res.Capabilities.Resources != nil {
			t.Fatalf("capabilities = %+v", res.Capabilities)
		}
		if res.Instructions != "be nice" || res.ServerInfo.Name != "srv" {
			t.Fatalf("result = %+v", res)
		}
	}
}

func TestRequestsBeforeInitializeAreRejected(t *testing.T) {
	t.Parallel()

	sess := New(mcp.ImplementationInfo{Name: "srv"}, WithTools(echoTool())).NewSession("s")
	resp := sess.Handle(context.Background(), request(t, 1, mcp.ToolsListMethod, nil))
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", resp)
	}
	if resp := sess.Handle(context.Background(), request(t, 2, mcp.PingMethod, nil)); resp.Error != nil {
		t.Fatalf("ping before initialize: %v", resp.Error)
	}
}

func TestToolsListAndSchema(t *testing.T) {
	t.Parallel()

	sess := initialized(t, New(mcp.ImplementationInfo{Name: "srv"}, WithTools(echoTool())))
	resp := sess.Handle(context.Background(), request(t, 1, mcp.ToolsListMethod, nil))
	var res mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Tools) != 1 {
		t.Fatalf("tools = %+v", res.Tools)
	}
	tool := res.Tools[0]
	if tool.Description != "Echo a message" {
		t.Fatalf("description = %q", tool.Description)
	}
	if uri, ok := mcp.ToolUIResourceURI(tool); !ok || uri != "ui://echo/app.html" {
		t.Fatalf("ui meta = %+v", tool.Meta)
	}
	msg, ok := tool.InputSchema.Properties["message"]
	if !ok || msg.Type != "string" || msg.Description != "Text to echo" {
		t.Fatalf("message schema = %+v", msg)
	}
	if times := tool.InputSchema.Properties["times"]; times.Type != "integer" || times.Default != float64(1) {
		t.Fatalf("times schema = %+v", times)
	}
	if len(tool.InputSchema.Required) != 1 || tool.InputSchema.Required[0] != "message" {
		t.Fatalf("required = %v", tool.InputSchema.Required)
	}
	if tool.OutputSchema == nil || tool.OutputSchema.Properties["echoed"].Type != "string" {
		t.Fatalf("output schema = %+v", tool.OutputSchema)
	}
}

func TestAnonymousToolTypes(t *testing.T) {
	t.Parallel()

	tool := NewToolWithOutput[struct{}, struct {
		N int `json:"n"`
	}]("anon", func(ctx context.Context, w ToolResponseWriterTyped[struct {
		N int `json:"n"`
	}], _ *ToolRequest[struct{}]) error {
		return w.AppendText("ok")
	})
	in := tool.Descriptor.InputSchema
	if in.Type != "object" || len(in.Properties) != 0 || in.AdditionalProperties {
		t.Fatalf("input schema = %+v", in)
	}
	out := tool.Descriptor.OutputSchema
	if out == nil || out.Properties["n"].Type != "integer" {
		t.Fatalf("output schema = %+v", out)
	}
}

func TestToolsListPagination(t *testing.T) {
	t.Parallel()

	var tools []Tool
	for _, name := range []string{"a", "b", "c"} {
		tools = append(tools, NewTool[struct{}](name, func(context.Context, ToolResponseWriter, *ToolRequest[struct{}]) error { return nil }))
	}
	sess := initialized(t, New(mcp.ImplementationInfo{Name: "srv"}, WithTools(tools...), WithPageSize(2)))

	var names []string
	cursor := ""
	for i := 0; i < 3; i++ {
		resp := sess.Handle(context.Background(), request(t, i+1, mcp.ToolsListMethod, mcp.ListToolsRequest{PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor}}))
		var res mcp.ListToolsResult
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			t.Fatal(err)
		}
		for _, tool := range res.Tools {
			names = append(names, tool.Name)
		}
		if cursor = res.NextCursor; cursor == "" {
			break
		}
	}
	if len(names) != 3 || names[0] != "a" || names[2] != "c" {
		t.Fatalf("names = %v", names)
	}
}

func TestToolsCall(t *testing.T) {
	t.Parallel()

	sess := initialized(t, New(mcp.ImplementationInfo{Name: "srv"}, WithTools(echoTool())))
	ctx := context.Background()

	resp := sess.Handle(ctx, request(t, 1, mcp.ToolsCallMethod, mcp.CallToolRequestSent{Name: "echo", Arguments: map[string]any{"message": "hi", "times": 2}}))
	var res mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.Text() != "hi hi" || res.StructuredContent["echoed"] != "hi hi" || res.IsError {
		t.Fatalf("result = %+v", res)
	}

	// Unknown fields are rejected as a tool error, not a protocol error.
	resp = sess.Handle(ctx, request(t, 2, mcp.ToolsCallMethod, mcp.CallToolRequestSent{Name: "echo", Arguments: map[string]any{"nope": true}}))
	res = mcp.CallToolResult{}
	if err := json.Unmarshal(resp.Result, &res); err != nil || !res.IsError {
		t.Fatalf("expected isError result, got %+v (%v)", resp, err)
	}

	resp = sess.Handle(ctx, request(t, 3, mcp.ToolsCallMethod, mcp.CallToolRequestSent{Name: "missing"}))
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("expected invalid params for unknown tool, got %+v", resp)
	}
}

func TestToolHandlerErrorIsInternal(t *testing.T) {
	t.Parallel()

	failing := NewTool[struct{}]("fail", func(context.Context, ToolResponseWriter, *ToolRequest[struct{}]) error {
		return errors.New("boom")
	})
	sess := initialized(t, New(mcp.ImplementationInfo{Name: "srv"}, WithTools(failing)))
	resp := sess.Handle(context.Background(), request(t, 1, mcp.ToolsCallMethod, mcp.CallToolRequestSent{Name: "fail"}))
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInternalError || resp.Error.Message == "boom" {
		t.Fatalf("expected opaque internal error, got %+v", resp.Error)
	}
}

func TestCancelledNotificationStopsTool(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	sess := initialized(t, New(mcp.ImplementationInfo{Name: "srv"}, WithTools(blockingTool(started))))

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		done <- sess.Handle(context.Background(), request(t, "call-1", mcp.ToolsCallMethod, mcp.CallToolRequestSent{Name: "block"}))
	}()
	<-started
	sess.Handle(context.Background(), request(t, nil, mcp.CancelledNotificationMethod, mcp.CancelledNotification{
		RequestID: jsonrpc.NewRequestID("call-1"),
		Reason:    "user abort",
	}))

	select {
	case resp := <-done:
		if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeRequestCancelled {
			t.Fatalf("expected cancelled, got %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tool did not observe cancellation")
	}
}

func TestResources(t *testing.T) {
	t.Parallel()

	gone := Resource{
		Descriptor: mcp.Resource{URI: "ui://gone", Name: "gone"},
		Read: func(context.Context, string) ([]mcp.ResourceContents, error) {
			return nil, ErrResourceNotFound
		},
	}
	srv := New(mcp.ImplementationInfo{Name: "srv"}, WithResources(
		StaticResource(mcp.Resource{URI: "ui://app", Name: "app", MimeType: mcp.UIResourceMimeType}, "<html/>"),
		gone,
	))
	sess := initialized(t, srv)
	ctx := context.Background()

	resp := sess.Handle(ctx, request(t, 1, mcp.ResourcesListMethod, nil))
	var list mcp.ListResourcesResult
	if err := json.Unmarshal(resp.Result, &list); err != nil || len(list.Resources) != 2 {
		t.Fatalf("list = %+v (%v)", list, err)
	}

	resp = sess.Handle(ctx, request(t, 2, mcp.ResourcesReadMethod, mcp.ReadResourceRequest{URI: "ui://app"}))
	var read mcp.ReadResourceResult
	if err := json.Unmarshal(resp.Result, &read); err != nil {
		t.Fatal(err)
	}
	if len(read.Contents) != 1 || read.Contents[0].Text != "<html/>" || read.Contents[0].MimeType != mcp.UIResourceMimeType {
		t.Fatalf("read = %+v", read)
	}

	for _, uri := range []string{"ui://missing", "ui://gone"} {
		resp = sess.Handle(ctx, request(t, 3, mcp.ResourcesReadMethod, mcp.ReadResourceRequest{URI: uri}))
		if resp.Error == nil || resp.Error.Code != ErrorCodeResourceNotFound {
			t.Fatalf("%s: expected resource not found, got %+v", uri, resp)
		}
	}
}

func TestUnknownMethod(t *testing.T) {
	t.Parallel()

	sess := initialized(t, New(mcp.ImplementationInfo{Name: "srv"}))
	resp := sess.Handle(context.Background(), request(t, 1, "prompts/list", nil))
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp)
	}
}

func TestToolResponseWriterFinalizes(t *testing.T) {
	t.Parallel()

	w := newToolResponseWriter(context.Background())
	_ = w.AppendText("one")
	w.SetMeta("k", "v")
	res := w.Result()
	if err := w.AppendText("two"); !errors.Is(err, ErrFinalized) {
		t.Fatalf("expected ErrFinalized, got %v", err)
	}
	if len(res.Content) != 1 || res.Meta["k"] != "v" {
		t.Fatalf("result = %+v", res)
	}
	if again := w.Result(); len(again.Content) != 1 {
		t.Fatalf("second Result = %+v", again)
	}
}
