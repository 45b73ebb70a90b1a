package appbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-apps-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-apps-go/internal/logctx"
	"github.com/ggoodman/mcp-apps-go/internal/outbound"
	"github.com/ggoodman/mcp-apps-go/mcp"
)

var (
	// ErrUnsupported is returned for requests the host did not offer during
	// the handshake.
	ErrUnsupported = errors.New("appbridge: not supported by host")
	// ErrRefused is returned when the host answered a UI request with isError.
	ErrRefused = errors.New("appbridge: refused by host")
)

// CallTool invokes a server tool through the host. Calls may be issued
// concurrently; each resolves exactly once with its own response.
//
// A host-reported failure returns a *ToolCallError (with the result, when
// the tool produced one). A call left unanswered past its budget returns a
// *TimeoutError, and a call still pending when the session closes fails with
// ErrConnectionLost.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: name})
	resp, err := s.request(ctx, mcp.ToolsCallMethod, mcp.CallToolRequestSent{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &ToolCallError{Tool: name, RPC: resp.Error}
	}
	var res mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		return nil, fmt.Errorf("%w: tools/call result: %w", ErrMalformedMessage, err)
	}
	if res.IsError {
		return &res, &ToolCallError{Tool: name, Result: &res}
	}
	return &res, nil
}

// OpenLink asks the host to open url outside the app.
func (s *Session) OpenLink(ctx context.Context, url string) error {
	if s.HostCapabilities().OpenLinks == nil && s.State() == StateConnected {
		return fmt.Errorf("%w: %s", ErrUnsupported, mcp.UIOpenLinkMethod)
	}
	return s.uiRequest(ctx, mcp.UIOpenLinkMethod, mcp.OpenLinkRequest{URL: url})
}

// SendMessage asks the host to add a message to its conversation.
func (s *Session) SendMessage(ctx context.Context, role string, content ...mcp.ContentBlock) error {
	if s.HostCapabilities().Message == nil && s.State() == StateConnected {
		return fmt.Errorf("%w: %s", ErrUnsupported, mcp.UIMessageMethod)
	}
	return s.uiRequest(ctx, mcp.UIMessageMethod, mcp.UIMessageRequest{Role: role, Content: content})
}

// NotifySizeChanged tells the host the app's rendered size.
func (s *Session) NotifySizeChanged(ctx context.Context, width, height float64) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	return s.notify(ctx, mcp.UISizeChangedNotificationMethod, mcp.SizeChangedParams{Width: width, Height: height})
}

// Ping checks that the host is responsive.
func (s *Session) Ping(ctx context.Context) error {
	resp, err := s.request(ctx, mcp.PingMethod, nil)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return &RemoteError{RPC: resp.Error}
	}
	return nil
}

// ProtocolVersion returns the Apps protocol version agreed during the handshake.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

func (s *Session) uiRequest(ctx context.Context, method mcp.Method, params any) error {
	resp, err := s.request(ctx, method, params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return &RemoteError{RPC: resp.Error}
	}
	var res mcp.UIResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			return fmt.Errorf("%w: %s result: %w", ErrMalformedMessage, method, err)
		}
	}
	if res.IsError {
		return fmt.Errorf("%w: %s", ErrRefused, method)
	}
	return nil
}

// request issues one correlated request. It fails with ErrNotConnected
// without touching the transport unless the session is Connected.
func (s *Session) request(ctx context.Context, method mcp.Method, params any) (*jsonrpc.Response, error) {
	if s.State() != StateConnected {
		return nil, ErrNotConnected
	}
	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}
	resp, err := s.out.Call(ctx, string(method), params)
	if err != nil {
		switch {
		case errors.Is(err, outbound.ErrTimeout):
			return nil, &TimeoutError{Method: string(method), Budget: s.callTimeout, Err: err}
		case errors.Is(err, outbound.ErrRemoteCancelled):
			return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		return nil, err
	}
	return resp, nil
}
