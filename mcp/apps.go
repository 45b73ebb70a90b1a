package mcp

import (
	"maps"
	"slices"

	"github.com/ggoodman/mcp-apps-go/internal/jsonrpc"
)

// MCP Apps extension methods. The app is the JSON-RPC client of its host for
// ui/initialize and tools/call; the host pushes the ui/notifications/* events
// and asks for teardown with a request the app must acknowledge.
const (
	UIInitializeMethod              Method = "ui/initialize"
	UIInitializedNotificationMethod Method = "ui/notifications/initialized"

	UIToolInputNotificationMethod          Method = "ui/notifications/tool-input"
	UIToolInputPartialNotificationMethod   Method = "ui/notifications/tool-input-partial"
	UIToolResultNotificationMethod         Method = "ui/notifications/tool-result"
	UIToolCancelledNotificationMethod      Method = "ui/notifications/tool-cancelled"
	UIHostContextChangedNotificationMethod Method = "ui/notifications/host-context-changed"
	UISizeChangedNotificationMethod        Method = "ui/notifications/size-changed"

	UIResourceTeardownMethod Method = "ui/resource-teardown"
	UIOpenLinkMethod         Method = "ui/open-link"
	UIMessageMethod          Method = "ui/message"
)

// LatestAppsProtocolVersion is the Apps extension version spoken by this module.
const LatestAppsProtocolVersion = "2026-01-26"

// UIResourceMimeType marks a resource as an embeddable app document.
const UIResourceMimeType = "text/html;profile=mcp-app"

// ToolUIMetaKey is the _meta key under which a tool links its UI resource.
const ToolUIMetaKey = "ui"

// ToolUIMeta builds the _meta value linking a tool to the UI resource at uri.
func ToolUIMeta(uri string) map[string]any {
	return map[string]any{ToolUIMetaKey: map[string]any{"resourceUri": uri}}
}

// ToolUIResourceURI returns the UI resource linked from a tool descriptor, if any.
func ToolUIResourceURI(t Tool) (string, bool) {
	ui, ok := t.Meta[ToolUIMetaKey].(map[string]any)
	if !ok {
		return "", false
	}
	uri, ok := ui["resourceUri"].(string)
	return uri, ok && uri != ""
}

// DisplayMode is the way a host renders an embedded app.
type DisplayMode string

const (
	DisplayModeInline     DisplayMode = "inline"
	DisplayModeFullscreen DisplayMode = "fullscreen"
	DisplayModePIP        DisplayMode = "pip"
)

// Theme names understood by hosts.
const (
	ThemeLight = "light"
	ThemeDark  = "dark"
)

// SafeAreaInsets are the insets, in pixels, an app must keep clear.
type SafeAreaInsets struct {
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
	Left   float64 `json:"left"`
}

// Viewport describes the space the host gives the app.
type Viewport struct {
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	MaxWidth  float64 `json:"maxWidth,omitzero"`
	MaxHeight float64 `json:"maxHeight,omitzero"`
}

// HostStyles carries theme tokens, usually CSS custom properties.
type HostStyles struct {
	Variables map[string]string `json:"variables,omitempty"`
}

// HostContext is the host-owned snapshot shared with an app. Every field is
// optional; a zero field in a patch means "unchanged".
type HostContext struct {
	Theme                 string          `json:"theme,omitzero"`
	Styles                *HostStyles     `json:"styles,omitempty"`
	DisplayMode           DisplayMode     `json:"displayMode,omitzero"`
	AvailableDisplayModes []DisplayMode   `json:"availableDisplayModes,omitempty"`
	Viewport              *Viewport       `json:"viewport,omitempty"`
	SafeAreaInsets        *SafeAreaInsets `json:"safeAreaInsets,omitempty"`
	Locale                string          `json:"locale,omitzero"`
	TimeZone              string          `json:"timeZone,omitzero"`
	Platform              string          `json:"platform,omitzero"`
}

// Merge returns a copy of c with every field present in patch applied on top.
// Style variables merge key by key; all other fields are replaced whole. The
// receiver and patch are not modified and share no memory with the result.
func (c HostContext) Merge(patch HostContext) HostContext {
	out := c.Clone()
	if patch.Theme != "" {
		out.Theme = patch.Theme
	}
	if patch.Styles != nil {
		if out.Styles == nil {
			out.Styles = &HostStyles{}
		}
		if len(patch.Styles.Variables) > 0 && out.Styles.Variables == nil {
			out.Styles.Variables = make(map[string]string, len(patch.Styles.Variables))
		}
		maps.Copy(out.Styles.Variables, patch.Styles.Variables)
	}
	if patch.DisplayMode != "" {
		out.DisplayMode = patch.DisplayMode
	}
	if patch.AvailableDisplayModes != nil {
		out.AvailableDisplayModes = slices.Clone(patch.AvailableDisplayModes)
	}
	if patch.Viewport != nil {
		v := *patch.Viewport
		out.Viewport = &v
	}
	if patch.SafeAreaInsets != nil {
		in := *patch.SafeAreaInsets
		out.SafeAreaInsets = &in
	}
	if patch.Locale != "" {
		out.Locale = patch.Locale
	}
	if patch.TimeZone != "" {
		out.TimeZone = patch.TimeZone
	}
	if patch.Platform != "" {
		out.Platform = patch.Platform
	}
	return out
}

// Clone returns a deep copy of c.
func (c HostContext) Clone() HostContext {
	out := c
	if c.Styles != nil {
		out.Styles = &HostStyles{Variables: maps.Clone(c.Styles.Variables)}
	}
	out.AvailableDisplayModes = slices.Clone(c.AvailableDisplayModes)
	if c.Viewport != nil {
		v := *c.Viewport
		out.Viewport = &v
	}
	if c.SafeAreaInsets != nil {
		in := *c.SafeAreaInsets
		out.SafeAreaInsets = &in
	}
	return out
}

// SupportsDisplayMode reports whether m is listed as available. An empty list
// means only the current mode is known to work.
func (c HostContext) SupportsDisplayMode(m DisplayMode) bool {
	if len(c.AvailableDisplayModes) == 0 {
		return m == c.DisplayMode
	}
	return slices.Contains(c.AvailableDisplayModes, m)
}

// AppCapabilities advertises what an embedded app can do.
type AppCapabilities struct {
	// Tools is set when the app calls tools through the host.
	Tools *struct{} `json:"tools,omitempty"`
	// AvailableDisplayModes lists the modes the app can render in.
	AvailableDisplayModes []DisplayMode `json:"availableDisplayModes,omitempty"`
	// Experimental is an open bag of capability flags.
	Experimental map[string]any `json:"experimental,omitempty"`
}

// HostCapabilities advertises what a host will do for an app.
type HostCapabilities struct {
	OpenLinks       *struct{} `json:"openLinks,omitempty"`
	ServerTools     *struct{} `json:"serverTools,omitempty"`
	ServerResources *struct{} `json:"serverResources,omitempty"`
	Message         *struct{} `json:"message,omitempty"`
	Logging         *struct{} `json:"logging,omitempty"`
}

// Has reports whether every capability set in want is also set in h.
func (h HostCapabilities) Has(want HostCapabilities) bool {
	if want.OpenLinks != nil && h.OpenLinks == nil {
		return false
	}
	if want.ServerTools != nil && h.ServerTools == nil {
		return false
	}
	if want.ServerResources != nil && h.ServerResources == nil {
		return false
	}
	if want.Message != nil && h.Message == nil {
		return false
	}
	if want.Logging != nil && h.Logging == nil {
		return false
	}
	return true
}

// UIInitializeRequest is sent by the app to open a session with its host.
type UIInitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	AppInfo         ImplementationInfo `json:"appInfo"`
	AppCapabilities AppCapabilities    `json:"appCapabilities"`
}

// UIInitializeResult acknowledges a ui/initialize request.
type UIInitializeResult struct {
	ProtocolVersion  string             `json:"protocolVersion"`
	HostInfo         ImplementationInfo `json:"hostInfo"`
	HostCapabilities HostCapabilities   `json:"hostCapabilities"`
	HostContext      HostContext        `json:"hostContext"`
	BaseMetadata
}

// ToolInputParams delivers the complete arguments of the tool that opened the app.
type ToolInputParams struct {
	Arguments map[string]any `json:"arguments"`
}

// ToolInputPartialParams delivers arguments that are still being produced.
// Hosts either forward the raw argument text produced so far (ArgumentsText)
// or an already structured value (Arguments).
type ToolInputPartialParams struct {
	Arguments     map[string]any `json:"arguments,omitempty"`
	ArgumentsText string         `json:"argumentsText,omitzero"`
}

// ToolCancelledParams reports a cancelled tool run. RequestID, when set,
// names one of the app's own in-flight tools/call requests.
type ToolCancelledParams struct {
	RequestID *jsonrpc.RequestID `json:"requestId,omitempty"`
	Reason    string             `json:"reason,omitzero"`
}

// ResourceTeardownRequest asks the app to release its resources.
type ResourceTeardownRequest struct {
	Reason string `json:"reason,omitzero"`
}

// OpenLinkRequest asks the host to open url outside the app.
type OpenLinkRequest struct {
	URL string `json:"url"`
}

// UIMessageRequest asks the host to post a message into its conversation.
type UIMessageRequest struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UIResult is the generic result of host-side UI requests.
type UIResult struct {
	IsError bool `json:"isError,omitzero"`
	BaseMetadata
}

// SizeChangedParams reports the app's rendered size.
type SizeChangedParams struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}
