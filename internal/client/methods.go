// ABOUTME: Typed helpers for every command method the browser agent understands
// ABOUTME: Each helper builds the method's params and calls SendCommand

package client

import (
	"context"

	"github.com/2389/puppet-gateway/internal/protocol"
)

type tabParams struct {
	TabID string `json:"tabId,omitempty"`
}

type navigateParams struct {
	URL   string `json:"url"`
	TabID string `json:"tabId,omitempty"`
}

// ScrollParams are the arguments to Scroll. Behavior defaults to "auto".
type ScrollParams struct {
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Behavior string `json:"behavior"`
	TabID    string `json:"tabId,omitempty"`
}

type domParams struct {
	Selector string `json:"selector"`
	TabID    string `json:"tabId,omitempty"`
}

// ScreenshotParams are the arguments to TakeScreenshot. Format defaults to "png".
type ScreenshotParams struct {
	Format  string `json:"format"`
	Quality *int   `json:"quality,omitempty"`
	TabID   string `json:"tabId,omitempty"`
}

// ScriptParams are the arguments to InjectScript. Timing defaults to "immediate".
type ScriptParams struct {
	Code            string `json:"code"`
	Timing          string `json:"timing"`
	WaitForSelector string `json:"waitForSelector,omitempty"`
	TabID           string `json:"tabId,omitempty"`
}

// StorageParams are the arguments to GetStorage and SetStorage.
// StorageType is "local" or "session".
type StorageParams struct {
	StorageType string         `json:"storageType"`
	Keys        []string       `json:"keys,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	TabID       string         `json:"tabId,omitempty"`
}

type cookieQuery struct {
	URL  string `json:"url,omitempty"`
	Name string `json:"name,omitempty"`
}

type cookieParams struct {
	Cookie map[string]any `json:"cookie"`
}

type deleteCookieParams struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// Navigate loads url in tabID, or the active tab when tabID is empty.
func (c *Client) Navigate(ctx context.Context, url, tabID string) (*Result, error) {
	return c.SendCommand(ctx, protocol.MethodNavigate, navigateParams{URL: url, TabID: tabID})
}

// NavigateBack goes back one entry in the tab's history.
func (c *Client) NavigateBack(ctx context.Context, tabID string) (*Result, error) {
	return c.SendCommand(ctx, protocol.MethodNavigateBack, tabParams{TabID: tabID})
}

func (c *Client) Scroll(ctx context.Context, p ScrollParams) (*Result, error) {
	if p.Behavior == "" {
		p.Behavior = "auto"
	}
	return c.SendCommand(ctx, protocol.MethodScroll, p)
}

// GetDOM returns the elements matching selector.
func (c *Client) GetDOM(ctx context.Context, selector, tabID string) (*Result, error) {
	return c.SendCommand(ctx, protocol.MethodGetDOM, domParams{Selector: selector, TabID: tabID})
}

func (c *Client) GetAllText(ctx context.Context, tabID string) (*Result, error) {
	return c.SendCommand(ctx, protocol.MethodGetAllText, tabParams{TabID: tabID})
}

func (c *Client) TakeScreenshot(ctx context.Context, p ScreenshotParams) (*Result, error) {
	if p.Format == "" {
		p.Format = "png"
	}
	return c.SendCommand(ctx, protocol.MethodTakeScreenshot, p)
}

func (c *Client) InjectScript(ctx context.Context, p ScriptParams) (*Result, error) {
	if p.Timing == "" {
		p.Timing = "immediate"
	}
	return c.SendCommand(ctx, protocol.MethodInjectScript, p)
}

// GetStorage reads Keys (or everything when empty) from the page's storage.
func (c *Client) GetStorage(ctx context.Context, p StorageParams) (*Result, error) {
	p.Data = nil
	return c.SendCommand(ctx, protocol.MethodGetStorage, p)
}

// SetStorage writes Data into the page's storage.
func (c *Client) SetStorage(ctx context.Context, p StorageParams) (*Result, error) {
	p.Keys = nil
	return c.SendCommand(ctx, protocol.MethodSetStorage, p)
}

// GetCookies lists cookies, filtered by url and name when set.
func (c *Client) GetCookies(ctx context.Context, url, name string) (*Result, error) {
	return c.SendCommand(ctx, protocol.MethodGetCookies, cookieQuery{URL: url, Name: name})
}

func (c *Client) SetCookie(ctx context.Context, cookie map[string]any) (*Result, error) {
	return c.SendCommand(ctx, protocol.MethodSetCookie, cookieParams{Cookie: cookie})
}

func (c *Client) DeleteCookie(ctx context.Context, url, name string) (*Result, error) {
	return c.SendCommand(ctx, protocol.MethodDeleteCookie, deleteCookieParams{URL: url, Name: name})
}

func (c *Client) StartNetworkCapture(ctx context.Context) (*Result, error) {
	return c.SendCommand(ctx, protocol.MethodStartNetworkCapture, nil)
}

func (c *Client) StopNetworkCapture(ctx context.Context) (*Result, error) {
	return c.SendCommand(ctx, protocol.MethodStopNetworkCapture, nil)
}

func (c *Client) GetNetworkLog(ctx context.Context) (*Result, error) {
	return c.SendCommand(ctx, protocol.MethodGetNetworkLog, nil)
}

func (c *Client) ClearNetworkLog(ctx context.Context) (*Result, error) {
	return c.SendCommand(ctx, protocol.MethodClearNetworkLog, nil)
}

// GetAllTabs lists open tabs.
func (c *Client) GetAllTabs(ctx context.Context) (*Result, error) {
	return c.SendCommand(ctx, protocol.MethodGetAllTabs, nil)
}
