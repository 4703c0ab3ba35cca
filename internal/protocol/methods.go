// ABOUTME: Closed vocabulary of command methods the agent understands.
// ABOUTME: Commands naming anything else are rejected before reaching the agent.

package protocol

import "sort"

// Navigation.
const (
	MethodNavigate     = "navigate"
	MethodNavigateBack = "navigateBack"
	MethodScroll       = "scroll"
)

// DOM and content.
const (
	MethodGetDOM     = "getDOM"
	MethodGetAllText = "getAllText"
)

// Screenshots and script injection.
const (
	MethodTakeScreenshot = "takeScreenshot"
	MethodInjectScript   = "injectScript"
)

// Storage and cookies.
const (
	MethodGetStorage   = "getStorage"
	MethodSetStorage   = "setStorage"
	MethodGetCookies   = "getCookies"
	MethodSetCookie    = "setCookie"
	MethodDeleteCookie = "deleteCookie"
)

// Network capture and tabs.
const (
	MethodStartNetworkCapture = "startNetworkCapture"
	MethodStopNetworkCapture  = "stopNetworkCapture"
	MethodGetNetworkLog       = "getNetworkLog"
	MethodClearNetworkLog     = "clearNetworkLog"
	MethodGetAllTabs          = "getAllTabs"
)

var knownMethods = map[string]struct{}{
	MethodNavigate:            {},
	MethodNavigateBack:        {},
	MethodScroll:              {},
	MethodGetDOM:              {},
	MethodGetAllText:          {},
	MethodTakeScreenshot:      {},
	MethodInjectScript:        {},
	MethodGetStorage:          {},
	MethodSetStorage:          {},
	MethodGetCookies:          {},
	MethodSetCookie:           {},
	MethodDeleteCookie:        {},
	MethodStartNetworkCapture: {},
	MethodStopNetworkCapture:  {},
	MethodGetNetworkLog:       {},
	MethodClearNetworkLog:     {},
	MethodGetAllTabs:          {},
}

// IsKnownMethod reports whether method belongs to the vocabulary.
func IsKnownMethod(method string) bool {
	_, ok := knownMethods[method]
	return ok
}

// Methods returns the vocabulary in sorted order.
func Methods() []string {
	out := make([]string, 0, len(knownMethods))
	for m := range knownMethods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
