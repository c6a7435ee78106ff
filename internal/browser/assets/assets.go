// Package assets embeds the in-page agent and its hosting bridge page.
package assets

import (
	_ "embed"
	"strconv"
	"strings"
)

//go:embed agent.js
var agentJS string

//go:embed bridge.html
var bridgeHTML string

// AgentSource returns the agent script pasted into the app's code file.
func AgentSource() string {
	return agentJS
}

// BridgePage returns the prepared HTML payload for an identity. The page
// posts the auth index into the frame hosting the agent.
func BridgePage(authIndex int) string {
	return strings.ReplaceAll(bridgeHTML, "__AUTH_INDEX__", strconv.Itoa(authIndex))
}
