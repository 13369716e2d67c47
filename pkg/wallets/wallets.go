// Package wallets describes the wallet applications a dApp can connect to
// and fetches the public wallets registry.
package wallets

import "strings"

// bridgeTypeSSE marks an HTTP bridge entry in the registry.
const bridgeTypeSSE = "sse"

// AppWallet is one wallet application as listed in wallets-v2.json.
type AppWallet struct {
	AppName      string        `json:"app_name"`
	Name         string        `json:"name"`
	Image        string        `json:"image,omitempty"`
	AboutURL     string        `json:"about_url,omitempty"`
	UniversalURL string        `json:"universal_url,omitempty"`
	Bridge       []BridgeEntry `json:"bridge"`
	Platforms    []string      `json:"platforms,omitempty"`
}

// BridgeEntry is one transport supported by a wallet.
type BridgeEntry struct {
	// Type is "sse" for HTTP bridges or "js" for injected wallets.
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
	Key  string `json:"key,omitempty"`
}

// ConnectionSource is the candidate bridge of one wallet app.
type ConnectionSource struct {
	AppName      string `json:"appName,omitempty"`
	BridgeURL    string `json:"bridgeUrl"`
	UniversalURL string `json:"universalLink,omitempty"`
}

// BridgeURL returns the first SSE bridge of the wallet, without a trailing
// slash.
func (w AppWallet) BridgeURL() string {
	for _, b := range w.Bridge {
		if b.Type == bridgeTypeSSE && b.URL != "" {
			return strings.TrimRight(b.URL, "/")
		}
	}
	return ""
}

// Source returns the connection source of the wallet. ok is false for
// wallets without an HTTP bridge.
func (w AppWallet) Source() (ConnectionSource, bool) {
	bridge := w.BridgeURL()
	if bridge == "" {
		return ConnectionSource{}, false
	}
	return ConnectionSource{
		AppName:      w.AppName,
		BridgeURL:    bridge,
		UniversalURL: w.UniversalURL,
	}, true
}

// Sources returns one connection source per distinct bridge URL, in the
// order the wallets are listed.
func Sources(list []AppWallet) []ConnectionSource {
	seen := make(map[string]struct{}, len(list))
	out := make([]ConnectionSource, 0, len(list))
	for _, w := range list {
		src, ok := w.Source()
		if !ok {
			continue
		}
		if _, dup := seen[src.BridgeURL]; dup {
			continue
		}
		seen[src.BridgeURL] = struct{}{}
		out = append(out, src)
	}
	return out
}

// Fallback is used when the registry cannot be fetched.
var Fallback = []AppWallet{
	{
		AppName:      "telegram-wallet",
		Name:         "Wallet",
		AboutURL:     "https://wallet.tg/",
		UniversalURL: "https://t.me/wallet?attach=wallet",
		Bridge:       []BridgeEntry{{Type: bridgeTypeSSE, URL: "https://walletbot.me/tonconnect-bridge/bridge"}},
		Platforms:    []string{"ios", "android", "macos", "windows", "linux"},
	},
	{
		AppName:      "tonkeeper",
		Name:         "Tonkeeper",
		AboutURL:     "https://tonkeeper.com",
		UniversalURL: "https://app.tonkeeper.com/ton-connect",
		Bridge:       []BridgeEntry{{Type: bridgeTypeSSE, URL: "https://bridge.tonapi.io/bridge"}},
		Platforms:    []string{"ios", "android", "chrome", "firefox", "macos"},
	},
	{
		AppName:      "mytonwallet",
		Name:         "MyTonWallet",
		AboutURL:     "https://mytonwallet.io",
		UniversalURL: "https://connect.mytonwallet.org",
		Bridge:       []BridgeEntry{{Type: bridgeTypeSSE, URL: "https://tonconnectbridge.mytonwallet.org/bridge/"}},
		Platforms:    []string{"chrome", "windows", "macos", "linux", "ios", "android", "firefox"},
	},
	{
		AppName:      "tonhub",
		Name:         "Tonhub",
		AboutURL:     "https://tonhub.com",
		UniversalURL: "https://tonhub.com/ton-connect",
		Bridge:       []BridgeEntry{{Type: bridgeTypeSSE, URL: "https://connect.tonhubapi.com/tonconnect"}},
		Platforms:    []string{"ios", "android"},
	},
}
