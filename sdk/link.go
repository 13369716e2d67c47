package sdk

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/bhandras/tonconnect/pkg/wire"
)

const (
	// DefaultUniversalURL is used for wallets without a universal link.
	DefaultUniversalURL = "tc://"

	// ReturnBack asks the wallet to return to the previous app.
	ReturnBack = "back"
	// ReturnNone keeps the user in the wallet.
	ReturnNone = "none"

	protocolVersion   = "2"
	tgStartAppPrefix  = "tonconnect-"
	tgAttachParameter = "attach"
)

// telegramEscapes is applied in order to the query of a Telegram link.
var telegramEscapes = []struct{ from, to string }{
	{"+", "%20"},
	{":", "%3A"},
	{"/", "%2F"},
	{".", "%2E"},
	{"-", "%2D"},
	{"_", "%5F"},
	{"&", "-"},
	{"=", "__"},
	{"%", "--"},
}

// UniversalLink builds the deep link a wallet opens to join the session.
// Telegram hosted wallets get their parameters packed into startapp.
func UniversalLink(universalURL, sessionID string, req wire.ConnectRequest,
	returnStrategy string) (string, error) {

	if universalURL == "" {
		universalURL = DefaultUniversalURL
	}
	if returnStrategy == "" {
		returnStrategy = ReturnBack
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode connect request: %w", err)
	}
	params := "v=" + protocolVersion +
		"&id=" + url.QueryEscape(sessionID) +
		"&r=" + url.QueryEscape(string(raw)) +
		"&ret=" + url.QueryEscape(returnStrategy)

	u, err := url.Parse(universalURL)
	if err != nil {
		return "", fmt.Errorf("invalid universal url %q: %w", universalURL, err)
	}
	if isTelegramLink(u) {
		return telegramLink(u, params), nil
	}

	sep := "?"
	if strings.Contains(universalURL, "?") {
		sep = "&"
	}
	return universalURL + sep + params, nil
}

func isTelegramLink(u *url.URL) bool {
	if u.Scheme == "tg" {
		return true
	}
	host := strings.ToLower(u.Hostname())
	return host == "t.me" || host == "www.t.me"
}

// EscapeTelegramParams applies the Telegram startapp substitutions.
func EscapeTelegramParams(params string) string {
	for _, esc := range telegramEscapes {
		params = strings.ReplaceAll(params, esc.from, esc.to)
	}
	return params
}

func telegramLink(u *url.URL, params string) string {
	q := u.Query()
	// t.me/wallet?attach=wallet opens the mini app directly at /start.
	if q.Has(tgAttachParameter) {
		q.Del(tgAttachParameter)
		u.Path = strings.TrimRight(u.Path, "/") + "/start"
	}
	u.RawQuery = q.Encode()

	startapp := "startapp=" + tgStartAppPrefix + EscapeTelegramParams(params)
	if u.RawQuery == "" {
		u.RawQuery = startapp
	} else {
		u.RawQuery += "&" + startapp
	}
	return u.String()
}
