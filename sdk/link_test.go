package sdk

import (
	"encoding/json"
	"net/url"
	"strings"
	"testing"

	"github.com/bhandras/tonconnect/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestUniversalLink(t *testing.T) {
	req := wire.NewConnectRequest("https://dapp.example/tonconnect-manifest.json", "abc")

	link, err := UniversalLink("https://app.tonkeeper.com/ton-connect", "beef", req, "")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(link, "https://app.tonkeeper.com/ton-connect?v=2&id=beef&r="))

	u, err := url.Parse(link)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, "2", q.Get("v"))
	require.Equal(t, "beef", q.Get("id"))
	require.Equal(t, ReturnBack, q.Get("ret"))

	var decoded wire.ConnectRequest
	require.NoError(t, json.Unmarshal([]byte(q.Get("r")), &decoded))
	require.Equal(t, req, decoded)
}

func TestUniversalLinkDefaults(t *testing.T) {
	link, err := UniversalLink("", "beef", wire.NewConnectRequest("m", ""), ReturnNone)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(link, "tc://?v=2&id=beef&r="))
	require.True(t, strings.HasSuffix(link, "&ret=none"))

	link, err = UniversalLink("https://wallet.example/connect?src=qr", "beef",
		wire.NewConnectRequest("m", ""), "")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(link, "https://wallet.example/connect?src=qr&v=2&id=beef"))
}

func TestEscapeTelegramParams(t *testing.T) {
	require.Equal(t, "a--20b--3Ac--2Fd--2Ee--2Df--5Fg-h__i--j",
		EscapeTelegramParams("a+b:c/d.e-f_g&h=i%j"))
}

func TestTelegramLink(t *testing.T) {
	req := wire.NewConnectRequest("https://dapp.example/manifest.json", "")

	link, err := UniversalLink("https://t.me/wallet?attach=wallet", "beef", req, ReturnNone)
	require.NoError(t, err)

	u, err := url.Parse(link)
	require.NoError(t, err)
	require.Equal(t, "t.me", u.Host)
	require.Equal(t, "/wallet/start", u.Path)
	require.False(t, u.Query().Has("attach"))

	startapp := u.Query().Get("startapp")
	require.True(t, strings.HasPrefix(startapp, "tonconnect-v__2-id__beef-r__--7B--22manifestUrl--22"),
		startapp)
	require.True(t, strings.HasSuffix(startapp, "-ret__none"))
	require.NotContains(t, startapp, "%")
	require.NotContains(t, startapp, ".")
	require.NotContains(t, startapp, "=")
	require.NotContains(t, startapp, "&")
}

func TestTelegramLinkWithoutAttach(t *testing.T) {
	link, err := UniversalLink("tg://resolve?domain=wallet", "beef",
		wire.NewConnectRequest("m", ""), "")
	require.NoError(t, err)

	u, err := url.Parse(link)
	require.NoError(t, err)
	require.Equal(t, "wallet", u.Query().Get("domain"))
	require.True(t, strings.HasPrefix(u.Query().Get("startapp"), "tonconnect-v__2-id__beef"))
}
