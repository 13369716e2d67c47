package main

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bhandras/tonconnect/internal/config"
	"github.com/bhandras/tonconnect/pkg/wire"
	"github.com/stretchr/testify/require"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tvm/cell"
)

const testAddress = "0:83dfd552e63729b472fcbcc8c45ebcc6691702558b68ec7527e1ba403a0f31a8"

func TestBuildTransfer(t *testing.T) {
	validUntil := time.Unix(1_700_000_300, 0)

	tx, err := buildTransfer(testAddress, "1.5", "", validUntil)
	require.NoError(t, err)
	require.Equal(t, int64(1_700_000_300), tx.ValidUntil)
	require.Len(t, tx.Messages, 1)
	require.Equal(t, "1500000000", tx.Messages[0].Amount)
	require.Empty(t, tx.Messages[0].Payload)

	dest, err := address.ParseAddr(tx.Messages[0].Address)
	require.NoError(t, err)
	require.Equal(t, testAddress, dest.StringRaw())

	tx, err = buildTransfer(testAddress, "0.01", "thanks", validUntil)
	require.NoError(t, err)
	boc, err := base64.StdEncoding.DecodeString(tx.Messages[0].Payload)
	require.NoError(t, err)
	body, err := cell.FromBOC(boc)
	require.NoError(t, err)
	op, err := body.BeginParse().LoadUInt(32)
	require.NoError(t, err)
	require.Zero(t, op)

	_, err = buildTransfer("nope", "1", "", validUntil)
	require.Error(t, err)
	_, err = buildTransfer(testAddress, "one", "", validUntil)
	require.Error(t, err)
}

func TestBuildSignData(t *testing.T) {
	p, err := buildSignData("hello", "", "", "")
	require.NoError(t, err)
	require.Equal(t, wire.SignDataPayload{Type: wire.SignDataText, Text: "hello"}, p)

	file := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(file, []byte{1, 2, 3}, 0o600))
	p, err = buildSignData("", file, "", "")
	require.NoError(t, err)
	require.Equal(t, wire.SignDataBinary, p.Type)
	require.Equal(t, "AQID", p.Bytes)

	c := base64.StdEncoding.EncodeToString(cell.BeginCell().MustStoreUInt(7, 8).EndCell().ToBOC())
	p, err = buildSignData("", "", c, "x#_ v:uint8 = X;")
	require.NoError(t, err)
	require.NoError(t, p.Validate())

	_, err = buildSignData("", "", "AAAA", "s")
	require.Error(t, err)
}

func TestConfigInit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tonconnect.yaml")
	t.Setenv(config.EnvPrefix+"_HOME", dir)

	run := func(args ...string) (string, error) {
		root := newRootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs(args)
		err := root.Execute()
		return out.String(), err
	}

	out, err := run("--config", path, "--session", "carol", "config", "init", path)
	require.NoError(t, err)
	require.Contains(t, out, "Wrote "+path)

	_, err = run("--config", path, "config", "init", path)
	require.ErrorContains(t, err, "--force")

	loaded, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "carol", loaded.SessionKey)
	require.Equal(t, dir, loaded.Home)
}

func TestOpenStoreBackends(t *testing.T) {
	for _, kind := range []string{config.StorageMemory, config.StorageFile, config.StorageSQLite} {
		t.Run(kind, func(t *testing.T) {
			c := config.Default()
			c.Home = t.TempDir()
			c.Storage.Kind = kind
			if kind == config.StorageSQLite {
				c.Storage.Path = "db/state.sqlite"
			}

			store, closer, err := openStore(t.Context(), c)
			require.NoError(t, err)
			defer func() { require.NoError(t, closer()) }()

			conn, err := store.Connection(t.Context())
			require.NoError(t, err)
			require.Nil(t, conn)
		})
	}
}
