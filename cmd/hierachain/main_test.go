package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-TxPool/api"
	"github.com/VanDung-dev/HieraChain-TxPool/codec"
	"github.com/VanDung-dev/HieraChain-TxPool/ledger"
)

func runApp(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	require.NoError(t, app.Run(append([]string{"hierachain"}, args...)))
	return out.String()
}

func TestVersionCommand(t *testing.T) {
	out := runApp(t, "version")
	if !strings.Contains(out, api.Version) {
		t.Errorf("Expected version %s in %q", api.Version, out)
	}
}

func TestTokenCommand(t *testing.T) {
	token := strings.TrimSpace(runApp(t, "token"))
	if len(token) != 64 {
		t.Errorf("Expected 64-char token, got %q", token)
	}
}

func TestConfigCommand(t *testing.T) {
	out := runApp(t, "config")
	if !strings.Contains(out, "Pool") && !strings.Contains(out, "pool") {
		t.Errorf("Expected pool settings in output, got:\n%s", out)
	}
}

func TestFundDevAccounts(t *testing.T) {
	l := ledger.NewMemory()
	fundDevAccounts(l, "seed", 3, 500, zap.NewNop())

	for i := uint32(0); i < 3; i++ {
		if got := l.Balance(codec.KeyAddress(codec.DevKey("seed", i))); got != 500 {
			t.Errorf("account %d: expected balance 500, got %d", i, got)
		}
	}
	if got := l.Balance(codec.KeyAddress(codec.DevKey("seed", 3))); got != 0 {
		t.Errorf("Expected unfunded fourth account, got %d", got)
	}
}
