package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"adchain/settlement"
	"adchain/signature"
)

const passEnv = "COLLECTORCTL_TEST_PASS"

func TestKeygenSignVerify(t *testing.T) {
	t.Setenv(passEnv, "correct horse battery staple")
	keystore := filepath.Join(t.TempDir(), "signer.keystore")

	var out bytes.Buffer
	require.NoError(t, runKeygen([]string{"--keystore", keystore, "--pass-env", passEnv, "--light"}, &out))
	require.Contains(t, out.String(), "Wrote keystore for 0x")
	generated := out.String()

	err := runKeygen([]string{"--keystore", keystore, "--pass-env", passEnv}, &out)
	require.ErrorContains(t, err, "already exists")

	out.Reset()
	require.NoError(t, runAddress([]string{"--keystore", keystore}, &out))
	address := strings.TrimSpace(out.String())
	require.True(t, strings.HasPrefix(address, "0x"))
	require.Contains(t, generated, address)

	out.Reset()
	require.NoError(t, runSign([]string{
		"--keystore", keystore, "--pass-env", passEnv,
		"--campaign", "camp-a", "--type", "click", "--timestamp", "1700000000000",
	}, &out))
	var signed struct {
		ActorAddress string `json:"actorAddress"`
		Signature    string `json:"signature"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &signed))
	require.Equal(t, address, signed.ActorAddress)

	out.Reset()
	require.NoError(t, runVerify([]string{
		"--address", address, "--signature", signed.Signature,
		"--campaign", "camp-a", "--type", "click", "--timestamp", "1700000000000",
	}, &out))
	var result signature.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	require.True(t, result.Verified)

	out.Reset()
	require.NoError(t, runVerify([]string{
		"--address", address, "--signature", signed.Signature,
		"--campaign", "camp-b", "--type", "click", "--timestamp", "1700000000000",
	}, &out))
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	require.False(t, result.Verified)
}

func TestSignRequiresCampaign(t *testing.T) {
	err := runSign([]string{"--type", "view"}, &bytes.Buffer{})
	require.ErrorContains(t, err, "--campaign")
}

func historyServer(t *testing.T, records []settlement.BatchRecord) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tenants/pub.example/history" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"records": records})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestExportCSV(t *testing.T) {
	server := historyServer(t, []settlement.BatchRecord{{
		ID:         "r1",
		Tenant:     "pub.example",
		CampaignID: "camp-a",
		EventCount: 2,
		Success:    true,
		OffChain:   true,
		Timestamp:  time.Unix(1700000000, 0).UTC(),
	}})
	var out bytes.Buffer
	require.NoError(t, runExport([]string{"--endpoint", server.URL, "--tenant", "pub.example"}, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[1], "r1,pub.example,0,camp-a,2,"))
}

func TestExportJSONLToFile(t *testing.T) {
	server := historyServer(t, []settlement.BatchRecord{{ID: "r1"}, {ID: "r2"}})
	path := filepath.Join(t.TempDir(), "history.jsonl")
	require.NoError(t, runExport([]string{
		"--endpoint", server.URL, "--tenant", "pub.example", "--format", "jsonl", "--out", path,
	}, &bytes.Buffer{}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(string(data), "\n"))
}

func TestExportUnknownTenant(t *testing.T) {
	server := historyServer(t, nil)
	err := runExport([]string{"--endpoint", server.URL, "--tenant", "other.example"}, &bytes.Buffer{})
	require.ErrorContains(t, err, "404")
}

func TestFlushRequiresToken(t *testing.T) {
	t.Setenv("COLLECTORCTL_TEST_TOKEN", "")
	err := runFlush([]string{"--tenant", "pub.example", "--token-env", "COLLECTORCTL_TEST_TOKEN"}, &bytes.Buffer{})
	require.ErrorContains(t, err, "not set")
}

func TestFlushPostsWithBearer(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/tenants/pub.example/flush", r.URL.Path)
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"records":[]}`))
	}))
	defer server.Close()
	t.Setenv("COLLECTORCTL_TEST_TOKEN", "tok")
	var out bytes.Buffer
	require.NoError(t, runFlush([]string{
		"--endpoint", server.URL, "--tenant", "pub.example", "--token-env", "COLLECTORCTL_TEST_TOKEN",
	}, &out))
	require.Equal(t, "Bearer tok", auth)
	require.JSONEq(t, `{"records":[]}`, out.String())
}
