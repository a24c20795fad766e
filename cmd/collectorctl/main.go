package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"adchain/internal/passphrase"
	"adchain/crypto"
	"adchain/integrations/exports"
	"adchain/ledger"
	"adchain/settlement"
	"adchain/signature"
)

const (
	keygenCommand   = "keygen"
	addressCommand  = "address"
	signCommand     = "sign"
	verifyCommand   = "verify"
	exportCommand   = "export"
	flushCommand    = "flush"
	defaultPassEnv  = "ADCHAIN_SIGNER_PASS"
	defaultKeystore = "signer.keystore"
	defaultEndpoint = "http://127.0.0.1:8787"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case keygenCommand:
		err = runKeygen(os.Args[2:], os.Stdout)
	case addressCommand:
		err = runAddress(os.Args[2:], os.Stdout)
	case signCommand:
		err = runSign(os.Args[2:], os.Stdout)
	case verifyCommand:
		err = runVerify(os.Args[2:], os.Stdout)
	case exportCommand:
		err = runExport(os.Args[2:], os.Stdout)
	case flushCommand:
		err = runFlush(os.Args[2:], os.Stdout)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(keygenCommand, flag.ContinueOnError)
	keystorePath := fs.String("keystore", defaultKeystore, "Output path for the generated keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	light := fs.Bool("light", false, "Use light scrypt parameters (development keys only)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*force {
		if _, err := os.Stat(*keystorePath); err == nil {
			return fmt.Errorf("keystore file %s already exists (use --force to overwrite)", *keystorePath)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	pass, err := passphrase.NewSource(*passEnv, "signer keystore passphrase").Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	strength := crypto.StandardKeystore
	if *light {
		strength = crypto.LightKeystore
	}
	if err := crypto.SaveSignerKeystore(*keystorePath, key, pass, strength); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	fmt.Fprintf(out, "Wrote keystore for %s to %s\n", key.Address().Hex(), filepath.Clean(*keystorePath))
	return nil
}

func runAddress(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(addressCommand, flag.ContinueOnError)
	keystorePath := fs.String("keystore", defaultKeystore, "Keystore file to read")
	if err := fs.Parse(args); err != nil {
		return err
	}
	address, err := crypto.KeystoreAddress(*keystorePath)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, address.Hex())
	return nil
}

// runSign produces the personal_sign signature a widget would attach to an event.
func runSign(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(signCommand, flag.ContinueOnError)
	keystorePath := fs.String("keystore", defaultKeystore, "Keystore file holding the signing key")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	campaign := fs.String("campaign", "", "Campaign identifier")
	eventType := fs.String("type", "view", "Event type (view or click)")
	timestamp := fs.Int64("timestamp", 0, "Event timestamp in unix milliseconds (defaults to now)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*campaign) == "" {
		return errors.New("--campaign is required")
	}
	kind, err := ledger.ParseEventType(*eventType)
	if err != nil {
		return err
	}
	ts := *timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	key, err := loadKey(*keystorePath, *passEnv)
	if err != nil {
		return err
	}
	sig, err := signature.SignEvent(key, *campaign, kind, ts)
	if err != nil {
		return err
	}
	return json.NewEncoder(out).Encode(map[string]any{
		"campaignId":   *campaign,
		"type":         kind,
		"timestamp":    ts,
		"actorAddress": key.Address().Hex(),
		"signature":    sig,
	})
}

func runVerify(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(verifyCommand, flag.ContinueOnError)
	address := fs.String("address", "", "Claimed signer address")
	sig := fs.String("signature", "", "Hex signature")
	campaign := fs.String("campaign", "", "Campaign identifier")
	eventType := fs.String("type", "view", "Event type (view or click)")
	timestamp := fs.Int64("timestamp", 0, "Event timestamp in unix milliseconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	kind, err := ledger.ParseEventType(*eventType)
	if err != nil {
		return err
	}
	result := signature.Verify(*address, *sig, *campaign, kind, *timestamp)
	return json.NewEncoder(out).Encode(result)
}

// runExport downloads a tenant's settlement history from collectord and
// writes it as CSV or JSON Lines, printing the payload checksum to stderr.
func runExport(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(exportCommand, flag.ContinueOnError)
	endpoint := fs.String("endpoint", defaultEndpoint, "collectord base URL")
	tenant := fs.String("tenant", "", "Tenant (publisher domain)")
	format := fs.String("format", "csv", "Export format (csv, jsonl or parquet)")
	limit := fs.Int("limit", 0, "Most recent records to export (0 for all)")
	output := fs.String("out", "", "Write the export to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*tenant) == "" {
		return errors.New("--tenant is required")
	}
	records, err := fetchHistory(context.Background(), http.DefaultClient, *endpoint, *tenant, *limit)
	if err != nil {
		return err
	}
	var (
		data     []byte
		checksum string
	)
	switch strings.ToLower(*format) {
	case "csv":
		data, checksum, err = exports.HistoryCSV(records)
	case "jsonl":
		data, checksum, err = exports.HistoryJSONL(records)
	case "parquet":
		data, checksum, err = exports.HistoryParquet(records)
	default:
		return fmt.Errorf("unknown format %q", *format)
	}
	if err != nil {
		return err
	}
	if *output != "" {
		if err := os.WriteFile(*output, data, 0o644); err != nil {
			return err
		}
	} else if _, err := out.Write(data); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d records, sha256 %s\n", len(records), checksum)
	return nil
}

func runFlush(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(flushCommand, flag.ContinueOnError)
	endpoint := fs.String("endpoint", defaultEndpoint, "collectord base URL")
	tenant := fs.String("tenant", "", "Tenant (publisher domain)")
	tokenEnv := fs.String("token-env", "ADCHAIN_ADMIN_TOKEN", "Environment variable holding the admin bearer token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*tenant) == "" {
		return errors.New("--tenant is required")
	}
	token := strings.TrimSpace(os.Getenv(*tokenEnv))
	if token == "" {
		return fmt.Errorf("%s is not set", *tokenEnv)
	}
	target := strings.TrimRight(*endpoint, "/") + "/v1/tenants/" + url.PathEscape(*tenant) + "/flush"
	req, err := http.NewRequest(http.MethodPost, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("flush %s: %w", target, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("flush failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	_, err = out.Write(body)
	return err
}

func fetchHistory(ctx context.Context, client *http.Client, endpoint, tenant string, limit int) ([]settlement.BatchRecord, error) {
	target := strings.TrimRight(endpoint, "/") + "/v1/tenants/" + url.PathEscape(tenant) + "/history"
	if limit > 0 {
		target += "?limit=" + strconv.Itoa(limit)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history from %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch history: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Records []settlement.BatchRecord `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return payload.Records, nil
}

func loadKey(path, passEnv string) (*crypto.PrivateKey, error) {
	pass, err := passphrase.NewSource(passEnv, "signer keystore passphrase").Get()
	if err != nil {
		return nil, err
	}
	return crypto.OpenSignerKeystore(path, pass, common.Address{})
}

func usage() {
	fmt.Println("collectorctl <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Printf("  %-8s Generate a signer key and write it to an encrypted keystore\n", keygenCommand)
	fmt.Printf("  %-8s Print the address of a keystore\n", addressCommand)
	fmt.Printf("  %-8s Sign an event the way the widget does\n", signCommand)
	fmt.Printf("  %-8s Check an event signature\n", verifyCommand)
	fmt.Printf("  %-8s Export a tenant's settlement history as CSV, JSON Lines or Parquet\n", exportCommand)
	fmt.Printf("  %-8s Ask collectord to flush a tenant now (admin token required)\n", flushCommand)
}
