package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"dealescrow/cmd/internal/secret"
	"dealescrow/crypto"
	"dealescrow/native/deal"
	"dealescrow/services/coordinator"
	"dealescrow/services/settlement"
)

const (
	defaultSecretEnv     = "ESCROW_MASTER_SECRET"
	defaultPassphraseEnv = "ESCROWCTL_KEYSTORE_PASSPHRASE"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "address":
		err = runAddress(os.Args[2:], os.Stdout)
	case "derive":
		err = runDerive(os.Args[2:], os.Stdout)
	case "encode":
		err = runEncode(os.Args[2:], os.Stdout)
	case "export":
		err = runExport(os.Args[2:], os.Stdout)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: escrowctl <command> [flags]

Commands:
  address   compute a deal contract address without touching the ledger
  derive    print (and optionally export) the custodian key identity of a deal
  encode    print the hex message body for a lifecycle op
  export    write the CSV and Parquet settlement report for a time window
`)
}

// dealIDFlags resolves a deal id from either -business-id or -deal-id.
type dealIDFlags struct {
	businessID string
	dealID     string
}

func (f *dealIDFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.businessID, "business-id", "", "Opaque business identifier hashed into the deal id")
	fs.StringVar(&f.dealID, "deal-id", "", "Deal id as 0x-prefixed hex (alternative to -business-id)")
}

func (f *dealIDFlags) resolve() (*uint256.Int, error) {
	business := strings.TrimSpace(f.businessID)
	switch {
	case business != "" && f.dealID != "":
		return nil, errors.New("use either -business-id or -deal-id, not both")
	case business != "":
		return deal.DealIDFromBusinessID(business), nil
	case f.dealID != "":
		return deal.ParseDealIDHex(f.dealID)
	default:
		return nil, errors.New("-business-id or -deal-id is required")
	}
}

func runAddress(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	var ids dealIDFlags
	ids.register(fs)
	funder := fs.String("funder", "", "Funder address (acct bech32 or 0x hex)")
	beneficiary := fs.String("beneficiary", "", "Beneficiary address (acct bech32 or 0x hex)")
	custodian := fs.String("custodian", "", "Custodian address; derived from the master secret when empty")
	secretEnv := fs.String("secret-env", defaultSecretEnv, "Environment variable holding the custodian master secret")
	total := fs.String("total", "", "Total amount in coins")
	beneficiaryAmount := fs.String("beneficiary-amount", "", "Beneficiary share in coins")
	deadline := fs.Uint("deadline", 0, "Refund deadline as unix seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dealID, err := ids.resolve()
	if err != nil {
		return err
	}
	cfg := deal.Config{DealID: dealID, Deadline: uint32(*deadline)}
	if cfg.Funder, err = parseAccount(*funder); err != nil {
		return fmt.Errorf("funder: %w", err)
	}
	if cfg.Beneficiary, err = parseAccount(*beneficiary); err != nil {
		return fmt.Errorf("beneficiary: %w", err)
	}
	if strings.TrimSpace(*custodian) != "" {
		if cfg.Custodian, err = parseAccount(*custodian); err != nil {
			return fmt.Errorf("custodian: %w", err)
		}
	} else {
		key, err := deriveKey(*secretEnv, dealID)
		if err != nil {
			return err
		}
		cfg.Custodian = key.PubKey().Address().Array()
	}
	if cfg.TotalAmount, err = deal.ParseCoins(*total); err != nil {
		return fmt.Errorf("total: %w", err)
	}
	if cfg.BeneficiaryAmount, err = deal.ParseCoins(*beneficiaryAmount); err != nil {
		return fmt.Errorf("beneficiary-amount: %w", err)
	}
	addr, err := deal.ComputeAddress(cfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "dealId:       %s\n", deal.DealIDHex(dealID))
	fmt.Fprintf(out, "address:      %s\n", crypto.AddressFrom20(crypto.DealPrefix, addr).String())
	fmt.Fprintf(out, "addressHex:   0x%s\n", hex.EncodeToString(addr[:]))
	fmt.Fprintf(out, "custodian:    %s\n", crypto.AddressFrom20(crypto.AccountPrefix, cfg.Custodian).String())
	fmt.Fprintf(out, "platformFee:  %s\n", deal.FormatCoins(cfg.PlatformFee()))
	return nil
}

func runDerive(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("derive", flag.ContinueOnError)
	var ids dealIDFlags
	ids.register(fs)
	secretEnv := fs.String("secret-env", defaultSecretEnv, "Environment variable holding the custodian master secret")
	keystorePath := fs.String("keystore", "", "Also write the derived key to this encrypted keystore file")
	passEnv := fs.String("pass-env", defaultPassphraseEnv, "Environment variable holding the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dealID, err := ids.resolve()
	if err != nil {
		return err
	}
	key, err := deriveKey(*secretEnv, dealID)
	if err != nil {
		return err
	}
	addr := key.PubKey().Address()
	fmt.Fprintf(out, "dealId:     %s\n", deal.DealIDHex(dealID))
	fmt.Fprintf(out, "custodian:  %s\n", addr.String())
	fmt.Fprintf(out, "custodianHex: 0x%s\n", hex.EncodeToString(addr.Bytes()))

	if *keystorePath == "" {
		return nil
	}
	if !*force {
		if _, err := os.Stat(*keystorePath); err == nil {
			return fmt.Errorf("keystore file %s already exists (use -force to overwrite)", *keystorePath)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	passphrase, err := secret.NewSource(*passEnv, "keystore passphrase").Get()
	if err != nil {
		return err
	}
	if err := crypto.ExportKeystore(*keystorePath, key, passphrase); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	fmt.Fprintf(out, "keystore:   %s\n", *keystorePath)
	return nil
}

func runEncode(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("encode", flag.ContinueOnError)
	opName := fs.String("op", "", "One of fund, release, refund, dispute, resolve, extend_deadline")
	queryID := fs.Uint64("query-id", 0, "Query id echoed in contract events")
	favor := fs.Bool("favor-beneficiary", false, "Resolve in favour of the beneficiary")
	deadline := fs.Uint("deadline", 0, "New deadline for extend_deadline, unix seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	op, err := deal.ParseOp(strings.ToLower(strings.TrimSpace(*opName)))
	if err != nil {
		return err
	}
	msg := deal.Message{Op: op, QueryID: *queryID}
	switch op {
	case deal.OpResolve:
		msg.FavorBeneficiary = *favor
	case deal.OpExtendDeadline:
		if *deadline == 0 {
			return errors.New("-deadline is required for extend_deadline")
		}
		msg.NewDeadline = uint32(*deadline)
	}
	fmt.Fprintf(out, "0x%s\n", hex.EncodeToString(msg.Encode()))
	return nil
}

func runExport(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	dsn := fs.String("books", "data/books.db", "Settlement books DSN (sqlite path or postgres URL)")
	from := fs.String("from", "", "Window start, RFC3339 (default: 24h before -to)")
	to := fs.String("to", "", "Window end, RFC3339 (default: now)")
	dir := fs.String("out", "data/reports", "Output directory")
	configPath := fs.String("config", "", "escrowd config; supplies -books and -out unless they are set")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath != "" {
		cfg, err := coordinator.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		set := map[string]bool{}
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if !set["books"] {
			*dsn = cfg.Storage.BooksDSN
		}
		if !set["out"] {
			*dir = cfg.Settlement.ExportDir
		}
	}
	end := time.Now().UTC()
	if *to != "" {
		parsed, err := time.Parse(time.RFC3339, *to)
		if err != nil {
			return fmt.Errorf("-to: %w", err)
		}
		end = parsed
	}
	start := end.Add(-24 * time.Hour)
	if *from != "" {
		parsed, err := time.Parse(time.RFC3339, *from)
		if err != nil {
			return fmt.Errorf("-from: %w", err)
		}
		start = parsed
	}
	if !start.Before(end) {
		return errors.New("-from must be before -to")
	}

	db, err := settlement.OpenDB(*dsn, nil)
	if err != nil {
		return fmt.Errorf("open books: %w", err)
	}
	books, err := settlement.NewBooks(settlement.Config{DB: db})
	if err != nil {
		return err
	}
	report, err := books.Export(context.Background(), start, end, *dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "rows:     %d\n", report.Rows)
	fmt.Fprintf(out, "csv:      %s\n", report.CSVPath)
	fmt.Fprintf(out, "parquet:  %s\n", report.ParquetPath)
	return nil
}

func deriveKey(secretEnv string, dealID *uint256.Int) (*crypto.PrivateKey, error) {
	master, err := secret.NewSource(secretEnv, "custodian master secret").Get()
	if err != nil {
		return nil, err
	}
	return crypto.DeriveSigningKey([]byte(master), dealID)
}

func parseAccount(raw string) ([20]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return [20]byte{}, errors.New("address required")
	}
	if common.IsHexAddress(raw) {
		return common.HexToAddress(raw), nil
	}
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return [20]byte{}, err
	}
	if addr.Prefix() != crypto.AccountPrefix {
		return [20]byte{}, fmt.Errorf("expected %s address, got %s", crypto.AccountPrefix, addr.Prefix())
	}
	return addr.Array(), nil
}
