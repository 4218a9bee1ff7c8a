package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/somasave/sacco-deposits/internal/platform/audit"
	"github.com/somasave/sacco-deposits/internal/platform/auth"
	"github.com/somasave/sacco-deposits/internal/platform/config"
	"github.com/somasave/sacco-deposits/internal/platform/ledger"
	"github.com/somasave/sacco-deposits/internal/platform/relworx"
)

const usage = `usage: relworxctl <command> [flags]

commands:
  sign      build a Relworx-Signature header for a webhook body
  validate  look up the registered name for a mobile-money number
  status    query the provider status of a payment request
  history   list recent provider transactions
  token     mint a short-lived JWT for a member or service
  audit     print the persisted audit trail of a deposit`

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage)
		return 2
	}
	var err error
	switch args[0] {
	case "sign":
		err = cmdSign(args[1:], stdin, stdout)
	case "validate":
		err = cmdValidate(ctx, args[1:], stdout)
	case "status":
		err = cmdStatus(ctx, args[1:], stdout)
	case "history":
		err = cmdHistory(ctx, args[1:], stdout)
	case "token":
		err = cmdToken(args[1:], stdout)
	case "audit":
		err = cmdAudit(ctx, args[1:], stdout)
	case "-h", "--help", "help":
		fmt.Fprintln(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n%s\n", args[0], usage)
		return 2
	}
	if err == nil {
		return 0
	}
	fmt.Fprintf(stderr, "%s: %v\n", args[0], err)
	if _, ok := err.(usageError); ok {
		return 2
	}
	return 1
}

type usageError string

func (e usageError) Error() string { return string(e) }

func cmdSign(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	in := fs.String("in", "-", "webhook body file, - for stdin")
	callbackURL := fs.String("url", "", "callback URL registered with Relworx (default SACCO_RELWORX_CALLBACK_URL)")
	ts := fs.String("t", "", "unix timestamp (default now)")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}

	key, err := resolveValueSource("SACCO_RELWORX_WEBHOOK_KEY", "SACCO_RELWORX_WEBHOOK_KEY_FILE", "SACCO_RELWORX_WEBHOOK_KEY_COMMAND")
	if err != nil {
		return err
	}
	if key == "" {
		return usageError("SACCO_RELWORX_WEBHOOK_KEY, _FILE or _COMMAND is required")
	}
	url := *callbackURL
	if url == "" {
		url = os.Getenv("SACCO_RELWORX_CALLBACK_URL")
	}
	if url == "" {
		return usageError("--url or SACCO_RELWORX_CALLBACK_URL is required")
	}
	timestamp := *ts
	if timestamp == "" {
		timestamp = strconv.FormatInt(time.Now().Unix(), 10)
	}

	var raw []byte
	if *in == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(*in)
	}
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	params, err := relworx.WebhookParams(raw)
	if err != nil {
		return err
	}
	sig := relworx.Sign(key, url, timestamp, params)
	_, err = fmt.Fprintf(stdout, "%s: %s\n", relworx.SignatureHeader, relworx.FormatSignatureHeader(timestamp, sig))
	return err
}

func cmdValidate(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	msisdn := fs.String("msisdn", "", "phone number, local or international form")
	currency := fs.String("currency", "", "deposit currency; picks the country code for local numbers")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if *msisdn == "" {
		return usageError("--msisdn is required")
	}
	countryCode := ""
	if *currency != "" {
		c, ok := ledger.ParseCurrency(strings.ToUpper(*currency))
		if !ok {
			return usageError("--currency must be one of UGX, KES, TZS, RWF")
		}
		countryCode = c.CountryCode()
	}
	client, cfg, err := newClient()
	if err != nil {
		return err
	}
	if countryCode == "" {
		countryCode = cfg.Relworx.CountryCode
	}
	normalized, err := relworx.NormalizeMSISDN(*msisdn, countryCode)
	if err != nil {
		return err
	}
	return printResult(stdout, client.ValidatePhoneNumber(ctx, normalized))
}

func cmdStatus(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	txRef := fs.String("tx-ref", "", "our customer reference")
	internal := fs.String("internal-ref", "", "Relworx internal reference")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if *txRef == "" && *internal == "" {
		return usageError("--tx-ref or --internal-ref is required")
	}
	client, _, err := newClient()
	if err != nil {
		return err
	}
	return printResult(stdout, client.CheckStatus(ctx, *internal, *txRef))
}

func cmdHistory(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	client, _, err := newClient()
	if err != nil {
		return err
	}
	return printResult(stdout, client.TransactionHistory(ctx))
}

func cmdToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	sub := fs.String("sub", "", "member or service id")
	actorType := fs.String("type", auth.ActorMember, "actor type: member or service")
	ttl := fs.Duration("ttl", 15*time.Minute, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if *sub == "" {
		return usageError("--sub is required")
	}
	if *actorType != auth.ActorMember && *actorType != auth.ActorService {
		return usageError("--type must be member or service")
	}
	if *ttl <= 0 || *ttl > 24*time.Hour {
		return usageError("--ttl must be within (0, 24h]")
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	var ks auth.HMACKeyset
	if cfg.JWTKeysetFile != "" {
		ks, err = auth.LoadHMACKeysetFile(cfg.JWTKeysetFile)
	} else {
		ks, err = auth.ParseHMACKeyset(cfg.JWTSecret, cfg.JWTKeysetSpec, cfg.JWTActiveKID)
	}
	if err != nil {
		return err
	}
	tok, exp, err := auth.NewJWTSignerWithKeyset(ks).SignActor(auth.Actor{ID: *sub, Type: *actorType}, time.Now(), *ttl)
	if err != nil {
		return err
	}
	return json.NewEncoder(stdout).Encode(map[string]string{
		"token":      tok,
		"expires_at": exp.UTC().Format(time.RFC3339),
	})
}

type auditView struct {
	AuditID    string          `json:"audit_id"`
	RecordedAt string          `json:"recorded_at"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	Result     string          `json:"result"`
	Reason     string          `json:"reason,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	HashCurr   string          `json:"hash"`
}

// cmdAudit reads the audit trail depositd persists. With --verify it checks
// the whole chain instead.
func cmdAudit(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	txRef := fs.String("tx-ref", "", "deposit reference")
	limit := fs.Int("limit", 100, "maximum events to print")
	verify := fs.Bool("verify", false, "verify the hash chain of every persisted event")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if *txRef == "" && !*verify {
		return usageError("--tx-ref or --verify is required")
	}
	dsn, err := resolveValueSource("SACCO_DATABASE_URL", "SACCO_DATABASE_URL_FILE", "SACCO_DATABASE_URL_COMMAND")
	if err != nil {
		return err
	}
	if dsn == "" {
		return usageError("SACCO_DATABASE_URL, _FILE or _COMMAND is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	store := audit.NewPostgresStore(db, audit.NewBoundedStore(1))

	if *verify {
		chain, err := store.Chain(ctx)
		if err != nil {
			return err
		}
		if err := audit.VerifyChain(chain); err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "audit chain ok: %d events\n", len(chain))
		return err
	}

	events, err := store.ForObject(ctx, *txRef, *limit)
	if err != nil {
		return err
	}
	out := make([]auditView, 0, len(events))
	for _, e := range events {
		out = append(out, auditView{
			AuditID:    e.AuditID,
			RecordedAt: e.RecordedAt.Format(time.RFC3339Nano),
			Actor:      e.ActorType + ":" + e.ActorID,
			Action:     e.Action,
			Result:     string(e.Result),
			Reason:     e.Reason,
			After:      json.RawMessage(e.After),
			HashCurr:   e.HashCurr,
		})
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func newClient() (*relworx.Client, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.Config{}, err
	}
	apiKey, err := resolveValueSource("SACCO_RELWORX_API_KEY", "SACCO_RELWORX_API_KEY_FILE", "SACCO_RELWORX_API_KEY_COMMAND")
	if err != nil {
		return nil, config.Config{}, err
	}
	if apiKey == "" || cfg.Relworx.AccountNo == "" {
		return nil, config.Config{}, usageError("SACCO_RELWORX_API_KEY and SACCO_RELWORX_ACCOUNT_NO are required")
	}
	client := relworx.NewClient(relworx.Config{
		BaseURL:   cfg.Relworx.BaseURL,
		APIKey:    apiKey,
		AccountNo: cfg.Relworx.AccountNo,
		Timeout:   cfg.Relworx.Timeout,
	}, nil)
	return client, cfg, nil
}

type resultView struct {
	OK                bool                  `json:"ok"`
	Kind              string                `json:"failure_kind,omitempty"`
	Message           string                `json:"message,omitempty"`
	HTTPStatus        int                   `json:"http_status,omitempty"`
	Status            string                `json:"status,omitempty"`
	InternalReference string                `json:"internal_reference,omitempty"`
	CustomerReference string                `json:"customer_reference,omitempty"`
	Amount            string                `json:"amount,omitempty"`
	Currency          string                `json:"currency,omitempty"`
	CustomerName      string                `json:"customer_name,omitempty"`
	Transactions      []relworx.Transaction `json:"transactions,omitempty"`
}

func printResult(w io.Writer, res relworx.Result) error {
	v := resultView{
		OK:                res.OK(),
		Kind:              string(res.Kind),
		Message:           res.Message,
		HTTPStatus:        res.HTTPStatus,
		Status:            res.Status,
		InternalReference: res.InternalReference,
		CustomerReference: res.CustomerReference,
		Currency:          res.Currency,
		CustomerName:      res.CustomerName,
		Transactions:      res.Transactions,
	}
	if !res.Amount.IsZero() {
		v.Amount = res.Amount.StringFixed(2)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("relworx call failed: %s", res.Kind)
	}
	return nil
}

// resolveValueSource reads a secret from a file, a command, or the variable
// itself, in that order.
func resolveValueSource(valueEnv, fileEnv, commandEnv string) (string, error) {
	if p := strings.TrimSpace(os.Getenv(fileEnv)); p != "" {
		data, err := os.ReadFile(p)
		if err != nil {
			return "", fmt.Errorf("read %s file %q: %w", valueEnv, p, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if cmdRaw := strings.TrimSpace(os.Getenv(commandEnv)); cmdRaw != "" {
		out, err := exec.Command("bash", "-lc", cmdRaw).Output()
		if err != nil {
			return "", fmt.Errorf("run %s command: %w", valueEnv, err)
		}
		return strings.TrimSpace(string(out)), nil
	}
	return strings.TrimSpace(os.Getenv(valueEnv)), nil
}
