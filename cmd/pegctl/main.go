package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"pegkeeper/services/pegd/controller"
	"pegkeeper/services/pegd/server"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type env struct {
	client *client
	out    io.Writer
}

type command struct {
	usage string
	auth  bool
	run   func(ctx context.Context, e env, args []string) error
}

var commands = map[string]command{
	"status":        {usage: "status", run: cmdStatus},
	"balance":       {usage: "balance <address>", run: cmdBalance},
	"mint":          {usage: "mint --amount FRAX [--min-out FPI]", auth: true, run: swapCmd("mint")},
	"redeem":        {usage: "redeem --amount FPI [--min-out FRAX]", auth: true, run: swapCmd("redeem")},
	"swap":          {usage: "swap --sell FRAX|FPI --amount N [--min-out N]", auth: true, run: cmdSwap},
	"twamm-manual":  {usage: "twamm-manual (--frax N | --fpi N) [--intervals N]", auth: true, run: cmdTwammManual},
	"twamm-to-peg":  {usage: "twamm-to-peg [--override N]", auth: true, run: cmdTwammToPeg},
	"cancel":        {usage: "cancel", auth: true, run: settleCmd("cancel")},
	"collect":       {usage: "collect", auth: true, run: settleCmd("collect")},
	"toggle":        {usage: "toggle mints|redeems", auth: true, run: cmdToggle},
	"events":        {usage: "events [--kind K] [--limit N]", auth: true, run: cmdEvents},
	"export-events": {usage: "export-events --out FILE [--kind K] [--limit N]", auth: true, run: cmdExportEvents},
}

func run(ctx context.Context, args []string, out io.Writer) error {
	global := flag.NewFlagSet("pegctl", flag.ContinueOnError)
	profilePath := global.String("profile", defaultProfilePath(), "path to the pegctl TOML profile")
	endpoint := global.String("endpoint", "", "pegd base URL (overrides the profile)")
	token := global.String("token", "", "API bearer token (overrides the profile)")
	if err := global.Parse(args); err != nil {
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		usage(out)
		return errors.New("command required")
	}
	if rest[0] == "issue-token" {
		return cmdIssueToken(rest[1:], out)
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		usage(out)
		return fmt.Errorf("unknown command %q", rest[0])
	}
	prof, err := loadProfile(*profilePath)
	if err != nil {
		return err
	}
	if *endpoint != "" {
		prof.Endpoint = strings.TrimRight(*endpoint, "/")
	}
	var bearer string
	if cmd.auth {
		if bearer, err = resolveToken(*token, prof); err != nil {
			return err
		}
	}
	return cmd.run(ctx, env{client: newClient(prof.Endpoint, bearer), out: out}, rest[1:])
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "usage: pegctl [--profile FILE] [--endpoint URL] [--token T] <command>")
	for _, name := range []string{"status", "balance", "mint", "redeem", "swap", "twamm-manual", "twamm-to-peg", "cancel", "collect", "toggle", "events", "export-events"} {
		fmt.Fprintf(out, "  %s\n", commands[name].usage)
	}
	fmt.Fprintln(out, "  issue-token --role user|amo --address ADDR [--ttl 24h]")
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// amountFlag validates a non-negative decimal token amount.
func amountFlag(name, raw string, required bool) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return "", fmt.Errorf("--%s is required", name)
		}
		return "", nil
	}
	value, err := decimal.NewFromString(strings.ReplaceAll(raw, "_", ""))
	if err != nil {
		return "", fmt.Errorf("--%s: %w", name, err)
	}
	if value.IsNegative() {
		return "", fmt.Errorf("--%s must not be negative", name)
	}
	return value.String(), nil
}

func cmdStatus(ctx context.Context, e env, _ []string) error {
	var status map[string]any
	if err := e.client.get(ctx, "/v1/status", &status); err != nil {
		return err
	}
	return printJSON(e.out, status)
}

func cmdBalance(ctx context.Context, e env, args []string) error {
	if len(args) != 1 || !common.IsHexAddress(args[0]) {
		return errors.New("balance requires one hex address")
	}
	var balances map[string]string
	if err := e.client.get(ctx, "/v1/balances/"+args[0], &balances); err != nil {
		return err
	}
	return printJSON(e.out, balances)
}

func swapCmd(kind string) func(context.Context, env, []string) error {
	return func(ctx context.Context, e env, args []string) error {
		fs := flag.NewFlagSet(kind, flag.ContinueOnError)
		amountRaw := fs.String("amount", "", "amount in")
		minOutRaw := fs.String("min-out", "", "minimum amount out")
		if err := fs.Parse(args); err != nil {
			return err
		}
		amount, err := amountFlag("amount", *amountRaw, true)
		if err != nil {
			return err
		}
		minOut, err := amountFlag("min-out", *minOutRaw, false)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := e.client.post(ctx, "/v1/"+kind, map[string]string{"amount": amount, "min_out": minOut}, &result); err != nil {
			return err
		}
		return printJSON(e.out, result)
	}
}

func cmdSwap(ctx context.Context, e env, args []string) error {
	fs := flag.NewFlagSet("swap", flag.ContinueOnError)
	sell := fs.String("sell", "", "asset to sell (FRAX or FPI)")
	amountRaw := fs.String("amount", "", "amount in")
	minOutRaw := fs.String("min-out", "", "minimum amount out")
	if err := fs.Parse(args); err != nil {
		return err
	}
	asset := strings.ToUpper(strings.TrimSpace(*sell))
	if asset != "FRAX" && asset != "FPI" {
		return errors.New("--sell must be FRAX or FPI")
	}
	amount, err := amountFlag("amount", *amountRaw, true)
	if err != nil {
		return err
	}
	minOut, err := amountFlag("min-out", *minOutRaw, false)
	if err != nil {
		return err
	}
	var result map[string]string
	body := map[string]string{"sell": asset, "amount": amount, "min_out": minOut}
	if err := e.client.post(ctx, "/v1/swap", body, &result); err != nil {
		return err
	}
	return printJSON(e.out, result)
}

func cmdTwammManual(ctx context.Context, e env, args []string) error {
	fs := flag.NewFlagSet("twamm-manual", flag.ContinueOnError)
	fraxRaw := fs.String("frax", "", "FRAX to sell")
	fpiRaw := fs.String("fpi", "", "FPI to sell")
	intervals := fs.Uint64("intervals", 0, "order length in intervals (0 uses the swap period)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	frax, err := amountFlag("frax", *fraxRaw, false)
	if err != nil {
		return err
	}
	fpi, err := amountFlag("fpi", *fpiRaw, false)
	if err != nil {
		return err
	}
	if (frax == "") == (fpi == "") {
		return errors.New("exactly one of --frax or --fpi is required")
	}
	body := map[string]any{"frax_sold": frax, "fpi_sold": fpi, "intervals": *intervals}
	var order map[string]any
	if err := e.client.post(ctx, "/v1/twamm/manual", body, &order); err != nil {
		return err
	}
	return printJSON(e.out, order)
}

func cmdTwammToPeg(ctx context.Context, e env, args []string) error {
	fs := flag.NewFlagSet("twamm-to-peg", flag.ContinueOnError)
	overrideRaw := fs.String("override", "", "sell this amount instead of the computed one")
	if err := fs.Parse(args); err != nil {
		return err
	}
	override, err := amountFlag("override", *overrideRaw, false)
	if err != nil {
		return err
	}
	var order map[string]any
	if err := e.client.post(ctx, "/v1/twamm/to-peg", map[string]string{"override": override}, &order); err != nil {
		return err
	}
	return printJSON(e.out, order)
}

func settleCmd(kind string) func(context.Context, env, []string) error {
	return func(ctx context.Context, e env, _ []string) error {
		var settlement map[string]any
		if err := e.client.post(ctx, "/v1/twamm/"+kind, map[string]uint64{"index": 0}, &settlement); err != nil {
			return err
		}
		return printJSON(e.out, settlement)
	}
}

func cmdToggle(ctx context.Context, e env, args []string) error {
	if len(args) != 1 || (args[0] != "mints" && args[0] != "redeems") {
		return errors.New("toggle requires mints or redeems")
	}
	var result map[string]bool
	if err := e.client.post(ctx, "/v1/admin/toggle/"+args[0], nil, &result); err != nil {
		return err
	}
	return printJSON(e.out, result)
}

func fetchEvents(ctx context.Context, e env, args []string, name string) ([]journalEntry, string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	kind := fs.String("kind", "", "only events of this kind")
	limit := fs.Int("limit", 100, "maximum events")
	outPath := fs.String("out", "", "output file")
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	query := url.Values{}
	query.Set("limit", fmt.Sprint(*limit))
	if *kind != "" {
		query.Set("kind", *kind)
	}
	path := "/v1/events?" + query.Encode()
	var payload struct {
		Events []journalEntry `json:"events"`
	}
	if err := e.client.get(ctx, path, &payload); err != nil {
		return nil, "", err
	}
	return payload.Events, *outPath, nil
}

func cmdEvents(ctx context.Context, e env, args []string) error {
	events, _, err := fetchEvents(ctx, e, args, "events")
	if err != nil {
		return err
	}
	return printJSON(e.out, events)
}

func cmdExportEvents(ctx context.Context, e env, args []string) error {
	events, outPath, err := fetchEvents(ctx, e, args, "export-events")
	if err != nil {
		return err
	}
	if outPath == "" {
		return errors.New("--out is required")
	}
	if err := writeEventsParquet(outPath, events); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "wrote %d events to %s\n", len(events), outPath)
	return nil
}

// cmdIssueToken signs a user or AMO token with the secret in PEGD_JWT_SECRET.
func cmdIssueToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("issue-token", flag.ContinueOnError)
	roleRaw := fs.String("role", "user", "user or amo")
	address := fs.String("address", "", "subject address")
	issuer := fs.String("issuer", "pegd", "token issuer")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret := strings.TrimSpace(os.Getenv("PEGD_JWT_SECRET"))
	if secret == "" {
		return errors.New("PEGD_JWT_SECRET is not set")
	}
	role, err := controller.ParseRole(*roleRaw)
	if err != nil {
		return err
	}
	if role != controller.RoleUser && role != controller.RoleAMO {
		return errors.New("only user and amo tokens can be issued")
	}
	if !common.IsHexAddress(*address) {
		return errors.New("--address must be a hex address")
	}
	token, err := server.IssueToken(secret, *issuer, role, common.HexToAddress(*address), *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}
