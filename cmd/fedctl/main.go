// fedctl drives the negotiation API from the command line: open a proposal,
// deliver responses, inspect sessions, and verify issued contracts.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"fedmarket/pkg/protocol"
	"fedmarket/sdk/go/fedmarket"
)

const usage = `usage:
  fedctl propose  --agent <agent_id> (--file <proposal.json> | --job <job_id> --epsilon <e> --payment <p> [--delta <d>] [--clipping-norm <c>] [--rounds <n>] [--job-type training|evaluation])
  fedctl respond  --job <job_id> --status accepted|rejected|counter_offer [--reason <r>] [--counter key=value ...]
  fedctl cancel   --job <job_id> [--reason <r>]
  fedctl session  --job <job_id>
  fedctl contract --job <job_id> [--verify]

common flags: --server <base_url> (or FEDMARKET_URL), --token <bearer> (or FEDMARKET_TOKEN)`

func main() {
	if len(os.Args) < 2 {
		fail(usage)
	}
	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "propose":
		runPropose(args)
	case "respond":
		runRespond(args)
	case "cancel":
		runCancel(args)
	case "session":
		runSession(args)
	case "contract":
		runContract(args)
	default:
		fail(usage)
	}
}

func commonFlags(fs *pflag.FlagSet) (server, token *string) {
	server = fs.String("server", envOr("FEDMARKET_URL", "http://localhost:8080"), "negotiation service base url")
	token = fs.String("token", os.Getenv("FEDMARKET_TOKEN"), "agent bearer token")
	return server, token
}

func client(server, token string) *fedmarket.Client {
	opts := []fedmarket.Option{}
	if strings.TrimSpace(token) != "" {
		opts = append(opts, fedmarket.WithAuth(fedmarket.BearerAuth{Token: token}))
	}
	return fedmarket.NewClient(server, opts...)
}

func runPropose(args []string) {
	fs := pflag.NewFlagSet("propose", pflag.ExitOnError)
	server, token := commonFlags(fs)
	agentID := fs.String("agent", "", "data-holding agent id")
	jobID := fs.String("job", "", "job id")
	jobType := fs.String("job-type", "training", "training or evaluation")
	epsilon := fs.Float64("epsilon", 0, "requested epsilon")
	delta := fs.Float64("delta", 0, "requested delta (defaulted when 0)")
	clippingNorm := fs.Float64("clipping-norm", 0, "gradient clipping norm (defaulted when 0)")
	payment := fs.Float64("payment", 0, "payment offer")
	rounds := fs.Int("rounds", 1, "training rounds")
	file := fs.String("file", "", "read the proposal from a JSON file instead of flags")
	_ = fs.Parse(args)
	if *agentID == "" {
		fail("--agent is required")
	}

	var proposal protocol.TrainingProposal
	if *file != "" {
		b, err := os.ReadFile(*file)
		if err != nil {
			fail(err.Error())
		}
		if err := json.Unmarshal(b, &proposal); err != nil {
			fail("parse proposal file: " + err.Error())
		}
	} else {
		if *jobID == "" {
			fail("--job is required without --file")
		}
		proposal = protocol.TrainingProposal{
			JobID:   *jobID,
			JobType: protocol.JobType(*jobType),
			PrivacyBudget: protocol.PrivacyBudget{
				Epsilon:      *epsilon,
				Delta:        *delta,
				ClippingNorm: *clippingNorm,
			},
			PaymentOffer: *payment,
			Rounds:       *rounds,
		}
	}
	s, err := client(*server, *token).OpenNegotiation(ctx(), *agentID, proposal, fedmarket.NewIdempotencyKey())
	if err != nil {
		fail(err.Error())
	}
	printJSON(s)
}

func runRespond(args []string) {
	fs := pflag.NewFlagSet("respond", pflag.ExitOnError)
	server, token := commonFlags(fs)
	jobID := fs.String("job", "", "job id")
	status := fs.String("status", "", "accepted, rejected, or counter_offer")
	reason := fs.String("reason", "", "optional reason")
	counters := fs.StringArray("counter", nil, "counter field as key=value (repeatable)")
	_ = fs.Parse(args)
	if *jobID == "" || *status == "" {
		fail("--job and --status are required")
	}

	resp := protocol.NegotiationResponse{
		JobID:  *jobID,
		Status: protocol.NegotiationStatus(*status),
		Reason: *reason,
	}
	if len(*counters) > 0 {
		resp.CounterProposal = map[string]float64{}
		for _, kv := range *counters {
			key, raw, ok := strings.Cut(kv, "=")
			if !ok {
				fail("counter must be key=value, got " + kv)
			}
			value, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				fail("counter value for " + key + " is not a number")
			}
			resp.CounterProposal[key] = value
		}
	}

	s, err := client(*server, *token).SubmitResponse(ctx(), *jobID, resp)
	if err != nil {
		fail(err.Error())
	}
	printJSON(s)
}

func runCancel(args []string) {
	fs := pflag.NewFlagSet("cancel", pflag.ExitOnError)
	server, token := commonFlags(fs)
	jobID := fs.String("job", "", "job id")
	reason := fs.String("reason", "cancelled by operator", "cancellation reason")
	_ = fs.Parse(args)
	if *jobID == "" {
		fail("--job is required")
	}
	s, err := client(*server, *token).CancelNegotiation(ctx(), *jobID, *reason)
	if err != nil {
		fail(err.Error())
	}
	printJSON(s)
}

func runSession(args []string) {
	fs := pflag.NewFlagSet("session", pflag.ExitOnError)
	server, token := commonFlags(fs)
	jobID := fs.String("job", "", "job id")
	_ = fs.Parse(args)
	if *jobID == "" {
		fail("--job is required")
	}
	s, err := client(*server, *token).GetSession(ctx(), *jobID)
	if err != nil {
		fail(err.Error())
	}
	printJSON(s)
}

func runContract(args []string) {
	fs := pflag.NewFlagSet("contract", pflag.ExitOnError)
	server, token := commonFlags(fs)
	jobID := fs.String("job", "", "job id")
	verify := fs.Bool("verify", false, "verify the contract signature offline")
	_ = fs.Parse(args)
	if *jobID == "" {
		fail("--job is required")
	}
	c, err := client(*server, *token).GetContract(ctx(), *jobID)
	if err != nil {
		fail(err.Error())
	}
	if *verify {
		if err := fedmarket.VerifyContractSignature(*c); err != nil {
			fail("signature verification failed: " + err.Error())
		}
		hash, err := c.TermsHash()
		if err != nil {
			fail(err.Error())
		}
		fmt.Fprintln(os.Stderr, "signature: OK")
		fmt.Fprintln(os.Stderr, "terms_hash:", hash)
	}
	printJSON(c)
}

// The SDK's http client carries the request timeout.
func ctx() context.Context { return context.Background() }

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
