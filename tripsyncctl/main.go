package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/docopt/docopt-go"

	"tripmesh.com/sync/tripsync"
)

const TripsyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Tripmesh sync control.

The default urls target a local tripsyncd:
    api_url: http://127.0.0.1:8090
    stream_url: ws://127.0.0.1:8090/events

Usage:
    tripsyncctl make-jwt [--user_id=<user_id>] [--client_id=<client_id>]
        [--trip_id=<trip_id>]
    tripsyncctl read [--api_url=<api_url>] --jwt=<jwt> --key=<resource_key>
    tripsyncctl apply [--api_url=<api_url>] [--stream_url=<stream_url>]
        --jwt=<jwt>
        --scope=<scope>
        --key=<resource_key>
        --type=<resource_type>
        --op=<op>
        [--set=<field=value>...]
    tripsyncctl claim [--api_url=<api_url>] --jwt=<jwt>
        --key=<resource_key> --claimant=<claimant_id>
    tripsyncctl release [--api_url=<api_url>] --jwt=<jwt>
        --key=<resource_key> --claimant=<claimant_id>
    tripsyncctl tail [--api_url=<api_url>] [--stream_url=<stream_url>]
        --jwt=<jwt> --scope=<scope>
        [--message_count=<message_count>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>
    --stream_url=<stream_url>
    --jwt=<jwt>                      Your trip JWT.
    --scope=<scope>                  Key prefix, e.g. trip/<tripId>.
    --key=<resource_key>
    --type=<resource_type>           task, pin, event or read_mark.
    --op=<op>                        create, update, toggle or delete.
    --set=<field=value>              Payload field. Repeatable.
    --claimant=<claimant_id>
    --message_count=<message_count>`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], TripsyncCtlVersion)
	if err != nil {
		panic(err)
	}

	apiUrl, _ := opts.String("--api_url")
	if apiUrl == "" {
		apiUrl = "http://127.0.0.1:8090"
	}
	streamUrl, _ := opts.String("--stream_url")
	if streamUrl == "" {
		streamUrl = "ws://127.0.0.1:8090/events"
	}

	if makeJwt, _ := opts.Bool("make-jwt"); makeJwt {
		runMakeJwt(opts)
	} else if read, _ := opts.Bool("read"); read {
		runRead(opts, apiUrl)
	} else if apply, _ := opts.Bool("apply"); apply {
		runApply(opts, apiUrl, streamUrl)
	} else if claim, _ := opts.Bool("claim"); claim {
		runClaim(opts, apiUrl, true)
	} else if release, _ := opts.Bool("release"); release {
		runClaim(opts, apiUrl, false)
	} else if tail, _ := opts.Bool("tail"); tail {
		runTail(opts, apiUrl, streamUrl)
	}
}

func clientAuth(opts docopt.Opts) *tripsync.ClientAuth {
	jwt, _ := opts.String("--jwt")
	return &tripsync.ClientAuth{
		ByJwt:      jwt,
		InstanceId: tripsync.NewId(),
		AppVersion: TripsyncCtlVersion,
	}
}

func runMakeJwt(opts docopt.Opts) {
	userId, _ := opts.String("--user_id")
	if userId == "" {
		userId = tripsync.NewId().String()
	}
	clientId, _ := opts.String("--client_id")
	if clientId == "" {
		clientId = tripsync.NewId().String()
	}
	tripId, _ := opts.String("--trip_id")
	if tripId == "" {
		tripId = tripsync.NewId().String()
	}

	// the daemon side verifies signatures. Local claim extraction is
	// unverified, so any signing secret works for development.
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":   userId,
		"client_id": clientId,
		"trip_id":   tripId,
	})
	jwt, err := token.SignedString([]byte("tripsync-dev"))
	if err != nil {
		Err.Fatal(err)
	}
	Out.Printf("%s", jwt)
}

func runRead(opts docopt.Opts, apiUrl string) {
	ctx := context.Background()
	store := tripsync.NewApiStore(ctx, apiUrl, clientAuth(opts))
	defer store.Close()

	resourceKey, _ := opts.String("--key")
	record, err := store.Read(ctx, resourceKey)
	if err != nil {
		Err.Fatal(err)
	}
	recordJson, _ := json.MarshalIndent(record, "", "  ")
	Out.Printf("%s", recordJson)
}

func runApply(opts docopt.Opts, apiUrl string, streamUrl string) {
	ctx := context.Background()

	scope, _ := opts.String("--scope")
	orchestrator, err := tripsync.NewSyncOrchestrator(
		ctx,
		clientAuth(opts),
		scope,
		apiUrl,
		streamUrl,
		tripsync.NewMemoryQueueStorage(),
		tripsync.DefaultSyncOrchestratorSettings(),
	)
	if err != nil {
		Err.Fatal(err)
	}
	defer orchestrator.Close()

	resourceKey, _ := opts.String("--key")
	resourceType, _ := opts.String("--type")
	op, _ := opts.String("--op")

	payload := map[string]any{}
	sets, _ := opts["--set"].([]string)
	for _, set := range sets {
		field, value, ok := strings.Cut(set, "=")
		if !ok {
			Err.Fatalf("bad --set %s", set)
		}
		payload[field] = value
	}

	handle, err := orchestrator.Apply(&tripsync.Mutation{
		ResourceType: tripsync.ResourceType(resourceType),
		ResourceKey:  resourceKey,
		Op:           tripsync.MutationOp(op),
		Payload:      payload,
	})
	if err != nil {
		Err.Fatal(err)
	}

	awaitCtx, awaitCancel := context.WithTimeout(ctx, 60*time.Second)
	defer awaitCancel()
	outcome, err := handle.Await(awaitCtx)
	if err != nil {
		Err.Fatal(err)
	}
	Out.Printf("%s v%d", outcome.Status, outcome.Version)
	if outcome.Message != "" {
		Out.Printf("%s", outcome.Message)
	}
	if outcome.Err != nil {
		Err.Fatal(outcome.Err)
	}
}

func runClaim(opts docopt.Opts, apiUrl string, claim bool) {
	ctx := context.Background()
	store := tripsync.NewApiStore(ctx, apiUrl, clientAuth(opts))
	defer store.Close()
	allocator := tripsync.NewCapacityAllocatorWithDefaults(ctx, store)

	resourceKey, _ := opts.String("--key")
	claimantStr, _ := opts.String("--claimant")
	claimantId, err := tripsync.ParseId(claimantStr)
	if err != nil {
		Err.Fatal(err)
	}

	if claim {
		result, err := allocator.Claim(ctx, resourceKey, claimantId)
		if err != nil {
			if result != nil && result.Outcome == tripsync.ClaimOutcomeRejected {
				Out.Printf("rejected")
				return
			}
			Err.Fatal(err)
		}
		switch result.Outcome {
		case tripsync.ClaimOutcomeWaitlisted:
			Out.Printf("waitlisted position=%d", result.Position)
		default:
			Out.Printf("%s", result.Outcome)
		}
	} else {
		if err := allocator.Release(ctx, resourceKey, claimantId); err != nil {
			Err.Fatal(err)
		}
		Out.Printf("released")
	}
}

func runTail(opts docopt.Opts, apiUrl string, streamUrl string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scope, _ := opts.String("--scope")
	messageCount, messageCountErr := opts.Int("--message_count")

	auth := clientAuth(opts)
	store := tripsync.NewApiStore(ctx, apiUrl, auth)
	defer store.Close()

	cache := tripsync.NewRecordCache()
	clientId, err := auth.ClientId()
	if err != nil {
		Err.Fatal(err)
	}
	suppressor := tripsync.NewEchoSuppressorWithDefaults(clientId)

	stream := tripsync.NewReconciliationStream(
		ctx,
		scope,
		streamUrl,
		auth,
		store,
		cache,
		suppressor,
		nil,
		tripsync.DefaultReconciliationStreamSettings(),
	)
	defer stream.Close()

	count := 0
	done := make(chan struct{})
	unsub := stream.AddChangeCallback(func(event *tripsync.ChangeEvent) {
		eventJson, _ := json.Marshal(event)
		Out.Printf("%s", eventJson)
		count += 1
		if messageCountErr == nil && messageCount == count {
			close(done)
		}
	})
	defer unsub()

	<-done
}
