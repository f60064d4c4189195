package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/docopt/docopt-go"

	"tripmesh.com/sync/tripsync"
)

const TripsyncdVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Tripmesh sync daemon.

Serves the versioned record store rpc and the push event feed
for trip scoped shared state.

Usage:
    tripsyncd [--port=<port>]
        [--capacity=<resource_key,limit,waitlist>...]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --port=<port>            Listen port [default: 8090].
    --capacity=<resource_key,limit,waitlist>
                             Pre-create a capacity resource, e.g.
                             trip/t1/event/dinner,2,true. Repeatable.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], TripsyncdVersion)
	if err != nil {
		panic(err)
	}

	port, _ := opts.Int("--port")

	store := tripsync.NewMemoryStore()

	capacities, _ := opts["--capacity"].([]string)
	for _, capacity := range capacities {
		resourceKey, limit, allowWaitlist, err := parseCapacity(capacity)
		if err != nil {
			Err.Fatalf("bad --capacity %s: %s", capacity, err)
		}
		store.InitCapacity(resourceKey, limit, allowWaitlist)
		Out.Printf("capacity %s limit=%d waitlist=%t", resourceKey, limit, allowWaitlist)
	}

	server := tripsync.NewStoreServerWithDefaults(store)

	Out.Printf("tripsyncd %s listening on :%d", TripsyncdVersion, port)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), server.Router()); err != nil {
		Err.Fatal(err)
	}
}

func parseCapacity(capacity string) (resourceKey string, limit int, allowWaitlist bool, err error) {
	parts := strings.Split(capacity, ",")
	if len(parts) != 3 {
		err = fmt.Errorf("expected resource_key,limit,waitlist")
		return
	}
	resourceKey = parts[0]
	limit, err = strconv.Atoi(parts[1])
	if err != nil {
		return
	}
	allowWaitlist, err = strconv.ParseBool(parts[2])
	return
}
