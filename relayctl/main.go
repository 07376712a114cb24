package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/docrelay/relay/relay"
)

const RelayCtlVersion = "0.0.1"

func init() {
	// glog to stderr unless overridden
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Parse()
}

func main() {
	usage := `Relay control.

Environment (flags take precedence, .env is loaded if present):
    RELAY_SECRET      token signing secret
    RELAY_DB          sqlite database path
    RELAY_LISTEN      listen address for serve

Usage:
    relayctl serve [--db=<db>] [--listen=<listen>] [--secret=<secret>]
        [--collection=<fn:root_key>...]
    relayctl token --principal_id=<principal_id> [--secret=<secret>]
        [--expire=<expire>]
    relayctl tail --url=<url> --token=<token> --fn=<fn> --doc_id=<doc_id>
        --root_key=<root_key> [--root_is_collection] [--limit=<limit>]
        [--stream]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --db=<db>                      Sqlite path [default: relay.db].
    --listen=<listen>              Listen address [default: :8080].
    --secret=<secret>              Token signing secret.
    --collection=<fn:root_key>     Register a collection document function.
    --principal_id=<principal_id>  Principal id (uuid) to mint for.
    --expire=<expire>              Token lifetime [default: 24h].
    --url=<url>                    Relay websocket url.
    --token=<token>                Principal token.
    --fn=<fn>                      Document function name.
    --doc_id=<doc_id>              Document id.
    --root_key=<root_key>          Root key of the document shape.
    --limit=<limit>                Page size for cursor mode.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RelayCtlVersion)
	if err != nil {
		panic(err)
	}

	godotenv.Load()

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	}
}

func optOrEnv(opts docopt.Opts, key string, envKey string) string {
	if value, err := opts.String(key); err == nil && value != "" {
		return value
	}
	return os.Getenv(envKey)
}

// read the secret from the flag, the environment, or the terminal
func secret(opts docopt.Opts) []byte {
	if value := optOrEnv(opts, "--secret", "RELAY_SECRET"); value != "" {
		return []byte(value)
	}
	fmt.Fprint(os.Stderr, "secret: ")
	value, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		glog.Exitf("[ctl]could not read secret = %s", err)
	}
	return value
}

func serve(opts docopt.Opts) {
	dbPath := optOrEnv(opts, "--db", "RELAY_DB")
	if dbPath == "" {
		dbPath = "relay.db"
	}
	listen := optOrEnv(opts, "--listen", "RELAY_LISTEN")
	if listen == "" {
		listen = ":8080"
	}

	store, err := relay.NewSqliteStore(dbPath)
	if err != nil {
		glog.Exitf("[ctl]could not open store = %s", err)
	}
	defer store.Close()

	if collections, ok := opts["--collection"].([]string); ok {
		for _, collection := range collections {
			fn, rootKey, valid := splitCollection(collection)
			if !valid {
				glog.Exitf("[ctl]invalid collection %s, expected fn:root_key", collection)
			}
			store.RegisterCollection(fn, rootKey)
		}
	}

	resolver := relay.NewJwtResolver(secret(opts))

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := relay.NewRelayServerWithDefaults(cancelCtx, store, resolver)
	defer server.Close()

	httpServer := &http.Server{
		Addr:    listen,
		Handler: server.Router(),
	}
	go func() {
		glog.Infof("[ctl]listening on %s (db %s)\n", listen, dbPath)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			glog.Exitf("[ctl]listen = %s", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
}

func splitCollection(collection string) (fn string, rootKey string, valid bool) {
	for i := 0; i < len(collection); i += 1 {
		if collection[i] == ':' {
			return collection[:i], collection[i+1:], i != 0 && i != len(collection)-1
		}
	}
	return "", "", false
}

func token(opts docopt.Opts) {
	principalIdStr, _ := opts.String("--principal_id")
	principalId, err := relay.ParseId(principalIdStr)
	if err != nil {
		glog.Exitf("[ctl]invalid principal_id (%s)", err)
	}

	expireStr, _ := opts.String("--expire")
	expire, err := time.ParseDuration(expireStr)
	if err != nil {
		glog.Exitf("[ctl]invalid expire (%s)", err)
	}

	resolver := relay.NewJwtResolver(secret(opts))
	signed, err := resolver.Mint(principalId, expire)
	if err != nil {
		glog.Exitf("[ctl]could not mint token = %s", err)
	}
	fmt.Println(signed)
}

// connect as a real client, open one document, and print every merged
// tree state as it changes
func tail(opts docopt.Opts) {
	url, _ := opts.String("--url")
	clientToken, _ := opts.String("--token")
	fn, _ := opts.String("--fn")
	docIdStr, _ := opts.String("--doc_id")
	rootKey, _ := opts.String("--root_key")
	rootIsCollection, _ := opts.Bool("--root_is_collection")
	stream, _ := opts.Bool("--stream")

	docId, err := strconv.ParseInt(docIdStr, 10, 64)
	if err != nil {
		glog.Exitf("[ctl]invalid doc_id (%s)", err)
	}

	var options *relay.OpenOptions
	if limit, err := opts.Int("--limit"); err == nil && 0 < limit {
		options = &relay.OpenOptions{
			Limit:  limit,
			Stream: stream,
		}
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := relay.NewClientWithDefaults(cancelCtx, url, clientToken)
	defer client.Close()

	removeStateCallback := client.AddStateCallback(func(state relay.ConnectionState) {
		fmt.Fprintf(os.Stderr, "state: %s\n", state)
	})
	defer removeStateCallback()

	shape := relay.DocShape{
		RootKey:          rootKey,
		RootIsCollection: rootIsCollection,
	}
	doc := client.Open(fn, docId, shape, options)

	var dispose func()
	client.Do(func(runtime *relay.Runtime) {
		dispose = runtime.Effect(func() relay.CleanupFunc {
			tree := doc.Signal().Get()
			if tree == nil {
				return nil
			}
			if message, ok := relay.TreeError(tree); ok {
				fmt.Printf("error: %s\n", message)
				return nil
			}
			if relay.IsRemoved(tree) {
				fmt.Printf("removed\n")
				return nil
			}
			out, err := json.Marshal(tree)
			if err != nil {
				fmt.Printf("error: %s\n", err)
				return nil
			}
			fmt.Printf("%s\n", out)
			return nil
		})
	})
	defer dispose()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case <-cancelCtx.Done():
	}
}
