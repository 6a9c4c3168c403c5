package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/spf13/afero"

	"github.com/tickvault/shardquery/core"
	"github.com/tickvault/shardquery/querier"
)

func main() {
	ctx := core.WithDefaultLogger(context.Background(), "main")

	queryFlag := flag.String("query", "", "Execute a single query (JSON, same shape as the /query body) and exit")
	portFlag := flag.Int("port", 7972, "HTTP listen port")
	dataFlag := flag.String("data", "", "Shard root directory (defaults to $DATA_DIR, then ./data)")
	flag.Parse()

	dataDir := *dataFlag
	if dataDir == "" {
		dataDir = os.Getenv("DATA_DIR")
	}
	if dataDir == "" {
		dataDir = "./data"
	}

	// The engine only consumes a pre-resolved credential; resolving it from
	// the environment is this wrapper's job.
	cfg := querier.Config{
		DataDir:    dataDir,
		Credential: os.Getenv("SHARD_KEY"),
	}

	engine, err := querier.NewEngine(ctx, afero.NewOsFs(), cfg)
	if err != nil {
		core.Errorf(ctx, "failed to initialize engine: %v", err)
		os.Exit(1)
	}
	defer engine.Close()

	server := querier.NewServer(engine)

	if *queryFlag != "" {
		var req querier.QueryRequest
		if err := json.Unmarshal([]byte(*queryFlag), &req); err != nil {
			log.Fatalf("invalid query: %v", err)
		}
		resp, err := server.Do(ctx, req)
		if err != nil {
			log.Fatalf("query error: %v", err)
		}
		jsonData, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			log.Fatalf("failed to marshal results: %v", err)
		}
		fmt.Println(string(jsonData))
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", server.HandleHealth)
	mux.HandleFunc("/query", server.HandleQuery)
	mux.HandleFunc("/refresh", server.HandleRefresh)

	core.Infof(ctx, "shard query server running at http://localhost:%d (root %s)", *portFlag, dataDir)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", *portFlag), mux); err != nil {
		core.Errorf(ctx, "server exited: %v", err)
		os.Exit(1)
	}
}
