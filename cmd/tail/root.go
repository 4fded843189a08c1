package tail

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	cmdUtil "github.com/ValentinKolb/repltail/cmd/util"
	"github.com/ValentinKolb/repltail/lib/common"
	"github.com/ValentinKolb/repltail/lib/executor"
	"github.com/ValentinKolb/repltail/lib/fetcher"
	"github.com/ValentinKolb/repltail/lib/oplog"
	"github.com/ValentinKolb/repltail/lib/replset"
)

var log = logger.GetLogger("cmd")

var (
	tailReplSetConfig replset.Config

	TailCmd = &cobra.Command{
		Use:     "tail",
		Short:   "Tail the oplog of a replica set member",
		Long:    `Connect to a replica set member, establish a tailing cursor over its oplog and stream every operation to stdout as extended JSON. The configuration can be set via command line flags or environment variables. The format of the environment variables is REPLTAIL_<flag> (e.g. REPLTAIL_SOURCE=localhost:27017)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "source"
	TailCmd.PersistentFlags().String(key, "localhost:27017", cmdUtil.WrapString("The host:port of the sync source to tail"))

	key = "uri"
	TailCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Full connection string for the sync source. Defaults to a direct connection to --source"))

	key = "namespace"
	TailCmd.PersistentFlags().String(key, fetcher.DefaultOplogNamespace, cmdUtil.WrapString("The oplog namespace to tail"))

	key = "replica-set"
	TailCmd.PersistentFlags().String(key, "rs0", cmdUtil.WrapString("The name of the replica set the source belongs to"))

	key = "protocol-version"
	TailCmd.PersistentFlags().Int64(key, 1, cmdUtil.WrapString("The replication protocol version of the replica set (0 or 1)"))

	key = "election-timeout"
	TailCmd.PersistentFlags().Duration(key, replset.DefaultElectionTimeout, cmdUtil.WrapString("The election timeout of the replica set. Half of it bounds the server-side wait of every continuation request"))

	key = "max-restarts"
	TailCmd.PersistentFlags().Int(key, fetcher.DefaultMaxRestarts, cmdUtil.WrapString("How many times the tailing cursor is re-established after a network failure before giving up"))

	key = "require-fresher"
	TailCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Reject a source whose oplog is not strictly ahead of the resume position"))

	key = "connect-timeout"
	TailCmd.PersistentFlags().Duration(key, 10*time.Second, cmdUtil.WrapString("Timeout for connecting to the source and reading the resume position"))

	key = "metrics-endpoint"
	TailCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Optional address to expose Prometheus metrics on (e.g. 0.0.0.0:9090)"))

	key = "log-level"
	TailCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and
// environment variables and converts it to a replica set configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	tailReplSetConfig = replset.Config{
		Name:            viper.GetString("replica-set"),
		Version:         1,
		ProtocolVersion: viper.GetInt64("protocol-version"),
		Members:         []replset.Member{{ID: 0, Host: viper.GetString("source")}},
		ElectionTimeout: viper.GetDuration("election-timeout"),
	}
	return tailReplSetConfig.Initialize()
}

// run connects to the sync source and streams its oplog until the cursor
// fails terminally or an interrupt arrives
func run(_ *cobra.Command, _ []string) error {
	common.InitLoggers(viper.GetString("log-level"))

	source := viper.GetString("source")
	uri := viper.GetString("uri")
	if uri == "" {
		uri = fmt.Sprintf("mongodb://%s/?directConnection=true", source)
	}

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("connect-timeout"))
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", source, err)
	}
	defer func() { _ = client.Disconnect(context.Background()) }()
	if err := client.Ping(ctx, readpref.Nearest()); err != nil {
		return fmt.Errorf("failed to reach %s: %w", source, err)
	}

	// resume from the newest entry the source currently has
	lastFetched, err := currentOplogPosition(ctx, client, viper.GetString("namespace"))
	if err != nil {
		return err
	}
	rbid, err := fetchRollbackID(ctx, client)
	if err != nil {
		return err
	}
	log.Infof("tailing %s from %s (rbid %d)", source, lastFetched, rbid)

	if addr := viper.GetString("metrics-endpoint"); addr != "" {
		serveMetrics(addr)
	}

	exec := executor.NewTaskExecutor(executor.NewMongoSender(client))
	defer exec.Shutdown()

	done := make(chan error, 1)
	f, err := fetcher.New(fetcher.Config{
		Executor:                 exec,
		LastFetched:              lastFetched,
		Source:                   source,
		Namespace:                viper.GetString("namespace"),
		ReplSetConfig:            tailReplSetConfig,
		MaxRestarts:              viper.GetInt("max-restarts"),
		RequiredRBID:             rbid,
		RequireFresherSyncSource: viper.GetBool("require-fresher"),
		ExternalState:            &observerState{},
		EnqueueDocuments:         printDocuments,
		OnShutdown: func(err error, lastFetched oplog.OpTimeWithHash) {
			log.Infof("stopped tailing at %s", lastFetched)
			done <- err
		},
	})
	if err != nil {
		return err
	}
	if err := f.Startup(); err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		log.Infof("interrupt received, shutting down")
		f.Shutdown()
	}()

	err = <-done
	f.Join()
	if oplog.CodeOf(err) == oplog.CodeCallbackCanceled {
		// user-initiated shutdown
		return nil
	}
	return err
}

// --------------------------------------------------------------------------
// Fetch session collaborators
// --------------------------------------------------------------------------

// observerState implements fetcher.IExternalState for a passive tailer:
// it holds no consensus term and never vetoes the source, but tracks the
// commit point the source reports.
type observerState struct {
	mu            sync.Mutex
	lastCommitted oplog.OpTime
}

func (s *observerState) CurrentTermAndLastCommitted() (int64, oplog.OpTime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return oplog.UninitializedTerm, s.lastCommitted
}

func (s *observerState) ProcessMetadata(replMetadata *replset.Metadata, oqMetadata *replset.OplogQueryMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case oqMetadata != nil:
		s.lastCommitted = oqMetadata.LastOpCommitted
	case replMetadata != nil:
		s.lastCommitted = replMetadata.LastOpCommitted
	}
}

func (s *observerState) ShouldStopFetching(string, oplog.OpTime, bool) bool {
	return false
}

// printDocuments renders every fetched operation to stdout as canonical
// extended JSON
func printDocuments(documents []bson.Raw, _ fetcher.DocumentsInfo) error {
	for _, doc := range documents {
		out, err := bson.MarshalExtJSON(doc, false, false)
		if err != nil {
			return oplog.Errorf(oplog.CodeInternalError, "failed to render oplog entry: %v", err)
		}
		fmt.Println(string(out))
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// currentOplogPosition reads the newest entry of the source's oplog to
// seed the resume position
func currentOplogPosition(ctx context.Context, client *mongo.Client, namespace string) (oplog.OpTimeWithHash, error) {
	sep := strings.Index(namespace, ".")
	if sep <= 0 || sep == len(namespace)-1 {
		return oplog.OpTimeWithHash{}, oplog.Errorf(oplog.CodeBadValue, "invalid oplog namespace: %q", namespace)
	}
	coll := client.Database(namespace[:sep]).Collection(namespace[sep+1:])
	raw, err := coll.FindOne(ctx, bson.D{},
		options.FindOne().SetSort(bson.D{{Key: "$natural", Value: -1}})).Raw()
	if err != nil {
		return oplog.OpTimeWithHash{}, fmt.Errorf("failed to read the newest oplog entry: %w", err)
	}
	return oplog.ParseOpTimeWithHash(raw)
}

// fetchRollbackID queries the source's current rollback id. A later
// change of the id marks the source as having rewound its history.
func fetchRollbackID(ctx context.Context, client *mongo.Client) (int64, error) {
	raw, err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "replSetGetRBID", Value: 1}}).Raw()
	if err != nil {
		return 0, fmt.Errorf("failed to fetch the rollback id: %w", err)
	}
	v, err := raw.LookupErr("rbid")
	if err != nil {
		return 0, oplog.NewError(oplog.CodeMissingField, `no "rbid" field in replSetGetRBID reply`)
	}
	rbid, ok := v.AsInt64OK()
	if !ok {
		return 0, oplog.NewError(oplog.CodeMissingField, `"rbid" field in replSetGetRBID reply is not a number`)
	}
	return rbid, nil
}

// serveMetrics exposes the VictoriaMetrics default registry over HTTP
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("metrics endpoint failed: %v", err)
		}
	}()
}
