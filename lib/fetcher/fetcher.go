package fetcher

import (
	"strings"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/ValentinKolb/repltail/lib/executor"
	"github.com/ValentinKolb/repltail/lib/oplog"
	"github.com/ValentinKolb/repltail/lib/replset"
)

var log = logger.GetLogger("fetcher")

const (
	// DefaultOplogNamespace is the canonical oplog collection.
	DefaultOplogNamespace = "local.oplog.rs"

	// InitialFindMaxWaitTime bounds the server-side wait of the first
	// find request of a cursor session.
	InitialFindMaxWaitTime = 60 * time.Second

	// RetriedFindMaxWaitTime bounds the server-side wait of a find
	// request re-issued after a transport failure.
	RetriedFindMaxWaitTime = 2 * time.Second

	// ProtocolZeroAwaitDataTimeout is the continuation await-data timeout
	// under protocol version 0. Under protocol version 1 half the
	// replica set's election timeout is used instead.
	ProtocolZeroAwaitDataTimeout = 2 * time.Second

	// NetworkTimeoutBuffer widens every network deadline beyond the
	// server-side maxTimeMS so that a server-side wait never races the
	// client-side deadline.
	NetworkTimeoutBuffer = 5 * time.Second

	// DefaultMaxRestarts is the default cursor restart budget.
	DefaultMaxRestarts = 3
)

// --------------------------------------------------------------------------
// Lifecycle state
// --------------------------------------------------------------------------

// State is the lifecycle state of a fetch session. A session occupies
// exactly one state at any instant and only ever moves forward.
type State int32

const (
	StatePreStart State = iota
	StateRunning
	StateShuttingDown
	StateComplete
)

func (s State) String() string {
	switch s {
	case StatePreStart:
		return "preStart"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shuttingDown"
	default:
		return "complete"
	}
}

// --------------------------------------------------------------------------
// Callback types
// --------------------------------------------------------------------------

// EnqueueDocumentsFn hands a validated batch to the apply pipeline. The
// slice excludes the continuity anchor on the first batch of a session.
// A returned error is terminal for the session.
type EnqueueDocumentsFn func(documents []bson.Raw, info DocumentsInfo) error

// OnShutdownCallbackFn is invoked exactly once when the session reaches
// its terminal state, with the final status (nil on clean cursor
// exhaustion) and the last successfully fetched position.
type OnShutdownCallbackFn func(err error, lastFetched oplog.OpTimeWithHash)

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// Config holds the collaborators and parameters of a fetch session.
type Config struct {
	// Executor schedules the remote find/getMore commands (borrowed, not
	// owned)
	Executor executor.ITaskExecutor
	// LastFetched is the position to resume from; must not be zero
	LastFetched oplog.OpTimeWithHash
	// Source is the host:port of the sync source
	Source string
	// Namespace of the oplog collection; defaults to DefaultOplogNamespace
	Namespace string
	// ReplSetConfig must be initialized
	ReplSetConfig replset.Config
	// MaxRestarts is the cursor restart budget for transport failures
	MaxRestarts int
	// RequiredRBID is the remote's rollback id recorded at session start
	RequiredRBID int64
	// RequireFresherSyncSource demands a source strictly ahead of us
	RequireFresherSyncSource bool
	// ExternalState is the replication coordinator's view
	ExternalState IExternalState
	// EnqueueDocuments receives every validated batch
	EnqueueDocuments EnqueueDocumentsFn
	// OnShutdown receives the terminal status
	OnShutdown OnShutdownCallbackFn
}

// --------------------------------------------------------------------------
// OplogFetcher
// --------------------------------------------------------------------------

// OplogFetcher tails a sync source's oplog and feeds validated batches to
// the apply pipeline. See the package documentation for the lifecycle and
// concurrency model.
type OplogFetcher struct {
	exec            executor.ITaskExecutor
	source          string
	database        string
	collection      string
	rsConfig        replset.Config
	maxRestarts     int
	requiredRBID    int64
	requireFresher  bool
	external        IExternalState
	requestMetadata bson.D
	awaitData       time.Duration

	mu          sync.Mutex
	state       State
	lastFetched oplog.OpTimeWithHash
	cursorID    int64
	restarts    int
	firstBatch  bool
	handle      executor.ICallbackHandle
	enqueueFn   EnqueueDocumentsFn
	onShutdown  OnShutdownCallbackFn
	done        chan struct{}
}

// New validates the configuration and creates a fetch session in the
// PreStart state. Construction fails with CodeBadValue for missing
// collaborators or a zero resume position, and with
// CodeInvalidReplicaSetConfig for an uninitialized replica set
// configuration.
func New(cfg Config) (*OplogFetcher, error) {
	if cfg.Executor == nil {
		return nil, oplog.NewError(oplog.CodeBadValue, "null task executor")
	}
	if cfg.LastFetched.OpTime.IsZero() {
		return nil, oplog.NewError(oplog.CodeBadValue, "null last optime fetched")
	}
	if cfg.Source == "" {
		return nil, oplog.NewError(oplog.CodeBadValue, "empty sync source")
	}
	if cfg.ExternalState == nil {
		return nil, oplog.NewError(oplog.CodeBadValue, "null external state")
	}
	if cfg.EnqueueDocuments == nil {
		return nil, oplog.NewError(oplog.CodeBadValue, "null enqueueDocuments function")
	}
	if cfg.OnShutdown == nil {
		return nil, oplog.NewError(oplog.CodeBadValue, "null onShutdown callback function")
	}
	if !cfg.ReplSetConfig.IsInitialized() {
		return nil, oplog.NewError(oplog.CodeInvalidReplicaSetConfig, "uninitialized replica set configuration")
	}
	if cfg.MaxRestarts < 0 {
		return nil, oplog.NewError(oplog.CodeBadValue, "negative fetcher restart budget")
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = DefaultOplogNamespace
	}
	sep := strings.Index(namespace, ".")
	if sep <= 0 || sep == len(namespace)-1 {
		return nil, oplog.Errorf(oplog.CodeBadValue, "invalid oplog namespace: %q", namespace)
	}

	awaitData := ProtocolZeroAwaitDataTimeout
	requestMetadata := bson.D{
		{Key: replset.ServerSelectionFieldName, Value: bson.D{{Key: replset.SecondaryOkFieldName, Value: 1}}},
	}
	if cfg.ReplSetConfig.IsProtocolVersion1() {
		awaitData = cfg.ReplSetConfig.ElectionTimeoutPeriod() / 2
		requestMetadata = bson.D{
			{Key: replset.ReplSetMetadataFieldName, Value: 1},
			{Key: replset.OplogQueryMetadataFieldName, Value: 1},
			{Key: replset.ServerSelectionFieldName, Value: bson.D{{Key: replset.SecondaryOkFieldName, Value: 1}}},
		}
	}

	return &OplogFetcher{
		exec:            cfg.Executor,
		source:          cfg.Source,
		database:        namespace[:sep],
		collection:      namespace[sep+1:],
		rsConfig:        cfg.ReplSetConfig,
		maxRestarts:     cfg.MaxRestarts,
		requiredRBID:    cfg.RequiredRBID,
		requireFresher:  cfg.RequireFresherSyncSource,
		external:        cfg.ExternalState,
		requestMetadata: requestMetadata,
		awaitData:       awaitData,
		state:           StatePreStart,
		lastFetched:     cfg.LastFetched,
		firstBatch:      true,
		enqueueFn:       cfg.EnqueueDocuments,
		onShutdown:      cfg.OnShutdown,
		done:            make(chan struct{}),
	}, nil
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Startup schedules the initial find request and moves the session to
// Running. It fails with CodeIllegalOperation when the session is already
// active and with CodeShutdownInProgress when the executor is shutting
// down or the session already completed. No state changes on failure.
func (f *OplogFetcher) Startup() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StateRunning, StateShuttingDown:
		return oplog.NewError(oplog.CodeIllegalOperation, "oplog fetcher already started")
	case StateComplete:
		return oplog.NewError(oplog.CodeShutdownInProgress, "oplog fetcher completed")
	}
	if f.exec.IsShuttingDown() {
		return oplog.NewError(oplog.CodeShutdownInProgress, "task executor shutting down")
	}

	if err := f.scheduleLocked(f.findCommandLocked(InitialFindMaxWaitTime), InitialFindMaxWaitTime); err != nil {
		return err
	}
	f.state = StateRunning
	log.Infof("started fetching oplog from %s at %s", f.source, f.lastFetched)
	return nil
}

// Shutdown requests cancellation of the session. From Running the session
// enters ShuttingDown and cancels the outstanding request; before Startup
// it completes immediately. Shutdown is idempotent and never blocks; use
// Join to wait for completion.
func (f *OplogFetcher) Shutdown() {
	f.mu.Lock()
	switch f.state {
	case StatePreStart:
		f.finishLocked(oplog.NewError(oplog.CodeCallbackCanceled, "oplog fetcher shut down before startup"))
	case StateRunning:
		f.state = StateShuttingDown
		handle := f.handle
		f.mu.Unlock()
		if handle != nil {
			handle.Cancel()
		}
	default:
		f.mu.Unlock()
	}
}

// Join blocks the caller until the session reaches Complete.
func (f *OplogFetcher) Join() {
	<-f.done
}

// State returns the current lifecycle state.
func (f *OplogFetcher) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// IsActive reports whether the session is Running or ShuttingDown.
func (f *OplogFetcher) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == StateRunning || f.state == StateShuttingDown
}

// LastFetched returns the last successfully fetched position.
func (f *OplogFetcher) LastFetched() oplog.OpTimeWithHash {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastFetched
}

// AwaitDataTimeout returns the continuation await-data timeout the
// session uses for getMore requests.
func (f *OplogFetcher) AwaitDataTimeout() time.Duration {
	return f.awaitData
}

// --------------------------------------------------------------------------
// Request shaping
// --------------------------------------------------------------------------

// findCommandLocked builds the tailing find command resuming from the
// current last fetched position. Caller must hold f.mu.
func (f *OplogFetcher) findCommandLocked(maxWait time.Duration) bson.D {
	cmd := bson.D{
		{Key: "find", Value: f.collection},
		{Key: "filter", Value: bson.D{
			{Key: "ts", Value: bson.D{{Key: "$gte", Value: f.lastFetched.OpTime.Timestamp}}},
		}},
		{Key: "tailable", Value: true},
		{Key: "oplogReplay", Value: true},
		{Key: "awaitData", Value: true},
		{Key: "maxTimeMS", Value: int64(maxWait / time.Millisecond)},
	}
	term, lastCommitted := f.external.CurrentTermAndLastCommitted()
	if term != oplog.UninitializedTerm {
		cmd = append(cmd,
			bson.E{Key: "term", Value: term},
			bson.E{Key: "lastKnownCommittedOpTime", Value: lastCommitted.Document()},
		)
	}
	return cmd
}

// getMoreCommandLocked builds the continuation request for the open
// cursor. Caller must hold f.mu.
func (f *OplogFetcher) getMoreCommandLocked() bson.D {
	cmd := bson.D{
		{Key: "getMore", Value: f.cursorID},
		{Key: "collection", Value: f.collection},
		{Key: "maxTimeMS", Value: int64(f.awaitData / time.Millisecond)},
	}
	if f.rsConfig.IsProtocolVersion1() {
		term, lastCommitted := f.external.CurrentTermAndLastCommitted()
		if term != oplog.UninitializedTerm {
			cmd = append(cmd,
				bson.E{Key: "term", Value: term},
				bson.E{Key: "lastKnownCommittedOpTime", Value: lastCommitted.Document()},
			)
		}
	}
	return cmd
}

// scheduleLocked dispatches a command on the executor and retains the
// cancelable handle. Caller must hold f.mu.
func (f *OplogFetcher) scheduleLocked(cmd bson.D, maxWait time.Duration) error {
	handle, err := f.exec.ScheduleRemoteCommand(executor.RemoteCommandRequest{
		Source:   f.source,
		Database: f.database,
		Command:  cmd,
		Metadata: f.requestMetadata,
		Timeout:  maxWait + NetworkTimeoutBuffer,
	}, f.handleResponse)
	if err != nil {
		return err
	}
	f.handle = handle
	return nil
}

// --------------------------------------------------------------------------
// Response handling (runs on executor goroutines)
// --------------------------------------------------------------------------

func (f *OplogFetcher) handleResponse(resp executor.RemoteCommandResponse) {
	f.mu.Lock()
	if f.state != StateRunning {
		f.finishLocked(oplog.NewError(oplog.CodeCallbackCanceled, "oplog fetcher shutting down"))
		return
	}
	isFirstBatch := f.firstBatch
	lastFetched := f.lastFetched
	enqueue := f.enqueueFn
	f.mu.Unlock()

	if resp.Err != nil {
		f.handleTransportFailure(resp.Err)
		return
	}

	batch, err := parseCursorResponse(resp.Document)
	if err != nil {
		if oplog.CodeOf(err) == oplog.CodeRemoteCommandFailed {
			// a remote-side cursor error is transport class and retryable
			f.handleTransportFailure(err)
			return
		}
		f.finish(err)
		return
	}
	documents := batch.documents

	// decode the metadata the request asked for
	var replMetadata *replset.Metadata
	var oqMetadata *replset.OplogQueryMetadata
	if f.rsConfig.IsProtocolVersion1() {
		replMetadata, oqMetadata, err = replset.DecodeMetadata(resp.Metadata)
		if err != nil {
			f.finish(err)
			return
		}
	}

	// continuity anchor: the first document of a resumed session must be
	// the position we already have
	if isFirstBatch && len(documents) > 0 {
		if err := checkOplogStart(documents[0], lastFetched); err != nil {
			f.finish(err)
			return
		}
	}

	var lastDocOpTime oplog.OpTime
	if len(documents) > 0 {
		if opTime, err := oplog.ParseOpTime(documents[len(documents)-1]); err == nil {
			lastDocOpTime = opTime
		}
	}

	// The sync-source verdict is computed now but applied only after the
	// batch has been enqueued: rejection must not discard accepted data.
	var verdict error
	if replMetadata != nil || oqMetadata != nil {
		verdict = checkSourceConsistency(sourceCheck{
			replMetadata:   replMetadata,
			oqMetadata:     oqMetadata,
			requiredRBID:   f.requiredRBID,
			requireFresher: f.requireFresher,
			firstBatch:     isFirstBatch,
			lastFetched:    lastFetched.OpTime,
			lastDocOpTime:  lastDocOpTime,
			batchEmpty:     len(documents) == 0,
		})
		f.external.ProcessMetadata(replMetadata, oqMetadata)
	}
	if verdict == nil {
		sourceLastOpTime, hasSyncSource := sourceProgress(replMetadata, oqMetadata)
		if f.external.ShouldStopFetching(f.source, sourceLastOpTime, hasSyncSource) {
			verdict = oplog.Errorf(oplog.CodeInvalidSyncSource,
				"sync source selection vetoed %s", f.source)
		}
	}

	info, err := ValidateDocuments(documents, isFirstBatch, lastFetched.OpTime.Timestamp)
	if err != nil {
		f.finish(err)
		return
	}

	toApply := documents
	if isFirstBatch && len(toApply) > 0 {
		toApply = toApply[1:]
	}
	if err := enqueue(toApply, info); err != nil {
		// downstream failures are never swallowed or retried
		f.finish(err)
		return
	}

	metricBatches.Inc()
	metricNetworkDocs.Add(info.NetworkDocumentCount)
	metricNetworkBytes.Add(info.NetworkDocumentBytes)
	metricApplyDocs.Add(info.ToApplyDocumentCount)
	metricApplyBytes.Add(info.ToApplyDocumentBytes)

	f.mu.Lock()
	if f.state != StateRunning {
		// shutdown won the race; the settled result is moot
		f.finishLocked(oplog.NewError(oplog.CodeCallbackCanceled, "oplog fetcher shutting down"))
		return
	}
	if !info.LastDocument.OpTime.IsZero() {
		f.lastFetched = info.LastDocument
	}
	if verdict != nil {
		f.finishLocked(verdict)
		return
	}
	f.restarts = 0
	if batch.id == 0 {
		// cursor exhausted without error: clean completion
		f.finishLocked(nil)
		return
	}
	f.cursorID = batch.id
	f.firstBatch = false
	if err := f.scheduleLocked(f.getMoreCommandLocked(), f.awaitData); err != nil {
		f.finishLocked(err)
		return
	}
	f.mu.Unlock()
}

// handleTransportFailure implements the bounded restart policy: while the
// budget lasts, a fresh find is issued from the current last fetched
// position with the shorter retried timeout. A failure to schedule the
// replacement terminates the session with the original transport error.
func (f *OplogFetcher) handleTransportFailure(cause error) {
	f.mu.Lock()
	if f.state != StateRunning {
		f.finishLocked(oplog.NewError(oplog.CodeCallbackCanceled, "oplog fetcher shutting down"))
		return
	}
	if f.restarts >= f.maxRestarts {
		f.finishLocked(cause)
		return
	}
	f.restarts++
	f.cursorID = 0
	f.firstBatch = true
	metricRestarts.Inc()
	log.Warningf("restarting oplog tailing cursor from %s (%d/%d) after: %v",
		f.lastFetched.OpTime, f.restarts, f.maxRestarts, cause)

	if err := f.scheduleLocked(f.findCommandLocked(RetriedFindMaxWaitTime), RetriedFindMaxWaitTime); err != nil {
		log.Errorf("failed to schedule replacement find request: %v", err)
		f.finishLocked(cause)
		return
	}
	f.mu.Unlock()
}

// --------------------------------------------------------------------------
// Completion
// --------------------------------------------------------------------------

// finish acquires the mutex and funnels into finishLocked.
func (f *OplogFetcher) finish(err error) {
	f.mu.Lock()
	f.finishLocked(err)
}

// finishLocked moves the session to Complete, invokes the shutdown
// callback exactly once and releases the stored closures. Caller must
// hold f.mu; the mutex is released on return.
func (f *OplogFetcher) finishLocked(err error) {
	if f.state == StateComplete {
		f.mu.Unlock()
		return
	}
	f.state = StateComplete
	onShutdown := f.onShutdown
	// release the callback closures to free any captured resources
	f.onShutdown = nil
	f.enqueueFn = nil
	f.handle = nil
	lastFetched := f.lastFetched
	f.mu.Unlock()

	if err != nil {
		log.Infof("oplog fetcher for %s finished at %s: %v", f.source, lastFetched.OpTime, err)
	} else {
		log.Infof("oplog fetcher for %s finished at %s", f.source, lastFetched.OpTime)
	}
	if onShutdown != nil {
		onShutdown(err, lastFetched)
	}
	close(f.done)
}

// --------------------------------------------------------------------------
// Response parsing
// --------------------------------------------------------------------------

// checkOplogStart verifies the continuity anchor of a resumed cursor
// session: position and hash of the first document must equal the last
// fetched pair, otherwise the remote no longer has our history.
func checkOplogStart(doc bson.Raw, lastFetched oplog.OpTimeWithHash) error {
	first, err := oplog.ParseOpTimeWithHash(doc)
	if err != nil {
		return err
	}
	if !first.Equal(lastFetched) {
		return oplog.Errorf(oplog.CodeOplogStartMissing,
			"our last optime fetched: %s; first optime in batch: %s", lastFetched, first)
	}
	return nil
}

// cursorBatch is the decoded shape of a find/getMore reply.
type cursorBatch struct {
	id        int64
	namespace string
	documents []bson.Raw
}

func parseCursorResponse(doc bson.Raw) (cursorBatch, error) {
	var batch cursorBatch
	if len(doc) == 0 {
		return batch, oplog.NewError(oplog.CodeRemoteCommandFailed, "empty command reply from the sync source")
	}
	if !isOKReply(doc) {
		msg := "command failed"
		if v, err := doc.LookupErr("errmsg"); err == nil {
			if s, ok := v.StringValueOK(); ok {
				msg = s
			}
		}
		return batch, oplog.Errorf(oplog.CodeRemoteCommandFailed, "oplog query failed on the sync source: %s", msg)
	}

	cursorVal, err := doc.LookupErr("cursor")
	if err != nil {
		return batch, oplog.NewError(oplog.CodeMissingField, `no "cursor" field in oplog query reply`)
	}
	cursorDoc, ok := cursorVal.DocumentOK()
	if !ok {
		return batch, oplog.NewError(oplog.CodeMissingField, `"cursor" field in oplog query reply is not a document`)
	}

	idVal, err := cursorDoc.LookupErr("id")
	if err != nil {
		return batch, oplog.NewError(oplog.CodeMissingField, `no cursor "id" field in oplog query reply`)
	}
	batch.id, ok = idVal.AsInt64OK()
	if !ok {
		return batch, oplog.NewError(oplog.CodeMissingField, `cursor "id" field in oplog query reply is not a number`)
	}

	if v, err := cursorDoc.LookupErr("ns"); err == nil {
		batch.namespace, _ = v.StringValueOK()
	}

	arrVal, err := cursorDoc.LookupErr("firstBatch")
	if err != nil {
		if arrVal, err = cursorDoc.LookupErr("nextBatch"); err != nil {
			return batch, oplog.NewError(oplog.CodeMissingField, "no batch array in oplog query reply")
		}
	}
	arr, ok := arrVal.ArrayOK()
	if !ok {
		return batch, oplog.NewError(oplog.CodeMissingField, "batch field in oplog query reply is not an array")
	}
	values, err := arr.Values()
	if err != nil {
		return batch, oplog.Errorf(oplog.CodeMissingField, "malformed batch array in oplog query reply: %v", err)
	}
	for _, v := range values {
		entry, ok := v.DocumentOK()
		if !ok {
			return batch, oplog.NewError(oplog.CodeMissingField, "batch array in oplog query reply contains a non-document entry")
		}
		batch.documents = append(batch.documents, entry)
	}
	return batch, nil
}

func isOKReply(doc bson.Raw) bool {
	v, err := doc.LookupErr("ok")
	if err != nil {
		return false
	}
	if n, ok := v.AsInt64OK(); ok {
		return n == 1
	}
	if d, ok := v.DoubleOK(); ok {
		return d == 1
	}
	return false
}
