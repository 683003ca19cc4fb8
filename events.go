package graphcache

import "github.com/vektah/gqlparser/v2/ast"

// RequestPolicy is the client hint controlling whether an operation is
// served from cache, the network, or both.
type RequestPolicy int

const (
	CacheFirst RequestPolicy = iota
	CacheAndNetwork
	CacheOnly
	NetworkOnly
)

// CacheOutcome classifies an emitted result.
type CacheOutcome string

const (
	// OutcomeUnset marks a result that originated the event it answers
	// (e.g. the operation's own result(res) emission) rather than a
	// cache-served read.
	OutcomeUnset   CacheOutcome = ""
	OutcomeHit     CacheOutcome = "hit"
	OutcomeMiss    CacheOutcome = "miss"
	OutcomePartial CacheOutcome = "partial"
)

// Event is the sum type Dispatch consumes - one of OperationEvent,
// ResultEvent or TeardownEvent - mirroring the teacher's
// commandbus.Command/querybus.Query pattern of a closed interface over a
// handful of concrete request types rather than one boolean-flag struct.
type Event interface {
	isEvent()
}

// OperationEvent is an incoming GraphQL operation. Document/Operation are
// the already-parsed AST the host pipeline's own parser produced - this
// cache never parses text itself.
type OperationEvent struct {
	Key           string
	Document      *ast.QueryDocument
	Operation     *ast.OperationDefinition
	Variables     map[string]interface{}
	RequestPolicy RequestPolicy
}

func (OperationEvent) isEvent() {}

// ErrorPath names one field path a network error reported null for -
// fields reported this way are recorded as known null.
type ErrorPath struct {
	Entity string
	Field  string
}

// ResultEvent is an incoming result for a previously dispatched operation.
type ResultEvent struct {
	Key        string
	Data       map[string]interface{}
	Err        error
	HasNext    bool
	ErrorPaths []ErrorPath
}

func (ResultEvent) isEvent() {}

// TeardownEvent retires an operation.
type TeardownEvent struct {
	Key string
}

func (TeardownEvent) isEvent() {}

// ResultKind distinguishes a data emission bound for the operation's
// downstream consumer from a forward/reexecute request bound upstream for
// the host's transport.
type ResultKind int

const (
	// Emission carries data for the caller that is watching OperationKey.
	Emission ResultKind = iota
	// Forward asks the host pipeline to issue (or reissue) OperationKey
	// against the network, using RequestPolicy.
	Forward
)

// Result is one entry Dispatch returns - either a data emission or a
// forward/reexecute instruction. Dispatch returns these synchronously
// rather than taking a callback.
type Result struct {
	Kind          ResultKind
	OperationKey  string
	Data          interface{}
	Err           error
	Stale         bool
	HasNext       bool
	CacheOutcome  CacheOutcome
	RequestPolicy RequestPolicy // meaningful only when Kind == Forward
}
