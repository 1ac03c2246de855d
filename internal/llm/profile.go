package llm

import "sync/atomic"

// State tracks provider discovery.
type State string

const (
	StateUndiscovered    State = "undiscovered"
	StateDiscovering     State = "discovering"
	StateDiscovered      State = "discovered"
	StateDiscoveryFailed State = "discovery_failed"
)

// Method is a generation endpoint verb.
type Method string

const (
	MethodGenerateContent Method = "generateContent"
	MethodGenerateText    Method = "generateText"
	MethodGenerateMessage Method = "generateMessage"
	MethodNone            Method = "none"
)

// methodPriority is the order in which listed models are matched.
var methodPriority = []Method{MethodGenerateContent, MethodGenerateText, MethodGenerateMessage}

// Shape names a request body layout.
type Shape string

const (
	ShapeContents  Shape = "contents"
	ShapeContent   Shape = "content"
	ShapePrompt    Shape = "prompt"
	ShapeInstances Shape = "instances"
	ShapeInput     Shape = "input"
	ShapeNone      Shape = "none"
)

// shapeOrder is the probe order for payload shapes.
var shapeOrder = []Shape{ShapeContents, ShapeContent, ShapePrompt, ShapeInstances, ShapeInput}

// Profile is what discovery learned about the provider.
type Profile struct {
	Model  string `json:"model"`
	Method Method `json:"method"`
	Shape  Shape  `json:"payloadShape"`
}

func emptyProfile() Profile {
	return Profile{Method: MethodNone, Shape: ShapeNone}
}

// Usage is a snapshot of cumulative counters.
type Usage struct {
	Calls           int64 `json:"calls"`
	Successes       int64 `json:"successes"`
	Failures        int64 `json:"failures"`
	Probes          int64 `json:"probes"`
	CacheHits       int64 `json:"cacheHits"`
	QuotaRejections int64 `json:"quotaRejections"`
	Simulated       int64 `json:"simulated"`
}

type usageCounters struct {
	calls           atomic.Int64
	successes       atomic.Int64
	failures        atomic.Int64
	probes          atomic.Int64
	cacheHits       atomic.Int64
	quotaRejections atomic.Int64
	simulated       atomic.Int64
}

func (u *usageCounters) snapshot() Usage {
	return Usage{
		Calls:           u.calls.Load(),
		Successes:       u.successes.Load(),
		Failures:        u.failures.Load(),
		Probes:          u.probes.Load(),
		CacheHits:       u.cacheHits.Load(),
		QuotaRejections: u.quotaRejections.Load(),
		Simulated:       u.simulated.Load(),
	}
}
