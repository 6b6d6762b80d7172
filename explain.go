package flowz

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// ExplainLevel controls how much detail Finish retains.
type ExplainLevel int

const (
	// ExplainSummary omits per-stage-module entries.
	ExplainSummary ExplainLevel = iota
	// ExplainDetailed retains every stage-module entry considered.
	ExplainDetailed
)

// ExplainNode is one plan-index-aligned entry in an ExecExplain's nodes
// slice.
type ExplainNode struct {
	Index       int
	Kind        NodeKind
	Name        Name
	OutcomeKind Kind
	OutcomeCode string
	Start       time.Time
	End         time.Time
}

// ExplainStageModule is one stage slot's record: which module was
// considered, what the gate decided, and how it resolved, per spec §4.K.
type ExplainStageModule struct {
	StageName       Name
	ModuleID        Name
	Priority        int
	GateDecision    GateDecisionKind
	SelectorName    string
	IsShadow        bool
	ShadowSampleBps int
	IsOverride      bool
	OutcomeKind     Kind
	OutcomeCode     string
	Start           time.Time
	End             time.Time
}

// ExecExplain is the immutable trace Finish produces. Once returned from
// Finish it is never mutated again; the collector that produced it is done.
type ExecExplain struct {
	FlowName        Name
	PlanHash        uint64
	Start           time.Time
	End             time.Time
	OverlaysApplied []OverlayApplied
	Variants        map[string]string
	ConfigVersion   string
	QoSSelectedTier string
	Nodes           []ExplainNode
	StageModules    []ExplainStageModule
}

// ExplainCollector is a single-producer, per-invocation recorder. Start
// allocates a fixed-size node array indexed by plan position, matching the
// executor's index-ordered dispatch; RecordNode and RecordStageModule fill
// it in as nodes complete; Finish freezes it into an ExecExplain.
type ExplainCollector struct {
	level ExplainLevel

	mu           sync.Mutex
	flowName     Name
	planHash     uint64
	start        time.Time
	nodes        []ExplainNode
	stageModules []ExplainStageModule

	metrics *metricz.Registry
	tracer  *tracez.Tracer

	closeOnce sync.Once
}

const (
	metricNodesStarted   = metricz.Key("explain.nodes.started.total")
	metricNodesCompleted = metricz.Key("explain.nodes.completed.total")
)

// NewExplainCollector constructs a collector at the given detail level.
func NewExplainCollector(level ExplainLevel) *ExplainCollector {
	m := metricz.New()
	m.Counter(metricNodesStarted)
	m.Counter(metricNodesCompleted)
	return &ExplainCollector{
		level:   level,
		metrics: m,
		tracer:  tracez.New(),
	}
}

// Metrics returns the collector's live counters.
func (c *ExplainCollector) Metrics() *metricz.Registry { return c.metrics }

// Tracer returns the collector's span tracer.
func (c *ExplainCollector) Tracer() *tracez.Tracer { return c.tracer }

// Start allocates the fixed-size explain-node array for a plan with the
// given nodes, indexed by plan position so nodes[i].kind/name can be checked
// against the compiled plan's node at index i for any invocation.
func (c *ExplainCollector) Start(flowName Name, planHash uint64, planNodes []BlueprintNode, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flowName = flowName
	c.planHash = planHash
	c.start = now
	c.nodes = make([]ExplainNode, len(planNodes))
	for i, n := range planNodes {
		c.nodes[i] = ExplainNode{Index: i, Kind: n.Kind, Name: n.Name}
	}
	c.stageModules = nil
}

// RecordNode fills in the outcome and timing for the node at plan index idx.
func (c *ExplainCollector) RecordNode(idx int, kind Kind, code string, start, end time.Time) {
	c.metrics.Counter(metricNodesStarted).Inc()
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx < 0 || idx >= len(c.nodes) {
		return
	}
	c.nodes[idx].OutcomeKind = kind
	c.nodes[idx].OutcomeCode = code
	c.nodes[idx].Start = start
	c.nodes[idx].End = end
	c.metrics.Counter(metricNodesCompleted).Inc()
}

// RecordStageModule appends one stage-module slot record. Stage-module
// records are appended in execution-completion order, not declaration
// order, since shadow slots finish independently of the live path. When the
// collector's level is ExplainSummary, the record is dropped.
func (c *ExplainCollector) RecordStageModule(rec ExplainStageModule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.level == ExplainSummary {
		return
	}
	c.stageModules = append(c.stageModules, rec)
}

// Finish stamps the end timestamp, captures the variant and configVersion
// context from fc, attaches the overlaysApplied and qosSelectedTier it is
// given, and freezes the collector's state into an immutable
// ExecExplain.
func (c *ExplainCollector) Finish(ctx context.Context, fc *FlowContext, now time.Time, overlaysApplied []OverlayApplied, qosSelectedTier string) ExecExplain {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()

	configVersion, _ := fc.TryGetConfigVersion()

	nodes := make([]ExplainNode, len(c.nodes))
	copy(nodes, c.nodes)
	stageModules := make([]ExplainStageModule, len(c.stageModules))
	copy(stageModules, c.stageModules)

	return ExecExplain{
		FlowName:        c.flowName,
		PlanHash:        c.planHash,
		Start:           c.start,
		End:             now,
		OverlaysApplied: overlaysApplied,
		Variants:        fc.Variants(),
		ConfigVersion:   configVersion,
		QoSSelectedTier: qosSelectedTier,
		Nodes:           nodes,
		StageModules:    stageModules,
	}
}

// Close releases the collector's tracer. Idempotent, mirroring every module
// ecosystem connector's Close.
func (c *ExplainCollector) Close() error {
	c.closeOnce.Do(func() {
		c.tracer.Close()
	})
	return nil
}
