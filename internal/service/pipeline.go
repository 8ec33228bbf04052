package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hostwaf/hostwaf/internal/domain/event"
	"github.com/hostwaf/hostwaf/internal/domain/route"
	"github.com/hostwaf/hostwaf/internal/domain/rule"
	"github.com/hostwaf/hostwaf/internal/domain/waf"
	"github.com/hostwaf/hostwaf/internal/tracing"
)

// Synthetic rule ids reported for decisions the pipeline makes itself,
// without a matching operator rule.
const (
	RuleIDDefaultBlock  = "default-route-block"
	RuleIDUnroutedHost  = "unrouted-host"
	RuleIDDeadline      = "deadline-exceeded"
	RuleIDInternalError = "internal-error"
)

// OriginDispatcher forwards an admitted request to its route's origin.
// Implementations validate origin configuration before streaming and
// return ErrInvalidInput for misconfigured origins; upstream transport
// failures are handled inside (502 to the client) and not returned.
type OriginDispatcher interface {
	Dispatch(ctx context.Context, rt *route.Route, w http.ResponseWriter, r *http.Request) error
}

// Pipeline runs every edge request through global evaluation, route
// resolution, and per-route evaluation, then blocks or dispatches.
// Requests for hosts no enabled route admits are denied; the gate fails
// closed on evaluation errors.
type Pipeline struct {
	registry   *Registry
	dispatcher OriginDispatcher
	events     *EventLogger
	tracer     *tracing.Tracer
	logger     *slog.Logger

	evalTimeout  time.Duration
	decisionHook func(action string)
}

// OnDecision registers a hook invoked for every emitted decision, used by
// the edge adapter to count decisions per action.
func (p *Pipeline) OnDecision(fn func(action string)) { p.decisionHook = fn }

// SetEvalTimeout bounds the decision stages. Origin streaming is not
// covered; an exceeded deadline blocks with 503.
func (p *Pipeline) SetEvalTimeout(d time.Duration) { p.evalTimeout = d }

// NewPipeline wires the pipeline's collaborators.
func NewPipeline(registry *Registry, dispatcher OriginDispatcher, events *EventLogger, tracer *tracing.Tracer, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		registry:   registry,
		dispatcher: dispatcher,
		events:     events,
		tracer:     tracer,
		logger:     logger,
	}
}

// verdict is the pipeline's terminal decision for one request.
type verdict struct {
	action  string // event action constant
	ruleID  string
	context string // "global" or the route id
	status  int    // response status for deny verdicts
	alert   bool
	route   *route.Route // set when the request dispatches
}

// Serve decides and executes: deny verdicts render the block page, admit
// verdicts stream through the origin dispatcher.
func (p *Pipeline) Serve(w http.ResponseWriter, r *http.Request, req *waf.Request) {
	ctx, span := p.tracer.StartSpan(r.Context(), "waf.pipeline",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("server.address", req.Host()),
		),
	)
	defer span.End()
	r = r.WithContext(ctx)

	v := p.decide(ctx, req)
	span.SetAttributes(
		attribute.String("waf.action", v.action),
		attribute.String("waf.rule_id", v.ruleID),
		attribute.String("waf.context", v.context),
	)

	if v.route == nil {
		p.emit(req, v)
		p.writeBlockPage(ctx, w, v.status)
		return
	}

	if err := p.dispatcher.Dispatch(ctx, v.route, w, r); err != nil {
		p.logger.Error("origin dispatch failed",
			"route", v.route.ID,
			"host", req.Host(),
			"error", err,
		)
		misconfig := v
		misconfig.action = event.ActionOriginMisconfig
		misconfig.status = http.StatusInternalServerError
		p.emit(req, misconfig)
		p.writeBlockPage(ctx, w, http.StatusInternalServerError)
		return
	}
	p.emit(req, v)
}

// decide runs the three evaluation stages. A LOG match admits the request
// onward like ALLOW but tags the single terminal dispatch event.
func (p *Pipeline) decide(ctx context.Context, req *waf.Request) verdict {
	if p.evalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.evalTimeout)
		defer cancel()
	}
	// Stage 1: global ruleset.
	outcome, err := p.registry.Global().Evaluate(ctx, req)
	if err != nil {
		return p.failClosed(req, "global", err)
	}
	if v, terminal := p.applyOutcome("global", outcome); terminal {
		return v
	}
	var logged *rule.Outcome
	if outcome.Matched && outcome.Action == rule.ActionLog {
		o := outcome
		logged = &o
	}

	// Stage 2: route resolution.
	rt, err := p.registry.Global().ResolveRoute(ctx, req.Host())
	if err != nil {
		return p.failClosed(req, "global", err)
	}
	if rt == nil {
		return verdict{
			action:  event.ActionFinalDeny,
			ruleID:  RuleIDUnroutedHost,
			context: "global",
			status:  http.StatusForbidden,
		}
	}

	// Stage 3: the route's own ruleset. Route stores admit nothing by
	// default; a request must reach a matching ALLOW or LOG rule.
	store, err := p.registry.Route(ctx, rt.ID)
	if err != nil {
		return p.failClosed(req, rt.ID, err)
	}
	outcome, err = store.Evaluate(ctx, req)
	if err != nil {
		return p.failClosed(req, rt.ID, err)
	}
	if v, terminal := p.applyOutcome(rt.ID, outcome); terminal {
		return v
	}
	if !outcome.Matched {
		return verdict{
			action:  event.ActionBlock,
			ruleID:  RuleIDDefaultBlock,
			context: rt.ID,
			status:  http.StatusForbidden,
		}
	}
	if outcome.Action == rule.ActionLog {
		o := outcome
		logged = &o
	}

	v := verdict{
		action:  event.ActionAllow,
		ruleID:  outcome.RuleID,
		context: rt.ID,
		alert:   outcome.TriggerAlert,
		route:   rt,
	}
	if logged != nil {
		v.action = event.ActionLog
		v.ruleID = logged.RuleID
		v.alert = v.alert || logged.TriggerAlert
	}
	return v
}

// applyOutcome translates a matched denying rule into a terminal verdict.
// ALLOW and LOG matches admit the request onward.
func (p *Pipeline) applyOutcome(evalCtx string, o rule.Outcome) (verdict, bool) {
	if !o.Matched {
		return verdict{}, false
	}
	switch o.Action {
	case rule.ActionBlock, rule.ActionChallenge:
		status := o.BlockHTTPCode
		if status == 0 {
			status = http.StatusForbidden
		}
		action := event.ActionBlock
		if o.Action == rule.ActionChallenge {
			action = event.ActionChallenge
		}
		return verdict{
			action:  action,
			ruleID:  o.RuleID,
			context: evalCtx,
			status:  status,
			alert:   o.TriggerAlert,
		}, true
	default: // allow, log
		return verdict{}, false
	}
}

// failClosed maps an evaluation error to a deny verdict: exceeded
// deadlines block with 503, everything else with 500.
func (p *Pipeline) failClosed(req *waf.Request, evalCtx string, err error) verdict {
	if errors.Is(err, waf.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		p.logger.Warn("evaluation deadline exceeded", "host", req.Host(), "context", evalCtx)
		return verdict{
			action:  event.ActionBlock,
			ruleID:  RuleIDDeadline,
			context: evalCtx,
			status:  http.StatusServiceUnavailable,
		}
	}
	p.logger.Error("evaluation failed", "host", req.Host(), "context", evalCtx, "error", err)
	return verdict{
		action:  event.ActionBlock,
		ruleID:  RuleIDInternalError,
		context: evalCtx,
		status:  http.StatusInternalServerError,
	}
}

// emit records the decision event off the request path.
func (p *Pipeline) emit(req *waf.Request, v verdict) {
	if p.decisionHook != nil {
		p.decisionHook(v.action)
	}
	if p.events == nil {
		return
	}
	metaBlob, _ := json.Marshal(req.Meta)
	headersBlob, _ := json.Marshal(req.Headers)
	ua, _ := req.Headers.Get("user-agent")
	p.events.Log(event.Record{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Action:      v.action,
		RuleID:      v.ruleID,
		Context:     v.context,
		RouteHost:   req.Host(),
		IP:          req.RemoteIP,
		UserAgent:   ua,
		Country:     metaString(req, "request.cf.country"),
		ASN:         metaString(req, "request.cf.asn"),
		Colo:        metaString(req, "request.cf.colo"),
		MetaBlob:    string(metaBlob),
		HeadersBlob: string(headersBlob),
		Alert:       v.alert,
	})
}

func metaString(req *waf.Request, key string) string {
	switch v := req.Meta[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

// defaultBlockBody is served when no error page is configured for the
// status code.
const defaultBlockBody = `<h1>Forbidden</h1>
<p>Your request was blocked.</p>`

// writeBlockPage renders the configured error page for the status code,
// falling back to the built-in page.
func (p *Pipeline) writeBlockPage(ctx context.Context, w http.ResponseWriter, status int) {
	page, ok := p.registry.Global().BlockPage(ctx, status)
	contentType := "text/html; charset=utf-8"
	body := defaultBlockBody
	if ok {
		if page.ContentType != "" {
			contentType = page.ContentType
		}
		body = page.Body
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
