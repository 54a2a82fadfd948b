// Package grpc carries the optional out-of-process tester-worker transport:
// a client for calling a worker and the server the worker binary hosts. Messages cross the wire as structpb.Struct values built from the
// JSON projection of the pkg/contracts types, so no generated stubs are
// needed while the transport stays plain gRPC/protobuf.
//
// The engine does not use this package; its tester stage calls
// tester.TestHypothesis directly.
package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/retentionlabs/causalreason/internal/audit"
	"github.com/retentionlabs/causalreason/internal/dataset"
	"github.com/retentionlabs/causalreason/internal/domain"
	"github.com/retentionlabs/causalreason/internal/metrics"
	"github.com/retentionlabs/causalreason/internal/pipeline/tester"
	"github.com/retentionlabs/causalreason/pkg/contracts"
)

// ConnectionState represents the state of the gRPC connection
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
)

// Client is the engine-side gRPC client for the tester worker.
type Client struct {
	address  string
	timeout  time.Duration
	auditLog audit.Logger

	mu    sync.RWMutex
	conn  *grpc.ClientConn
	state ConnectionState
}

// NewClient creates a tester-worker client. timeout bounds both dialing and
// each RunTests call.
func NewClient(address string, timeout time.Duration, auditLog audit.Logger) (*Client, error) {
	if address == "" {
		return nil, fmt.Errorf("tester worker address is required")
	}
	if auditLog == nil {
		return nil, fmt.Errorf("audit logger is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		address:  address,
		timeout:  timeout,
		auditLog: auditLog,
		state:    StateDisconnected,
	}, nil
}

// Connect establishes the connection to the worker.
func (c *Client) Connect(ctx context.Context, extraOpts ...grpc.DialOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnected {
		return fmt.Errorf("already connected")
	}
	c.state = StateConnecting

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                60 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	}, extraOpts...)

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, c.address, opts...)
	if err != nil {
		c.state = StateDisconnected
		metrics.GRPCReconnects.Inc()
		return fmt.Errorf("failed to dial tester worker: %w", err)
	}

	c.conn = conn
	c.state = StateConnected
	metrics.GRPCStreamActive.Set(1)

	_ = c.auditLog.Log(ctx, audit.NewEvent(audit.EventServerStarted).
		WithDescription(fmt.Sprintf("connected to tester worker at %s", c.address)).
		WithResult(audit.ResultSuccess))
	return nil
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	metrics.GRPCStreamActive.Set(0)
	err := c.conn.Close()
	c.conn = nil
	c.state = StateDisconnected
	return err
}

// State reports the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// RunTests dispatches one hypothesis to the worker and applies the verdict
// back onto hyp.
func (c *Client) RunTests(ctx context.Context, ds *dataset.Dataset, hyp *domain.Hypothesis, opts tester.Options) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("tester worker client is not connected")
	}

	req := buildRequest(ds, hyp, opts)
	reqStruct, err := toStruct(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	respStruct := &structpb.Struct{}
	if err := conn.Invoke(callCtx, contracts.RunTestsMethod, reqStruct, respStruct); err != nil {
		return fmt.Errorf("tester worker call failed: %w", err)
	}

	var resp contracts.RunTestsResponse
	if err := fromStruct(respStruct, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("tester worker error: %s", resp.Error)
	}

	applyResponse(hyp, &resp)
	return nil
}

// Server hosts the tester-worker RPC surface.
type Server struct {
	grpcServer *grpc.Server
	auditLog   audit.Logger
}

// NewServer creates the worker server.
func NewServer(auditLog audit.Logger) *Server {
	s := &Server{
		grpcServer: grpc.NewServer(),
		auditLog:   auditLog,
	}
	s.grpcServer.RegisterService(&serviceDesc, s)
	return s
}

// Serve blocks serving on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error { return s.grpcServer.Serve(lis) }

// Stop gracefully stops the server.
func (s *Server) Stop() { s.grpcServer.GracefulStop() }

// serviceDesc is the hand-rolled descriptor for the TesterWorker service;
// the contract itself is documented in pkg/contracts.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: contracts.TesterWorkerService,
	HandlerType: (*runTestsHandlerIface)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RunTests",
			Handler:    runTestsHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/contracts/grpc.go",
}

type runTestsHandlerIface interface {
	runTests(ctx context.Context, req *contracts.RunTestsRequest) *contracts.RunTestsResponse
}

func runTestsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}

	handle := func(ctx context.Context, reqAny interface{}) (interface{}, error) {
		var req contracts.RunTestsRequest
		if err := fromStruct(reqAny.(*structpb.Struct), &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		resp := srv.(runTestsHandlerIface).runTests(ctx, &req)
		return toStruct(resp)
	}

	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: contracts.RunTestsMethod}
	return interceptor(ctx, in, info, handle)
}

// runTests executes the battery for one hypothesis. Errors are carried in
// the response envelope so transport failures stay distinguishable from
// test failures.
func (s *Server) runTests(_ context.Context, req *contracts.RunTestsRequest) *contracts.RunTestsResponse {
	hyp, err := hypothesisFromPayload(&req.Hypothesis)
	if err != nil {
		return &contracts.RunTestsResponse{HypothesisID: req.Hypothesis.ID, Error: err.Error()}
	}
	ds := datasetFromPayload(&req.Dataset)

	opts := tester.Options{Alpha: req.Alpha}
	if req.PerTestBudgetSeconds > 0 {
		opts.PerTestBudget = time.Duration(req.PerTestBudgetSeconds * float64(time.Second))
	}

	tester.TestHypothesis(ds, hyp, opts)
	return responseFromHypothesis(hyp)
}

// ─── wire conversion ─────────────────────────────────────────────────────────

func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, out interface{}) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func buildRequest(ds *dataset.Dataset, hyp *domain.Hypothesis, opts tester.Options) *contracts.RunTestsRequest {
	req := &contracts.RunTestsRequest{
		Hypothesis: contracts.HypothesisPayload{
			ID:          hyp.ID,
			SessionID:   hyp.SessionID,
			Cause:       hyp.Cause,
			Effect:      hyp.Effect,
			Mechanism:   hyp.Mechanism,
			Confounders: hyp.Confounders,
			Mediators:   hyp.Mediators,
			Moderators:  hyp.Moderators,
		},
		Dataset: contracts.DatasetPayload{
			TimeIndex: ds.TimeIndex,
			RowCount:  ds.RowCount,
		},
		Alpha:                opts.Alpha,
		PerTestBudgetSeconds: opts.PerTestBudget.Seconds(),
	}
	for _, m := range hyp.TestMethods {
		req.Hypothesis.TestMethods = append(req.Hypothesis.TestMethods, string(m))
	}
	for _, name := range ds.Columns {
		vals, ok := ds.Numeric[name]
		if !ok {
			continue
		}
		col := contracts.ColumnData{Name: name, Values: make([]*float64, len(vals))}
		for i, v := range vals {
			if !math.IsNaN(v) {
				val := v
				col.Values[i] = &val
			}
		}
		req.Dataset.Columns = append(req.Dataset.Columns, col)
	}
	return req
}

func datasetFromPayload(p *contracts.DatasetPayload) *dataset.Dataset {
	ds := &dataset.Dataset{
		Numeric:   make(map[string][]float64, len(p.Columns)),
		TimeIndex: p.TimeIndex,
		RowCount:  p.RowCount,
	}
	for _, col := range p.Columns {
		vals := make([]float64, len(col.Values))
		for i, v := range col.Values {
			if v == nil {
				vals[i] = math.NaN()
			} else {
				vals[i] = *v
			}
		}
		ds.Columns = append(ds.Columns, col.Name)
		ds.Numeric[col.Name] = vals
	}
	return ds
}

func hypothesisFromPayload(p *contracts.HypothesisPayload) (*domain.Hypothesis, error) {
	hyp, err := domain.NewHypothesis(p.ID, p.SessionID, p.Cause, p.Effect)
	if err != nil {
		return nil, err
	}
	hyp.Mechanism = p.Mechanism
	hyp.Confounders = p.Confounders
	hyp.Mediators = p.Mediators
	hyp.Moderators = p.Moderators
	for _, m := range p.TestMethods {
		tm := domain.TestMethod(m)
		if domain.ValidTestMethod(tm) {
			hyp.TestMethods = append(hyp.TestMethods, tm)
		}
	}
	return hyp, nil
}

func responseFromHypothesis(hyp *domain.Hypothesis) *contracts.RunTestsResponse {
	resp := &contracts.RunTestsResponse{
		HypothesisID: hyp.ID,
		Validated:    hyp.Validated != nil && *hyp.Validated,
	}
	for _, tr := range hyp.TestResults {
		resp.TestResults = append(resp.TestResults, contracts.TestResultPayload{
			ID:              tr.ID,
			HypothesisID:    tr.HypothesisID,
			Method:          string(tr.Method),
			IsSignificant:   tr.IsSignificant,
			PValue:          tr.PValue,
			EffectSize:      tr.EffectSize,
			PointEstimate:   tr.PointEstimate,
			CILower:         tr.ConfidenceInterval.Lower,
			CIUpper:         tr.ConfidenceInterval.Upper,
			SampleSize:      tr.SampleSize,
			EffectDirection: string(tr.EffectDirection),
			Confidence:      string(tr.Confidence),
			Warnings:        tr.Warnings,
		})
	}
	if cs := hyp.CausalStructure; cs != nil {
		resp.Structure = contracts.CausalStructurePayload{
			DirectEffect:        cs.DirectEffect,
			IndirectEffect:      cs.IndirectEffect,
			TotalEffect:         cs.TotalEffect,
			TrueCause:           cs.TrueCause,
			ProximateCause:      cs.ProximateCause,
			ActionableLever:     cs.ActionableLever,
			StructureConfidence: cs.StructureConfidence,
		}
	}
	return resp
}

// applyResponse writes the worker's verdict back onto the engine-side
// hypothesis, preserving the tester's write-once Validated discipline.
func applyResponse(hyp *domain.Hypothesis, resp *contracts.RunTestsResponse) {
	for _, tr := range resp.TestResults {
		hyp.TestResults = append(hyp.TestResults, domain.TestResult{
			ID:            tr.ID,
			HypothesisID:  tr.HypothesisID,
			Method:        domain.TestMethod(tr.Method),
			IsSignificant: tr.IsSignificant,
			PValue:        tr.PValue,
			EffectSize:    tr.EffectSize,
			PointEstimate: tr.PointEstimate,
			ConfidenceInterval: domain.ConfidenceInterval{
				Lower: tr.CILower,
				Upper: tr.CIUpper,
			},
			SampleSize:      tr.SampleSize,
			EffectDirection: domain.EffectDirection(tr.EffectDirection),
			Confidence:      domain.ConfidenceLevel(tr.Confidence),
			Warnings:        tr.Warnings,
		})
	}
	if hyp.CausalStructure == nil {
		hyp.CausalStructure = &domain.CausalStructure{}
	}
	cs := hyp.CausalStructure
	cs.DirectEffect = resp.Structure.DirectEffect
	cs.IndirectEffect = resp.Structure.IndirectEffect
	cs.TotalEffect = resp.Structure.TotalEffect
	cs.TrueCause = resp.Structure.TrueCause
	cs.ProximateCause = resp.Structure.ProximateCause
	cs.ActionableLever = resp.Structure.ActionableLever
	cs.StructureConfidence = resp.Structure.StructureConfidence
	hyp.SetValidated(resp.Validated)
}
