package metric

import (
	"context"
	"fmt"
	"sort"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// MethodRunMetrics is the full RPC name served by the metric service. Request
// and response are google.protobuf.Struct values:
//
//	request:  {"result_path": string, "dataset": string}
//	response: {"turns": number, "metrics": {name: number, ...}}
const MethodRunMetrics = "/moss.metrics.MetricService/RunMetrics"

// #region remote
// RemoteEvaluator asks an external metric service to score the result file.
type RemoteEvaluator struct {
	conn       grpc.ClientConnInterface
	closer     interface{ Close() error }
	resultPath string
	dataset    string
}

// NewRemoteEvaluator connects to the metric service at addr.
func NewRemoteEvaluator(addr, resultPath, dataset string) (*RemoteEvaluator, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &RemoteEvaluator{conn: conn, closer: conn, resultPath: resultPath, dataset: dataset}, nil
}

// NewRemoteEvaluatorWithConn creates an evaluator over an existing connection.
// Used for testing without a real gRPC server.
func NewRemoteEvaluatorWithConn(conn grpc.ClientConnInterface, resultPath, dataset string) *RemoteEvaluator {
	return &RemoteEvaluator{conn: conn, resultPath: resultPath, dataset: dataset}
}

// Close shuts down the gRPC connection if this evaluator opened it.
func (e *RemoteEvaluator) Close() error {
	if e.closer == nil {
		return nil
	}
	return e.closer.Close()
}

// RunMetrics sends the result path and returns the scores from the service.
func (e *RemoteEvaluator) RunMetrics(ctx context.Context) (Summary, error) {
	req, err := structpb.NewStruct(map[string]any{
		"result_path": e.resultPath,
		"dataset":     e.dataset,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("build metrics request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := e.conn.Invoke(ctx, MethodRunMetrics, req, resp); err != nil {
		return Summary{}, fmt.Errorf("run metrics rpc: %w", err)
	}

	s := Summary{Source: "remote"}
	fields := resp.GetFields()
	if v, ok := fields["turns"]; ok {
		s.Turns = int(v.GetNumberValue())
	}
	mv, ok := fields["metrics"]
	if !ok || mv.GetStructValue() == nil {
		return Summary{}, fmt.Errorf("%w: metrics response has no metrics field", ErrBadResults)
	}
	metrics := mv.GetStructValue().GetFields()
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		num, ok := metrics[name].GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return Summary{}, fmt.Errorf("%w: metric %s is not a number", ErrBadResults, name)
		}
		s.Metrics = append(s.Metrics, Metric{Name: name, Value: num.NumberValue})
	}
	return s, nil
}
// #endregion remote
