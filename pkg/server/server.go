package server

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/eltociear/flower/pkg/events"
	"github.com/eltociear/flower/pkg/log"
	"github.com/eltociear/flower/pkg/message"
	"github.com/eltociear/flower/pkg/metrics"
	"github.com/eltociear/flower/pkg/params"
	"github.com/eltociear/flower/pkg/record"
	"github.com/eltociear/flower/pkg/store"
	"github.com/eltociear/flower/pkg/strategy"
	"github.com/eltociear/flower/pkg/task"
	"github.com/rs/zerolog"
)

const (
	defaultRoundTimeout = time.Minute
	defaultPollInterval = 50 * time.Millisecond

	// driverNodeID marks the round driver as instruction producer.
	driverNodeID int64 = 0
)

// Config drives the round loop.
type Config struct {
	NumRounds int
	RunID     int64

	// RoundTimeout bounds how long one phase waits for client results.
	RoundTimeout time.Duration

	// PollInterval is the result poll period.
	PollInterval time.Duration

	// TaskTTL is stamped on every instruction; zero disables expiry.
	TaskTTL time.Duration
}

func (c *Config) withDefaults() {
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = defaultRoundTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
}

// Server drives federated rounds: it turns strategy instructions into
// stored tasks, collects results through the store, and feeds them back
// into the strategy.
type Server struct {
	cfg     Config
	store   store.Store
	strat   strategy.Strategy
	cm      strategy.ClientManager
	broker  *events.Broker
	logger  zerolog.Logger
	history *History
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithBroker publishes round events through b.
func WithBroker(b *events.Broker) Option {
	return func(s *Server) { s.broker = b }
}

// New creates a round driver over the given store and strategy. The
// node ids become the selectable clients of the run.
func New(cfg Config, st store.Store, strat strategy.Strategy, nodeIDs []int64, opts ...Option) *Server {
	cfg.withDefaults()
	cm := strategy.NewSimpleClientManager(uint64(cfg.RunID) + 1)
	for _, nodeID := range nodeIDs {
		cm.Register(strategy.Client{NodeID: nodeID})
	}
	s := &Server{
		cfg:     cfg,
		store:   st,
		strat:   strat,
		cm:      cm,
		logger:  log.WithComponent("server"),
		history: &History{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// History returns the accumulated per-round results.
func (s *Server) History() *History { return s.history }

// Fit runs the configured number of rounds and returns the final global
// parameters together with the run history.
func (s *Server) Fit(ctx context.Context) (*params.Parameters, *History, error) {
	current := s.strat.InitializeParameters(s.cm)
	if current == nil {
		var err error
		current, err = s.requestInitialParameters(ctx)
		if err != nil {
			return nil, s.history, fmt.Errorf("failed to obtain initial parameters: %w", err)
		}
	}

	for round := 1; round <= s.cfg.NumRounds; round++ {
		select {
		case <-ctx.Done():
			return current, s.history, ctx.Err()
		default:
		}

		timer := metrics.NewTimer()
		s.publish(events.Event{Kind: events.RoundStarted, RunID: s.cfg.RunID, Round: round})

		updated, err := s.fitRound(ctx, round, current)
		if err != nil {
			return current, s.history, err
		}
		if updated != nil {
			current = updated
		}

		if err := s.evaluateRound(ctx, round, current); err != nil {
			return current, s.history, err
		}

		if loss, centralMetrics, ok := s.strat.Evaluate(round, current); ok {
			s.history.addLossCentralized(round, loss)
			s.history.addMetricsEvaluate(round, centralMetrics)
			s.logger.Info().Int("round", round).Float64("loss", loss).Msg("Server-side evaluation")
		}

		timer.ObserveDuration(metrics.RoundDuration)
		metrics.RoundsCompleted.Inc()
		s.publish(events.Event{Kind: events.RoundFinished, RunID: s.cfg.RunID, Round: round})
	}
	return current, s.history, nil
}

// fitRound runs one configure-fit / aggregate-fit cycle. It returns nil
// parameters when the strategy produced no update.
func (s *Server) fitRound(ctx context.Context, round int, current *params.Parameters) (*params.Parameters, error) {
	assignments := s.strat.ConfigureFit(round, current, s.cm)
	if len(assignments) == 0 {
		s.logger.Warn().Int("round", round).Msg("No clients configured for fit round")
		return nil, nil
	}

	insByClient := make(map[string]strategy.Client, len(assignments))
	var insIDs []string
	for _, a := range assignments {
		content, err := strategy.EncodeFitIns(a.Ins)
		if err != nil {
			return nil, fmt.Errorf("round %d: failed to encode fit instruction: %w", round, err)
		}
		insID, err := s.dispatch(a.Client.NodeID, round, message.TypeFit, content)
		if err != nil {
			return nil, fmt.Errorf("round %d: %w", round, err)
		}
		insByClient[insID] = a.Client
		insIDs = append(insIDs, insID)
	}

	collected, failures := s.collect(ctx, insIDs)

	var results []strategy.FitResult
	for insID, res := range collected {
		client := insByClient[insID]
		if err := resultError(res, "fitres"); err != nil {
			failures = append(failures, fmt.Errorf("client %d: %w", client.NodeID, err))
			continue
		}
		fitRes, err := strategy.DecodeFitRes(res.Recordset)
		if err != nil {
			failures = append(failures, fmt.Errorf("client %d: %w", client.NodeID, err))
			continue
		}
		results = append(results, strategy.FitResult{Client: client, Res: fitRes})
	}

	aggregated, aggMetrics, err := s.strat.AggregateFit(round, results, failures)
	if err != nil {
		return nil, fmt.Errorf("round %d: aggregate fit: %w", round, err)
	}
	s.history.addMetricsFit(round, aggMetrics)
	if aggregated == nil {
		metrics.AggregationsFailed.Inc()
		s.logger.Warn().Int("round", round).Int("failures", len(failures)).Msg("Fit aggregation produced no update")
	}
	return aggregated, nil
}

// evaluateRound runs one configure-evaluate / aggregate-evaluate cycle.
func (s *Server) evaluateRound(ctx context.Context, round int, current *params.Parameters) error {
	assignments := s.strat.ConfigureEvaluate(round, current, s.cm)
	if len(assignments) == 0 {
		return nil
	}

	insByClient := make(map[string]strategy.Client, len(assignments))
	var insIDs []string
	for _, a := range assignments {
		content, err := strategy.EncodeEvaluateIns(a.Ins)
		if err != nil {
			return fmt.Errorf("round %d: failed to encode evaluate instruction: %w", round, err)
		}
		insID, err := s.dispatch(a.Client.NodeID, round, message.TypeEvaluate, content)
		if err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		insByClient[insID] = a.Client
		insIDs = append(insIDs, insID)
	}

	collected, failures := s.collect(ctx, insIDs)

	var results []strategy.EvaluateResult
	for insID, res := range collected {
		client := insByClient[insID]
		if err := resultError(res, "evalres"); err != nil {
			failures = append(failures, fmt.Errorf("client %d: %w", client.NodeID, err))
			continue
		}
		evalRes, err := strategy.DecodeEvaluateRes(res.Recordset)
		if err != nil {
			failures = append(failures, fmt.Errorf("client %d: %w", client.NodeID, err))
			continue
		}
		results = append(results, strategy.EvaluateResult{Client: client, Res: evalRes})
	}

	loss, evalMetrics, err := s.strat.AggregateEvaluate(round, results, failures)
	if err != nil {
		s.logger.Warn().Err(err).Int("round", round).Msg("Evaluate aggregation failed")
		return nil
	}
	s.history.addLossDistributed(round, loss)
	s.history.addMetricsEvaluate(round, evalMetrics)
	s.logger.Info().Int("round", round).Float64("loss", loss).Msg("Round evaluated")
	return nil
}

// requestInitialParameters asks one client for its parameters.
func (s *Server) requestInitialParameters(ctx context.Context) (*params.Parameters, error) {
	clients := s.cm.Sample(1)
	if len(clients) == 0 {
		return nil, fmt.Errorf("no clients available")
	}
	insID, err := s.dispatch(clients[0].NodeID, 0, message.TypeGetParameters, record.NewRecordSet())
	if err != nil {
		return nil, err
	}
	collected, _ := s.collect(ctx, []string{insID})
	res, ok := collected[insID]
	if !ok {
		return nil, fmt.Errorf("client %d did not return parameters", clients[0].NodeID)
	}
	if err := resultError(res, "getparametersres"); err != nil {
		return nil, err
	}
	s.logger.Info().Int64("node_id", clients[0].NodeID).Msg("Received initial parameters from client")
	return strategy.DecodeParameters(res.Recordset)
}

// dispatch wraps content as a task instruction for one node.
func (s *Server) dispatch(nodeID int64, round int, msgType message.Type, content *record.RecordSet) (string, error) {
	msg := message.New(message.Metadata{
		RunID:       s.cfg.RunID,
		GroupID:     strconv.Itoa(round),
		SrcNodeID:   driverNodeID,
		DstNodeID:   nodeID,
		TTL:         s.cfg.TaskTTL,
		MessageType: msgType,
	}, content)
	insID, err := s.store.StoreTaskIns(task.NewTaskIns(msg, driverNodeID, nodeID))
	if err != nil {
		return "", fmt.Errorf("failed to store instruction for node %d: %w", nodeID, err)
	}
	return insID, nil
}

// collect polls the store until every instruction has a result or the
// round timeout passes. Instructions still missing are reported as
// failures.
func (s *Server) collect(ctx context.Context, insIDs []string) (map[string]*task.TaskRes, []error) {
	collected := make(map[string]*task.TaskRes, len(insIDs))
	deadline := time.NewTimer(s.cfg.RoundTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for len(collected) < len(insIDs) {
		outstanding := make([]string, 0, len(insIDs)-len(collected))
		for _, id := range insIDs {
			if _, ok := collected[id]; !ok {
				outstanding = append(outstanding, id)
			}
		}
		got, err := s.store.GetTaskRes(outstanding, 0)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to poll task results")
		}
		for _, res := range got {
			collected[res.AncestryTaskID] = res
		}
		if len(collected) == len(insIDs) {
			break
		}

		select {
		case <-ctx.Done():
			return collected, s.missing(collected, insIDs, ctx.Err())
		case <-deadline.C:
			return collected, s.missing(collected, insIDs, fmt.Errorf("round timeout after %v", s.cfg.RoundTimeout))
		case <-ticker.C:
		}
	}
	return collected, nil
}

func (s *Server) missing(collected map[string]*task.TaskRes, insIDs []string, cause error) []error {
	var failures []error
	for _, id := range insIDs {
		if _, ok := collected[id]; !ok {
			failures = append(failures, fmt.Errorf("instruction %s: %w", id, cause))
		}
	}
	return failures
}

// resultError converts an embedded non-OK status into an error.
func resultError(res *task.TaskRes, resultName string) error {
	status, err := message.ExtractStatus(res.Recordset, resultName)
	if err != nil {
		// Results without a status block are treated as successful; the
		// payload decode catches genuinely malformed ones.
		return nil
	}
	if status.Code != message.StatusOK {
		return fmt.Errorf("client reported status %d: %s", status.Code, status.Message)
	}
	return nil
}

func (s *Server) publish(ev events.Event) {
	if s.broker != nil {
		s.broker.Publish(ev)
	}
}
