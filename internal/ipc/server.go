package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"
	"time"

	"log/slog"

	"stagehand/internal/catalog"
	"stagehand/internal/daemon"
	"stagehand/internal/logging"
	"stagehand/internal/logs"
	"stagehand/internal/session"
)

const serviceName = "Stagehand"

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logging.NewComponentLogger(logger, "ipc"), ctx: ctx}
	if err := rpcServer.RegisterName(serviceName, srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Warn("accept failed", logging.Error(err))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
		)
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) Ping(_ PingRequest, resp *PingResponse) error {
	resp.Pong = true
	return nil
}

func (s *service) StartRun(req StartRunRequest, resp *StartRunResponse) error {
	s.logger.Debug("pipeline run requested")
	runID, err := s.daemon.StartRun(s.ctx, daemon.RunOverrides{
		SkipCorrection: req.SkipCorrection,
		SkipTransfer:   req.SkipTransfer,
	})
	if err != nil {
		resp.Started = false
		resp.Message = err.Error()
		return nil
	}
	resp.Started = true
	resp.RunID = runID
	resp.Message = "pipeline run started"
	return nil
}

func (s *service) StopRun(_ StopRunRequest, resp *StopRunResponse) error {
	s.logger.Debug("pipeline stop requested")
	s.daemon.StopRun()
	resp.Stopped = true
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	status := s.daemon.Status(s.ctx)
	resp.Running = status.Running
	resp.RunID = status.RunID
	resp.PID = os.Getpid()
	resp.CatalogPath = status.CatalogPath
	resp.LockPath = status.LockFilePath
	resp.LastRunError = status.LastRunError

	resp.DatasetStats = make(map[string]int, len(status.DatasetStats))
	for k, v := range status.DatasetStats {
		resp.DatasetStats[string(k)] = v
	}
	resp.UnitStats = make(map[string]int, len(status.UnitStats))
	for k, v := range status.UnitStats {
		resp.UnitStats[string(k)] = v
	}
	resp.Sessions = convertSessions(status.Sessions)
	resp.Preflight = make([]PreflightResult, 0, len(status.Preflight))
	for _, check := range status.Preflight {
		resp.Preflight = append(resp.Preflight, PreflightResult{
			Name:   check.Name,
			Passed: check.Passed,
			Detail: check.Detail,
		})
	}
	return nil
}

func (s *service) Sessions(_ SessionsRequest, resp *SessionsResponse) error {
	resp.Sessions = convertSessions(s.daemon.Sessions())
	return nil
}

func (s *service) KillSession(req KillSessionRequest, resp *KillSessionResponse) error {
	if req.Name == "" {
		return errors.New("kill requires a session name")
	}
	if err := s.daemon.KillSession(req.Name); err != nil {
		return err
	}
	resp.Killed = true
	s.logger.Info("session killed via IPC", logging.String("session", req.Name))
	return nil
}

func (s *service) KillAllSessions(_ KillAllSessionsRequest, resp *KillAllSessionsResponse) error {
	resp.Killed = s.daemon.KillAllSessions()
	s.logger.Info("all sessions killed via IPC", logging.Int("count", resp.Killed))
	return nil
}

func (s *service) Datasets(req DatasetsRequest, resp *DatasetsResponse) error {
	statuses := make([]catalog.DatasetStatus, 0, len(req.Statuses))
	for _, status := range req.Statuses {
		parsed, ok := catalog.ParseDatasetStatus(status)
		if !ok {
			continue
		}
		statuses = append(statuses, parsed)
	}
	datasets, err := s.daemon.Datasets(s.ctx, statuses...)
	if err != nil {
		return err
	}
	resp.Datasets = make([]DatasetSummary, 0, len(datasets))
	for _, ds := range datasets {
		resp.Datasets = append(resp.Datasets, DatasetSummary{
			ID:        ds.ID,
			Path:      ds.Path,
			Title:     ds.Title,
			Variant:   string(ds.Variant),
			Status:    string(ds.Status),
			DurableID: ds.DurableID,
			Error:     ds.ErrorMessage,
			UpdatedAt: ds.UpdatedAt.Format(time.RFC3339),
		})
	}
	return nil
}

func (s *service) Units(req UnitsRequest, resp *UnitsResponse) error {
	statuses := make([]catalog.UnitStatus, 0, len(req.Statuses))
	for _, status := range req.Statuses {
		parsed, ok := catalog.ParseUnitStatus(status)
		if !ok {
			continue
		}
		statuses = append(statuses, parsed)
	}
	units, err := s.daemon.Units(s.ctx, statuses...)
	if err != nil {
		return err
	}
	resp.Units = make([]UnitSummary, 0, len(units))
	for _, unit := range units {
		resp.Units = append(resp.Units, UnitSummary{
			ID:           unit.ID,
			DatasetID:    unit.DatasetID,
			Name:         unit.Name,
			Status:       string(unit.Status),
			DenoiseState: string(unit.DenoiseState),
			StackPath:    unit.StackPath,
			TomogramPath: unit.TomogramPath,
			ArchivedPath: unit.ArchivedPath,
			Error:        unit.ErrorMessage,
			UpdatedAt:    unit.UpdatedAt.Format(time.RFC3339),
		})
	}
	return nil
}

func (s *service) RetryFailed(req RetryFailedRequest, resp *RetryFailedResponse) error {
	updated, err := s.daemon.RetryFailed(s.ctx, req.IDs)
	if err != nil {
		return err
	}
	resp.Updated = updated
	s.logger.Info("failed units retried", logging.Int64("updated", updated))
	return nil
}

func (s *service) LogTail(req LogTailRequest, resp *LogTailResponse) error {
	logPath := s.daemon.SessionLogPath(req.Session)
	if logPath == "" {
		resp.Offset = 0
		return nil
	}
	wait := time.Duration(req.WaitMillis) * time.Millisecond
	if wait <= 0 && req.Follow {
		wait = time.Second
	}
	options := logs.TailOptions{
		Offset: req.Offset,
		Limit:  req.Limit,
		Follow: req.Follow,
		Wait:   wait,
	}
	ctx := s.ctx
	if req.Follow && wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, wait+500*time.Millisecond)
		defer cancel()
	}
	result, err := logs.Tail(ctx, logPath, options)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			resp.Offset = result.Offset
			return nil
		}
		return err
	}
	resp.Lines = result.Lines
	resp.Offset = result.Offset
	return nil
}

func (s *service) TestNotification(_ TestNotificationRequest, resp *TestNotificationResponse) error {
	sent, message, err := s.daemon.TestNotification(s.ctx)
	resp.Sent = sent
	resp.Message = message
	return err
}

func convertSessions(infos []session.Info) []SessionInfo {
	out := make([]SessionInfo, 0, len(infos))
	for _, info := range infos {
		converted := SessionInfo{
			Name:      info.Name,
			Kind:      string(info.Kind),
			WatchDir:  info.WatchDir,
			OutputDir: info.OutputDir,
			LogPath:   info.LogPath,
			PID:       info.PID,
			Running:   info.Running,
			Err:       info.Err,
		}
		if !info.StartedAt.IsZero() {
			converted.StartedAt = info.StartedAt.Format(time.RFC3339)
		}
		out = append(out, converted)
	}
	return out
}
