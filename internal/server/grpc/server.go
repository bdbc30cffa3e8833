// Package grpcserver exposes the outpass.v1 gRPC API handlers.
package grpcserver

import (
	"context"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/and161185/hostel-outpass/internal/api"
	"github.com/and161185/hostel-outpass/internal/auth"
	"github.com/and161185/hostel-outpass/internal/codec"
	"github.com/and161185/hostel-outpass/internal/convert"
	"github.com/and161185/hostel-outpass/internal/errs"
	"github.com/and161185/hostel-outpass/internal/model"
	"github.com/and161185/hostel-outpass/internal/service"
)

func init() {
	encoding.RegisterCodec(codec.GRPC{})
}

// OutpassServer is the handler set registered under api.ServiceName.
type OutpassServer interface {
	Submit(context.Context, *api.SubmitRequest) (*api.PassResponse, error)
	Approve(context.Context, *api.PassIDRequest) (*api.PassResponse, error)
	Reject(context.Context, *api.PassIDRequest) (*api.PassResponse, error)
	ScanOut(context.Context, *api.ScanRequest) (*api.PassResponse, error)
	ScanIn(context.Context, *api.ScanRequest) (*api.PassResponse, error)
	Regenerate(context.Context, *api.PassIDRequest) (*api.PassResponse, error)
	GetPass(context.Context, *api.PassIDRequest) (*api.PassResponse, error)
	GetEvents(context.Context, *api.PassIDRequest) (*api.EventsResponse, error)
	Verify(context.Context, *api.ScanRequest) (*api.VerifyResponse, error)
	CanSubmit(context.Context, *api.Empty) (*api.CanSubmitResponse, error)
	ListCurrent(context.Context, *api.Empty) (*api.PassListResponse, error)
	ListHistory(context.Context, *api.Empty) (*api.PassListResponse, error)
	ListPending(context.Context, *api.Empty) (*api.PassListResponse, error)
	ListActive(context.Context, *api.Empty) (*api.ActiveListResponse, error)
	Stats(context.Context, *api.StatsRequest) (*api.StatsResponse, error)
}

// Server wires the pass service into gRPC handlers.
type Server struct {
	passes service.PassService
}

var _ OutpassServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(passes service.PassService) *Server {
	return &Server{passes: passes}
}

// Register attaches s to gs.
func Register(gs grpc.ServiceRegistrar, s OutpassServer) {
	gs.RegisterService(&serviceDesc, s)
}

// --- Student ---

// Submit creates a pending pass for the calling student.
func (s *Server) Submit(ctx context.Context, req *api.SubmitRequest) (*api.PassResponse, error) {
	p, err := auth.Require(ctx, auth.RoleStudent)
	if err != nil {
		return nil, toStatus(err)
	}
	pass, err := s.passes.Submit(ctx, convert.FromSubmit(p.Subject, *req))
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.PassResponse{Pass: convert.ToPass(pass, false)}, nil
}

// Regenerate re-issues an expired credential of the caller's pass.
func (s *Server) Regenerate(ctx context.Context, req *api.PassIDRequest) (*api.PassResponse, error) {
	p, err := auth.Require(ctx, auth.RoleStudent)
	if err != nil {
		return nil, toStatus(err)
	}
	id, err := convert.PassID(req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	pass, err := s.passes.Regenerate(ctx, id, p.Subject)
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.PassResponse{Pass: convert.ToPass(pass, false)}, nil
}

// CanSubmit reports whether the caller may submit a new pass.
func (s *Server) CanSubmit(ctx context.Context, _ *api.Empty) (*api.CanSubmitResponse, error) {
	p, err := auth.Require(ctx, auth.RoleStudent)
	if err != nil {
		return nil, toStatus(err)
	}
	ok, err := s.passes.CanSubmit(ctx, p.Subject)
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.CanSubmitResponse{Allowed: ok}, nil
}

// ListCurrent returns the caller's live passes.
func (s *Server) ListCurrent(ctx context.Context, _ *api.Empty) (*api.PassListResponse, error) {
	p, err := auth.Require(ctx, auth.RoleStudent)
	if err != nil {
		return nil, toStatus(err)
	}
	ps, err := s.passes.ListCurrent(ctx, p.Subject)
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.PassListResponse{Passes: convert.ToPasses(ps, false)}, nil
}

// ListHistory returns the caller's finished passes.
func (s *Server) ListHistory(ctx context.Context, _ *api.Empty) (*api.PassListResponse, error) {
	p, err := auth.Require(ctx, auth.RoleStudent)
	if err != nil {
		return nil, toStatus(err)
	}
	ps, err := s.passes.ListHistory(ctx, p.Subject)
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.PassListResponse{Passes: convert.ToPasses(ps, true)}, nil
}

// --- Administrator ---

// Approve decides a pending pass.
func (s *Server) Approve(ctx context.Context, req *api.PassIDRequest) (*api.PassResponse, error) {
	return s.decide(ctx, req, s.passes.Approve)
}

// Reject decides a pending pass.
func (s *Server) Reject(ctx context.Context, req *api.PassIDRequest) (*api.PassResponse, error) {
	return s.decide(ctx, req, s.passes.Reject)
}

type decideFunc func(context.Context, uuid.UUID, string) (model.Pass, error)

func (s *Server) decide(ctx context.Context, req *api.PassIDRequest, fn decideFunc) (*api.PassResponse, error) {
	p, err := auth.Require(ctx, auth.RoleAdmin)
	if err != nil {
		return nil, toStatus(err)
	}
	id, err := convert.PassID(req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	pass, err := fn(ctx, id, p.Subject)
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.PassResponse{Pass: convert.ToPass(pass, true)}, nil
}

// ListPending returns passes awaiting a decision.
func (s *Server) ListPending(ctx context.Context, _ *api.Empty) (*api.PassListResponse, error) {
	if _, err := auth.Require(ctx, auth.RoleAdmin); err != nil {
		return nil, toStatus(err)
	}
	ps, err := s.passes.ListPending(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.PassListResponse{Passes: convert.ToPasses(ps, true)}, nil
}

// --- Gate ---

// ScanOut records a departure.
func (s *Server) ScanOut(ctx context.Context, req *api.ScanRequest) (*api.PassResponse, error) {
	return s.scan(ctx, req, s.passes.ScanOut)
}

// ScanIn records a return.
func (s *Server) ScanIn(ctx context.Context, req *api.ScanRequest) (*api.PassResponse, error) {
	return s.scan(ctx, req, s.passes.ScanIn)
}

func (s *Server) scan(ctx context.Context, req *api.ScanRequest, fn func(context.Context, string) (model.Pass, error)) (*api.PassResponse, error) {
	if _, err := auth.Require(ctx, auth.RoleGate); err != nil {
		return nil, toStatus(err)
	}
	if req.Payload == "" {
		return nil, toStatus(errs.ErrValidation)
	}
	pass, err := fn(ctx, req.Payload)
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.PassResponse{Pass: convert.ToPass(pass, true)}, nil
}

// Verify inspects a credential without scanning it.
func (s *Server) Verify(ctx context.Context, req *api.ScanRequest) (*api.VerifyResponse, error) {
	if _, err := auth.Require(ctx, auth.RoleGate, auth.RoleAdmin); err != nil {
		return nil, toStatus(err)
	}
	if req.Payload == "" {
		return nil, toStatus(errs.ErrValidation)
	}
	v, err := s.passes.Verify(ctx, req.Payload)
	if err != nil {
		return nil, toStatus(err)
	}
	out := convert.ToVerify(v)
	return &out, nil
}

// ListActive returns the security dashboard rows.
func (s *Server) ListActive(ctx context.Context, _ *api.Empty) (*api.ActiveListResponse, error) {
	if _, err := auth.Require(ctx, auth.RoleGate, auth.RoleAdmin); err != nil {
		return nil, toStatus(err)
	}
	rows, err := s.passes.ListActive(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.ActiveListResponse{Passes: convert.ToActive(rows)}, nil
}

// Stats returns dashboard counters.
func (s *Server) Stats(ctx context.Context, req *api.StatsRequest) (*api.StatsResponse, error) {
	if _, err := auth.Require(ctx, auth.RoleGate, auth.RoleAdmin); err != nil {
		return nil, toStatus(err)
	}
	st, err := s.passes.Stats(ctx, req.DayStart)
	if err != nil {
		return nil, toStatus(err)
	}
	out := convert.ToStats(st)
	return &out, nil
}

// --- Shared ---

// GetPass returns a pass. Students only see their own; only the owner gets
// the credential payload.
func (s *Server) GetPass(ctx context.Context, req *api.PassIDRequest) (*api.PassResponse, error) {
	p, err := auth.Require(ctx, auth.RoleStudent, auth.RoleAdmin, auth.RoleGate)
	if err != nil {
		return nil, toStatus(err)
	}
	id, err := convert.PassID(req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	pass, err := s.passes.Get(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	owner := p.Role == auth.RoleStudent && pass.StudentID == p.Subject
	if p.Role == auth.RoleStudent && !owner {
		return nil, toStatus(errs.ErrNotFound)
	}
	return &api.PassResponse{Pass: convert.ToPass(pass, !owner)}, nil
}

// GetEvents returns the audit trail to administrators and the owning student.
func (s *Server) GetEvents(ctx context.Context, req *api.PassIDRequest) (*api.EventsResponse, error) {
	p, err := auth.Require(ctx, auth.RoleStudent, auth.RoleAdmin)
	if err != nil {
		return nil, toStatus(err)
	}
	id, err := convert.PassID(req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	if p.Role == auth.RoleStudent {
		pass, err := s.passes.Get(ctx, id)
		if err != nil {
			return nil, toStatus(err)
		}
		if pass.StudentID != p.Subject {
			return nil, toStatus(errs.ErrNotFound)
		}
	}
	evs, err := s.passes.Events(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.EventsResponse{Events: convert.ToEvents(evs)}, nil
}
