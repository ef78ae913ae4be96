// Package rpc exposes the core API over JSON-RPC 2.0 so agent processes can
// propose transitions, authorize writes and seal turns through a pipe.
// Messages are framed with Content-Length headers, as in LSP.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/orchestrator"
	"github.com/sgttomas/chirality-runtime/internal/sandbox"
	"github.com/sgttomas/chirality-runtime/internal/store"
	"github.com/sgttomas/chirality-runtime/internal/workflow"
)

// Method names.
const (
	MethodProposeTransition = "chirality.proposeTransition"
	MethodAuthorizeWrite    = "chirality.authorizeWrite"
	MethodSealTurn          = "chirality.sealTurn"
	MethodFailTurn          = "chirality.failTurn"
	MethodGetDeliverable    = "chirality.getDeliverable"
	MethodListDeliverables  = "chirality.listDeliverables"
	MethodGetSession        = "chirality.getSession"
	MethodOpenTurn          = "chirality.openTurn"
	MethodListAudit         = "chirality.listAudit"
)

// Application error codes, one per core rejection kind.
const (
	CodeInvalidTransition       int64 = -32001
	CodeTransitionNotAuthorized int64 = -32002
	CodeConcurrentModification  int64 = -32003
	CodeSessionTerminated       int64 = -32004
	CodeWriteDenied             int64 = -32005
	CodeBranchMismatch          int64 = -32006
	CodeTurnSealFailure         int64 = -32007
	CodeNotFound                int64 = -32010
)

var kindCodes = map[domain.Kind]int64{
	domain.KindInvalidTransition:       CodeInvalidTransition,
	domain.KindTransitionNotAuthorized: CodeTransitionNotAuthorized,
	domain.KindConcurrentModification:  CodeConcurrentModification,
	domain.KindSessionTerminated:       CodeSessionTerminated,
	domain.KindWriteDenied:             CodeWriteDenied,
	domain.KindBranchMismatch:          CodeBranchMismatch,
	domain.KindTurnSealFailure:         CodeTurnSealFailure,
}

// ErrorData is attached to application errors.
type ErrorData struct {
	Kind     string            `json:"kind,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Decision *sandbox.Decision `json:"decision,omitempty"`
}

// Server answers core API calls. Orchestrator is optional and only used to
// report session status.
type Server struct {
	Engine       *workflow.Engine
	Orchestrator *orchestrator.Orchestrator
	Logger       *slog.Logger
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Handler returns the jsonrpc2 handler for this server.
func (s *Server) Handler() jsonrpc2.Handler {
	return jsonrpc2.HandlerWithError(s.handle)
}

// ServeConn serves one connection until the peer disconnects or ctx is done.
func (s *Server) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) error {
	conn := jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{}), s.Handler())
	select {
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	case <-conn.DisconnectNotify():
		return nil
	}
}

type stdio struct {
	io.ReadCloser
	io.WriteCloser
}

func (s stdio) Close() error {
	rerr := s.ReadCloser.Close()
	werr := s.WriteCloser.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}

// ServeStdio serves a single peer on the given reader and writer, typically
// os.Stdin and os.Stdout.
func (s *Server) ServeStdio(ctx context.Context, in io.ReadCloser, out io.WriteCloser) error {
	return s.ServeConn(ctx, stdio{in, out})
}

type idParams struct {
	ID string `json:"id"`
}

type failTurnParams struct {
	SessionID domain.SessionID `json:"session_id"`
	Reason    string           `json:"reason"`
}

type auditParams struct {
	SessionID     domain.SessionID     `json:"session_id,omitempty"`
	DeliverableID domain.DeliverableID `json:"deliverable_id,omitempty"`
	Limit         int                  `json:"limit,omitempty"`
}

func (s *Server) handle(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	result, err := s.dispatch(ctx, req)
	if err != nil {
		s.logger().Debug("rpc rejected", "method", req.Method, "err", err)
		return nil, toRPCError(err)
	}
	return result, nil
}

func (s *Server) dispatch(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case MethodProposeTransition:
		var p workflow.TransitionRequest
		if err := params(req, &p); err != nil {
			return nil, err
		}
		return s.Engine.ProposeTransition(ctx, p)
	case MethodAuthorizeWrite:
		var p workflow.WriteRequest
		if err := params(req, &p); err != nil {
			return nil, err
		}
		dec, err := s.Engine.AuthorizeWrite(ctx, p)
		if err != nil {
			if domain.IsKind(err, domain.KindWriteDenied) {
				return nil, denied(err, dec)
			}
			return nil, err
		}
		return dec, nil
	case MethodSealTurn:
		var p workflow.SealRequest
		if err := params(req, &p); err != nil {
			return nil, err
		}
		return s.Engine.SealTurn(ctx, p)
	case MethodFailTurn:
		var p failTurnParams
		if err := params(req, &p); err != nil {
			return nil, err
		}
		discarded, err := s.Engine.FailTurn(ctx, p.SessionID, p.Reason)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"discarded": discarded}, nil
	case MethodGetDeliverable:
		var p idParams
		if err := params(req, &p); err != nil {
			return nil, err
		}
		id, err := domain.ParseDeliverableID(p.ID)
		if err != nil {
			return nil, invalidParams(err)
		}
		return s.Engine.Store.GetDeliverable(ctx, id)
	case MethodListDeliverables:
		return s.Engine.Store.ListDeliverables(ctx)
	case MethodGetSession:
		var p idParams
		if err := params(req, &p); err != nil {
			return nil, err
		}
		id, err := domain.ParseSessionID(p.ID)
		if err != nil {
			return nil, invalidParams(err)
		}
		if s.Orchestrator != nil {
			return s.Orchestrator.Status(ctx, id)
		}
		return s.Engine.Store.GetSession(ctx, id)
	case MethodOpenTurn:
		var p idParams
		if err := params(req, &p); err != nil {
			return nil, err
		}
		view, ok := s.Engine.OpenTurn(domain.SessionID(p.ID))
		if !ok {
			return nil, nil
		}
		return view, nil
	case MethodListAudit:
		var p auditParams
		if req.Params != nil {
			if err := params(req, &p); err != nil {
				return nil, err
			}
		}
		return s.Engine.Store.ListAudit(ctx, store.AuditFilter{SessionID: p.SessionID, DeliverableID: p.DeliverableID, Limit: p.Limit})
	}
	return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: fmt.Sprintf("method not supported: %s", req.Method)}
}

func params(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "params required"}
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return invalidParams(err)
	}
	return nil
}

func invalidParams(err error) *jsonrpc2.Error {
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
}

func denied(err error, dec sandbox.Decision) *jsonrpc2.Error {
	e := toRPCError(err)
	data := ErrorData{Kind: string(domain.KindWriteDenied), Reason: string(dec.Reason), Decision: &dec}
	e.SetError(data)
	return e
}

// toRPCError maps a core error to a JSON-RPC error with a kind-specific code.
func toRPCError(err error) *jsonrpc2.Error {
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	e := &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()}
	var de *domain.Error
	switch {
	case errors.As(err, &de):
		e.Code = kindCodes[de.Kind]
		e.SetError(ErrorData{Kind: string(de.Kind), Reason: string(de.Reason)})
	case errors.Is(err, domain.ErrNotFound):
		e.Code = CodeNotFound
	case errors.Is(err, domain.ErrContractViolation):
		e.Code = jsonrpc2.CodeInvalidParams
	}
	return e
}
