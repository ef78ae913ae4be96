package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/sandbox"
	"github.com/sgttomas/chirality-runtime/internal/store"
	"github.com/sgttomas/chirality-runtime/internal/workflow"
)

type noopHandler struct{}

func (noopHandler) Handle(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) {}

func dial(t *testing.T) (*jsonrpc2.Conn, *workflow.Engine) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "home"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := workflow.New(workflow.Options{Store: st, Logger: logger})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serverSide, clientSide := net.Pipe()
	srv := &Server{Engine: eng, Logger: logger}
	done := make(chan error, 1)
	go func() { done <- srv.ServeConn(ctx, serverSide) }()

	client := jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(clientSide, jsonrpc2.VSCodeObjectCodec{}), noopHandler{})
	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return client, eng
}

func rpcErr(t *testing.T, err error) (*jsonrpc2.Error, ErrorData) {
	t.Helper()
	var e *jsonrpc2.Error
	require.True(t, errors.As(err, &e), "err = %v", err)
	var data ErrorData
	if e.Data != nil {
		require.NoError(t, json.Unmarshal(*e.Data, &data))
	}
	return e, data
}

func TestTurnOverRPC(t *testing.T) {
	client, eng := dial(t)
	ctx := context.Background()
	d, err := eng.CreateDeliverable(ctx, workflow.CreateDeliverableRequest{Root: "deliverables/DEL-04"})
	require.NoError(t, err)
	s, err := eng.OpenSession(ctx, workflow.OpenSessionRequest{AgentType: domain.AgentPersona, Deliverables: []domain.DeliverableID{d.ID}, Actor: domain.Human("alice")})
	require.NoError(t, err)

	var dec sandbox.Decision
	require.NoError(t, client.Call(ctx, MethodAuthorizeWrite, workflow.WriteRequest{SessionID: s.ID, Branch: s.Branch, Path: "deliverables/DEL-04/Datasheet.md", Operation: domain.OpCreate}, &dec))
	assert.True(t, dec.Allowed)

	err = client.Call(ctx, MethodAuthorizeWrite, workflow.WriteRequest{SessionID: s.ID, Branch: s.Branch, Path: "go.mod", Operation: domain.OpModify}, &dec)
	e, data := rpcErr(t, err)
	assert.Equal(t, CodeWriteDenied, e.Code)
	assert.Equal(t, string(domain.KindWriteDenied), data.Kind)
	require.NotNil(t, data.Decision)
	assert.False(t, data.Decision.Allowed)

	var view workflow.TurnView
	require.NoError(t, client.Call(ctx, MethodOpenTurn, idParams{ID: string(s.ID)}, &view))
	assert.Equal(t, []string{"deliverables/DEL-04/Datasheet.md"}, view.Paths)

	var acc workflow.Accepted
	require.NoError(t, client.Call(ctx, MethodProposeTransition, workflow.TransitionRequest{EntityID: string(d.ID), FromVersion: d.Version, Target: string(domain.DeliverableInitialized), SessionID: s.ID}, &acc))
	assert.True(t, acc.Staged)

	err = client.Call(ctx, MethodProposeTransition, workflow.TransitionRequest{EntityID: string(d.ID), FromVersion: d.Version, Target: string(domain.DeliverableIssued), SessionID: s.ID}, &acc)
	e, _ = rpcErr(t, err)
	assert.Equal(t, CodeInvalidTransition, e.Code)

	commit := strings.Repeat("a", 40)
	var rec domain.AuditRecord
	require.NoError(t, client.Call(ctx, MethodSealTurn, workflow.SealRequest{SessionID: s.ID, CommitHash: commit, AffectedPaths: []string{"deliverables/DEL-04/Datasheet.md"}}, &rec))
	assert.Equal(t, commit, rec.CommitHash)
	assert.Len(t, rec.Transitions, 1)

	var got domain.Deliverable
	require.NoError(t, client.Call(ctx, MethodGetDeliverable, idParams{ID: string(d.ID)}, &got))
	assert.Equal(t, domain.DeliverableInitialized, got.Status)

	var audit []domain.AuditRecord
	require.NoError(t, client.Call(ctx, MethodListAudit, auditParams{SessionID: s.ID}, &audit))
	assert.Len(t, audit, 1)
}

func TestRPCErrors(t *testing.T) {
	client, _ := dial(t)
	ctx := context.Background()

	var out json.RawMessage
	e, _ := rpcErr(t, client.Call(ctx, "chirality.nope", nil, &out))
	assert.Equal(t, int64(jsonrpc2.CodeMethodNotFound), e.Code)

	e, _ = rpcErr(t, client.Call(ctx, MethodGetDeliverable, idParams{ID: "bogus"}, &out))
	assert.Equal(t, int64(jsonrpc2.CodeInvalidParams), e.Code)

	e, _ = rpcErr(t, client.Call(ctx, MethodGetSession, idParams{ID: "sess:00000000-0000-0000-0000-000000000000"}, &out))
	assert.Equal(t, CodeNotFound, e.Code)

	e, data := rpcErr(t, client.Call(ctx, MethodSealTurn, workflow.SealRequest{SessionID: "sess:00000000-0000-0000-0000-000000000000", CommitHash: strings.Repeat("b", 40)}, &out))
	assert.NotEqual(t, int64(jsonrpc2.CodeInternalError), e.Code, "data = %+v", data)
}
