package httpapi

import (
	"errors"
	"net/http"

	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/orchestrator"
	"github.com/sgttomas/chirality-runtime/pkg/models"
)

// statusOf maps a core error to an HTTP status and the kind reported to clients.
func statusOf(err error) (int, string) {
	switch domain.KindOf(err) {
	case domain.KindConcurrentModification, domain.KindBranchMismatch:
		return http.StatusConflict, string(domain.KindOf(err))
	case domain.KindWriteDenied, domain.KindTransitionNotAuthorized:
		return http.StatusForbidden, string(domain.KindOf(err))
	case domain.KindInvalidTransition, domain.KindTurnSealFailure:
		return http.StatusUnprocessableEntity, string(domain.KindOf(err))
	case domain.KindSessionTerminated:
		return http.StatusGone, string(domain.KindOf(err))
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, models.KindNotFound
	case errors.Is(err, domain.ErrContractViolation):
		return http.StatusBadRequest, models.KindContractViolation
	case errors.Is(err, orchestrator.ErrSessionPaused):
		return http.StatusConflict, models.KindSessionPaused
	case errors.Is(err, orchestrator.ErrStepLimit):
		return http.StatusUnprocessableEntity, models.KindStepLimit
	}
	return http.StatusInternalServerError, ""
}

// writeError renders err with its mapped status. Core rejections carry their
// kind and, for write denials, the deny reason.
func writeError(w http.ResponseWriter, err error) {
	code, kind := statusOf(err)
	body := models.Error{Error: err.Error(), Kind: kind}
	var de *domain.Error
	if errors.As(err, &de) {
		body.Reason = string(de.Reason)
	}
	writeErrorBody(w, code, body)
}

// badRequest reports malformed input such as an unparsable id.
func badRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, err.Error())
}
