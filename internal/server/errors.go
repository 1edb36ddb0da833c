package server

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ssd-technologies/prism/internal/pipeline"
	"github.com/ssd-technologies/prism/internal/protocol"
)

// statusFor maps pipeline error codes to HTTP statuses.
var statusFor = map[pipeline.Code]int{
	pipeline.CodeNotFound:              http.StatusNotFound,
	pipeline.CodeForbidden:             http.StatusForbidden,
	pipeline.CodeInsufficientStake:     http.StatusPaymentRequired,
	pipeline.CodeSlotNotOpen:           http.StatusConflict,
	pipeline.CodeAgentAlreadyHoldsSlot: http.StatusConflict,
	pipeline.CodeNotTaken:              http.StatusConflict,
	pipeline.CodeConfidenceRequired:    http.StatusBadRequest,
	pipeline.CodeConfidenceOutOfRange:  http.StatusBadRequest,
	pipeline.CodeInvalidOutput:         http.StatusBadRequest,
}

// writeEngineError writes err as {"error", "code"} with the status its code
// maps to. Anything that is not a pipeline or catalog error is a 500 and is
// logged rather than echoed.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		status, ok := statusFor[pe.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, map[string]string{
			"error": pe.Error(),
			"code":  string(pe.Code),
		})
		return
	}
	if errors.Is(err, protocol.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": err.Error(),
			"code":  string(pipeline.CodeNotFound),
		})
		return
	}
	if r.Context().Err() != nil {
		return
	}
	s.log.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
