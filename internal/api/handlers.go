package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
)

// staffActor is recorded on manual transitions when neither the token nor the
// request names anyone.
const staffActor = "staff"

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"gateway": s.gateway.Channel()}))
}

func (s *Server) advanceJourneysHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.advanceJourneysHandler: run requested")
	summary, err := s.orchestrator.Run(r.Context())
	writeRunResult(w, "Server.advanceJourneysHandler", "Failed to advance journeys", summary, err)
}

func (s *Server) journeyNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := s.dispatcher.Run(r.Context())
	writeRunResult(w, "Server.journeyNotificationsHandler", "Failed to send journey notifications", summary, err)
}

func (s *Server) remindersHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := s.reminders.Run(r.Context())
	writeRunResult(w, "Server.remindersHandler", "Failed to send reminders", summary, err)
}

func (s *Server) labDigestHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := s.digest.Run(r.Context())
	writeRunResult(w, "Server.labDigestHandler", "Failed to send lab digest", summary, err)
}

func (s *Server) completeProtocolsHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := s.completer.Run(r.Context())
	writeRunResult(w, "Server.completeProtocolsHandler", "Failed to complete protocols", summary, err)
}

func (s *Server) protocolLabsHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	report, err := s.tracker.ProtocolReport(r.Context(), id)
	if err != nil {
		writeError(w, "Server.protocolLabsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(report))
}

func (s *Server) patientCycleHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := s.cycles.Info(r.Context(), id)
	if err != nil {
		writeError(w, "Server.patientCycleHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(info))
}

// StartJourneyRequest is the optional body of POST /protocols/{id}/journey.
type StartJourneyRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) startJourneyHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req StartJourneyRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		slog.Warn("Server.startJourneyHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	req.Actor = actorFrom(r, req.Actor)
	if req.Actor == "" {
		req.Actor = staffActor
	}
	ev, err := s.orchestrator.StartJourney(r.Context(), r.PathValue("id"), req.Actor)
	if err != nil {
		writeError(w, "Server.startJourneyHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Journey started", ev))
}

// ManualAdvanceRequest is the body of PUT /protocols/{id}/stage.
type ManualAdvanceRequest struct {
	Stage string `json:"stage"`
	Actor string `json:"actor"`
	Notes string `json:"notes"`
}

func (s *Server) manualAdvanceHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req ManualAdvanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.manualAdvanceHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(req.Stage) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("stage is required"))
		return
	}
	req.Actor = actorFrom(r, req.Actor)
	if req.Actor == "" {
		req.Actor = staffActor
	}
	ev, err := s.orchestrator.ManualAdvance(r.Context(), r.PathValue("id"), req.Stage, req.Actor, req.Notes)
	if err != nil {
		writeError(w, "Server.manualAdvanceHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Stage updated", ev))
}

// AppointmentStatusRequest is the body of PUT /appointments/{id}/status.
type AppointmentStatusRequest struct {
	Status             models.AppointmentStatus `json:"status"`
	CancellationReason string                   `json:"cancellation_reason"`
}

func (s *Server) appointmentStatusHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req AppointmentStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.appointmentStatusHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Status == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("status is required"))
		return
	}
	appt, err := s.appointments.Transition(r.Context(), r.PathValue("id"), req.Status, req.CancellationReason)
	if err != nil {
		writeError(w, "Server.appointmentStatusHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(appt))
}

// decodeOptionalJSON decodes the request body into v, accepting an empty body.
func decodeOptionalJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
