package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"github.com/tinyvmm/tinyvmm/lib/machines"
)

// machineResponse is the wire form of a machine.
type machineResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Vcpus       uint8     `json:"vcpus"`
	MaxVcpus    uint8     `json:"max_vcpus"`
	MemoryBytes uint64    `json:"memory_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

func toMachineResponse(m *machines.Machine) machineResponse {
	return machineResponse{
		ID:          m.ID,
		Name:        m.Name,
		Vcpus:       m.Vcpus(),
		MaxVcpus:    m.MaxVcpus(),
		MemoryBytes: m.Memory.Bytes(),
		CreatedAt:   m.CreatedAt,
	}
}

// CreateMachine boots a new machine.
func (s *ApiService) CreateMachine(w http.ResponseWriter, r *http.Request) {
	var req machines.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	mach, err := s.Machines.CreateMachine(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, machines.ErrInvalidConfig):
			writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		case errors.Is(err, machines.ErrAlreadyExists):
			writeError(w, r, http.StatusConflict, "conflict", err.Error())
		default:
			writeError(w, r, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}

	writeJSON(w, r, http.StatusCreated, toMachineResponse(mach))
}

// ListMachines lists all machines.
func (s *ApiService) ListMachines(w http.ResponseWriter, r *http.Request) {
	machs, err := s.Machines.ListMachines(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, lo.Map(machs, func(m *machines.Machine, _ int) machineResponse {
		return toMachineResponse(m)
	}))
}

// GetMachine returns one machine.
func (s *ApiService) GetMachine(w http.ResponseWriter, r *http.Request) {
	mach, err := s.Machines.GetMachine(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, toMachineResponse(mach))
}

// DeleteMachine tears a machine down.
func (s *ApiService) DeleteMachine(w http.ResponseWriter, r *http.Request) {
	if err := s.Machines.DeleteMachine(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, machines.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GuestCPUs reports the guest's own view of its CPU set via the agent.
// Eventually consistent with the host-side slot table after a hotplug.
func (s *ApiService) GuestCPUs(w http.ResponseWriter, r *http.Request) {
	state, err := s.Machines.GuestCPUState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, machines.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "not_found", err.Error())
		case errors.Is(err, machines.ErrNoGuestAgent):
			writeError(w, r, http.StatusConflict, "no_guest_agent", err.Error())
		default:
			writeError(w, r, http.StatusBadGateway, "guest_unreachable", err.Error())
		}
		return
	}
	writeJSON(w, r, http.StatusOK, state)
}
