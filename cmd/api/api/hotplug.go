package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tinyvmm/tinyvmm/lib/machines"
	"github.com/tinyvmm/tinyvmm/lib/vcpu"
)

// hotplugRequest is the body of PUT /machines/{id}/hotplug/vcpus. The add
// count is decoded as u8 so out-of-range values fail at the transport
// boundary, before domain validation runs.
type hotplugRequest struct {
	Add *u8 `json:"add"`
}

// hotplugResponse reports the outcome of a hotplug call. GuestNotified is
// false on partial success: the vCPUs exist but the guest missed the event.
type hotplugResponse struct {
	Added         uint8 `json:"added"`
	Total         uint8 `json:"total"`
	GuestNotified bool  `json:"guest_notified"`
}

// HotplugVcpus adds vCPUs to a running machine.
func (s *ApiService) HotplugVcpus(w http.ResponseWriter, r *http.Request) {
	var req hotplugRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Add == nil {
		err := &DeserializationError{Detail: "missing field `add`"}
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	res, err := s.Machines.AddVcpus(r.Context(), chi.URLParam(r, "id"), uint8(*req.Add))
	if err != nil {
		var verr *vcpu.ValidationError
		var perr *vcpu.ProvisionError
		switch {
		case errors.As(err, &verr):
			writeError(w, r, http.StatusBadRequest, "bad_request", verr.Error())
		case errors.Is(err, vcpu.ErrBusy):
			writeError(w, r, http.StatusConflict, "busy", err.Error())
		case errors.Is(err, machines.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "not_found", err.Error())
		case errors.As(err, &perr):
			writeError(w, r, http.StatusInternalServerError, "provisioning_failed", perr.Error())
		default:
			writeError(w, r, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}

	writeJSON(w, r, http.StatusOK, hotplugResponse{
		Added:         res.Added,
		Total:         res.NewTotal,
		GuestNotified: res.GuestNotified,
	})
}
