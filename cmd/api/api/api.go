// Package api implements the management HTTP API.
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/tinyvmm/tinyvmm/cmd/api/config"
	"github.com/tinyvmm/tinyvmm/lib/machines"
)

// ApiService holds the handlers' dependencies.
type ApiService struct {
	Config   *config.Config
	Machines machines.Manager
}

// New creates a new ApiService
func New(config *config.Config, machineManager machines.Manager) *ApiService {
	return &ApiService{
		Config:   config,
		Machines: machineManager,
	}
}

// Routes mounts the API routes on r.
func (s *ApiService) Routes(r chi.Router) {
	r.Post("/machines", s.CreateMachine)
	r.Get("/machines", s.ListMachines)
	r.Get("/machines/{id}", s.GetMachine)
	r.Delete("/machines/{id}", s.DeleteMachine)

	r.Put("/machines/{id}/hotplug/vcpus", s.HotplugVcpus)
	r.Get("/machines/{id}/guest/cpus", s.GuestCPUs)
}
