package main

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/kubernaut/workflow-engine/pkg/shared/logging"
	"github.com/kubernaut/workflow-engine/pkg/workflow/engine"
	"github.com/kubernaut/workflow-engine/pkg/workflow/model"
	"github.com/kubernaut/workflow-engine/pkg/workflow/store"
)

// stalenessSweep runs Engine.HealthCheck against every RUNNING
// instance on a cron schedule, supplementing the on-demand HealthCheck
// API with the periodic sweep a production deployment would
// actually run. It never mutates engine state — an unhealthy result is
// purely an observability signal.
type stalenessSweep struct {
	eng  *engine.Engine
	st   store.Store
	defs engine.StaticDefinitions
	log  logr.Logger
}

func newStalenessSweep(eng *engine.Engine, st store.Store, defs engine.StaticDefinitions, log logr.Logger) *stalenessSweep {
	return &stalenessSweep{eng: eng, st: st, defs: defs, log: log}
}

func (s *stalenessSweep) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	running, err := s.st.ListByStatus(ctx, model.StatusRunning)
	if err != nil {
		s.log.Error(err, "failed to list running instances for staleness sweep", logging.NewFields().Component("sweep").KeysAndValues()...)
		return
	}

	for _, inst := range running {
		def, ok := s.defs.Lookup(inst.WorkflowName)
		if !ok {
			continue
		}
		healthy, reason, err := s.eng.HealthCheck(ctx, def, inst.ID)
		if err != nil {
			s.log.Error(err, "health check failed during staleness sweep",
				logging.NewFields().Component("sweep").Workflow(inst.WorkflowName).Instance(inst.ID).KeysAndValues()...)
			continue
		}
		if !healthy {
			fields := logging.NewFields().Component("sweep").Workflow(inst.WorkflowName).Instance(inst.ID)
			s.log.Info("WorkflowStalled", append(fields, "reason", reason).KeysAndValues()...)
		}
	}
}
