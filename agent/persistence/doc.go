/*
Package persistence records agent runs and their steps for later audit.

# Overview

Every run produces a RunRecord; every step produces a StepRecord carrying
the plan, the raw model output, and each action paired with its
observation. Managed-agent runs are linked to the delegating run through
ParentRunID, so the tree of a research session can be rebuilt with
ListRuns(RunFilter{ParentRunID: id}).

# Backends

  - memory: process memory, the default
  - file: one directory per run, atomic writes
  - redis: JSON values plus a start-time index, optional key TTL
  - sqlite: gorm over the pure-Go SQLite driver, migrated on open

# Recording

Recorder adapts a RunStore to agent.StepCallback and agent.RunCallback:

	rec := persistence.NewRecorder(store, logger)
	a, err := agent.New(provider, registry, cfg, rec.Options()...)
*/
package persistence
