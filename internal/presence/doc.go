// Package presence tracks what each agent is doing.
//
// # Overview
//
// Every agent owns one document in the agent-presence collection. The agent
// process reports heartbeats, task starts and step transitions through a
// Repository; any number of observers read the same documents through
// Listen. Finished tasks are archived in an append-only task-history
// subcollection.
//
//	repo := presence.NewRepository(store, logger)
//	repo.StartTask(ctx, "nora", "Deploy service", "task-1", []string{"Build", "Test", "Deploy"})
//	repo.CompleteStep(ctx, "nora", 0, "build ok")
//
// # Execution Steps
//
// A task is an ordered checklist of ThoughtSteps. Each step moves
// pending → in-progress → completed | completed-with-issues | failed and
// never leaves a terminal state. Progress counts only steps that are
// exactly completed. FailStep abandons the task without advancing.
// Checklist holds these transitions as pure functions.
//
// # Staleness
//
// An agent whose lastUpdate is older than the stale threshold (120s by
// default) reads as offline regardless of its stored status. See
// AgentPresence.EffectiveStatus.
//
// # Consistency
//
// CompleteStep, FailStep, UpdateCurrentStepReasoning and
// RecordManifestoInjection read and write inside one store transaction, so
// concurrent writers to the same agent cannot lose each other's updates.
// They return ErrNotFound when the agent has no presence document.
package presence
